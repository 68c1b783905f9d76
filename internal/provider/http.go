package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"engram/internal/breaker"
	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/tags"
	"engram/internal/telemetry"
	"engram/internal/types"
)

const defaultEndpoint = "http://localhost:11434"

// =============================================================================
// OLLAMA API TYPES
// =============================================================================

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// httpClient POSTs JSON to an Ollama-compatible server.
type httpClient struct {
	endpoint string
	client   *http.Client
}

func newHTTPClient(endpoint string, timeout time.Duration) httpClient {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (h httpClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, excerpt)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseStringList accepts either {"<key>": ["a","b"]} or a bare JSON array,
// covering the two shapes models actually produce under format=json.
func parseStringList(raw, key string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		if v, ok := obj[key]; ok {
			var list []string
			if err := json.Unmarshal(v, &list); err == nil {
				return list, nil
			}
		}
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, nil
	}
	return nil, fmt.Errorf("response is not a %s list: %.120s", key, raw)
}

// =============================================================================
// EMBEDDING
// =============================================================================

// HTTPEmbedder generates embeddings via the provider's /api/embeddings.
type HTTPEmbedder struct {
	http    httpClient
	model   string
	dims    int
	breaker *breaker.Breaker
	metrics *telemetry.Metrics
	log     *zap.Logger
}

// NewEmbedder builds the breaker-guarded embedding provider.
func NewEmbedder(cfg config.EmbeddingConfig, breakers *breaker.Registry, metrics *telemetry.Metrics) *HTTPEmbedder {
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	return &HTTPEmbedder{
		http:    newHTTPClient(cfg.Endpoint, cfg.Timeout),
		model:   model,
		dims:    cfg.Dimensions,
		breaker: breakers.Get(NameEmbedding),
		metrics: metrics,
		log:     logging.Named(logging.ComponentProvider),
	}
}

// Embed returns the vector for text and its true dimension. Failures,
// including an open breaker, carry KindEmbedding; the breaker-open cause
// stays reachable through errors.Is.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, int, error) {
	start := time.Now()
	out, err := e.breaker.Execute(func() (any, error) {
		var resp embedResponse
		if err := e.http.postJSON(ctx, "/api/embeddings", embedRequest{Model: e.model, Prompt: text}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embedding) == 0 {
			return nil, errors.New("provider returned empty embedding")
		}
		return resp.Embedding, nil
	})
	e.metrics.ObserveProvider(NameEmbedding, time.Since(start))
	if err != nil {
		return nil, 0, types.Wrap(types.KindEmbedding, err, "generate embedding")
	}
	vec := out.([]float32)
	if e.dims > 0 && len(vec) != e.dims {
		e.log.Warn("embedding dimension differs from configuration",
			zap.Int("got", len(vec)), zap.Int("configured", e.dims))
	}
	return vec, len(vec), nil
}

// Dimensions returns the configured provider output width.
func (e *HTTPEmbedder) Dimensions() int { return e.dims }

// Name identifies the provider in logs and cache keys.
func (e *HTTPEmbedder) Name() string { return "ollama:" + e.model }

// =============================================================================
// TAG EXTRACTION
// =============================================================================

const tagPromptTemplate = `You label content for a hierarchical memory store.
Tags are colon-separated paths, most general segment first, up to 5 levels,
lowercase letters, digits and hyphens only (example: "infra:postgres:indexes").
Prefer tags from the existing vocabulary when they fit.%s

Content:
%s

Respond with JSON: {"tags": ["...", "..."]} using 1 to 5 tags.`

// HTTPTagExtractor asks the provider to name ontology paths for content.
type HTTPTagExtractor struct {
	http    httpClient
	model   string
	breaker *breaker.Breaker
	metrics *telemetry.Metrics
}

// NewTagExtractor builds the breaker-guarded tag provider.
func NewTagExtractor(cfg config.TagProviderConfig, breakers *breaker.Registry, metrics *telemetry.Metrics) *HTTPTagExtractor {
	model := cfg.Model
	if model == "" {
		model = "llama3.2"
	}
	return &HTTPTagExtractor{
		http:    newHTTPClient(cfg.Endpoint, cfg.Timeout),
		model:   model,
		breaker: breakers.Get(NameTags),
		metrics: metrics,
	}
}

// ExtractTags returns validated, normalized tag paths found in content.
// Malformed provider suggestions are dropped, not errors.
func (t *HTTPTagExtractor) ExtractTags(ctx context.Context, content string, vocabulary []string) ([]string, error) {
	vocabSection := ""
	if len(vocabulary) > 0 {
		vocabSection = "\nExisting vocabulary: " + strings.Join(vocabulary, ", ")
	}
	prompt := fmt.Sprintf(tagPromptTemplate, vocabSection, content)

	start := time.Now()
	out, err := t.breaker.Execute(func() (any, error) {
		var resp generateResponse
		req := generateRequest{Model: t.model, Prompt: prompt, Format: "json"}
		if err := t.http.postJSON(ctx, "/api/generate", req, &resp); err != nil {
			return nil, err
		}
		return resp.Response, nil
	})
	t.metrics.ObserveProvider(NameTags, time.Since(start))
	if err != nil {
		return nil, types.Wrap(types.KindTag, err, "extract tags")
	}

	names, err := parseStringList(out.(string), "tags")
	if err != nil {
		return nil, types.Wrap(types.KindTag, err, "parse tag response")
	}
	return tags.FilterValid(names), nil
}

// Name identifies the provider in logs.
func (t *HTTPTagExtractor) Name() string { return "ollama:" + t.model }

// =============================================================================
// PROPOSITIONS
// =============================================================================

const propositionPromptTemplate = `Decompose the content into independent,
self-contained factual statements. Each statement must stand alone without
pronouns referring outside itself. Skip opinions and instructions.

Content:
%s

Respond with JSON: {"propositions": ["...", "..."]}.`

// HTTPPropositionGenerator asks the provider for atomic factual statements.
type HTTPPropositionGenerator struct {
	http    httpClient
	model   string
	breaker *breaker.Breaker
	metrics *telemetry.Metrics
}

// NewPropositionGenerator builds the breaker-guarded proposition provider.
// Returns nil when the feature is disabled; callers treat nil as "skip".
func NewPropositionGenerator(cfg config.PropositionCfg, breakers *breaker.Registry, metrics *telemetry.Metrics) *HTTPPropositionGenerator {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil
	}
	model := cfg.Model
	if model == "" {
		model = "llama3.2"
	}
	return &HTTPPropositionGenerator{
		http:    newHTTPClient(cfg.Endpoint, cfg.Timeout),
		model:   model,
		breaker: breakers.Get(NamePropositions),
		metrics: metrics,
	}
}

// GeneratePropositions returns raw candidate statements. The enrichment
// workflow applies the length/word/letter/duplicate filters.
func (p *HTTPPropositionGenerator) GeneratePropositions(ctx context.Context, content string) ([]string, error) {
	prompt := fmt.Sprintf(propositionPromptTemplate, content)

	start := time.Now()
	out, err := p.breaker.Execute(func() (any, error) {
		var resp generateResponse
		req := generateRequest{Model: p.model, Prompt: prompt, Format: "json"}
		if err := p.http.postJSON(ctx, "/api/generate", req, &resp); err != nil {
			return nil, err
		}
		return resp.Response, nil
	})
	p.metrics.ObserveProvider(NamePropositions, time.Since(start))
	if err != nil {
		return nil, types.Wrap(types.KindProposition, err, "generate propositions")
	}

	list, err := parseStringList(out.(string), "propositions")
	if err != nil {
		return nil, types.Wrap(types.KindProposition, err, "parse proposition response")
	}
	return list, nil
}

// Name identifies the provider in logs.
func (p *HTTPPropositionGenerator) Name() string { return "ollama:" + p.model }
