package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/breaker"
	"engram/internal/config"
	"engram/internal/types"
)

func testRegistry() *breaker.Registry {
	return breaker.NewRegistry(breaker.DefaultConfig())
}

func embedServer(t *testing.T, vec []float32) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Model)
		assert.NotEmpty(t, req.Prompt)
		json.NewEncoder(w).Encode(embedResponse{Embedding: vec})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestHTTPEmbedderEmbeds(t *testing.T) {
	srv, _ := embedServer(t, []float32{0.1, 0.2, 0.3})
	e := NewEmbedder(config.EmbeddingConfig{
		Endpoint:   srv.URL,
		Model:      "test-embed",
		Dimensions: 3,
		Timeout:    5 * time.Second,
	}, testRegistry(), nil)

	vec, dims, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 3, dims)
	assert.Equal(t, 3, e.Dimensions())
	assert.Equal(t, "ollama:test-embed", e.Name())
}

func TestHTTPEmbedderEmptyVectorIsError(t *testing.T) {
	srv, _ := embedServer(t, nil)
	e := NewEmbedder(config.EmbeddingConfig{Endpoint: srv.URL, Model: "m"}, testRegistry(), nil)

	_, _, err := e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindEmbedding))
}

func TestHTTPEmbedderBreakerOpensAndFailsFast(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	breakers := breaker.NewRegistry(breaker.Config{Threshold: 2, Cooldown: time.Minute})
	e := NewEmbedder(config.EmbeddingConfig{Endpoint: srv.URL, Model: "m"}, breakers, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := e.Embed(ctx, "hello")
		require.Error(t, err)
		assert.True(t, types.IsKind(err, types.KindEmbedding))
	}
	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, "open", breakers.Get(NameEmbedding).State())

	// Third call fails fast without reaching the server; the breaker-open
	// cause is visible through the embedding kind.
	_, _, err := e.Embed(ctx, "hello")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindEmbedding))
	assert.True(t, errors.Is(err, &types.Error{Kind: types.KindBreakerOpen}))
	assert.Equal(t, int64(2), hits.Load())
}

func generateServer(t *testing.T, response string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream, "enrichment calls are not streamed")
		assert.Equal(t, "json", req.Format)
		json.NewEncoder(w).Encode(generateResponse{Response: response})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPTagExtractorFiltersSuggestions(t *testing.T) {
	srv := generateServer(t, `{"tags": ["DevOps: Kubernetes", "bad tag!!", "infra:db", "infra:db"]}`)
	x := NewTagExtractor(config.TagProviderConfig{Endpoint: srv.URL, Model: "m"}, testRegistry(), nil)

	got, err := x.ExtractTags(context.Background(), "k8s postgres notes", []string{"infra"})
	require.NoError(t, err)
	assert.Equal(t, []string{"devops:kubernetes", "infra:db"}, got)
}

func TestHTTPTagExtractorAcceptsBareArray(t *testing.T) {
	srv := generateServer(t, `["ops:oncall"]`)
	x := NewTagExtractor(config.TagProviderConfig{Endpoint: srv.URL, Model: "m"}, testRegistry(), nil)

	got, err := x.ExtractTags(context.Background(), "paging policy", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ops:oncall"}, got)
}

func TestHTTPTagExtractorUnparseableResponse(t *testing.T) {
	srv := generateServer(t, `the tags are infra and db`)
	x := NewTagExtractor(config.TagProviderConfig{Endpoint: srv.URL, Model: "m"}, testRegistry(), nil)

	_, err := x.ExtractTags(context.Background(), "notes", nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTag))
}

func TestHTTPPropositionGeneratorReturnsRawCandidates(t *testing.T) {
	srv := generateServer(t, `{"propositions": ["PostgreSQL uses HNSW indexes for vectors.", "short"]}`)
	g := NewPropositionGenerator(config.PropositionCfg{
		Endpoint: srv.URL, Model: "m", Enabled: true,
	}, testRegistry(), nil)
	require.NotNil(t, g)

	got, err := g.GeneratePropositions(context.Background(), "notes about postgres")
	require.NoError(t, err)
	// Filtering happens downstream; the provider reports what the model said.
	assert.Equal(t, []string{"PostgreSQL uses HNSW indexes for vectors.", "short"}, got)
}

func TestNewPropositionGeneratorDisabled(t *testing.T) {
	assert.Nil(t, NewPropositionGenerator(config.PropositionCfg{Enabled: false}, testRegistry(), nil))
	assert.Nil(t, NewPropositionGenerator(config.PropositionCfg{Enabled: true, Endpoint: ""}, testRegistry(), nil))
}

func TestParseStringList(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{"keyed object", `{"tags": ["a", "b"]}`, []string{"a", "b"}, false},
		{"bare array", `["a"]`, []string{"a"}, false},
		{"whitespace tolerated", "  {\"tags\": []}\n", []string{}, false},
		{"object missing key", `{"labels": ["a"]}`, nil, true},
		{"prose", `here are your tags`, nil, true},
		{"wrong element type", `{"tags": [1, 2]}`, nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseStringList(tc.raw, "tags")
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
