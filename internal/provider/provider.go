// Package provider implements the three narrow LLM callables the memory
// substrate depends on: query/content embedding, tag extraction, and
// proposition generation. Providers are plain HTTP clients against an
// Ollama-compatible server; every call goes through a named circuit breaker
// and is observed in the latency metrics. The substrate never embeds a
// full LLM SDK.
package provider

import "context"

// Provider names, shared by breakers and latency metrics.
const (
	NameEmbedding    = "embedding"
	NameTags         = "tags"
	NamePropositions = "propositions"
)

// Embedder turns text into a vector. The int return is the vector's true
// dimension, recorded per node for drift detection.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, int, error)
	Dimensions() int
	Name() string
}

// TagExtractor names the ontology paths present in content. The vocabulary
// is an advisory sample of existing tag names so the provider converges on
// the store's ontology instead of inventing parallel spellings.
type TagExtractor interface {
	ExtractTags(ctx context.Context, content string, vocabulary []string) ([]string, error)
	Name() string
}

// PropositionGenerator decomposes content into atomic factual statements.
// Output is raw candidate sentences; the enrichment workflow filters them.
type PropositionGenerator interface {
	GeneratePropositions(ctx context.Context, content string) ([]string, error)
	Name() string
}
