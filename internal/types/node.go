// Package types holds the core data model shared by every engram component:
// nodes, tags, robots, their associations, and the error kinds used across
// package boundaries.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// MaxEmbeddingDim is the fixed width of the stored embedding column.
// Providers that return fewer dimensions are zero-padded up to this width;
// providers that return more are rejected.
const MaxEmbeddingDim = 2000

// MaxContentBytes bounds the size of a single node's content.
const MaxContentBytes = 1_000_000

// Node is the atomic memory unit. Content is immutable once written; the
// embedding and tags arrive asynchronously through the enrichment workflow.
type Node struct {
	ID                 int64          `json:"id"`
	Content            string         `json:"content"`
	ContentHash        string         `json:"content_hash"`
	Embedding          []float32      `json:"-"`
	EmbeddingDimension int            `json:"embedding_dimension,omitempty"`
	TokenCount         int            `json:"token_count"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	IsProposition      bool           `json:"is_proposition,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          *time.Time     `json:"deleted_at,omitempty"`
}

// Deleted reports whether the node carries a soft-delete tombstone.
func (n *Node) Deleted() bool { return n.DeletedAt != nil }

// SourceNodeID returns the backlink for proposition nodes (0 when absent).
func (n *Node) SourceNodeID() int64 {
	if n.Metadata == nil {
		return 0
	}
	switch v := n.Metadata["source_node_id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Importance reads the optional importance weight from metadata, defaulting
// to 1.0. Used by the balanced context-assembly strategy.
func (n *Node) Importance() float64 {
	if n.Metadata == nil {
		return 1.0
	}
	switch v := n.Metadata["importance"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 1.0
}

// HashContent computes the content-addressing key for deduplication:
// lowercase hex SHA-256 of the raw content bytes.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Tag is a hierarchical topic label. Name is a colon-joined path of
// lowercase segments, e.g. "devops:kubernetes:pods".
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TagMatch pairs a tag name with its trigram similarity to a fuzzy query.
type TagMatch struct {
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

// SearchResult is one fused retrieval hit with its scoring breakdown.
// Sources lists which retrievers found the node; the per-retriever ranks are
// nil when that retriever did not return it.
type SearchResult struct {
	Node          *Node    `json:"node"`
	RRFScore      float64  `json:"rrf_score"`
	Sources       []string `json:"sources"`
	VectorRank    *int     `json:"vector_rank,omitempty"`
	FulltextRank  *int     `json:"fulltext_rank,omitempty"`
	TagRank       *int     `json:"tag_rank,omitempty"`
	Similarity    float64  `json:"similarity,omitempty"`
	TextRank      float64  `json:"text_rank,omitempty"`
	TagDepthScore float64  `json:"tag_depth_score,omitempty"`
	MatchedTags   []string `json:"matched_tags,omitempty"`
}

// Retriever source names as they appear in SearchResult.Sources.
const (
	SourceVector   = "vector"
	SourceFulltext = "fulltext"
	SourceTags     = "tags"
)
