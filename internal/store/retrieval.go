package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"engram/internal/logging"
	"engram/internal/timeframe"
	"engram/internal/types"
)

// =============================================================================
// RETRIEVER QUERIES
// =============================================================================

// maxCandidates bounds each retriever's contribution to fusion.
const maxCandidates = 100

// Candidate is a scored row from a single retriever, before fusion.
type Candidate struct {
	Node  types.Node
	Score float64
}

// TagCandidate is a tag-retriever row with the tag names that matched.
type TagCandidate struct {
	Node        types.Node
	MatchedTags []string
}

// SearchFilter narrows retrieval to a robot scope and/or a time window.
// The zero value means "everything live", capped at maxCandidates.
type SearchFilter struct {
	RobotIDs []int64
	Window   *timeframe.Window
	Limit    int
}

func (f SearchFilter) limitOrDefault() int {
	if f.Limit <= 0 || f.Limit > maxCandidates {
		return maxCandidates
	}
	return f.Limit
}

// apply appends scope conditions, keeping placeholder numbering in step with
// the args slice.
func (f SearchFilter) apply(where []string, args []any) ([]string, []any) {
	if len(f.RobotIDs) > 0 {
		args = append(args, f.RobotIDs)
		where = append(where, fmt.Sprintf(
			"n.id IN (SELECT node_id FROM robot_nodes WHERE robot_id = ANY($%d))", len(args)))
	}
	if f.Window != nil {
		args = append(args, f.Window.Start)
		where = append(where, fmt.Sprintf("n.created_at >= $%d", len(args)))
		args = append(args, f.Window.End)
		where = append(where, fmt.Sprintf("n.created_at < $%d", len(args)))
	}
	return where, args
}

// VectorSearch ranks live embedded nodes by cosine similarity to the query
// embedding. Scores are clamped to [0, 1].
func (s *Store) VectorSearch(ctx context.Context, embedding []float32, f SearchFilter) ([]Candidate, error) {
	defer logging.StartTimer(s.log, "vector_search").Stop()

	args := []any{pgvector.NewVector(embedding)}
	where := []string{"n.deleted_at IS NULL", "n.embedding IS NOT NULL"}
	where, args = f.apply(where, args)
	args = append(args, f.limitOrDefault())

	q := fmt.Sprintf(`
		SELECT n.id, n.content, n.content_hash, n.token_count, n.metadata, n.is_proposition,
		       COALESCE(n.embedding_dimension, 0), n.created_at, n.updated_at, n.deleted_at,
		       GREATEST(1 - (n.embedding <=> $1), 0)::float8
		FROM nodes n
		WHERE %s
		ORDER BY n.embedding <=> $1, n.id
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "vector search")
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(
			&c.Node.ID, &c.Node.Content, &c.Node.ContentHash, &c.Node.TokenCount,
			&c.Node.Metadata, &c.Node.IsProposition, &c.Node.EmbeddingDimension,
			&c.Node.CreatedAt, &c.Node.UpdatedAt, &c.Node.DeletedAt,
			&c.Score,
		); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan vector candidate")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate vector candidates")
	}
	return out, nil
}

// FulltextSearch ranks live nodes by ts_rank against the plain query.
func (s *Store) FulltextSearch(ctx context.Context, query string, f SearchFilter) ([]Candidate, error) {
	defer logging.StartTimer(s.log, "fulltext_search").Stop()

	args := []any{query}
	where := []string{
		"n.deleted_at IS NULL",
		"to_tsvector('english', n.content) @@ plainto_tsquery('english', $1)",
	}
	where, args = f.apply(where, args)
	args = append(args, f.limitOrDefault())

	q := fmt.Sprintf(`
		SELECT n.id, n.content, n.content_hash, n.token_count, n.metadata, n.is_proposition,
		       COALESCE(n.embedding_dimension, 0), n.created_at, n.updated_at, n.deleted_at,
		       ts_rank(to_tsvector('english', n.content), plainto_tsquery('english', $1))::float8 AS rank
		FROM nodes n
		WHERE %s
		ORDER BY rank DESC, n.id
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "fulltext search")
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(
			&c.Node.ID, &c.Node.Content, &c.Node.ContentHash, &c.Node.TokenCount,
			&c.Node.Metadata, &c.Node.IsProposition, &c.Node.EmbeddingDimension,
			&c.Node.CreatedAt, &c.Node.UpdatedAt, &c.Node.DeletedAt,
			&c.Score,
		); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan fulltext candidate")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate fulltext candidates")
	}
	return out, nil
}

// NodesByTags returns live nodes associated with any of the given tag names,
// together with which names matched. Nodes touching more of the requested
// tags come back first; depth scoring happens in the search engine.
func (s *Store) NodesByTags(ctx context.Context, tagNames []string, f SearchFilter) ([]TagCandidate, error) {
	if len(tagNames) == 0 {
		return nil, nil
	}
	defer logging.StartTimer(s.log, "tag_search").Stop()

	args := []any{tagNames}
	where := []string{"n.deleted_at IS NULL"}
	where, args = f.apply(where, args)
	args = append(args, f.limitOrDefault())

	q := fmt.Sprintf(`
		SELECT n.id, n.content, n.content_hash, n.token_count, n.metadata, n.is_proposition,
		       COALESCE(n.embedding_dimension, 0), n.created_at, n.updated_at, n.deleted_at,
		       array_agg(DISTINCT t.name) AS matched
		FROM nodes n
		JOIN node_tags nt ON nt.node_id = n.id
		JOIN tags t ON t.id = nt.tag_id AND t.name = ANY($1)
		WHERE %s
		GROUP BY n.id
		ORDER BY count(DISTINCT t.name) DESC, n.id
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "tag search")
	}
	defer rows.Close()

	var out []TagCandidate
	for rows.Next() {
		var c TagCandidate
		if err := rows.Scan(
			&c.Node.ID, &c.Node.Content, &c.Node.ContentHash, &c.Node.TokenCount,
			&c.Node.Metadata, &c.Node.IsProposition, &c.Node.EmbeddingDimension,
			&c.Node.CreatedAt, &c.Node.UpdatedAt, &c.Node.DeletedAt,
			&c.MatchedTags,
		); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan tag candidate")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate tag candidates")
	}
	return out, nil
}
