package store

import (
	"context"

	"engram/internal/tags"
	"engram/internal/types"
)

// =============================================================================
// TAG PERSISTENCE
// =============================================================================

// FindOrCreateTagWithAncestors upserts the full ancestor chain of name in
// one transaction and returns it shallow to deep, the target last. The name
// is validated against the ontology grammar first.
func (s *Store) FindOrCreateTagWithAncestors(ctx context.Context, name string) ([]types.Tag, error) {
	if err := tags.Validate(name); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "begin tag upsert")
	}
	defer tx.Rollback(ctx)

	chain := tags.Ancestors(name)
	out := make([]types.Tag, 0, len(chain))
	for _, tagName := range chain {
		var t types.Tag
		err := tx.QueryRow(ctx, `
			INSERT INTO tags (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id, name`, tagName).Scan(&t.ID, &t.Name)
		if err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "upsert tag")
		}
		out = append(out, t)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "commit tag upsert")
	}
	s.cache.Invalidate()
	return out, nil
}

// TagNode associates the given tag ids with a node. Existing links are left
// alone.
func (s *Store) TagNode(ctx context.Context, nodeID int64, tagIDs []int64) error {
	if len(tagIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO node_tags (node_id, tag_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`,
		nodeID, tagIDs)
	if err != nil {
		return types.Wrap(types.KindDatabase, err, "tag node")
	}
	s.cache.Invalidate()
	return nil
}

// AddTagToNode attaches name and all of its ancestors to the node, creating
// tags as needed. Returns the chain that was attached.
func (s *Store) AddTagToNode(ctx context.Context, nodeID int64, name string) ([]types.Tag, error) {
	chain, err := s.FindOrCreateTagWithAncestors(ctx, name)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(chain))
	for i, t := range chain {
		ids[i] = t.ID
	}
	if err := s.TagNode(ctx, nodeID, ids); err != nil {
		return nil, err
	}
	return chain, nil
}

// RemoveTagFromNode detaches exactly the named tag from the node; ancestors
// stay attached because other tags may share them.
func (s *Store) RemoveTagFromNode(ctx context.Context, nodeID int64, name string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM node_tags nt
		USING tags t
		WHERE nt.tag_id = t.id AND nt.node_id = $1 AND t.name = $2`,
		nodeID, name)
	if err != nil {
		return types.Wrap(types.KindDatabase, err, "remove tag from node")
	}
	if tag.RowsAffected() == 0 {
		return types.NotFound("tag association", name)
	}
	s.cache.Invalidate()
	return nil
}

// NodeTags lists the tags attached to a node, shallow paths first.
func (s *Store) NodeTags(ctx context.Context, nodeID int64) ([]types.Tag, error) {
	key := Key("node_tags", nodeID)
	if v, ok := s.cache.Get(key); ok {
		return v.([]types.Tag), nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.name
		FROM node_tags nt
		JOIN tags t ON t.id = nt.tag_id
		WHERE nt.node_id = $1
		ORDER BY t.name`, nodeID)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "load node tags")
	}
	defer rows.Close()

	var out []types.Tag
	for rows.Next() {
		var t types.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan tag")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate node tags")
	}

	s.cache.Set(key, out)
	return out, nil
}

// ListTags pages through the ontology alphabetically.
func (s *Store) ListTags(ctx context.Context, limit, offset int) ([]types.Tag, error) {
	if limit <= 0 {
		limit = 100
	}
	key := Key("tags_list", limit, offset)
	if v, ok := s.cache.Get(key); ok {
		return v.([]types.Tag), nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, name FROM tags ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "list tags")
	}
	defer rows.Close()

	var out []types.Tag
	for rows.Next() {
		var t types.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan tag")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate tags")
	}

	s.cache.Set(key, out)
	return out, nil
}

// SearchTagsPrefix matches the exact path plus everything below it: "dev"
// finds "dev" and "dev:go" but never "devops".
func (s *Store) SearchTagsPrefix(ctx context.Context, prefix string) ([]types.Tag, error) {
	normalized, ok := tags.Normalize(prefix)
	if !ok {
		return nil, types.Validationf("invalid tag prefix %q", prefix)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, name FROM tags
		WHERE name = $1 OR name LIKE $1 || ':%'
		ORDER BY name`, normalized)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "prefix search tags")
	}
	defer rows.Close()

	var out []types.Tag
	for rows.Next() {
		var t types.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan tag")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate tags")
	}
	return out, nil
}

// SearchTagsFuzzy finds tags by trigram similarity, best matches first.
func (s *Store) SearchTagsFuzzy(ctx context.Context, query string, minSimilarity float64, limit int) ([]types.TagMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT name, similarity(name, $1)::float8 AS sim
		FROM tags
		WHERE similarity(name, $1) >= $2
		ORDER BY sim DESC, name
		LIMIT $3`,
		query, minSimilarity, limit)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "fuzzy search tags")
	}
	defer rows.Close()

	var out []types.TagMatch
	for rows.Next() {
		var m types.TagMatch
		if err := rows.Scan(&m.Name, &m.Similarity); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan tag match")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate tag matches")
	}
	return out, nil
}

// SampleTags returns up to n random ontology names. The enrichment workflow
// feeds these to the tag provider as vocabulary context.
func (s *Store) SampleTags(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT name FROM tags ORDER BY random() LIMIT $1`, n)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "sample tags")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan tag name")
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate tag names")
	}
	return out, nil
}
