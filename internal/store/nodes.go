package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"engram/internal/types"
)

// =============================================================================
// NODE LIFECYCLE
// =============================================================================

// AddNodeParams carries one write into the long-term store.
type AddNodeParams struct {
	Content       string
	TokenCount    int
	RobotID       int64 // 0 skips the association
	Metadata      map[string]any
	IsProposition bool
}

// AddNode writes content-addressed: identical content resolves to the
// existing node id with isNew=false, and a tombstone on that node is lifted
// because the caller is actively remembering it again. The robot association
// is ensured either way.
func (s *Store) AddNode(ctx context.Context, p AddNodeParams) (nodeID int64, isNew bool, err error) {
	if p.Content == "" {
		return 0, false, types.Validation("content must not be empty")
	}
	hash := types.HashContent(p.Content)
	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	isNew = true
	err = s.pool.QueryRow(ctx, `
		INSERT INTO nodes (content, content_hash, token_count, metadata, is_proposition)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING id`,
		p.Content, hash, p.TokenCount, meta, p.IsProposition,
	).Scan(&nodeID)
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		isNew = false
		err = s.pool.QueryRow(ctx, `
			UPDATE nodes SET deleted_at = NULL
			WHERE content_hash = $1
			RETURNING id`,
			hash,
		).Scan(&nodeID)
		if err != nil {
			return 0, false, types.Wrap(types.KindDatabase, err, "resolve existing node")
		}
	default:
		return 0, false, types.Wrap(types.KindDatabase, err, "insert node")
	}

	if p.RobotID > 0 {
		if err := s.EnsureAssociation(ctx, p.RobotID, nodeID); err != nil {
			return 0, false, err
		}
	}
	s.cache.Invalidate()
	return nodeID, isNew, nil
}

// GetNode returns a live node; tombstoned and unknown ids are NotFound.
func (s *Store) GetNode(ctx context.Context, id int64) (*types.Node, error) {
	key := Key("node", id)
	if v, ok := s.cache.Get(key); ok {
		n := v.(types.Node)
		return &n, nil
	}

	var n types.Node
	err := scanNode(s.pool.QueryRow(ctx, `
		SELECT id, content, content_hash, token_count, metadata, is_proposition,
		       COALESCE(embedding_dimension, 0), created_at, updated_at, deleted_at
		FROM nodes
		WHERE id = $1 AND deleted_at IS NULL`, id), &n)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NotFound("node", id)
	}
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "get node")
	}

	s.cache.Set(key, n)
	return &n, nil
}

// UpdateNodeEmbedding stores the (already zero-padded) vector and the
// provider's true dimension count.
func (s *Store) UpdateNodeEmbedding(ctx context.Context, id int64, embedding []float32, dimension int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes
		SET embedding = $2, embedding_dimension = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`,
		id, pgvector.NewVector(embedding), dimension)
	if err != nil {
		return types.Wrap(types.KindDatabase, err, "update embedding")
	}
	if tag.RowsAffected() == 0 {
		return types.NotFound("node", id)
	}
	s.cache.Invalidate()
	return nil
}

// SoftDelete tombstones a node. Deleting an already-tombstoned node is a
// no-op; an unknown id is NotFound.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return types.Wrap(types.KindDatabase, err, "soft delete node")
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireNode(ctx, id); err != nil {
			return err
		}
	}
	s.cache.Invalidate()
	return nil
}

// HardDelete removes the node row; associations and tag links cascade.
func (s *Store) HardDelete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return types.Wrap(types.KindDatabase, err, "hard delete node")
	}
	if tag.RowsAffected() == 0 {
		return types.NotFound("node", id)
	}
	s.cache.Invalidate()
	return nil
}

// Restore lifts a tombstone. Restoring a live node is a no-op; an unknown id
// is NotFound.
func (s *Store) Restore(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes SET deleted_at = NULL, updated_at = now()
		WHERE id = $1 AND deleted_at IS NOT NULL`, id)
	if err != nil {
		return types.Wrap(types.KindDatabase, err, "restore node")
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireNode(ctx, id); err != nil {
			return err
		}
	}
	s.cache.Invalidate()
	return nil
}

// PurgeDeleted hard-deletes tombstones older than the cutoff and reports how
// many rows went away.
func (s *Store) PurgeDeleted(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM nodes WHERE deleted_at IS NOT NULL AND deleted_at < $1`, olderThan)
	if err != nil {
		return 0, types.Wrap(types.KindDatabase, err, "purge deleted nodes")
	}
	if tag.RowsAffected() > 0 {
		s.cache.Invalidate()
	}
	return tag.RowsAffected(), nil
}

// CountTombstonesBefore reports how many tombstones a purge with the same
// cutoff would remove. Backs the purge dry-run.
func (s *Store) CountTombstonesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM nodes WHERE deleted_at IS NOT NULL AND deleted_at < $1`,
		olderThan).Scan(&n)
	if err != nil {
		return 0, types.Wrap(types.KindDatabase, err, "count tombstones")
	}
	return n, nil
}

func (s *Store) requireNode(ctx context.Context, id int64) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM nodes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return types.Wrap(types.KindDatabase, err, "check node")
	}
	if !exists {
		return types.NotFound("node", id)
	}
	return nil
}

// =============================================================================
// ROBOT ASSOCIATIONS AND WORKING MEMORY
// =============================================================================

// EnsureAssociation links a robot to a node, bumping the access counter when
// the link already exists.
func (s *Store) EnsureAssociation(ctx context.Context, robotID, nodeID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO robot_nodes (robot_id, node_id, access_count, last_accessed_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (robot_id, node_id)
		DO UPDATE SET access_count = robot_nodes.access_count + 1, last_accessed_at = now()`,
		robotID, nodeID)
	if err != nil {
		return types.Wrap(types.KindDatabase, err, "ensure association")
	}
	s.cache.Invalidate()
	return nil
}

// TouchAccess bumps access counters for nodes a robot just recalled.
func (s *Store) TouchAccess(ctx context.Context, robotID int64, nodeIDs ...int64) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE robot_nodes
		SET access_count = access_count + 1, last_accessed_at = now()
		WHERE robot_id = $1 AND node_id = ANY($2)`,
		robotID, nodeIDs)
	if err != nil {
		return types.Wrap(types.KindDatabase, err, "touch access")
	}
	s.cache.Invalidate()
	return nil
}

// SetWorkingMemory marks nodes as members of the robot's working set,
// creating the association when missing. Idempotent; access counters are
// untouched so sync traffic does not look like recall traffic.
func (s *Store) SetWorkingMemory(ctx context.Context, robotID int64, nodeIDs ...int64) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO robot_nodes (robot_id, node_id, working_memory, access_count, last_accessed_at)
		SELECT $1, unnest($2::bigint[]), TRUE, 0, now()
		ON CONFLICT (robot_id, node_id)
		DO UPDATE SET working_memory = TRUE, last_accessed_at = now()`,
		robotID, nodeIDs)
	if err != nil {
		return types.Wrap(types.KindDatabase, err, "set working memory")
	}
	s.cache.Invalidate()
	return nil
}

// ClearWorkingFlags drops specific nodes out of the robot's working set
// while keeping the long-term association. This is the eviction write.
func (s *Store) ClearWorkingFlags(ctx context.Context, robotID int64, nodeIDs ...int64) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE robot_nodes SET working_memory = FALSE
		WHERE robot_id = $1 AND node_id = ANY($2)`,
		robotID, nodeIDs)
	if err != nil {
		return types.Wrap(types.KindDatabase, err, "clear working flags")
	}
	s.cache.Invalidate()
	return nil
}

// ClearWorkingMemory empties the robot's working set and reports how many
// nodes were dropped.
func (s *Store) ClearWorkingMemory(ctx context.Context, robotID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE robot_nodes SET working_memory = FALSE
		WHERE robot_id = $1 AND working_memory`, robotID)
	if err != nil {
		return 0, types.Wrap(types.KindDatabase, err, "clear working memory")
	}
	s.cache.Invalidate()
	return tag.RowsAffected(), nil
}

// WorkingSet returns the robot's live working-set nodes, most recently
// accessed first.
func (s *Store) WorkingSet(ctx context.Context, robotID int64) ([]types.WorkingNode, error) {
	key := Key("working_set", robotID)
	if v, ok := s.cache.Get(key); ok {
		return v.([]types.WorkingNode), nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT n.id, n.content, n.content_hash, n.token_count, n.metadata, n.is_proposition,
		       COALESCE(n.embedding_dimension, 0), n.created_at, n.updated_at, n.deleted_at,
		       rn.access_count, rn.last_accessed_at
		FROM robot_nodes rn
		JOIN nodes n ON n.id = rn.node_id
		WHERE rn.robot_id = $1 AND rn.working_memory AND n.deleted_at IS NULL
		ORDER BY rn.last_accessed_at DESC, n.id`, robotID)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "load working set")
	}
	defer rows.Close()

	var out []types.WorkingNode
	for rows.Next() {
		var wn types.WorkingNode
		if err := rows.Scan(
			&wn.Node.ID, &wn.Node.Content, &wn.Node.ContentHash, &wn.Node.TokenCount,
			&wn.Node.Metadata, &wn.Node.IsProposition, &wn.Node.EmbeddingDimension,
			&wn.Node.CreatedAt, &wn.Node.UpdatedAt, &wn.Node.DeletedAt,
			&wn.AccessCount, &wn.LastAccessed,
		); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan working node")
		}
		out = append(out, wn)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate working set")
	}

	s.cache.Set(key, out)
	return out, nil
}

// WorkingSetIDs returns just the node ids of the robot's working set.
func (s *Store) WorkingSetIDs(ctx context.Context, robotID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rn.node_id
		FROM robot_nodes rn
		JOIN nodes n ON n.id = rn.node_id
		WHERE rn.robot_id = $1 AND rn.working_memory AND n.deleted_at IS NULL
		ORDER BY rn.node_id`, robotID)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "load working set ids")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan node id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate working set ids")
	}
	return ids, nil
}

// TransferWorkingMemory copies the source robot's working set into the
// destination robot's, optionally clearing the source. Returns the number of
// nodes transferred.
func (s *Store) TransferWorkingMemory(ctx context.Context, srcRobot, dstRobot int64, clearSource bool) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, types.Wrap(types.KindDatabase, err, "begin transfer")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO robot_nodes (robot_id, node_id, working_memory, access_count, last_accessed_at)
		SELECT $2, rn.node_id, TRUE, 0, now()
		FROM robot_nodes rn
		JOIN nodes n ON n.id = rn.node_id
		WHERE rn.robot_id = $1 AND rn.working_memory AND n.deleted_at IS NULL
		ON CONFLICT (robot_id, node_id)
		DO UPDATE SET working_memory = TRUE, last_accessed_at = now()`,
		srcRobot, dstRobot)
	if err != nil {
		return 0, types.Wrap(types.KindDatabase, err, "transfer working set")
	}
	moved := tag.RowsAffected()

	if clearSource {
		if _, err := tx.Exec(ctx, `
			UPDATE robot_nodes SET working_memory = FALSE
			WHERE robot_id = $1 AND working_memory`, srcRobot); err != nil {
			return 0, types.Wrap(types.KindDatabase, err, "clear source working set")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, types.Wrap(types.KindDatabase, err, "commit transfer")
	}
	s.cache.Invalidate()
	return moved, nil
}
