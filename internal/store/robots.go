package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"engram/internal/types"
)

// =============================================================================
// ROBOT REGISTRY AND STATISTICS
// =============================================================================

// EnsureRobot gets or creates a robot by name and marks it active.
func (s *Store) EnsureRobot(ctx context.Context, name string) (*types.Robot, error) {
	if name == "" {
		return nil, types.Validation("robot name must not be empty")
	}
	var r types.Robot
	err := s.pool.QueryRow(ctx, `
		INSERT INTO robots (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET last_active_at = now()
		RETURNING id, name, metadata, created_at, last_active_at`, name).
		Scan(&r.ID, &r.Name, &r.Metadata, &r.CreatedAt, &r.LastActiveAt)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "ensure robot")
	}
	return &r, nil
}

// RobotByName looks up an existing robot.
func (s *Store) RobotByName(ctx context.Context, name string) (*types.Robot, error) {
	var r types.Robot
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, metadata, created_at, last_active_at
		FROM robots WHERE name = $1`, name).
		Scan(&r.ID, &r.Name, &r.Metadata, &r.CreatedAt, &r.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NotFound("robot", name)
	}
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "get robot")
	}
	return &r, nil
}

// ListRobots returns every registered robot, most recently active first.
func (s *Store) ListRobots(ctx context.Context) ([]types.Robot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, metadata, created_at, last_active_at
		FROM robots ORDER BY last_active_at DESC, id`)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "list robots")
	}
	defer rows.Close()

	var out []types.Robot
	for rows.Next() {
		var r types.Robot
		if err := rows.Scan(&r.ID, &r.Name, &r.Metadata, &r.CreatedAt, &r.LastActiveAt); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan robot")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate robots")
	}
	return out, nil
}

// TouchRobot records activity.
func (s *Store) TouchRobot(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE robots SET last_active_at = now() WHERE id = $1`, id)
	if err != nil {
		return types.Wrap(types.KindDatabase, err, "touch robot")
	}
	return nil
}

// RobotStats summarizes one robot's footprint. maxTokens is the configured
// working-set budget used for the utilization percentage.
func (s *Store) RobotStats(ctx context.Context, robotID int64, maxTokens int) (*types.RobotStats, error) {
	var r types.Robot
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, metadata, created_at, last_active_at
		FROM robots WHERE id = $1`, robotID).
		Scan(&r.ID, &r.Name, &r.Metadata, &r.CreatedAt, &r.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NotFound("robot", robotID)
	}
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "get robot")
	}

	st := &types.RobotStats{Robot: r, MaxTokens: maxTokens}
	err = s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE rn.working_memory),
		       COALESCE(sum(n.token_count) FILTER (WHERE rn.working_memory), 0)
		FROM robot_nodes rn
		JOIN nodes n ON n.id = rn.node_id AND n.deleted_at IS NULL
		WHERE rn.robot_id = $1`, robotID).
		Scan(&st.NodeCount, &st.WorkingNodes, &st.WorkingTokens)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "robot stats")
	}
	if maxTokens > 0 {
		st.UtilizationPct = float64(st.WorkingTokens) / float64(maxTokens) * 100
	}
	return st, nil
}

// StoreStats counts the whole store for the status surface.
func (s *Store) StoreStats(ctx context.Context) (*types.StoreStats, error) {
	var st types.StoreStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM nodes WHERE deleted_at IS NULL),
			(SELECT count(*) FROM nodes WHERE deleted_at IS NULL AND is_proposition),
			(SELECT count(*) FROM nodes WHERE deleted_at IS NOT NULL),
			(SELECT count(*) FROM tags),
			(SELECT count(*) FROM robots),
			(SELECT count(*) FROM nodes WHERE deleted_at IS NULL AND embedding IS NOT NULL)`).
		Scan(&st.Nodes, &st.Propositions, &st.Tombstones, &st.Tags, &st.Robots, &st.Embedded)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "store stats")
	}
	return &st, nil
}

// =============================================================================
// EMBEDDING DRIFT
// =============================================================================

// DriftedNodes pages through live nodes whose stored embedding dimension
// does not match the configured provider dimension (or that have no
// embedding at all). afterID makes the scan resumable.
func (s *Store) DriftedNodes(ctx context.Context, dimension, limit int, afterID int64) ([]types.Node, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, content, content_hash, token_count, metadata, is_proposition,
		       COALESCE(embedding_dimension, 0), created_at, updated_at, deleted_at
		FROM nodes
		WHERE deleted_at IS NULL
		  AND id > $2
		  AND (embedding IS NULL OR COALESCE(embedding_dimension, 0) <> $1)
		ORDER BY id
		LIMIT $3`, dimension, afterID, limit)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "scan drifted nodes")
	}
	defer rows.Close()

	var out []types.Node
	for rows.Next() {
		var n types.Node
		if err := scanNode(rows, &n); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan node")
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate drifted nodes")
	}
	return out, nil
}

// CountDrifted reports how many nodes a reembed run would touch.
func (s *Store) CountDrifted(ctx context.Context, dimension int) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM nodes
		WHERE deleted_at IS NULL
		  AND (embedding IS NULL OR COALESCE(embedding_dimension, 0) <> $1)`, dimension).
		Scan(&n)
	if err != nil {
		return 0, types.Wrap(types.KindDatabase, err, "count drifted nodes")
	}
	return n, nil
}
