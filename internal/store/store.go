// Package store is the PostgreSQL persistence layer: nodes, tags, robots,
// their associations, and the retrieval queries behind hybrid search. All
// reads flow through a TTL+LRU query cache that any mutation invalidates.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"engram/internal/logging"
	"engram/internal/types"
)

// Options configures Open. Zero values fall back to sane defaults; only
// ConnString is required.
type Options struct {
	ConnString string
	PoolMax    int32
	PoolMin    int32
	CacheTTL   time.Duration
	CacheSize  int
}

// Store wraps a pgx connection pool plus the query cache.
type Store struct {
	pool  *pgxpool.Pool
	cache *QueryCache
	log   *zap.Logger
}

// Open connects, registers the pgvector codec on every pooled connection,
// and verifies the database is reachable.
func Open(ctx context.Context, opts Options) (*Store, error) {
	pc, err := pgxpool.ParseConfig(opts.ConnString)
	if err != nil {
		return nil, types.Wrap(types.KindConfig, err, "parse database url")
	}
	if opts.PoolMax > 0 {
		pc.MaxConns = opts.PoolMax
	}
	if opts.PoolMin > 0 {
		pc.MinConns = opts.PoolMin
	}
	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, types.Wrap(types.KindDatabase, err, "ping database")
	}

	s := &Store{
		pool:  pool,
		cache: NewQueryCache(opts.CacheTTL, opts.CacheSize),
		log:   logging.Named(logging.ComponentStore),
	}
	s.log.Info("store opened",
		zap.String("database", pc.ConnConfig.Database),
		zap.Int32("pool_max", pc.MaxConns))
	return s, nil
}

// Close releases the pool. Safe to call once; pending queries finish first.
func (s *Store) Close() {
	s.pool.Close()
	s.log.Debug("store closed")
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return types.Wrap(types.KindDatabase, err, "ping database")
	}
	return nil
}

// Pool exposes the underlying pool for components that need a dedicated
// connection (LISTEN/NOTIFY) or raw pool statistics.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Cache exposes the query cache so the search engine shares the same
// invalidation domain as node mutations.
func (s *Store) Cache() *QueryCache { return s.cache }

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Node column order shared by every node query:
// id, content, content_hash, token_count, metadata, is_proposition,
// COALESCE(embedding_dimension, 0), created_at, updated_at, deleted_at.
func scanNode(row rowScanner, n *types.Node) error {
	return row.Scan(
		&n.ID,
		&n.Content,
		&n.ContentHash,
		&n.TokenCount,
		&n.Metadata,
		&n.IsProposition,
		&n.EmbeddingDimension,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.DeletedAt,
	)
}
