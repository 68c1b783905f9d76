package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"engram/internal/logging"
)

// embedKeyPrefix namespaces cache entries; the provider name is part of the
// key so switching models never serves stale vectors.
const embedKeyPrefix = "engram:embed:"

// defaultEmbedTTL bounds how long a cached vector may outlive the content
// that produced it.
const defaultEmbedTTL = 24 * time.Hour

// CachedEmbedder fronts an Embedder with Redis. Identical content hits the
// cache instead of the provider; any cache failure falls through to the
// inner embedder so Redis being down only costs latency.
type CachedEmbedder struct {
	inner Embedder
	rdb   *redis.Client
	ttl   time.Duration
	log   *zap.Logger
}

// NewCachedEmbedder wraps inner with a Redis cache.
func NewCachedEmbedder(inner Embedder, rdb *redis.Client, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = defaultEmbedTTL
	}
	return &CachedEmbedder{
		inner: inner,
		rdb:   rdb,
		ttl:   ttl,
		log:   logging.Named(logging.ComponentProvider),
	}
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return embedKeyPrefix + c.inner.Name() + ":" + hex.EncodeToString(sum[:])
}

// Embed serves from cache when possible, otherwise embeds and caches.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, int, error) {
	key := c.key(text)

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var vec []float32
		if jerr := json.Unmarshal(data, &vec); jerr == nil && len(vec) > 0 {
			return vec, len(vec), nil
		}
		c.log.Warn("corrupt cached embedding dropped", zap.String("key", key))
		c.rdb.Del(ctx, key)
	case errors.Is(err, redis.Nil):
		// Miss.
	default:
		c.log.Warn("embedding cache read failed", zap.Error(err))
	}

	vec, dims, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, 0, err
	}

	if data, jerr := json.Marshal(vec); jerr == nil {
		if serr := c.rdb.Set(ctx, key, data, c.ttl).Err(); serr != nil {
			c.log.Warn("embedding cache write failed", zap.Error(serr))
		}
	}
	return vec, dims, nil
}

// Dimensions reports the inner provider's configured width.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// Name reports the inner provider's name so cache keys and logs stay stable
// whether or not the cache layer is enabled.
func (c *CachedEmbedder) Name() string { return c.inner.Name() }
