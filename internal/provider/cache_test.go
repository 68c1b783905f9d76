package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *countingEmbedder) Embed(context.Context, string) ([]float32, int, error) {
	f.calls++
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.vec, len(f.vec), nil
}

func (f *countingEmbedder) Dimensions() int { return len(f.vec) }
func (f *countingEmbedder) Name() string    { return "fake:embed" }

func cachedFixture(t *testing.T) (*CachedEmbedder, *countingEmbedder, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	inner := &countingEmbedder{vec: []float32{0.5, 0.25}}
	return NewCachedEmbedder(inner, rdb, 0), inner, mr
}

func TestCachedEmbedderMissThenHit(t *testing.T) {
	c, inner, _ := cachedFixture(t)
	ctx := context.Background()

	vec, dims, err := c.Embed(ctx, "the same content")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
	assert.Equal(t, 2, dims)
	assert.Equal(t, 1, inner.calls)

	vec, dims, err = c.Embed(ctx, "the same content")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
	assert.Equal(t, 2, dims)
	assert.Equal(t, 1, inner.calls, "second call served from cache")

	_, _, err = c.Embed(ctx, "different content")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls, "different content is a different key")
}

func TestCachedEmbedderTTLExpiry(t *testing.T) {
	c, inner, mr := cachedFixture(t)
	ctx := context.Background()

	_, _, err := c.Embed(ctx, "content")
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)

	mr.FastForward(25 * time.Hour)

	_, _, err = c.Embed(ctx, "content")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls, "expired entry re-embeds")
}

func TestCachedEmbedderCorruptEntryRecomputes(t *testing.T) {
	c, inner, mr := cachedFixture(t)
	ctx := context.Background()

	_, _, err := c.Embed(ctx, "content")
	require.NoError(t, err)

	require.NoError(t, mr.Set(c.key("content"), "not a vector"))

	vec, _, err := c.Embed(ctx, "content")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
	assert.Equal(t, 2, inner.calls)

	// The corrupt entry was replaced; the next call hits the cache again.
	_, _, err = c.Embed(ctx, "content")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedEmbedderFallsThroughWhenRedisDown(t *testing.T) {
	c, inner, mr := cachedFixture(t)
	mr.Close()

	vec, dims, err := c.Embed(context.Background(), "content")
	require.NoError(t, err, "cache outage must not fail embedding")
	assert.Equal(t, []float32{0.5, 0.25}, vec)
	assert.Equal(t, 2, dims)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedEmbedderPropagatesInnerError(t *testing.T) {
	c, inner, _ := cachedFixture(t)
	inner.err = errors.New("provider down")

	_, _, err := c.Embed(context.Background(), "content")
	assert.ErrorContains(t, err, "provider down")
}

func TestCachedEmbedderDelegates(t *testing.T) {
	c, _, _ := cachedFixture(t)
	assert.Equal(t, 2, c.Dimensions())
	assert.Equal(t, "fake:embed", c.Name())
}
