package store

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueryCacheGetSet(t *testing.T) {
	c := NewQueryCache(time.Minute, 10)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", 42)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	hits, misses := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestQueryCacheTTLExpiry(t *testing.T) {
	c := NewQueryCache(time.Minute, 10)
	current := time.Unix(1000, 0)
	c.now = func() time.Time { return current }

	c.Set("k", "v")
	_, ok := c.Get("k")
	assert.True(t, ok)

	current = current.Add(61 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry should expire after the TTL")
	assert.Equal(t, 0, c.Len(), "expired entry is removed on read")
}

func TestQueryCacheLRUEviction(t *testing.T) {
	c := NewQueryCache(time.Minute, 3)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes the least recently used.
	_, _ = c.Get("a")
	c.Set("d", 4)

	_, ok := c.Get("b")
	assert.False(t, ok, "least recently used entry evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "key %s should survive", k)
	}
	assert.Equal(t, 3, c.Len())
}

func TestQueryCacheInvalidate(t *testing.T) {
	c := NewQueryCache(time.Minute, 10)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Invalidate()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestQueryCacheOverwrite(t *testing.T) {
	c := NewQueryCache(time.Minute, 10)
	c.Set("k", 1)
	c.Set("k", 2)

	v, _ := c.Get("k")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestQueryCacheConcurrent(t *testing.T) {
	c := NewQueryCache(time.Minute, 50)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := Key("op", g, i%10)
				c.Set(key, i)
				c.Get(key)
				if i%50 == 0 {
					c.Invalidate()
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}

func TestKeyCanonical(t *testing.T) {
	assert.Equal(t, Key("node", int64(7)), Key("node", int64(7)))
	assert.NotEqual(t, Key("node", int64(7)), Key("node", int64(8)))
	assert.NotEqual(t, Key("node", int64(7)), Key("working_set", int64(7)))

	// Argument order matters.
	assert.NotEqual(t, Key("op", "a", "b"), Key("op", "b", "a"))

	k := Key("hybrid_search", "what changed", 10, []int64{1, 2})
	assert.True(t, strings.HasPrefix(k, "hybrid_search:"))
	assert.Equal(t, k, Key("hybrid_search", "what changed", 10, []int64{1, 2}))
}
