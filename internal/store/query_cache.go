package store

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// =============================================================================
// QUERY CACHE
// =============================================================================

// QueryCache is a process-local TTL+LRU cache in front of read queries.
// Every successful mutation invalidates it wholesale; correctness never
// depends on fine-grained key tracking.
type QueryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	ll      *list.List
	items   map[string]*list.Element
	hits    uint64
	misses  uint64
	now     func() time.Time
}

type cacheEntry struct {
	key     string
	value   any
	expires time.Time
}

// NewQueryCache builds a cache holding at most size entries for at most ttl.
func NewQueryCache(ttl time.Duration, size int) *QueryCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if size <= 0 {
		size = 100
	}
	return &QueryCache{
		ttl:     ttl,
		maxSize: size,
		ll:      list.New(),
		items:   make(map[string]*list.Element, size),
		now:     time.Now,
	}
}

// Get returns the cached value for key, expiring it lazily.
func (c *QueryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if c.now().After(ent.expires) {
		c.ll.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return ent.value, true
}

// Set stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *QueryCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.value = value
		ent.expires = c.now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, value: value, expires: c.now().Add(c.ttl)})
	c.items[key] = el
	for c.ll.Len() > c.maxSize {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// Invalidate drops every entry.
func (c *QueryCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element, c.maxSize)
}

// Len returns the number of live entries, expired or not.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns cumulative hit/miss counters.
func (c *QueryCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// SetTTL adjusts the TTL for entries stored after the call. Used by config
// hot-reload.
func (c *QueryCache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// Key builds a cache key from an operation name and its canonical arguments.
// Arguments hash through their fmt representation; callers pass them in a
// fixed order so identical queries collide.
func Key(op string, args ...any) string {
	h := fnv.New64a()
	for _, a := range args {
		fmt.Fprintf(h, "|%v", a)
	}
	return fmt.Sprintf("%s:%016x", op, h.Sum64())
}
