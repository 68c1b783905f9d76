// Package workmem is the per-robot bounded working set: an in-process,
// token-accounted map of recently used nodes with hybrid LFU+LRU eviction.
// It never talks to the database; callers persist membership changes using
// the entries returned from eviction.
package workmem

import (
	"sort"
	"strings"
	"sync"
	"time"

	"engram/internal/types"
)

// Assembly strategies for CreateContext.
const (
	StrategyRecent   = "recent"
	StrategyFrequent = "frequent"
	StrategyBalanced = "balanced"
)

// Entry is one working-memory member.
type Entry struct {
	Key          int64 // node id
	Content      string
	Tokens       int
	AccessCount  int
	LastAccessed time.Time
	AddedAt      time.Time
	Importance   float64 // defaults to 1.0
	FromRecall   bool    // placed by a recall rather than a write
}

// Memory is one robot's working set. All methods are safe for concurrent
// use; Snapshot returns a consistent copy for external readers.
type Memory struct {
	mu        sync.RWMutex
	entries   map[int64]*Entry
	maxTokens int
	used      int
	now       func() time.Time
}

// Option customizes a Memory.
type Option func(*Memory)

// WithClock injects a time source. Tests pin eviction-age math with it.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// New creates a working set bounded to maxTokens.
func New(maxTokens int, opts ...Option) *Memory {
	m := &Memory{
		entries:   make(map[int64]*Entry),
		maxTokens: maxTokens,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add inserts or overwrites an entry. It does not evict; callers must check
// HasSpace and run EvictToMakeSpace first so they can persist the flag
// changes for whatever falls out.
func (m *Memory) Add(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e.LastAccessed.IsZero() {
		e.LastAccessed = now
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = now
	}
	if e.Importance == 0 {
		e.Importance = 1.0
	}

	if old, ok := m.entries[e.Key]; ok {
		m.used -= old.Tokens
	}
	m.entries[e.Key] = &e
	m.used += e.Tokens
}

// HasSpace reports whether tokens more would still fit.
func (m *Memory) HasSpace(tokens int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used+tokens <= m.maxTokens
}

// EvictToMakeSpace removes lowest-value entries until needed tokens are
// free, returning what was removed so the caller can clear long-term
// working_memory flags. Value is access_count / (1 + age_seconds): rarely
// used old entries go first; ties evict the older last_accessed first.
func (m *Memory) EvictToMakeSpace(needed int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := m.maxTokens - m.used
	if free >= needed {
		return nil
	}

	now := m.now()
	ordered := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		si, sj := evictionScore(ordered[i], now), evictionScore(ordered[j], now)
		if si != sj {
			return si < sj
		}
		return ordered[i].LastAccessed.Before(ordered[j].LastAccessed)
	})

	var evicted []Entry
	for _, e := range ordered {
		if free >= needed {
			break
		}
		delete(m.entries, e.Key)
		m.used -= e.Tokens
		free += e.Tokens
		evicted = append(evicted, *e)
	}
	return evicted
}

func evictionScore(e *Entry, now time.Time) float64 {
	age := now.Sub(e.LastAccessed).Seconds()
	if age < 0 {
		age = 0
	}
	return float64(e.AccessCount) / (1 + age)
}

// Touch bumps the access count and recency of an entry, if present.
func (m *Memory) Touch(key int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	e.AccessCount++
	e.LastAccessed = m.now()
	return true
}

// Remove drops one entry (channel-driven eviction, forget). Reports whether
// it was present.
func (m *Memory) Remove(key int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	delete(m.entries, key)
	m.used -= e.Tokens
	return true
}

// Contains reports membership.
func (m *Memory) Contains(key int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok
}

// Clear empties the set and returns what was held.
func (m *Memory) Clear() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	m.entries = make(map[int64]*Entry)
	m.used = 0
	return out
}

// Len returns the entry count.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// UsedTokens returns current token usage.
func (m *Memory) UsedTokens() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// MaxTokens returns the configured budget.
func (m *Memory) MaxTokens() int { return m.maxTokens }

// Snapshot returns a copy of all entries, newest last_accessed first.
func (m *Memory) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessed.After(out[j].LastAccessed)
	})
	return out
}

// AssembleContext concatenates entry contents in strategy order, greedily
// taking entries that fit within maxTokens (0 means the memory's own
// budget). Strategies: recent, frequent, balanced.
func (m *Memory) AssembleContext(strategy string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}

	m.mu.RLock()
	ordered := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		ordered = append(ordered, *e)
	}
	now := m.now()
	m.mu.RUnlock()

	switch strategy {
	case StrategyRecent:
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].LastAccessed.After(ordered[j].LastAccessed)
		})
	case StrategyFrequent:
		sort.Slice(ordered, func(i, j int) bool {
			if ordered[i].AccessCount != ordered[j].AccessCount {
				return ordered[i].AccessCount > ordered[j].AccessCount
			}
			return ordered[i].LastAccessed.After(ordered[j].LastAccessed)
		})
	case StrategyBalanced:
		sort.Slice(ordered, func(i, j int) bool {
			return balancedWeight(&ordered[i], now) > balancedWeight(&ordered[j], now)
		})
	default:
		return "", types.Validationf("unknown context strategy %q (want recent|frequent|balanced)", strategy)
	}

	var sb strings.Builder
	budget := maxTokens
	for _, e := range ordered {
		if e.Tokens > budget {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(e.Content)
		budget -= e.Tokens
	}
	return sb.String(), nil
}

// balancedWeight is importance * (1 / age_days), age floored at one day so
// fresh entries do not divide by ~zero.
func balancedWeight(e *Entry, now time.Time) float64 {
	ageDays := now.Sub(e.AddedAt).Hours() / 24
	if ageDays < 1 {
		ageDays = 1
	}
	return e.Importance * (1 / ageDays)
}
