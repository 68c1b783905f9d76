// Package breaker guards external dependencies (embedding, tag, proposition
// providers) with per-name circuit breakers. Five consecutive failures open
// a breaker; after a 60s cool-down a single probe is allowed through; a
// successful probe closes it again.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"engram/internal/types"
)

// Defaults mirror the documented contract.
const (
	DefaultThreshold = 5
	DefaultCooldown  = 60 * time.Second
)

// Config tunes one breaker.
type Config struct {
	Threshold uint32        // consecutive failures before opening
	Cooldown  time.Duration // open -> half-open delay
}

// DefaultConfig returns the standard 5-failure / 60s breaker settings.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, Cooldown: DefaultCooldown}
}

// Breaker wraps gobreaker with the two affordances it lacks: a manual Reset
// and a last-failure timestamp. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu          sync.RWMutex
	cb          *gobreaker.CircuitBreaker
	lastFailure time.Time
}

// New creates a named breaker.
func New(name string, cfg Config) *Breaker {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	b := &Breaker{name: name, cfg: cfg}
	b.cb = b.newCircuit()
	return b
}

func (b *Breaker) newCircuit() *gobreaker.CircuitBreaker {
	threshold := b.cfg.Threshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1, // single half-open probe
		Timeout:     b.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
}

// Execute runs fn through the breaker. When the breaker is open (or the
// half-open probe slot is taken) it fails fast with a KindBreakerOpen error
// without invoking fn.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	out, err := cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.Errorf(types.KindBreakerOpen, "%s unavailable: circuit open", b.name)
		}
		b.mu.Lock()
		b.lastFailure = time.Now()
		b.mu.Unlock()
		return nil, err
	}
	return out, nil
}

// Name returns the breaker's dependency name.
func (b *Breaker) Name() string { return b.name }

// State reports closed, open, or half_open.
func (b *Breaker) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// FailureCount reports consecutive failures in the current window.
func (b *Breaker) FailureCount() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb.Counts().ConsecutiveFailures
}

// LastFailureTime returns the wall-clock time of the most recent failure,
// zero if none since the last reset.
func (b *Breaker) LastFailureTime() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastFailure
}

// Reset forces the breaker closed and clears counters. gobreaker has no
// native reset, so the circuit is swapped for a fresh one.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = b.newCircuit()
	b.lastFailure = time.Time{}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry hands out one breaker per dependency name.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying cfg to new breakers.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.cfg)
	r.breakers[name] = b
	return b
}

// States snapshots every breaker's state, for health reporting.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// ResetAll force-closes every breaker. Test and operator affordance.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
