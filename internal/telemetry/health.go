package telemetry

import (
	"context"
	"fmt"
	"runtime"

	"engram/internal/breaker"
	"engram/internal/store"
)

// Issue severities. Only critical issues flip Healthy to false.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Issue is one integrity finding.
type Issue struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Report is a full health snapshot.
type Report struct {
	Healthy     bool                      `json:"healthy"`
	Pool        store.PoolHealth          `json:"pool"`
	Breakers    map[string]string         `json:"breakers,omitempty"`
	Issues      []Issue                   `json:"issues,omitempty"`
	Latencies   map[string]LatencySummary `json:"latencies,omitempty"`
	HeapBytes   uint64                    `json:"heap_bytes"`
	CacheHits   uint64                    `json:"cache_hits"`
	CacheMisses uint64                    `json:"cache_misses"`
}

// Store is the slice of the persistence layer health checks read.
// *store.Store satisfies it.
type Store interface {
	PoolHealth() store.PoolHealth
	MissingExtensions(ctx context.Context) ([]string, error)
	Cache() *store.QueryCache
}

// Checker aggregates integrity signals from the store and the breaker
// registry.
type Checker struct {
	store    Store
	breakers *breaker.Registry
	metrics  *Metrics
}

// NewChecker builds a checker. metrics may be nil.
func NewChecker(st Store, breakers *breaker.Registry, metrics *Metrics) *Checker {
	return &Checker{store: st, breakers: breakers, metrics: metrics}
}

// Check gathers the current health report and refreshes the health gauges.
// Pool pressure at critical or exhausted, and missing required extensions,
// are critical; an open breaker degrades enrichment but the store still
// answers, so it is a warning.
func (c *Checker) Check(ctx context.Context) *Report {
	r := &Report{Healthy: true}

	r.Pool = c.store.PoolHealth()
	c.metrics.SetPool(r.Pool)
	switch r.Pool.Status {
	case store.PoolWarning:
		r.Issues = append(r.Issues, Issue{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("connection pool at %.0f%% utilization", r.Pool.Utilization),
		})
	case store.PoolCritical, store.PoolExhausted:
		r.Issues = append(r.Issues, Issue{
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("connection pool %s (%.0f%% utilization)", r.Pool.Status, r.Pool.Utilization),
		})
	}

	missing, err := c.store.MissingExtensions(ctx)
	if err != nil {
		r.Issues = append(r.Issues, Issue{
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("extension check failed: %v", err),
		})
	}
	for _, ext := range missing {
		r.Issues = append(r.Issues, Issue{
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("required extension %q not installed", ext),
		})
	}

	if c.breakers != nil {
		r.Breakers = c.breakers.States()
		for dep, state := range r.Breakers {
			c.metrics.SetBreakerState(dep, state)
			if state == "open" {
				r.Issues = append(r.Issues, Issue{
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("circuit breaker %q is open", dep),
				})
			}
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	r.HeapBytes = mem.HeapAlloc

	hits, misses := c.store.Cache().Stats()
	r.CacheHits, r.CacheMisses = hits, misses
	c.metrics.SetCacheStats(hits, misses)
	r.Latencies = c.metrics.LatencySummaries()

	for _, issue := range r.Issues {
		if issue.Severity == SeverityCritical {
			r.Healthy = false
			break
		}
	}
	return r
}
