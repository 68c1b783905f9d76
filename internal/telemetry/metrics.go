// Package telemetry exposes Prometheus metrics plus an in-process health
// checker over the pool, the breakers, and retriever latency.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"engram/internal/store"
	"engram/internal/types"
)

// latencyWindowSize bounds the per-operation sample ring used for
// percentile reporting. Prometheus histograms carry the long-term view; the
// ring answers "how slow right now".
const latencyWindowSize = 512

// Metrics is the process metric set. A nil *Metrics is a no-op sink so
// components can be wired without telemetry.
type Metrics struct {
	retrieverLatency *prometheus.HistogramVec
	providerLatency  *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	poolUtilization  prometheus.Gauge
	poolInUse        prometheus.Gauge
	storeObjects     *prometheus.GaugeVec
	cacheHits        prometheus.Gauge
	cacheMisses      prometheus.Gauge

	mu      sync.Mutex
	windows map[string]*latencyWindow
}

// New registers the metric set. A nil registerer uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		retrieverLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engram_retriever_duration_seconds",
			Help:    "Latency of each retrieval source inside hybrid search.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		providerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engram_provider_duration_seconds",
			Help:    "Latency of external provider calls (embedding, tags, propositions).",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engram_breaker_state",
			Help: "Circuit breaker state per dependency: 0 closed, 1 half-open, 2 open.",
		}, []string{"dependency"}),
		poolUtilization: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engram_pool_utilization_pct",
			Help: "Acquired share of the connection pool, 0-100.",
		}),
		poolInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engram_pool_in_use",
			Help: "Connections currently acquired.",
		}),
		storeObjects: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engram_store_objects",
			Help: "Row counts by kind: nodes, propositions, tombstones, tags, robots, embedded.",
		}, []string{"kind"}),
		cacheHits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engram_query_cache_hits_total",
			Help: "Cumulative query cache hits.",
		}),
		cacheMisses: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engram_query_cache_misses_total",
			Help: "Cumulative query cache misses.",
		}),
		windows: make(map[string]*latencyWindow),
	}
}

// ObserveRetriever records one retriever pass.
func (m *Metrics) ObserveRetriever(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.retrieverLatency.WithLabelValues(source).Observe(d.Seconds())
	m.observeWindow("retriever_"+source, d)
}

// ObserveProvider records one external provider call.
func (m *Metrics) ObserveProvider(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
	m.observeWindow("provider_"+provider, d)
}

// SetBreakerState publishes a breaker's state.
func (m *Metrics) SetBreakerState(dependency, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(dependency).Set(v)
}

// SetPool publishes pool pressure.
func (m *Metrics) SetPool(h store.PoolHealth) {
	if m == nil {
		return
	}
	m.poolUtilization.Set(h.Utilization)
	m.poolInUse.Set(float64(h.InUse))
}

// SetStoreStats publishes store-wide row counts.
func (m *Metrics) SetStoreStats(st *types.StoreStats) {
	if m == nil || st == nil {
		return
	}
	m.storeObjects.WithLabelValues("nodes").Set(float64(st.Nodes))
	m.storeObjects.WithLabelValues("propositions").Set(float64(st.Propositions))
	m.storeObjects.WithLabelValues("tombstones").Set(float64(st.Tombstones))
	m.storeObjects.WithLabelValues("tags").Set(float64(st.Tags))
	m.storeObjects.WithLabelValues("robots").Set(float64(st.Robots))
	m.storeObjects.WithLabelValues("embedded").Set(float64(st.Embedded))
}

// SetCacheStats publishes cumulative cache counters.
func (m *Metrics) SetCacheStats(hits, misses uint64) {
	if m == nil {
		return
	}
	m.cacheHits.Set(float64(hits))
	m.cacheMisses.Set(float64(misses))
}

func (m *Metrics) observeWindow(op string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[op]
	if !ok {
		w = &latencyWindow{}
		m.windows[op] = w
	}
	w.add(float64(d.Microseconds()) / 1000.0)
}

// LatencySummary is a point-in-time distribution over the recent window.
type LatencySummary struct {
	Count int     `json:"count"`
	AvgMS float64 `json:"avg_ms"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
}

// LatencySummaries snapshots every tracked operation.
func (m *Metrics) LatencySummaries() map[string]LatencySummary {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]LatencySummary, len(m.windows))
	for op, w := range m.windows {
		out[op] = w.summary()
	}
	return out
}

// latencyWindow is a fixed-size sample ring, milliseconds.
type latencyWindow struct {
	samples [latencyWindowSize]float64
	next    int
	count   int
}

func (w *latencyWindow) add(ms float64) {
	w.samples[w.next] = ms
	w.next = (w.next + 1) % latencyWindowSize
	if w.count < latencyWindowSize {
		w.count++
	}
}

func (w *latencyWindow) summary() LatencySummary {
	if w.count == 0 {
		return LatencySummary{}
	}
	sorted := make([]float64, w.count)
	copy(sorted, w.samples[:w.count])
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return LatencySummary{
		Count: w.count,
		AvgMS: sum / float64(w.count),
		P50MS: percentile(sorted, 0.50),
		P95MS: percentile(sorted, 0.95),
		P99MS: percentile(sorted, 0.99),
	}
}

// percentile reads the nearest-rank percentile from an ascending slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
