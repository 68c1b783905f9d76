package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/types"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.ObserveRetriever(types.SourceVector, time.Millisecond)
	m.ObserveProvider("embedding", time.Millisecond)
	m.SetBreakerState("embedding", "open")
	m.SetCacheStats(1, 2)
	m.SetStoreStats(&types.StoreStats{Nodes: 1})
	assert.Nil(t, m.LatencySummaries())
}

func TestMetricsRegisterAndObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRetriever(types.SourceVector, 25*time.Millisecond)
	m.ObserveRetriever(types.SourceFulltext, 10*time.Millisecond)
	m.ObserveProvider("embedding", 120*time.Millisecond)
	m.SetBreakerState("embedding", "open")
	m.SetCacheStats(7, 3)

	assert.Equal(t, 2, testutil.CollectAndCount(m.retrieverLatency))
	assert.Equal(t, 1, testutil.CollectAndCount(m.providerLatency))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("embedding")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.cacheHits))

	m.SetBreakerState("embedding", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("embedding")))
}

func TestLatencySummaries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	for i := 1; i <= 100; i++ {
		m.ObserveRetriever(types.SourceVector, time.Duration(i)*time.Millisecond)
	}

	sums := m.LatencySummaries()
	s, ok := sums["retriever_vector"]
	require.True(t, ok)

	assert.Equal(t, 100, s.Count)
	assert.InDelta(t, 50.5, s.AvgMS, 0.01)
	assert.InDelta(t, 50, s.P50MS, 1)
	assert.InDelta(t, 95, s.P95MS, 1)
	assert.InDelta(t, 99, s.P99MS, 1)
}

func TestLatencyWindowWraps(t *testing.T) {
	w := &latencyWindow{}
	for i := 0; i < latencyWindowSize*2; i++ {
		w.add(5)
	}
	s := w.summary()
	assert.Equal(t, latencyWindowSize, s.Count)
	assert.Equal(t, 5.0, s.P99MS)
}

func TestPercentileEdges(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 0.5))
	assert.Equal(t, 3.0, percentile([]float64{3}, 0.99))
	assert.Equal(t, 1.0, percentile([]float64{1, 2}, 0.5))
	assert.Equal(t, 2.0, percentile([]float64{1, 2}, 0.99))
}
