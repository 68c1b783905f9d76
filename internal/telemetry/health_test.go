package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/breaker"
	"engram/internal/store"
)

type fakeHealthStore struct {
	pool    store.PoolHealth
	missing []string
	extErr  error
	cache   *store.QueryCache
}

func (f *fakeHealthStore) PoolHealth() store.PoolHealth { return f.pool }

func (f *fakeHealthStore) MissingExtensions(context.Context) ([]string, error) {
	return f.missing, f.extErr
}

func (f *fakeHealthStore) Cache() *store.QueryCache { return f.cache }

func healthyPool() store.PoolHealth {
	return store.PoolHealth{InUse: 2, Max: 10, Utilization: 20, Status: store.PoolHealthy}
}

func newHealthStore() *fakeHealthStore {
	return &fakeHealthStore{pool: healthyPool(), cache: store.NewQueryCache(time.Minute, 8)}
}

func TestCheckHealthy(t *testing.T) {
	st := newHealthStore()
	st.cache.Set("q", 1)
	st.cache.Get("q")
	st.cache.Get("absent")

	reg := breaker.NewRegistry(breaker.DefaultConfig())
	reg.Get("embedding")

	report := NewChecker(st, reg, nil).Check(context.Background())

	assert.True(t, report.Healthy)
	assert.Empty(t, report.Issues)
	assert.Equal(t, "closed", report.Breakers["embedding"])
	assert.Equal(t, uint64(1), report.CacheHits)
	assert.Equal(t, uint64(1), report.CacheMisses)
	assert.NotZero(t, report.HeapBytes)
}

func TestCheckPoolPressure(t *testing.T) {
	tests := []struct {
		status      string
		wantHealthy bool
		wantSev     string
	}{
		{store.PoolWarning, true, SeverityWarning},
		{store.PoolCritical, false, SeverityCritical},
		{store.PoolExhausted, false, SeverityCritical},
	}
	for _, tc := range tests {
		t.Run(tc.status, func(t *testing.T) {
			st := newHealthStore()
			st.pool.Status = tc.status

			report := NewChecker(st, nil, nil).Check(context.Background())

			assert.Equal(t, tc.wantHealthy, report.Healthy)
			require.Len(t, report.Issues, 1)
			assert.Equal(t, tc.wantSev, report.Issues[0].Severity)
		})
	}
}

func TestCheckMissingExtensionIsCritical(t *testing.T) {
	st := newHealthStore()
	st.missing = []string{"vector"}

	report := NewChecker(st, nil, nil).Check(context.Background())

	assert.False(t, report.Healthy)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, SeverityCritical, report.Issues[0].Severity)
	assert.Contains(t, report.Issues[0].Message, `"vector"`)
}

func TestCheckExtensionQueryFailureIsCritical(t *testing.T) {
	st := newHealthStore()
	st.extErr = errors.New("connection refused")

	report := NewChecker(st, nil, nil).Check(context.Background())

	assert.False(t, report.Healthy)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, SeverityCritical, report.Issues[0].Severity)
}

func TestCheckOpenBreakerIsWarning(t *testing.T) {
	st := newHealthStore()
	reg := breaker.NewRegistry(breaker.Config{Threshold: 1, Cooldown: time.Hour})
	_, err := reg.Get("tagging").Execute(func() (any, error) {
		return nil, errors.New("provider down")
	})
	require.Error(t, err)

	report := NewChecker(st, reg, nil).Check(context.Background())

	assert.True(t, report.Healthy, "open breaker degrades enrichment, store still serves")
	assert.Equal(t, "open", report.Breakers["tagging"])
	require.Len(t, report.Issues, 1)
	assert.Equal(t, SeverityWarning, report.Issues[0].Severity)
	assert.Contains(t, report.Issues[0].Message, "tagging")
}
