package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/types"
)

var errBoom = errors.New("boom")

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := b.Execute(func() (any, error) { return nil, errBoom })
		require.Error(t, err)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("embedding", Config{Threshold: 5, Cooldown: time.Minute})

	failN(t, b, 4)
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, uint32(4), b.FailureCount())

	failN(t, b, 1)
	assert.Equal(t, "open", b.State())

	// Open breaker fails fast without invoking fn.
	called := false
	_, err := b.Execute(func() (any, error) { called = true; return nil, nil })
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, types.IsKind(err, types.KindBreakerOpen))
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := New("tags", Config{Threshold: 5, Cooldown: time.Minute})

	failN(t, b, 3)
	_, err := b.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, uint32(0), b.FailureCount())

	// Needs a fresh run of five to trip.
	failN(t, b, 4)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New("embedding", Config{Threshold: 2, Cooldown: 30 * time.Millisecond})

	failN(t, b, 2)
	require.Equal(t, "open", b.State())

	time.Sleep(50 * time.Millisecond)
	// Cool-down elapsed: next call is the half-open probe.
	out, err := b.Execute(func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("embedding", Config{Threshold: 2, Cooldown: 30 * time.Millisecond})

	failN(t, b, 2)
	time.Sleep(50 * time.Millisecond)

	failN(t, b, 1) // probe fails
	assert.Equal(t, "open", b.State())
}

func TestBreaker_ManualReset(t *testing.T) {
	b := New("propositions", Config{Threshold: 2, Cooldown: time.Hour})

	failN(t, b, 2)
	require.Equal(t, "open", b.State())
	require.False(t, b.LastFailureTime().IsZero())

	b.Reset()
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, uint32(0), b.FailureCount())
	assert.True(t, b.LastFailureTime().IsZero())

	out, err := b.Execute(func() (any, error) { return "alive", nil })
	require.NoError(t, err)
	assert.Equal(t, "alive", out)
}

func TestBreaker_LastFailureTime(t *testing.T) {
	b := New("embedding", DefaultConfig())
	require.True(t, b.LastFailureTime().IsZero())

	before := time.Now()
	failN(t, b, 1)
	got := b.LastFailureTime()
	assert.False(t, got.Before(before))
	assert.False(t, got.After(time.Now()))
}

func TestBreaker_ConcurrentExecute(t *testing.T) {
	b := New("embedding", Config{Threshold: 1000, Cooldown: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = b.Execute(func() (any, error) { return nil, errBoom })
			} else {
				_, _ = b.Execute(func() (any, error) { return i, nil })
			}
		}(i)
	}
	wg.Wait()
	// No panic, state remains valid.
	assert.Contains(t, []string{"closed", "open", "half_open"}, b.State())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	a := r.Get("embedding")
	b := r.Get("embedding")
	assert.Same(t, a, b)

	c := r.Get("tags")
	assert.NotSame(t, a, c)

	states := r.States()
	assert.Equal(t, map[string]string{"embedding": "closed", "tags": "closed"}, states)

	// Trip one, reset all.
	fast := NewRegistry(Config{Threshold: 1, Cooldown: time.Hour})
	fb := fast.Get("embedding")
	_, _ = fb.Execute(func() (any, error) { return nil, errBoom })
	require.Equal(t, "open", fb.State())
	fast.ResetAll()
	assert.Equal(t, "closed", fb.State())
}
