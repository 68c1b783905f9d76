package workmem

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetsForIsolatesRobots(t *testing.T) {
	s := NewSets(100)

	a := s.For(1, nil)
	b := s.For(2, nil)
	a.Add(Entry{Key: 10, Tokens: 40})

	assert.Same(t, a, s.For(1, nil))
	assert.Equal(t, 40, a.UsedTokens())
	assert.Equal(t, 0, b.UsedTokens())
	assert.Equal(t, 100, s.MaxTokens())
}

func TestSetsHydrateRunsOnce(t *testing.T) {
	s := NewSets(100)
	var calls atomic.Int32
	hydrate := func(m *Memory) {
		calls.Add(1)
		m.Add(Entry{Key: 1, Content: "from flags", Tokens: 10})
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.For(7, hydrate)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	m := s.For(7, hydrate)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, m.Contains(1))
}

func TestSetsPeek(t *testing.T) {
	s := NewSets(100)

	_, ok := s.Peek(3)
	assert.False(t, ok)

	created := s.For(3, nil)
	peeked, ok := s.Peek(3)
	require.True(t, ok)
	assert.Same(t, created, peeked)
}

func TestSetsDropForcesRehydrate(t *testing.T) {
	s := NewSets(100)
	var calls atomic.Int32
	hydrate := func(_ *Memory) { calls.Add(1) }

	first := s.For(5, hydrate)
	require.Equal(t, int32(1), calls.Load())

	s.Drop(5)
	_, ok := s.Peek(5)
	assert.False(t, ok)

	second := s.For(5, hydrate)
	assert.Equal(t, int32(2), calls.Load())
	assert.NotSame(t, first, second)
}
