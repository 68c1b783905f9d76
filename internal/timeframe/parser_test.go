package timeframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/types"
)

// Wednesday afternoon, a safely mid-week reference point.
var refNow = time.Date(2026, time.March, 11, 15, 0, 0, 0, time.UTC)

func testParser(t *testing.T, at time.Time) *Parser {
	t.Helper()
	return New(WithClock(func() time.Time { return at }))
}

func day(yyyy int, mm time.Month, dd int) time.Time {
	return time.Date(yyyy, mm, dd, 0, 0, 0, 0, time.UTC)
}

func TestExtractStripsPhraseAndKeepsQuery(t *testing.T) {
	p := testParser(t, refNow)

	res := p.Extract("what did we discuss last week about PostgreSQL")

	assert.Equal(t, "what did we discuss about PostgreSQL", res.Query)
	assert.Equal(t, "last week", res.Extracted)
	require.NotNil(t, res.Window)
	assert.Equal(t, refNow.AddDate(0, 0, -7), res.Window.Start)
	assert.Equal(t, refNow, res.Window.End)
}

func TestExtractNoPhrase(t *testing.T) {
	p := testParser(t, refNow)

	res := p.Extract("show me notes about PostgreSQL")

	assert.Nil(t, res.Window)
	assert.Empty(t, res.Extracted)
	assert.Equal(t, "show me notes about PostgreSQL", res.Query)
}

func TestExtractPhrases(t *testing.T) {
	p := testParser(t, refNow)

	cases := []struct {
		input     string
		wantQuery string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			input:     "what happened yesterday",
			wantQuery: "what happened",
			wantStart: day(2026, time.March, 10),
			wantEnd:   day(2026, time.March, 11),
		},
		{
			input:     "meetings today",
			wantQuery: "meetings",
			wantStart: day(2026, time.March, 11),
			wantEnd:   day(2026, time.March, 12),
		},
		{
			input:     "the day before yesterday we deployed",
			wantQuery: "the we deployed",
			wantStart: day(2026, time.March, 9),
			wantEnd:   day(2026, time.March, 10),
		},
		{
			input:     "what came up this morning",
			wantQuery: "what came up",
			wantStart: day(2026, time.March, 11),
			wantEnd:   day(2026, time.March, 11).Add(12 * time.Hour),
		},
		{
			input:     "deploy notes from 3 days ago",
			wantQuery: "deploy notes",
			wantStart: day(2026, time.March, 8),
			wantEnd:   day(2026, time.March, 9),
		},
		{
			input:     "deploy notes from a few days ago",
			wantQuery: "deploy notes",
			wantStart: day(2026, time.March, 8),
			wantEnd:   day(2026, time.March, 9),
		},
		{
			input:     "that bug two weeks ago",
			wantQuery: "that bug",
			wantStart: day(2026, time.February, 25),
			wantEnd:   day(2026, time.March, 4),
		},
		{
			input:     "the alert 5 hours ago",
			wantQuery: "the alert",
			wantStart: refNow.Add(-5 * time.Hour),
			wantEnd:   refNow,
		},
		{
			input:     "errors in the past few hours",
			wantQuery: "errors",
			wantStart: refNow.Add(-3 * time.Hour),
			wantEnd:   refNow,
		},
		{
			input:     "commits in the last 2 days",
			wantQuery: "commits",
			wantStart: refNow.AddDate(0, 0, -2),
			wantEnd:   refNow,
		},
		{
			input:     "incidents since yesterday",
			wantQuery: "incidents",
			wantStart: day(2026, time.March, 10),
			wantEnd:   refNow,
		},
		{
			input:     "changes since last week",
			wantQuery: "changes",
			wantStart: refNow.AddDate(0, 0, -7),
			wantEnd:   refNow,
		},
		{
			input:     "progress this week",
			wantQuery: "progress",
			wantStart: day(2026, time.March, 9), // monday
			wantEnd:   refNow,
		},
		{
			input:     "spending last month",
			wantQuery: "spending",
			wantStart: refNow.AddDate(0, 0, -30),
			wantEnd:   refNow,
		},
		{
			input:     "anything recently",
			wantQuery: "anything",
			wantStart: refNow.AddDate(0, 0, -3),
			wantEnd:   refNow,
		},
		{
			input:     "the hike last weekend",
			wantQuery: "the hike",
			wantStart: day(2026, time.March, 7),
			wantEnd:   day(2026, time.March, 9),
		},
		{
			input:     "the trip the weekend before last",
			wantQuery: "the trip the",
			wantStart: day(2026, time.February, 28),
			wantEnd:   day(2026, time.March, 2),
		},
		{
			input:     "the trip 2 weekends ago",
			wantQuery: "the trip",
			wantStart: day(2026, time.February, 28),
			wantEnd:   day(2026, time.March, 2),
		},
	}

	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			res := p.Extract(tc.input)
			require.NotNil(t, res.Window, "no window extracted")
			assert.Equal(t, tc.wantQuery, res.Query)
			assert.Equal(t, tc.wantStart, res.Window.Start, "start")
			assert.Equal(t, tc.wantEnd, res.Window.End, "end")
		})
	}
}

func TestExtractNumberWords(t *testing.T) {
	p := testParser(t, refNow)

	res := p.Extract("a couple days ago")
	require.NotNil(t, res.Window)
	assert.Equal(t, day(2026, time.March, 9), res.Window.Start)

	res = p.Extract("ten days ago")
	require.NotNil(t, res.Window)
	assert.Equal(t, day(2026, time.March, 1), res.Window.Start)
}

// While the reference time is inside a weekend, "last weekend" means the
// previous one, not the one in progress.
func TestWeekendInsideWeekend(t *testing.T) {
	sunday := time.Date(2026, time.March, 8, 10, 0, 0, 0, time.UTC)
	p := testParser(t, sunday)

	res := p.Extract("last weekend")
	require.NotNil(t, res.Window)
	assert.Equal(t, day(2026, time.February, 28), res.Window.Start)
	assert.Equal(t, day(2026, time.March, 2), res.Window.End)
}

func TestWeekStartOption(t *testing.T) {
	p := New(
		WithClock(func() time.Time { return refNow }),
		WithWeekStart(time.Sunday),
	)

	res := p.Extract("this week")
	require.NotNil(t, res.Window)
	assert.Equal(t, day(2026, time.March, 8), res.Window.Start)
}

func TestWindowContains(t *testing.T) {
	w := Window{Start: day(2026, time.March, 10), End: day(2026, time.March, 11)}

	assert.True(t, w.Contains(day(2026, time.March, 10)))
	assert.True(t, w.Contains(day(2026, time.March, 10).Add(23*time.Hour)))
	assert.False(t, w.Contains(day(2026, time.March, 11)), "end is exclusive")
	assert.False(t, w.Contains(day(2026, time.March, 9)))
}

func TestNormalize(t *testing.T) {
	p := testParser(t, refNow)

	t.Run("nil", func(t *testing.T) {
		w, err := p.Normalize(nil)
		require.NoError(t, err)
		assert.Nil(t, w)
	})

	t.Run("window passthrough", func(t *testing.T) {
		in := Window{Start: day(2026, time.March, 1), End: day(2026, time.March, 5)}
		w, err := p.Normalize(in)
		require.NoError(t, err)
		assert.Equal(t, &in, w)
	})

	t.Run("reversed window swapped", func(t *testing.T) {
		in := Window{Start: day(2026, time.March, 5), End: day(2026, time.March, 1)}
		w, err := p.Normalize(in)
		require.NoError(t, err)
		assert.Equal(t, day(2026, time.March, 1), w.Start)
		assert.Equal(t, day(2026, time.March, 5), w.End)
	})

	t.Run("time means since", func(t *testing.T) {
		at := day(2026, time.March, 3)
		w, err := p.Normalize(at)
		require.NoError(t, err)
		assert.Equal(t, at, w.Start)
		assert.Equal(t, refNow, w.End)
	})

	t.Run("calendar date", func(t *testing.T) {
		w, err := p.Normalize("2026-03-01")
		require.NoError(t, err)
		assert.Equal(t, day(2026, time.March, 1), w.Start)
		assert.Equal(t, day(2026, time.March, 2), w.End)
	})

	t.Run("rfc3339", func(t *testing.T) {
		w, err := p.Normalize("2026-03-01T10:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC), w.Start)
		assert.Equal(t, refNow, w.End)
	})

	t.Run("phrase", func(t *testing.T) {
		w, err := p.Normalize("last week")
		require.NoError(t, err)
		assert.Equal(t, refNow.AddDate(0, 0, -7), w.Start)
	})

	t.Run("auto defers to query", func(t *testing.T) {
		w, err := p.Normalize("auto")
		require.NoError(t, err)
		assert.Nil(t, w)
	})

	t.Run("range", func(t *testing.T) {
		w, err := p.Normalize([]any{"2026-03-01", "2026-03-05"})
		require.NoError(t, err)
		assert.Equal(t, day(2026, time.March, 1), w.Start)
		assert.Equal(t, day(2026, time.March, 6), w.End)
	})

	t.Run("partial phrase rejected", func(t *testing.T) {
		_, err := p.Normalize("apples yesterday maybe")
		require.Error(t, err)
		assert.True(t, types.IsKind(err, types.KindValidation))
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := p.Normalize("complete gibberish")
		require.Error(t, err)
		assert.True(t, types.IsKind(err, types.KindValidation))
	})

	t.Run("bad range element", func(t *testing.T) {
		_, err := p.Normalize([]any{"nope", "2026-03-05"})
		require.Error(t, err)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := p.Normalize(42)
		require.Error(t, err)
		assert.True(t, types.IsKind(err, types.KindValidation))
	})
}
