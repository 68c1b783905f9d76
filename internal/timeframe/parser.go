// Package timeframe turns natural-language time expressions inside queries
// into half-open [start, end) windows and strips the matched phrase, so
// "what did we discuss last week about caching" becomes a 7-day window plus
// "what did we discuss about caching".
package timeframe

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Result is the outcome of extraction. Window is nil when no time phrase was
// recognized; Query is then the unchanged input.
type Result struct {
	Query     string
	Window    *Window
	Extracted string
}

// Parser extracts time windows. Zero value is not usable; call New.
type Parser struct {
	now       func() time.Time
	weekStart time.Weekday
}

// Option customizes a Parser.
type Option func(*Parser)

// WithClock pins the reference time, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// WithWeekStart sets the first day of the week ("this week" boundary).
func WithWeekStart(day time.Weekday) Option {
	return func(p *Parser) { p.weekStart = day }
}

// New builds a parser. Default week start is Monday.
func New(opts ...Option) *Parser {
	p := &Parser{now: time.Now, weekStart: time.Monday}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// quantity words accepted where a number may appear.
var numberWords = map[string]int{
	"a": 1, "an": 1,
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"couple": 2, "few": 3,
}

const numPat = `(\d+|one|two|three|four|five|six|seven|eight|nine|ten|a|an|couple|few)`

// rule binds a phrase pattern to a window builder. Patterns are tried in
// order; the first match wins, so more specific phrases come first.
type rule struct {
	re    *regexp.Regexp
	build func(p *Parser, m []string, now time.Time) Window
}

func mustRule(pattern string, build func(p *Parser, m []string, now time.Time) Window) rule {
	return rule{
		re:    regexp.MustCompile(`(?i)\b` + pattern + `\b`),
		build: build,
	}
}

var rules = []rule{
	mustRule(`weekend before last`, func(p *Parser, m []string, now time.Time) Window {
		return p.weekendsAgo(now, 2)
	}),
	mustRule(`(?:a\s+)?`+numPat+`\s+weekends?\s+ago`, func(p *Parser, m []string, now time.Time) Window {
		return p.weekendsAgo(now, atoiWord(m[1]))
	}),
	mustRule(`last weekend`, func(p *Parser, m []string, now time.Time) Window {
		return p.weekendsAgo(now, 1)
	}),
	mustRule(`in the (?:past|last)\s+`+numPat+`?\s*hours?`, func(p *Parser, m []string, now time.Time) Window {
		n := 1
		if m[1] != "" {
			n = atoiWord(m[1])
		}
		return Window{Start: now.Add(-time.Duration(n) * time.Hour), End: now}
	}),
	mustRule(`in the (?:past|last)\s+`+numPat+`?\s*days?`, func(p *Parser, m []string, now time.Time) Window {
		n := 1
		if m[1] != "" {
			n = atoiWord(m[1])
		}
		return Window{Start: now.AddDate(0, 0, -n), End: now}
	}),
	mustRule(`in the (?:past|last)\s+`+numPat+`?\s*weeks?`, func(p *Parser, m []string, now time.Time) Window {
		n := 1
		if m[1] != "" {
			n = atoiWord(m[1])
		}
		return Window{Start: now.AddDate(0, 0, -7*n), End: now}
	}),
	mustRule(`since yesterday`, func(p *Parser, m []string, now time.Time) Window {
		return Window{Start: startOfDay(now).AddDate(0, 0, -1), End: now}
	}),
	mustRule(`since last week`, func(p *Parser, m []string, now time.Time) Window {
		return Window{Start: now.AddDate(0, 0, -7), End: now}
	}),
	mustRule(`last week`, func(p *Parser, m []string, now time.Time) Window {
		return Window{Start: now.AddDate(0, 0, -7), End: now}
	}),
	mustRule(`this week`, func(p *Parser, m []string, now time.Time) Window {
		return Window{Start: p.startOfWeek(now), End: now}
	}),
	mustRule(`last month`, func(p *Parser, m []string, now time.Time) Window {
		return Window{Start: now.AddDate(0, 0, -30), End: now}
	}),
	mustRule(`this morning`, func(p *Parser, m []string, now time.Time) Window {
		day := startOfDay(now)
		return Window{Start: day, End: day.Add(12 * time.Hour)}
	}),
	mustRule(`(?:a\s+)?`+numPat+`\s+hours?\s+ago`, func(p *Parser, m []string, now time.Time) Window {
		return Window{Start: now.Add(-time.Duration(atoiWord(m[1])) * time.Hour), End: now}
	}),
	mustRule(`(?:a\s+)?`+numPat+`\s+days?\s+ago`, func(p *Parser, m []string, now time.Time) Window {
		day := startOfDay(now).AddDate(0, 0, -atoiWord(m[1]))
		return Window{Start: day, End: day.AddDate(0, 0, 1)}
	}),
	mustRule(`(?:a\s+)?`+numPat+`\s+weeks?\s+ago`, func(p *Parser, m []string, now time.Time) Window {
		start := startOfDay(now).AddDate(0, 0, -7*atoiWord(m[1]))
		return Window{Start: start, End: start.AddDate(0, 0, 7)}
	}),
	mustRule(`day before yesterday`, func(p *Parser, m []string, now time.Time) Window {
		day := startOfDay(now).AddDate(0, 0, -2)
		return Window{Start: day, End: day.AddDate(0, 0, 1)}
	}),
	mustRule(`yesterday`, func(p *Parser, m []string, now time.Time) Window {
		day := startOfDay(now).AddDate(0, 0, -1)
		return Window{Start: day, End: day.AddDate(0, 0, 1)}
	}),
	mustRule(`today`, func(p *Parser, m []string, now time.Time) Window {
		day := startOfDay(now)
		return Window{Start: day, End: day.AddDate(0, 0, 1)}
	}),
	mustRule(`recently`, func(p *Parser, m []string, now time.Time) Window {
		return Window{Start: now.AddDate(0, 0, -3), End: now}
	}),
}

// Extract finds the first time phrase in s, returning the query with the
// phrase removed plus the derived window. Unknown phrasing leaves the query
// untouched with a nil window.
func (p *Parser) Extract(s string) Result {
	now := p.now()
	for _, r := range rules {
		loc := r.re.FindStringSubmatchIndex(s)
		if loc == nil {
			continue
		}
		m := expandMatches(s, loc)
		w := r.build(p, m, now)

		phrase := s[loc[0]:loc[1]]
		stripped := stripPhrase(s, loc[0], loc[1])
		return Result{Query: stripped, Window: &w, Extracted: phrase}
	}
	return Result{Query: s}
}

func expandMatches(s string, loc []int) []string {
	m := make([]string, 0, len(loc)/2)
	for i := 0; i < len(loc); i += 2 {
		if loc[i] < 0 {
			m = append(m, "")
			continue
		}
		m = append(m, s[loc[i]:loc[i+1]])
	}
	return m
}

// stripPhrase removes s[from:to] plus an immediately preceding connective
// ("from"/"during"), then collapses the leftover whitespace.
func stripPhrase(s string, from, to int) string {
	head := s[:from]
	for _, conn := range []string{"from ", "during "} {
		if strings.HasSuffix(strings.ToLower(head), conn) {
			head = head[:len(head)-len(conn)]
			break
		}
	}
	joined := strings.TrimSpace(head) + " " + strings.TrimSpace(s[to:])
	return strings.Join(strings.Fields(joined), " ")
}

func atoiWord(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, ok := numberWords[s]; ok {
		return n
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek walks back to the configured first weekday at 00:00.
func (p *Parser) startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	diff := (int(day.Weekday()) - int(p.weekStart) + 7) % 7
	return day.AddDate(0, 0, -diff)
}

// weekendsAgo returns the n-th previous weekend as [Saturday 00:00,
// Monday 00:00). n=1 is the most recent completed weekend; while inside a
// weekend, that weekend is "this" one and n=1 is the one before it.
func (p *Parser) weekendsAgo(now time.Time, n int) Window {
	if n < 1 {
		n = 1
	}
	day := startOfDay(now)
	sinceSat := (int(day.Weekday()) - int(time.Saturday) + 7) % 7
	lastSat := day.AddDate(0, 0, -sinceSat)

	// Inside [Sat, Mon): the current weekend does not count as "last".
	if now.Before(lastSat.AddDate(0, 0, 2)) && !now.Before(lastSat) {
		lastSat = lastSat.AddDate(0, 0, -7)
	}

	start := lastSat.AddDate(0, 0, -7*(n-1))
	return Window{Start: start, End: start.AddDate(0, 0, 2)}
}
