package timeframe

import (
	"fmt"
	"strings"
	"time"

	"engram/internal/types"
)

// Auto is the timeframe sentinel that means "extract the window from the
// query text".
const Auto = "auto"

// Normalize coerces the accepted timeframe shapes into a window:
//
//   - nil                -> nil (no filter)
//   - Window / *Window   -> as-is
//   - time.Time          -> [t, now)
//   - "2026-03-01"       -> that day
//   - RFC3339 string     -> [t, now)
//   - phrase string      -> extracted window ("last week", "yesterday", ...)
//   - [2]any / []any     -> [first.Start, second.End)
//
// Anything else is a validation error.
func (p *Parser) Normalize(value any) (*Window, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case Window:
		return orient(v), nil
	case *Window:
		if v == nil {
			return nil, nil
		}
		w := orient(*v)
		return w, nil
	case time.Time:
		if v.IsZero() {
			return nil, nil
		}
		return &Window{Start: v, End: p.now()}, nil
	case string:
		return p.normalizeString(v)
	case []any:
		return p.normalizeRange(v)
	case [2]any:
		return p.normalizeRange(v[:])
	default:
		return nil, types.Validationf("unsupported timeframe type %T", value)
	}
}

func orient(w Window) *Window {
	if w.End.Before(w.Start) {
		w.Start, w.End = w.End, w.Start
	}
	return &w
}

func (p *Parser) normalizeString(s string) (*Window, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || strings.EqualFold(trimmed, Auto) {
		// Auto is resolved by the caller against the query text.
		return nil, nil
	}

	// Calendar date: the whole day.
	if t, err := time.Parse("2006-01-02", trimmed); err == nil {
		return &Window{Start: t, End: t.AddDate(0, 0, 1)}, nil
	}
	// Timestamp: everything since.
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return &Window{Start: t, End: p.now()}, nil
	}

	// Natural-language phrase; it must consume the whole string, otherwise
	// "about apples yesterday maybe" would silently become a filter.
	res := p.Extract(trimmed)
	if res.Window != nil && strings.TrimSpace(res.Query) == "" {
		return res.Window, nil
	}
	return nil, types.Validationf("cannot parse timeframe %q", s)
}

func (p *Parser) normalizeRange(parts []any) (*Window, error) {
	if len(parts) != 2 {
		return nil, types.Validationf("timeframe range needs exactly 2 elements, got %d", len(parts))
	}
	first, err := p.Normalize(parts[0])
	if err != nil {
		return nil, fmt.Errorf("range start: %w", err)
	}
	second, err := p.Normalize(parts[1])
	if err != nil {
		return nil, fmt.Errorf("range end: %w", err)
	}
	if first == nil || second == nil {
		return nil, types.Validation("timeframe range elements must not be empty")
	}
	return orient(Window{Start: first.Start, End: second.End}), nil
}
