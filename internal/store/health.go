package store

import (
	"context"

	"engram/internal/types"
)

// Pool status levels, ordered by severity.
const (
	PoolHealthy   = "healthy"
	PoolWarning   = "warning"   // >= 75% acquired
	PoolCritical  = "critical"  // >= 90% acquired
	PoolExhausted = "exhausted" // every connection acquired
)

// RequiredExtensions must be installed before the store works at all:
// vector backs similarity search, pg_trgm backs fuzzy tag search.
var RequiredExtensions = []string{"vector", "pg_trgm"}

// PoolHealth is a point-in-time classification of connection pool pressure.
type PoolHealth struct {
	Total       int32   `json:"total"`
	Idle        int32   `json:"idle"`
	InUse       int32   `json:"in_use"`
	Max         int32   `json:"max"`
	Utilization float64 `json:"utilization_pct"`
	Status      string  `json:"status"`
}

// PoolHealth classifies current pool utilization.
func (s *Store) PoolHealth() PoolHealth {
	st := s.pool.Stat()
	h := PoolHealth{
		Total: st.TotalConns(),
		Idle:  st.IdleConns(),
		InUse: st.AcquiredConns(),
		Max:   st.MaxConns(),
	}
	h.Status, h.Utilization = ClassifyPool(h.InUse, h.Max)
	return h
}

// ClassifyPool maps acquired/max connections onto the health levels:
// warning at 75% utilization, critical at 90%, exhausted when nothing is
// left to acquire.
func ClassifyPool(inUse, max int32) (status string, utilization float64) {
	if max > 0 {
		utilization = float64(inUse) / float64(max) * 100
	}
	switch {
	case max > 0 && inUse >= max:
		return PoolExhausted, utilization
	case utilization >= 90:
		return PoolCritical, utilization
	case utilization >= 75:
		return PoolWarning, utilization
	default:
		return PoolHealthy, utilization
	}
}

// MissingExtensions returns the required Postgres extensions that are not
// installed in the connected database.
func (s *Store) MissingExtensions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT extname FROM pg_extension WHERE extname = ANY($1)`, RequiredExtensions)
	if err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "list extensions")
	}
	defer rows.Close()

	installed := make(map[string]bool, len(RequiredExtensions))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, types.Wrap(types.KindDatabase, err, "scan extension")
		}
		installed[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabase, err, "iterate extensions")
	}

	var missing []string
	for _, want := range RequiredExtensions {
		if !installed[want] {
			missing = append(missing, want)
		}
	}
	return missing, nil
}
