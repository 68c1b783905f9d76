package workmem

import "sync"

// Sets tracks one Memory per robot, created on demand. The in-process
// instances are a cache over the durable working_memory flags; a hydrate
// function loads that state exactly once per instance, even under
// concurrent first access.
type Sets struct {
	mu        sync.Mutex
	maxTokens int
	byRobot   map[int64]*robotSet
}

type robotSet struct {
	hydrate sync.Once
	mem     *Memory
}

// NewSets creates a registry whose instances carry the given token budget.
func NewSets(maxTokens int) *Sets {
	return &Sets{
		maxTokens: maxTokens,
		byRobot:   make(map[int64]*robotSet),
	}
}

// For returns the robot's working memory, creating it when absent. The
// hydrate callback, when non-nil, runs at most once for the lifetime of the
// instance; concurrent callers block until it finishes.
func (s *Sets) For(robotID int64, hydrate func(*Memory)) *Memory {
	s.mu.Lock()
	rs, ok := s.byRobot[robotID]
	if !ok {
		rs = &robotSet{mem: New(s.maxTokens)}
		s.byRobot[robotID] = rs
	}
	s.mu.Unlock()

	if hydrate != nil {
		rs.hydrate.Do(func() { hydrate(rs.mem) })
	}
	return rs.mem
}

// Peek returns the robot's working memory only if one already exists.
func (s *Sets) Peek(robotID int64) (*Memory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.byRobot[robotID]
	if !ok {
		return nil, false
	}
	return rs.mem, true
}

// Drop discards the in-process instance. Durable flags are untouched; the
// next For rebuilds from them.
func (s *Sets) Drop(robotID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRobot, robotID)
}

// MaxTokens is the budget new instances are created with.
func (s *Sets) MaxTokens() int { return s.maxTokens }
