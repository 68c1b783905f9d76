package types

import "time"

// Robot is an agent identity. Robots own writes, recalls, and a bounded
// working set of nodes.
type Robot struct {
	ID           int64          `json:"id"`
	Name         string         `json:"name"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RobotNode links a robot to a node. WorkingMemory marks membership in the
// robot's active set; it is the canonical source of working-set state.
type RobotNode struct {
	RobotID        int64     `json:"robot_id"`
	NodeID         int64     `json:"node_id"`
	WorkingMemory  bool      `json:"working_memory"`
	AccessCount    int       `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// WorkingNode is a node joined with its association row, as returned by
// working-set queries.
type WorkingNode struct {
	Node         Node      `json:"node"`
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed_at"`
}

// RobotStats summarizes one robot's footprint in the store.
type RobotStats struct {
	Robot          Robot   `json:"robot"`
	NodeCount      int64   `json:"node_count"`
	WorkingNodes   int64   `json:"working_nodes"`
	WorkingTokens  int64   `json:"working_tokens"`
	MaxTokens      int     `json:"max_tokens"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// StoreStats summarizes the whole store, exposed by the status command and
// the MCP stats tool.
type StoreStats struct {
	Nodes        int64 `json:"nodes"`
	Propositions int64 `json:"propositions"`
	Tombstones   int64 `json:"tombstones"`
	Tags         int64 `json:"tags"`
	Robots       int64 `json:"robots"`
	Embedded     int64 `json:"embedded"`
}
