package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"engram/internal/agent"
	"engram/internal/group"
	"engram/internal/notify"
	"engram/internal/tags"
	"engram/internal/timeframe"
	"engram/internal/types"
	"engram/internal/workmem"
)

// Tool names.
const (
	ToolRemember      = "memory_remember"
	ToolRecall        = "memory_recall"
	ToolForget        = "memory_forget"
	ToolRestore       = "memory_restore"
	ToolRetrieve      = "memory_retrieve"
	ToolWorkingMemory = "working_memory"
	ToolCreateContext = "create_context"
	ToolTagsList      = "tags_list"
	ToolTagsSearch    = "tags_search"
	ToolStats         = "stats"

	ToolGroupCreate   = "group_create"
	ToolGroupStatus   = "group_status"
	ToolGroupRemember = "group_remember"
	ToolGroupRecall   = "group_recall"
	ToolGroupPromote  = "group_promote"
	ToolGroupFailover = "group_failover"
	ToolGroupSync     = "group_sync"
)

// Tag search modes.
const (
	ModeExact  = "exact"
	ModePrefix = "prefix"
	ModeFuzzy  = "fuzzy"
)

const defaultFuzzySimilarity = 0.3

// =============================================================================
// TOOL DEFINITIONS
// =============================================================================

// Definitions returns every tool this server exposes, with JSON schemas.
func Definitions() []Tool {
	return []Tool{
		rememberTool(),
		recallTool(),
		forgetTool(),
		restoreTool(),
		retrieveTool(),
		workingMemoryTool(),
		createContextTool(),
		tagsListTool(),
		tagsSearchTool(),
		statsTool(),
		groupCreateTool(),
		groupStatusTool(),
		groupRememberTool(),
		groupRecallTool(),
		groupPromoteTool(),
		groupFailoverTool(),
		groupSyncTool(),
	}
}

func schemaJSON(schema map[string]any) json.RawMessage {
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("mcp: tool schema does not marshal: %v", err))
	}
	return raw
}

func robotProperty() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Robot identity the call acts as. Created on first use.",
		"default":     DefaultRobot,
	}
}

func rememberTool() Tool {
	return Tool{
		Name: ToolRemember,
		Description: `Store one memory durably. Identical content deduplicates to the existing
node. Embedding, tag extraction, and proposition extraction run asynchronously
after the save returns.

Examples:
- memory_remember(content="Postgres 16 is our primary store")
- memory_remember(content="Deploy window is Friday", tags=["ops:deploy"], importance=2)`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"robot": robotProperty(),
				"content": map[string]any{
					"type":        "string",
					"description": "Memory text. Up to 1MB.",
				},
				"tags": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Hierarchical tags like \"devops:kubernetes\". Ancestors are created automatically.",
				},
				"metadata": map[string]any{
					"type":                 "object",
					"description":          "Arbitrary key-value metadata stored with the node.",
					"additionalProperties": true,
				},
				"importance": map[string]any{
					"type":        "number",
					"description": "Weight for balanced context assembly (0-10). Defaults to 1.",
					"minimum":     0,
					"maximum":     10,
				},
			},
			"required": []string{"content"},
		}),
	}
}

func recallTool() Tool {
	return Tool{
		Name: ToolRecall,
		Description: `Search long-term memory with hybrid retrieval (vector, full-text, and tag
recall fused by reciprocal rank). Results re-enter the robot's working set
unless raw=true. Set timeframe="auto" to extract a time window from the query
text ("what did I learn last week"), or pass an explicit date, RFC3339
timestamp, phrase, or [from, to] pair.

Examples:
- memory_recall(query="database migration plan")
- memory_recall(query="standup notes yesterday", timeframe="auto")
- memory_recall(query="incidents", timeframe=["2026-08-01", "2026-08-15"], strategy="fulltext")`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"robot": robotProperty(),
				"query": map[string]any{
					"type":        "string",
					"description": "Natural-language search query.",
				},
				"timeframe": map[string]any{
					"description": "\"auto\", a date, an RFC3339 timestamp, a phrase like \"last week\", or a two-element [from, to] array.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum results.",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"strategy": map[string]any{
					"type":        "string",
					"description": "Retrieval strategy.",
					"enum":        []string{"hybrid", "vector", "fulltext"},
					"default":     "hybrid",
				},
				"raw": map[string]any{
					"type":        "boolean",
					"description": "Skip working-set absorption and access counting.",
					"default":     false,
				},
				"with_relevance": map[string]any{
					"type":        "boolean",
					"description": "Annotate each memory string with its fused score.",
					"default":     false,
				},
			},
			"required": []string{"query"},
		}),
	}
}

func forgetTool() Tool {
	return Tool{
		Name: ToolForget,
		Description: `Forget a memory. Default is a reversible soft delete (tombstone); pass
soft=false with confirm="confirmed" to hard-delete permanently.`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"robot": robotProperty(),
				"node_id": map[string]any{
					"type":        "integer",
					"description": "Node to forget.",
				},
				"soft": map[string]any{
					"type":        "boolean",
					"description": "Tombstone instead of deleting rows.",
					"default":     true,
				},
				"confirm": map[string]any{
					"type":        "string",
					"description": "Must be \"confirmed\" for hard deletes.",
				},
			},
			"required": []string{"node_id"},
		}),
	}
}

func restoreTool() Tool {
	return Tool{
		Name:        ToolRestore,
		Description: `Lift a soft-delete tombstone so the memory is searchable again.`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"robot": robotProperty(),
				"node_id": map[string]any{
					"type":        "integer",
					"description": "Tombstoned node to restore.",
				},
			},
			"required": []string{"node_id"},
		}),
	}
}

func retrieveTool() Tool {
	return Tool{
		Name: ToolRetrieve,
		Description: `Fetch one memory by id, with its tags. Counts as an access for
working-set scoring.`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"robot": robotProperty(),
				"node_id": map[string]any{
					"type":        "integer",
					"description": "Node to fetch.",
				},
			},
			"required": []string{"node_id"},
		}),
	}
}

func workingMemoryTool() Tool {
	return Tool{
		Name: ToolWorkingMemory,
		Description: `Inspect the robot's working set: every entry with its token cost and
access history, newest first, plus the token budget.`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"robot": robotProperty(),
			},
			"required": []string{},
		}),
	}
}

func createContextTool() Tool {
	return Tool{
		Name: ToolCreateContext,
		Description: `Assemble the robot's working set into a prompt-ready context string.
Strategies: recent (newest first), frequent (most accessed first), balanced
(importance weighted by recency).`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"robot": robotProperty(),
				"strategy": map[string]any{
					"type":        "string",
					"description": "Assembly order.",
					"enum":        []string{workmem.StrategyRecent, workmem.StrategyFrequent, workmem.StrategyBalanced},
					"default":     workmem.StrategyRecent,
				},
				"max_tokens": map[string]any{
					"type":        "integer",
					"description": "Token budget for the assembled string. 0 uses the working-set budget.",
					"default":     0,
				},
			},
			"required": []string{},
		}),
	}
}

func tagsListTool() Tool {
	return Tool{
		Name:        ToolTagsList,
		Description: `Page through the tag ontology alphabetically.`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Page size.",
					"default":     100,
					"minimum":     1,
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "Page offset.",
					"default":     0,
					"minimum":     0,
				},
			},
			"required": []string{},
		}),
	}
}

func tagsSearchTool() Tool {
	return Tool{
		Name: ToolTagsSearch,
		Description: `Search the tag ontology. Modes: exact (the named tag only), prefix (the
tag plus its whole subtree: "dev" finds "dev:go" but never "devops"), fuzzy
(trigram similarity, best matches first).

Examples:
- tags_search(query="devops:kubernetes", mode="exact")
- tags_search(query="dev", mode="prefix")
- tags_search(query="kubernets", mode="fuzzy", min_similarity=0.3)`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Tag name, hierarchy prefix, or approximate spelling.",
				},
				"mode": map[string]any{
					"type":        "string",
					"description": "Match mode.",
					"enum":        []string{ModeExact, ModePrefix, ModeFuzzy},
					"default":     ModeExact,
				},
				"min_similarity": map[string]any{
					"type":        "number",
					"description": "Fuzzy mode: minimum trigram similarity.",
					"default":     defaultFuzzySimilarity,
					"minimum":     0,
					"maximum":     1,
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Fuzzy mode: maximum matches.",
					"default":     20,
					"minimum":     1,
				},
			},
			"required": []string{"query"},
		}),
	}
}

func statsTool() Tool {
	return Tool{
		Name: ToolStats,
		Description: `Store-wide statistics: node, proposition, tombstone, tag, and robot
counts, embedding coverage, and query-cache hit rates. Pass robot for that
robot's footprint too.`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"robot": map[string]any{
					"type":        "string",
					"description": "Also report this robot's node count and working-set utilization.",
				},
			},
			"required": []string{},
		}),
	}
}

func groupCreateTool() Tool {
	return Tool{
		Name: ToolGroupCreate,
		Description: `Create a robot group with shared working memory. Active members take
writes round-robin; passive members are read-only standbys kept in sync.
Robots are created as needed. The group subscribes to its change channel so
working sets converge across processes.

Example:
- group_create(name="support-fleet", actives=["robot-a", "robot-b"], passives=["standby"])`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Group name.",
				},
				"actives": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Active member robot names. At least one.",
				},
				"passives": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Passive member robot names.",
				},
			},
			"required": []string{"name", "actives"},
		}),
	}
}

func groupStatusTool() Tool {
	return Tool{
		Name: ToolGroupStatus,
		Description: `Group state: per-member working-set sizes and tokens, deduplicated token
total against the budget, and whether members are in sync.`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"group": map[string]any{
					"type":        "string",
					"description": "Group name.",
				},
			},
			"required": []string{"group"},
		}),
	}
}

func groupRememberTool() Tool {
	return Tool{
		Name: ToolGroupRemember,
		Description: `Store one memory through the group: the write lands on one active member
(round-robin unless originator is named) and fans out to every member's
working set.`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"group": map[string]any{
					"type":        "string",
					"description": "Group name.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Memory text.",
				},
				"tags": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Hierarchical tags.",
				},
				"metadata": map[string]any{
					"type":                 "object",
					"description":          "Arbitrary key-value metadata.",
					"additionalProperties": true,
				},
				"importance": map[string]any{
					"type":        "number",
					"description": "Weight for balanced context assembly (0-10).",
					"minimum":     0,
					"maximum":     10,
				},
				"originator": map[string]any{
					"type":        "string",
					"description": "Member to write through. Empty round-robins across actives.",
				},
			},
			"required": []string{"group", "content"},
		}),
	}
}

func groupRecallTool() Tool {
	return Tool{
		Name: ToolGroupRecall,
		Description: `Search across every group member's memories. Timeframe takes the explicit
shapes (date, RFC3339, phrase, [from, to]); there is no auto extraction here.`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"group": map[string]any{
					"type":        "string",
					"description": "Group name.",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Natural-language search query.",
				},
				"timeframe": map[string]any{
					"description": "A date, an RFC3339 timestamp, a phrase like \"last week\", or a two-element [from, to] array.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum results.",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"strategy": map[string]any{
					"type":        "string",
					"description": "Retrieval strategy.",
					"enum":        []string{"hybrid", "vector", "fulltext"},
					"default":     "hybrid",
				},
				"with_relevance": map[string]any{
					"type":        "boolean",
					"description": "Annotate each memory string with its fused score.",
					"default":     false,
				},
			},
			"required": []string{"group", "query"},
		}),
	}
}

func groupPromoteTool() Tool {
	return Tool{
		Name:        ToolGroupPromote,
		Description: `Promote a passive member to active so it starts taking writes.`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"group": map[string]any{
					"type":        "string",
					"description": "Group name.",
				},
				"robot": map[string]any{
					"type":        "string",
					"description": "Passive member to promote.",
				},
			},
			"required": []string{"group", "robot"},
		}),
	}
}

func groupFailoverTool() Tool {
	return Tool{
		Name: ToolGroupFailover,
		Description: `Promote the first passive standby to active. Fails when no passive
member exists.`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"group": map[string]any{
					"type":        "string",
					"description": "Group name.",
				},
			},
			"required": []string{"group"},
		}),
	}
}

func groupSyncTool() Tool {
	return Tool{
		Name: ToolGroupSync,
		Description: `Converge working sets onto the union across members. Names one robot to
backfill just that member; otherwise syncs everyone. Reports whether the
group ended in sync.`,
		InputSchema: schemaJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"group": map[string]any{
					"type":        "string",
					"description": "Group name.",
				},
				"robot": map[string]any{
					"type":        "string",
					"description": "Sync only this member.",
				},
			},
			"required": []string{"group"},
		}),
	}
}

// =============================================================================
// MEMORY TOOL HANDLERS
// =============================================================================

func (s *Server) handleRemember(ctx context.Context, args map[string]any) (map[string]any, error) {
	a, err := s.agentFor(ctx, getString(args, "robot"))
	if err != nil {
		return nil, err
	}
	res, err := a.Remember(ctx, agent.RememberInput{
		Content:    getString(args, "content"),
		Tags:       getStringSlice(args, "tags"),
		Metadata:   getMap(args, "metadata"),
		Importance: getFloat(args, "importance", 0),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"node_id":     res.NodeID,
		"is_new":      res.IsNew,
		"token_count": res.TokenCount,
	}, nil
}

func (s *Server) handleRecall(ctx context.Context, args map[string]any) (map[string]any, error) {
	a, err := s.agentFor(ctx, getString(args, "robot"))
	if err != nil {
		return nil, err
	}
	res, err := a.Recall(ctx, agent.RecallInput{
		Query:     getString(args, "query"),
		Timeframe: args["timeframe"],
		Limit:     getInt(args, "limit", 0),
		Strategy:  getString(args, "strategy"),
		Raw:       getBool(args, "raw", false),
	})
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"query":    res.Query,
		"count":    len(res.Results),
		"memories": res.Strings(getBool(args, "with_relevance", false)),
		"results":  res.Results,
	}
	if res.Window != nil {
		out["window"] = windowJSON(res.Window)
	}
	if res.Extracted != "" {
		out["extracted"] = res.Extracted
	}
	return out, nil
}

func (s *Server) handleForget(ctx context.Context, args map[string]any) (map[string]any, error) {
	a, err := s.agentFor(ctx, getString(args, "robot"))
	if err != nil {
		return nil, err
	}
	nodeID := getInt64(args, "node_id")
	soft := getBool(args, "soft", true)
	if err := a.Forget(ctx, nodeID, soft, getString(args, "confirm")); err != nil {
		return nil, err
	}
	return map[string]any{"node_id": nodeID, "soft": soft}, nil
}

func (s *Server) handleRestore(ctx context.Context, args map[string]any) (map[string]any, error) {
	a, err := s.agentFor(ctx, getString(args, "robot"))
	if err != nil {
		return nil, err
	}
	nodeID := getInt64(args, "node_id")
	if err := a.Restore(ctx, nodeID); err != nil {
		return nil, err
	}
	return map[string]any{"node_id": nodeID, "restored": true}, nil
}

func (s *Server) handleRetrieve(ctx context.Context, args map[string]any) (map[string]any, error) {
	a, err := s.agentFor(ctx, getString(args, "robot"))
	if err != nil {
		return nil, err
	}
	nodeID := getInt64(args, "node_id")
	node, err := a.Retrieve(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"node": node}
	nodeTags, err := s.deps.Store.NodeTags(ctx, nodeID)
	if err != nil {
		s.log.Warn("node tag lookup failed", zap.Int64("node_id", nodeID), zap.Error(err))
	} else {
		names := make([]string, len(nodeTags))
		for i, t := range nodeTags {
			names[i] = t.Name
		}
		out["tags"] = names
	}
	return out, nil
}

func (s *Server) handleWorkingMemory(ctx context.Context, args map[string]any) (map[string]any, error) {
	a, err := s.agentFor(ctx, getString(args, "robot"))
	if err != nil {
		return nil, err
	}
	ws := a.WorkingState(ctx)

	entries := make([]map[string]any, len(ws.Entries))
	for i, e := range ws.Entries {
		entries[i] = map[string]any{
			"node_id":          e.Key,
			"content":          e.Content,
			"tokens":           e.Tokens,
			"access_count":     e.AccessCount,
			"last_accessed_at": e.LastAccessed,
			"added_at":         e.AddedAt,
			"importance":       e.Importance,
			"from_recall":      e.FromRecall,
		}
	}
	return map[string]any{
		"robot":       a.Robot().Name,
		"entries":     entries,
		"count":       len(entries),
		"used_tokens": ws.UsedTokens,
		"max_tokens":  ws.MaxTokens,
	}, nil
}

func (s *Server) handleCreateContext(ctx context.Context, args map[string]any) (map[string]any, error) {
	a, err := s.agentFor(ctx, getString(args, "robot"))
	if err != nil {
		return nil, err
	}
	strategy := getString(args, "strategy")
	if strategy == "" {
		strategy = workmem.StrategyRecent
	}
	text, err := a.CreateContext(ctx, strategy, getInt(args, "max_tokens", 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{"context": text, "strategy": strategy}, nil
}

// =============================================================================
// TAG AND STATS HANDLERS
// =============================================================================

func (s *Server) handleTagsList(ctx context.Context, args map[string]any) (map[string]any, error) {
	list, err := s.deps.Store.ListTags(ctx, getInt(args, "limit", 100), getInt(args, "offset", 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{"tags": list, "count": len(list)}, nil
}

func (s *Server) handleTagsSearch(ctx context.Context, args map[string]any) (map[string]any, error) {
	query := getString(args, "query")
	if query == "" {
		return nil, types.Validation("query is required")
	}
	mode := getString(args, "mode")
	if mode == "" {
		mode = ModeExact
	}

	switch mode {
	case ModeExact:
		normalized, ok := tags.Normalize(query)
		if !ok {
			return nil, types.Validationf("invalid tag %q", query)
		}
		found, err := s.deps.Store.SearchTagsPrefix(ctx, normalized)
		if err != nil {
			return nil, err
		}
		exact := found[:0]
		for _, t := range found {
			if t.Name == normalized {
				exact = append(exact, t)
			}
		}
		return map[string]any{"mode": mode, "tags": exact, "count": len(exact)}, nil

	case ModePrefix:
		found, err := s.deps.Store.SearchTagsPrefix(ctx, query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"mode": mode, "tags": found, "count": len(found)}, nil

	case ModeFuzzy:
		matches, err := s.deps.Store.SearchTagsFuzzy(ctx, query,
			getFloat(args, "min_similarity", defaultFuzzySimilarity), getInt(args, "limit", 20))
		if err != nil {
			return nil, err
		}
		return map[string]any{"mode": mode, "matches": matches, "count": len(matches)}, nil

	default:
		return nil, types.Validationf("mode must be %s, %s, or %s", ModeExact, ModePrefix, ModeFuzzy)
	}
}

func (s *Server) handleStats(ctx context.Context, args map[string]any) (map[string]any, error) {
	stats, err := s.deps.Store.StoreStats(ctx)
	if err != nil {
		return nil, err
	}
	hits, misses := s.deps.Store.Cache().Stats()

	out := map[string]any{
		"stats": stats,
		"cache": map[string]any{"hits": hits, "misses": misses},
	}
	if name := getString(args, "robot"); name != "" {
		robot, err := s.deps.Store.RobotByName(ctx, name)
		if err != nil {
			return nil, err
		}
		robotStats, err := s.deps.Store.RobotStats(ctx, robot.ID, s.deps.Sets.MaxTokens())
		if err != nil {
			return nil, err
		}
		out["robot"] = robotStats
	}
	return out, nil
}

// =============================================================================
// GROUP TOOL HANDLERS
// =============================================================================

func (s *Server) handleGroupCreate(ctx context.Context, args map[string]any) (map[string]any, error) {
	name := getString(args, "name")
	if name == "" {
		return nil, types.Validation("name is required")
	}
	actives := getStringSlice(args, "actives")
	if len(actives) == 0 {
		return nil, types.Validation("at least one active member is required")
	}
	passives := getStringSlice(args, "passives")

	s.groupsMu.Lock()
	_, exists := s.groups[name]
	s.groupsMu.Unlock()
	if exists {
		return nil, types.Validationf("group %q already exists", name)
	}

	var publisher group.Publisher
	if s.deps.Notifier != nil {
		publisher = s.deps.Notifier
	}
	g := group.New(group.Config{
		Name:      name,
		Store:     s.deps.Store,
		Workflow:  s.deps.Workflow,
		Searcher:  s.deps.Searcher,
		Publisher: publisher,
		Sets:      s.deps.Sets,
	})
	for _, r := range actives {
		if _, err := g.AddActive(ctx, r); err != nil {
			return nil, err
		}
	}
	for _, r := range passives {
		if _, err := g.AddPassive(ctx, r); err != nil {
			return nil, err
		}
	}

	// The listener outlives the request: it follows the server lifecycle
	// and is closed by Shutdown.
	var listener *notify.Listener
	if s.deps.Notifier != nil {
		l, err := s.deps.Notifier.Listen(context.Background(), name, g.HandleEvent)
		if err != nil {
			s.log.Warn("change channel unavailable", zap.String("group", name), zap.Error(err))
		} else {
			listener = l
		}
	}

	s.groupsMu.Lock()
	if _, exists := s.groups[name]; exists {
		s.groupsMu.Unlock()
		if listener != nil {
			listener.Close()
		}
		return nil, types.Validationf("group %q already exists", name)
	}
	s.groups[name] = g
	if listener != nil {
		s.listeners[name] = listener
	}
	s.groupsMu.Unlock()

	out := map[string]any{
		"group":    name,
		"actives":  g.Actives(),
		"passives": g.Passives(),
	}
	if listener != nil {
		out["channel"] = listener.Channel()
	}
	return out, nil
}

func (s *Server) handleGroupStatus(ctx context.Context, args map[string]any) (map[string]any, error) {
	g, err := s.groupFor(getString(args, "group"))
	if err != nil {
		return nil, err
	}
	st, err := g.Status(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"group":        st.Group,
		"members":      st.Members,
		"unique_nodes": st.UniqueNodes,
		"total_tokens": st.TotalTokens,
		"max_tokens":   st.MaxTokens,
		"utilization":  st.Utilization,
		"in_sync":      st.InSync,
	}, nil
}

func (s *Server) handleGroupRemember(ctx context.Context, args map[string]any) (map[string]any, error) {
	g, err := s.groupFor(getString(args, "group"))
	if err != nil {
		return nil, err
	}
	res, err := g.Remember(ctx, group.RememberParams{
		Content:    getString(args, "content"),
		Tags:       getStringSlice(args, "tags"),
		Metadata:   getMap(args, "metadata"),
		Importance: getFloat(args, "importance", 0),
		Originator: getString(args, "originator"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"group":       g.Name(),
		"node_id":     res.NodeID,
		"is_new":      res.IsNew,
		"token_count": res.TokenCount,
	}, nil
}

func (s *Server) handleGroupRecall(ctx context.Context, args map[string]any) (map[string]any, error) {
	g, err := s.groupFor(getString(args, "group"))
	if err != nil {
		return nil, err
	}
	window, err := s.deps.Frames.Normalize(args["timeframe"])
	if err != nil {
		return nil, err
	}
	results, err := g.Recall(ctx, group.RecallParams{
		Query:    getString(args, "query"),
		Limit:    getInt(args, "limit", 0),
		Strategy: getString(args, "strategy"),
		Window:   window,
	})
	if err != nil {
		return nil, err
	}

	withRelevance := getBool(args, "with_relevance", false)
	memories := make([]string, len(results))
	for i, r := range results {
		if withRelevance {
			memories[i] = fmt.Sprintf("%s (relevance: %.4f)", r.Node.Content, r.RRFScore)
		} else {
			memories[i] = r.Node.Content
		}
	}
	return map[string]any{
		"group":    g.Name(),
		"count":    len(results),
		"memories": memories,
		"results":  results,
	}, nil
}

func (s *Server) handleGroupPromote(ctx context.Context, args map[string]any) (map[string]any, error) {
	g, err := s.groupFor(getString(args, "group"))
	if err != nil {
		return nil, err
	}
	robot := getString(args, "robot")
	if err := g.Promote(robot); err != nil {
		return nil, err
	}
	return map[string]any{"group": g.Name(), "robot": robot, "role": group.RoleActive}, nil
}

func (s *Server) handleGroupFailover(ctx context.Context, args map[string]any) (map[string]any, error) {
	g, err := s.groupFor(getString(args, "group"))
	if err != nil {
		return nil, err
	}
	promoted, err := g.Failover()
	if err != nil {
		return nil, err
	}
	return map[string]any{"group": g.Name(), "promoted": promoted.Name}, nil
}

func (s *Server) handleGroupSync(ctx context.Context, args map[string]any) (map[string]any, error) {
	g, err := s.groupFor(getString(args, "group"))
	if err != nil {
		return nil, err
	}

	out := map[string]any{"group": g.Name()}
	if robot := getString(args, "robot"); robot != "" {
		n, err := g.SyncRobot(ctx, robot)
		if err != nil {
			return nil, err
		}
		out["robot"] = robot
		out["synced_nodes"] = n
	} else {
		rep, err := g.SyncAll(ctx)
		if err != nil {
			return nil, err
		}
		out["synced_nodes"] = rep.SyncedNodes
		out["members_updated"] = rep.MembersUpdated
	}

	inSync, err := g.InSync(ctx)
	if err != nil {
		return nil, err
	}
	out["in_sync"] = inSync
	return out, nil
}

// =============================================================================
// ARGUMENT HELPERS
// =============================================================================

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getStringSlice(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func getInt(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func getInt64(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return n
		}
	}
	return 0
}

func getFloat(m map[string]any, key string, fallback float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

func getBool(m map[string]any, key string, fallback bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return fallback
}

func getMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func windowJSON(w *timeframe.Window) map[string]any {
	return map[string]any{"start": w.Start, "end": w.End}
}
