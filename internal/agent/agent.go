// Package agent is the primary per-robot API: remember, recall, forget,
// restore, retrieve, and context assembly. It validates inputs, resolves
// timeframes, and delegates to the write pipeline and search engine.
package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"engram/internal/enrich"
	"engram/internal/logging"
	"engram/internal/search"
	"engram/internal/timeframe"
	"engram/internal/types"
	"engram/internal/workmem"
)

// confirmToken is what a caller must supply to hard-delete.
const confirmToken = "confirmed"

const defaultRecallLimit = 10

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Store is the slice of the persistence layer the facade reads and prunes
// through. *store.Store satisfies it.
type Store interface {
	EnsureRobot(ctx context.Context, name string) (*types.Robot, error)
	GetNode(ctx context.Context, id int64) (*types.Node, error)
	SoftDelete(ctx context.Context, id int64) error
	HardDelete(ctx context.Context, id int64) error
	Restore(ctx context.Context, id int64) error
	TouchAccess(ctx context.Context, robotID int64, nodeIDs ...int64) error
	ClearWorkingMemory(ctx context.Context, robotID int64) (int64, error)
}

// Searcher runs retrieval; satisfied by *search.Engine.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]types.SearchResult, error)
}

// Config wires an Agent. RobotName, Store, Workflow, and Searcher are
// required; Frames defaults to a parser with Monday week start.
type Config struct {
	RobotName string
	Store     Store
	Workflow  *enrich.Workflow
	Searcher  Searcher
	Frames    *timeframe.Parser
}

// Agent binds the memory operations to one robot.
type Agent struct {
	robot    types.Robot
	store    Store
	workflow *enrich.Workflow
	searcher Searcher
	frames   *timeframe.Parser
	log      *zap.Logger
}

// New resolves the robot (creating it on first contact) and returns the
// bound facade.
func New(ctx context.Context, cfg Config) (*Agent, error) {
	if cfg.RobotName == "" {
		return nil, types.Validation("robot name must not be empty")
	}
	if len(cfg.RobotName) > maxKeyLen {
		return nil, types.Validationf("robot name is %d characters, max %d", len(cfg.RobotName), maxKeyLen)
	}
	robot, err := cfg.Store.EnsureRobot(ctx, cfg.RobotName)
	if err != nil {
		return nil, err
	}

	frames := cfg.Frames
	if frames == nil {
		frames = timeframe.New()
	}
	return &Agent{
		robot:    *robot,
		store:    cfg.Store,
		workflow: cfg.Workflow,
		searcher: cfg.Searcher,
		frames:   frames,
		log:      logging.Named(logging.ComponentAgent).With(zap.String("robot", robot.Name)),
	}, nil
}

// Robot returns the robot this agent acts as.
func (a *Agent) Robot() types.Robot { return a.robot }

// =============================================================================
// WRITE PATH
// =============================================================================

// Remember validates and persists one memory. Enrichment and working-set
// settlement run through the write pipeline.
func (a *Agent) Remember(ctx context.Context, in RememberInput) (*enrich.RememberResult, error) {
	if err := checkInput(in); err != nil {
		return nil, err
	}
	if err := checkMetadata(in.Metadata); err != nil {
		return nil, err
	}
	return a.workflow.Remember(ctx, enrich.RememberParams{
		RobotID:    a.robot.ID,
		Content:    in.Content,
		Tags:       in.Tags,
		Metadata:   in.Metadata,
		Importance: in.Importance,
	})
}

// Forget removes a memory: a tombstone by default, a hard delete only with
// confirm="confirmed". The node also leaves this robot's in-process working
// set.
func (a *Agent) Forget(ctx context.Context, nodeID int64, soft bool, confirm string) error {
	if nodeID <= 0 {
		return types.Validation("node id must be positive")
	}
	if !soft && confirm != confirmToken {
		return types.Validationf("hard delete requires confirm=%q", confirmToken)
	}

	var err error
	if soft {
		err = a.store.SoftDelete(ctx, nodeID)
	} else {
		err = a.store.HardDelete(ctx, nodeID)
	}
	if err != nil {
		return err
	}

	a.workflow.WorkingMemory(ctx, a.robot.ID).Remove(nodeID)
	a.log.Info("memory forgotten", zap.Int64("node_id", nodeID), zap.Bool("soft", soft))
	return nil
}

// Restore lifts a tombstone.
func (a *Agent) Restore(ctx context.Context, nodeID int64) error {
	if nodeID <= 0 {
		return types.Validation("node id must be positive")
	}
	return a.store.Restore(ctx, nodeID)
}

// Retrieve fetches one node by id and counts the access.
func (a *Agent) Retrieve(ctx context.Context, nodeID int64) (*types.Node, error) {
	if nodeID <= 0 {
		return nil, types.Validation("node id must be positive")
	}
	n, err := a.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if err := a.store.TouchAccess(ctx, a.robot.ID, nodeID); err != nil {
		a.log.Warn("access touch failed", zap.Int64("node_id", nodeID), zap.Error(err))
	}
	return n, nil
}

// =============================================================================
// RECALL
// =============================================================================

// RecallResult carries the fused results plus how the query was interpreted:
// Query is the text actually searched (time phrases stripped), Extracted the
// phrase that became the window.
type RecallResult struct {
	Query     string               `json:"query"`
	Window    *timeframe.Window    `json:"window,omitempty"`
	Extracted string               `json:"extracted,omitempty"`
	Results   []types.SearchResult `json:"results"`
}

// Recall searches long-term memory. Unless Raw is set, results are pulled
// back into the robot's working set and their access counters bumped.
func (a *Agent) Recall(ctx context.Context, in RecallInput) (*RecallResult, error) {
	if err := checkInput(in); err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit == 0 {
		limit = defaultRecallLimit
	}

	query, window, extracted, err := a.resolveTimeframe(in.Query, in.Timeframe)
	if err != nil {
		return nil, err
	}

	results, err := a.searcher.Search(ctx, query, search.Options{
		Limit:    limit,
		Strategy: in.Strategy,
		Window:   window,
	})
	if err != nil {
		return nil, err
	}

	if !in.Raw {
		a.absorb(ctx, results)
	}
	return &RecallResult{Query: query, Window: window, Extracted: extracted, Results: results}, nil
}

// resolveTimeframe turns the caller's timeframe value into a window. The
// "auto" sentinel extracts the window from (and strips it out of) the query
// text; an unrecognized phrase there leaves the query untouched with no
// window. Explicit values that cannot be parsed are validation errors.
func (a *Agent) resolveTimeframe(query string, tf any) (string, *timeframe.Window, string, error) {
	if s, ok := tf.(string); ok {
		sentinel := strings.TrimPrefix(strings.TrimSpace(s), ":")
		if strings.EqualFold(sentinel, timeframe.Auto) {
			res := a.frames.Extract(query)
			return res.Query, res.Window, res.Extracted, nil
		}
	}
	window, err := a.frames.Normalize(tf)
	if err != nil {
		return "", nil, "", err
	}
	return query, window, "", nil
}

// absorb records that these nodes were just used: access counters bump and
// the results re-enter working memory flagged as recall placements. Least
// relevant first, so when the budget forces evictions the top hits survive.
func (a *Agent) absorb(ctx context.Context, results []types.SearchResult) {
	if len(results) == 0 {
		return
	}
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.Node.ID
	}
	if err := a.store.TouchAccess(ctx, a.robot.ID, ids...); err != nil {
		a.log.Warn("access touch failed", zap.Int64s("node_ids", ids), zap.Error(err))
	}
	for i := len(results) - 1; i >= 0; i-- {
		a.workflow.PlaceNode(ctx, a.robot.ID, results[i].Node, true)
	}
}

// Strings renders the results the way conversational callers consume them:
// one line per hit, optionally annotated with its fused score.
func (r *RecallResult) Strings(withRelevance bool) []string {
	out := make([]string, len(r.Results))
	for i, res := range r.Results {
		if withRelevance {
			out[i] = fmt.Sprintf("%s (relevance: %.4f)", res.Node.Content, res.RRFScore)
		} else {
			out[i] = res.Node.Content
		}
	}
	return out
}

// =============================================================================
// WORKING MEMORY
// =============================================================================

// CreateContext assembles the robot's working set into a prompt-ready
// string. Empty strategy assembles newest-first.
func (a *Agent) CreateContext(ctx context.Context, strategy string, maxTokens int) (string, error) {
	if strategy == "" {
		strategy = workmem.StrategyRecent
	}
	mem := a.workflow.WorkingMemory(ctx, a.robot.ID)
	return mem.AssembleContext(strategy, maxTokens)
}

// WorkingState is a snapshot of the robot's working set for inspection.
type WorkingState struct {
	Entries    []workmem.Entry `json:"entries"`
	UsedTokens int             `json:"used_tokens"`
	MaxTokens  int             `json:"max_tokens"`
}

// WorkingState reports the in-process working set, newest first.
func (a *Agent) WorkingState(ctx context.Context) *WorkingState {
	mem := a.workflow.WorkingMemory(ctx, a.robot.ID)
	return &WorkingState{
		Entries:    mem.Snapshot(),
		UsedTokens: mem.UsedTokens(),
		MaxTokens:  mem.MaxTokens(),
	}
}

// ClearWorkingMemory empties the robot's working set, in-process and
// durable, and reports how many nodes were dropped.
func (a *Agent) ClearWorkingMemory(ctx context.Context) (int64, error) {
	dropped, err := a.store.ClearWorkingMemory(ctx, a.robot.ID)
	if err != nil {
		return 0, err
	}
	a.workflow.WorkingMemory(ctx, a.robot.ID).Clear()
	return dropped, nil
}
