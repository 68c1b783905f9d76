// Package enrich runs the write path: persist content as a node, fan out
// embedding, tag, and proposition generation in the background, then settle
// the robot's working set. Only the save step can fail a Remember call;
// everything downstream is logged and swallowed so a flaky provider never
// loses a memory.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"engram/internal/jobs"
	"engram/internal/logging"
	"engram/internal/provider"
	"engram/internal/store"
	"engram/internal/tags"
	"engram/internal/tokenizer"
	"engram/internal/types"
	"engram/internal/workmem"
)

// How many existing tag names the extractor sees as vocabulary context.
const tagSampleSize = 50

// Proposition candidates below these floors are noise, not facts.
const (
	minPropositionRunes = 10
	minPropositionWords = 5
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Store is the slice of the persistence layer the workflow writes through.
// *store.Store satisfies it; tests substitute fakes.
type Store interface {
	AddNode(ctx context.Context, p store.AddNodeParams) (nodeID int64, isNew bool, err error)
	GetNode(ctx context.Context, id int64) (*types.Node, error)
	UpdateNodeEmbedding(ctx context.Context, id int64, embedding []float32, dimension int) error
	AddTagToNode(ctx context.Context, nodeID int64, name string) ([]types.Tag, error)
	SampleTags(ctx context.Context, n int) ([]string, error)
	SetWorkingMemory(ctx context.Context, robotID int64, nodeIDs ...int64) error
	ClearWorkingFlags(ctx context.Context, robotID int64, nodeIDs ...int64) error
	WorkingSet(ctx context.Context, robotID int64) ([]types.WorkingNode, error)
	TouchRobot(ctx context.Context, id int64) error
}

// EventSink receives working-set change notifications. Groups bind one to
// their change channel; outside a group there is nobody to tell, so the
// sink is optional.
type EventSink interface {
	NodeAdded(ctx context.Context, robotID, nodeID int64)
	NodeEvicted(ctx context.Context, robotID, nodeID int64)
}

type nopSink struct{}

func (nopSink) NodeAdded(context.Context, int64, int64)   {}
func (nopSink) NodeEvicted(context.Context, int64, int64) {}

// Config wires a Workflow. Store, Counter, Runner, and Sets are required;
// nil providers disable their step.
type Config struct {
	Store        Store
	Counter      tokenizer.Counter
	Runner       *jobs.Runner
	Sets         *workmem.Sets
	Embedder     provider.Embedder
	Tagger       provider.TagExtractor
	Propositions provider.PropositionGenerator
	Events       EventSink
}

// Workflow is the remember pipeline. Safe for concurrent use.
type Workflow struct {
	store    Store
	counter  tokenizer.Counter
	runner   *jobs.Runner
	sets     *workmem.Sets
	embedder provider.Embedder
	tagger   provider.TagExtractor
	props    provider.PropositionGenerator
	events   EventSink
	log      *zap.Logger
}

// New builds a Workflow from cfg.
func New(cfg Config) *Workflow {
	events := cfg.Events
	if events == nil {
		events = nopSink{}
	}
	return &Workflow{
		store:    cfg.Store,
		counter:  cfg.Counter,
		runner:   cfg.Runner,
		sets:     cfg.Sets,
		embedder: cfg.Embedder,
		tagger:   cfg.Tagger,
		props:    cfg.Propositions,
		events:   events,
		log:      logging.Named(logging.ComponentEnrich),
	}
}

// WithEvents returns a copy of the workflow whose working-set changes go to
// sink. Groups use it to route the shared pipeline onto their own channel.
func (w *Workflow) WithEvents(sink EventSink) *Workflow {
	if sink == nil {
		sink = nopSink{}
	}
	cp := *w
	cp.events = sink
	return &cp
}

// =============================================================================
// REMEMBER
// =============================================================================

// RememberParams is one write. Tags are caller-asserted and applied before
// anything the extractor suggests; Importance feeds working-set scoring and
// is stored in node metadata.
type RememberParams struct {
	RobotID    int64
	Content    string
	Tags       []string
	Metadata   map[string]any
	Importance float64
}

// RememberResult reports the durable outcome of a write. Enrichment may
// still be running when it is returned.
type RememberResult struct {
	NodeID     int64 `json:"node_id"`
	IsNew      bool  `json:"is_new"`
	TokenCount int   `json:"token_count"`
}

// Remember persists the content and schedules enrichment. The save is
// synchronous and its errors surface; identical content resolves to the
// existing node without re-running the generation steps, though manual tags
// are still attached and the working set still refreshes.
func (w *Workflow) Remember(ctx context.Context, p RememberParams) (*RememberResult, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, types.Validation("content must not be empty")
	}
	if len(p.Content) > types.MaxContentBytes {
		return nil, types.Validationf("content is %d bytes, max %d", len(p.Content), types.MaxContentBytes)
	}

	tokenCount := w.counter.Count(p.Content)

	meta := make(map[string]any, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	if p.Importance != 0 {
		meta["importance"] = p.Importance
	}

	nodeID, isNew, err := w.store.AddNode(ctx, store.AddNodeParams{
		Content:    p.Content,
		TokenCount: tokenCount,
		RobotID:    p.RobotID,
		Metadata:   meta,
	})
	if err != nil {
		return nil, err
	}

	w.runner.Enqueue(ctx, jobs.Job{
		Name: fmt.Sprintf("enrich-node-%d", nodeID),
		Run: func(jctx context.Context) error {
			if isNew {
				w.runner.EnqueueParallel(jctx,
					jobs.Job{Name: "generate_embedding", Run: func(c context.Context) error {
						return w.generateEmbedding(c, nodeID, p.Content)
					}},
					jobs.Job{Name: "generate_tags", Run: func(c context.Context) error {
						return w.generateTags(c, nodeID, p.Content, p.Tags)
					}},
					jobs.Job{Name: "generate_propositions", Run: func(c context.Context) error {
						return w.generatePropositions(c, p.RobotID, nodeID, p.Content)
					}},
				)
			} else if len(p.Tags) > 0 {
				if err := w.attachTags(jctx, nodeID, p.Tags, nil); err != nil {
					w.log.Warn("manual tag attach failed",
						zap.Int64("node_id", nodeID), zap.Error(err))
				}
			}
			w.finalize(jctx, p.RobotID, nodeID, p.Content, tokenCount, p.Importance)
			return nil
		},
	})

	return &RememberResult{NodeID: nodeID, IsNew: isNew, TokenCount: tokenCount}, nil
}

// =============================================================================
// GENERATION STEPS
// =============================================================================

func (w *Workflow) generateEmbedding(ctx context.Context, nodeID int64, content string) error {
	if w.embedder == nil {
		return nil
	}
	node, err := w.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.EmbeddingDimension > 0 {
		return nil
	}
	return w.EmbedNode(ctx, nodeID, content)
}

// EmbedNode generates and stores an embedding unconditionally. The reembed
// maintenance path uses it to overwrite vectors whose dimension drifted from
// the configured provider.
func (w *Workflow) EmbedNode(ctx context.Context, nodeID int64, content string) error {
	vec, dims, err := w.embedder.Embed(ctx, content)
	if err != nil {
		return err
	}
	padded, err := types.PadEmbedding(vec)
	if err != nil {
		return err
	}
	return w.store.UpdateNodeEmbedding(ctx, nodeID, padded, dims)
}

func (w *Workflow) generateTags(ctx context.Context, nodeID int64, content string, manual []string) error {
	attached := make(map[string]bool, len(manual))
	if err := w.attachTags(ctx, nodeID, manual, attached); err != nil {
		return err
	}
	if w.tagger == nil {
		return nil
	}

	// The sample is advisory context; extraction proceeds without it.
	vocab, err := w.store.SampleTags(ctx, tagSampleSize)
	if err != nil {
		w.log.Warn("tag vocabulary sample failed", zap.Error(err))
		vocab = nil
	}

	suggested, err := w.tagger.ExtractTags(ctx, content, vocab)
	if err != nil {
		return err
	}
	return w.attachTags(ctx, nodeID, suggested, attached)
}

// attachTags normalizes, dedupes, and associates names (with their
// ancestors) to the node. seen may be nil; callers share it across manual
// and suggested batches so a tag is attached once.
func (w *Workflow) attachTags(ctx context.Context, nodeID int64, names []string, seen map[string]bool) error {
	if seen == nil {
		seen = make(map[string]bool, len(names))
	}
	for _, raw := range names {
		name, ok := tags.Normalize(raw)
		if !ok {
			w.log.Warn("dropping invalid tag", zap.String("tag", raw), zap.Int64("node_id", nodeID))
			continue
		}
		if seen[name] {
			continue
		}
		if _, err := w.store.AddTagToNode(ctx, nodeID, name); err != nil {
			return err
		}
		seen[name] = true
	}
	return nil
}

func (w *Workflow) generatePropositions(ctx context.Context, robotID, sourceID int64, content string) error {
	if w.props == nil {
		return nil
	}
	candidates, err := w.props.GeneratePropositions(ctx, content)
	if err != nil {
		return err
	}

	source := strings.TrimSpace(content)
	seen := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		text := strings.TrimSpace(cand)
		if !keepProposition(text) {
			continue
		}
		key := strings.ToLower(text)
		if seen[key] || strings.EqualFold(text, source) {
			continue
		}
		seen[key] = true

		id, isNew, err := w.store.AddNode(ctx, store.AddNodeParams{
			Content:       text,
			TokenCount:    w.counter.Count(text),
			RobotID:       robotID,
			Metadata:      map[string]any{"source_node_id": sourceID},
			IsProposition: true,
		})
		if err != nil {
			return err
		}
		if !isNew {
			continue
		}
		// Propositions are embedded so they surface in retrieval, but they
		// are never tagged and never spawn further propositions.
		if w.embedder != nil {
			if err := w.EmbedNode(ctx, id, text); err != nil {
				w.log.Warn("proposition embedding failed",
					zap.Int64("node_id", id), zap.Int64("source_node_id", sourceID), zap.Error(err))
			}
		}
	}
	return nil
}

// keepProposition filters extraction noise: too short, too few words, or no
// letters at all.
func keepProposition(text string) bool {
	if utf8.RuneCountInString(text) < minPropositionRunes {
		return false
	}
	if len(strings.Fields(text)) < minPropositionWords {
		return false
	}
	for _, r := range text {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// =============================================================================
// FINALIZE
// =============================================================================

// finalize settles the robot's working set around the new node, bumps the
// robot's activity, and announces the addition. Failures here are logged;
// the node itself is already durable.
func (w *Workflow) finalize(ctx context.Context, robotID, nodeID int64, content string, tokenCount int, importance float64) {
	if robotID <= 0 {
		return
	}

	w.Place(ctx, robotID, workmem.Entry{
		Key:        nodeID,
		Content:    content,
		Tokens:     tokenCount,
		Importance: importance,
	})

	if err := w.store.TouchRobot(ctx, robotID); err != nil {
		w.log.Warn("robot activity touch failed", zap.Int64("robot_id", robotID), zap.Error(err))
	}
	w.events.NodeAdded(ctx, robotID, nodeID)
}

// Place inserts or refreshes one entry in the robot's working set, evicting
// lower-value entries first and clearing their durable flags. An entry
// larger than the whole budget is left out; it remains a long-term memory.
func (w *Workflow) Place(ctx context.Context, robotID int64, e workmem.Entry) {
	mem := w.WorkingMemory(ctx, robotID)
	if mem.Contains(e.Key) {
		mem.Touch(e.Key)
		return
	}

	if !mem.HasSpace(e.Tokens) {
		evicted := mem.EvictToMakeSpace(e.Tokens)
		if len(evicted) > 0 {
			ids := make([]int64, len(evicted))
			for i, ev := range evicted {
				ids[i] = ev.Key
			}
			if err := w.store.ClearWorkingFlags(ctx, robotID, ids...); err != nil {
				w.log.Warn("eviction flag clear failed",
					zap.Int64("robot_id", robotID), zap.Int64s("node_ids", ids), zap.Error(err))
			}
			for _, id := range ids {
				w.events.NodeEvicted(ctx, robotID, id)
			}
		}
	}
	if !mem.HasSpace(e.Tokens) {
		w.log.Warn("content exceeds working memory budget",
			zap.Int64("node_id", e.Key), zap.Int("tokens", e.Tokens),
			zap.Int("max_tokens", mem.MaxTokens()))
		return
	}

	mem.Add(e)
	if err := w.store.SetWorkingMemory(ctx, robotID, e.Key); err != nil {
		w.log.Warn("working memory flag failed",
			zap.Int64("robot_id", robotID), zap.Int64("node_id", e.Key), zap.Error(err))
	}
}

// PlaceNode settles an already-stored node into the robot's working set.
// Recall uses it to pull results back into context.
func (w *Workflow) PlaceNode(ctx context.Context, robotID int64, n *types.Node, fromRecall bool) {
	w.Place(ctx, robotID, workmem.Entry{
		Key:        n.ID,
		Content:    n.Content,
		Tokens:     n.TokenCount,
		Importance: importanceFrom(n.Metadata),
		FromRecall: fromRecall,
	})
}

// WorkingMemory returns the robot's in-process working set, hydrating it
// from the durable flags on first access.
func (w *Workflow) WorkingMemory(ctx context.Context, robotID int64) *workmem.Memory {
	return w.sets.For(robotID, func(mem *workmem.Memory) {
		nodes, err := w.store.WorkingSet(ctx, robotID)
		if err != nil {
			w.log.Warn("working set hydration failed", zap.Int64("robot_id", robotID), zap.Error(err))
			return
		}
		for _, n := range nodes {
			mem.Add(workmem.Entry{
				Key:          n.Node.ID,
				Content:      n.Node.Content,
				Tokens:       n.Node.TokenCount,
				AccessCount:  n.AccessCount,
				LastAccessed: n.LastAccessed,
				AddedAt:      n.Node.CreatedAt,
				Importance:   importanceFrom(n.Node.Metadata),
			})
		}
	})
}

func importanceFrom(meta map[string]any) float64 {
	switch v := meta["importance"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0 // Add substitutes the 1.0 default
	}
}
