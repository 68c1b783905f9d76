package search

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"engram/internal/logging"
	"engram/internal/store"
	"engram/internal/telemetry"
	"engram/internal/timeframe"
	"engram/internal/types"
)

// Retrieval strategies accepted by Search.
const (
	StrategyHybrid   = "hybrid"
	StrategyVector   = "vector"
	StrategyFulltext = "fulltext"
)

// ontologySample is how many existing tag names are handed to the tag
// provider as vocabulary context.
const ontologySample = 50

// Backend is the slice of the store the engine needs. *store.Store
// implements it; tests substitute fakes.
type Backend interface {
	VectorSearch(ctx context.Context, embedding []float32, f store.SearchFilter) ([]store.Candidate, error)
	FulltextSearch(ctx context.Context, query string, f store.SearchFilter) ([]store.Candidate, error)
	NodesByTags(ctx context.Context, tagNames []string, f store.SearchFilter) ([]store.TagCandidate, error)
	SampleTags(ctx context.Context, n int) ([]string, error)
	Cache() *store.QueryCache
}

// Embedder produces the query embedding. Calls are expected to be
// breaker-guarded by the implementation.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, int, error)
}

// TagExtractor names the ontology paths present in a piece of text.
type TagExtractor interface {
	ExtractTags(ctx context.Context, text string, vocabulary []string) ([]string, error)
}

// Options scopes one search.
type Options struct {
	Limit    int    // results returned after fusion; default 10
	Strategy string // hybrid | vector | fulltext; default hybrid
	RobotIDs []int64
	Window   *timeframe.Window
}

// Engine runs the retrievers in parallel and fuses their rankings.
type Engine struct {
	backend  Backend
	embedder Embedder
	tagger   TagExtractor
	metrics  *telemetry.Metrics
	log      *zap.Logger
}

// New builds an engine. metrics may be nil.
func New(backend Backend, embedder Embedder, tagger TagExtractor, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		backend:  backend,
		embedder: embedder,
		tagger:   tagger,
		metrics:  metrics,
		log:      logging.Named(logging.ComponentSearch),
	}
}

// Search produces a ranked result list for the query. In hybrid mode a
// failing retriever is logged and skipped so the others still answer; in
// single-retriever modes the failure surfaces.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]types.SearchResult, error) {
	if query == "" {
		return nil, types.Validation("query must not be empty")
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyHybrid
	}
	switch strategy {
	case StrategyHybrid, StrategyVector, StrategyFulltext:
	default:
		return nil, types.Validationf("unknown search strategy %q", strategy)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	windowStart, windowEnd := "", ""
	if opts.Window != nil {
		windowStart = opts.Window.Start.UTC().Format(time.RFC3339Nano)
		windowEnd = opts.Window.End.UTC().Format(time.RFC3339Nano)
	}
	cacheKey := store.Key("hybrid_search", strategy, query, limit, opts.RobotIDs, windowStart, windowEnd)
	if v, ok := e.backend.Cache().Get(cacheKey); ok {
		return v.([]types.SearchResult), nil
	}

	defer logging.StartTimer(e.log, "search").Stop()
	filter := store.SearchFilter{RobotIDs: opts.RobotIDs, Window: opts.Window}

	var (
		vector, fulltext       []store.Candidate
		tagged                 []store.TagCandidate
		chains                 []chain
		vecErr, textErr, tagErr error
	)

	runVector := strategy != StrategyFulltext
	runFulltext := strategy != StrategyVector
	runTags := strategy == StrategyHybrid

	g, gctx := errgroup.WithContext(ctx)
	if runVector {
		g.Go(func() error {
			start := time.Now()
			vector, vecErr = e.retrieveVector(gctx, query, filter)
			e.metrics.ObserveRetriever(types.SourceVector, time.Since(start))
			return nil
		})
	}
	if runFulltext {
		g.Go(func() error {
			start := time.Now()
			fulltext, textErr = e.backend.FulltextSearch(gctx, query, filter)
			e.metrics.ObserveRetriever(types.SourceFulltext, time.Since(start))
			return nil
		})
	}
	if runTags {
		g.Go(func() error {
			start := time.Now()
			tagged, chains, tagErr = e.retrieveTags(gctx, query, filter)
			e.metrics.ObserveRetriever(types.SourceTags, time.Since(start))
			return nil
		})
	}
	_ = g.Wait()

	switch strategy {
	case StrategyVector:
		if vecErr != nil {
			return nil, vecErr
		}
	case StrategyFulltext:
		if textErr != nil {
			return nil, textErr
		}
	default:
		// Hybrid degrades: drop failing retrievers unless every retriever
		// failed.
		for _, fail := range []struct {
			source string
			err    error
		}{
			{types.SourceVector, vecErr},
			{types.SourceFulltext, textErr},
			{types.SourceTags, tagErr},
		} {
			if fail.err != nil {
				e.log.Warn("retriever degraded",
					zap.String("source", fail.source),
					zap.Error(fail.err))
			}
		}
		if vecErr != nil && textErr != nil && tagErr != nil {
			return nil, vecErr
		}
	}

	results := e.fuseAll(vector, fulltext, tagged, chains, limit)
	e.backend.Cache().Set(cacheKey, results)
	return results, nil
}

func (e *Engine) retrieveVector(ctx context.Context, query string, f store.SearchFilter) ([]store.Candidate, error) {
	vec, _, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	padded, err := types.PadEmbedding(vec)
	if err != nil {
		return nil, err
	}
	return e.backend.VectorSearch(ctx, padded, f)
}

func (e *Engine) retrieveTags(ctx context.Context, query string, f store.SearchFilter) ([]store.TagCandidate, []chain, error) {
	vocab, err := e.backend.SampleTags(ctx, ontologySample)
	if err != nil {
		// The sample is advisory context; extraction still works without it.
		e.log.Warn("ontology sample unavailable", zap.Error(err))
		vocab = nil
	}
	extracted, err := e.tagger.ExtractTags(ctx, query, vocab)
	if err != nil {
		return nil, nil, err
	}
	chains := buildChains(extracted)
	if len(chains) == 0 {
		return nil, nil, nil
	}
	candidates, err := e.backend.NodesByTags(ctx, vocabulary(chains), f)
	if err != nil {
		return nil, nil, err
	}
	return candidates, chains, nil
}

// fuseAll ranks each retriever's candidates, normalizes their scores for
// reporting, fuses by RRF, and assembles the final results.
func (e *Engine) fuseAll(
	vector, fulltext []store.Candidate,
	tagged []store.TagCandidate,
	chains []chain,
	limit int,
) []types.SearchResult {
	nodes := make(map[int64]types.Node)
	var rankings []ranking

	if len(vector) > 0 {
		r := ranking{source: types.SourceVector, scores: make(map[int64]float64, len(vector))}
		for _, c := range vector {
			r.ids = append(r.ids, c.Node.ID)
			r.scores[c.Node.ID] = c.Score
			nodes[c.Node.ID] = c.Node
		}
		rankings = append(rankings, r)
	}

	if len(fulltext) > 0 {
		r := ranking{source: types.SourceFulltext, scores: make(map[int64]float64, len(fulltext))}
		for _, c := range fulltext {
			r.ids = append(r.ids, c.Node.ID)
			r.scores[c.Node.ID] = c.Score
			if _, ok := nodes[c.Node.ID]; !ok {
				nodes[c.Node.ID] = c.Node
			}
		}
		rankings = append(rankings, r)
	}

	matchedTags := make(map[int64][]string, len(tagged))
	if len(tagged) > 0 {
		scored := make([]store.Candidate, 0, len(tagged))
		for _, c := range tagged {
			scored = append(scored, store.Candidate{
				Node:  c.Node,
				Score: scoreTagMatch(chains, c.MatchedTags),
			})
			matchedTags[c.Node.ID] = c.MatchedTags
			if _, ok := nodes[c.Node.ID]; !ok {
				nodes[c.Node.ID] = c.Node
			}
		}
		sort.SliceStable(scored, func(i, j int) bool {
			if scored[i].Score != scored[j].Score {
				return scored[i].Score > scored[j].Score
			}
			return scored[i].Node.ID < scored[j].Node.ID
		})
		r := ranking{source: types.SourceTags, scores: make(map[int64]float64, len(scored))}
		for _, c := range scored {
			r.ids = append(r.ids, c.Node.ID)
			r.scores[c.Node.ID] = c.Score
		}
		rankings = append(rankings, r)
	}

	var vectorScores, fulltextScores, tagScores map[int64]float64
	for i := range rankings {
		normalized := normalizeScores(rankings[i].scores)
		switch rankings[i].source {
		case types.SourceVector:
			vectorScores = normalized
		case types.SourceFulltext:
			fulltextScores = normalized
		case types.SourceTags:
			tagScores = normalized
		}
	}

	return assemble(fuse(rankings), nodes, vectorScores, fulltextScores, tagScores, matchedTags, limit)
}
