// Package search fuses the three retrievers (vector, full-text, tag) into a
// single ranked result list using reciprocal rank fusion.
package search

import (
	"sort"

	"engram/internal/types"
)

// rrfK is the reciprocal-rank-fusion constant: a candidate at rank r
// contributes 1/(rrfK+r).
const rrfK = 60

// ranking is one retriever's ordered output, best first, with the raw score
// per node id.
type ranking struct {
	source string
	ids    []int64
	scores map[int64]float64
}

// normalizeScores min-max normalizes a retriever's score set:
// min maps to 0, max to 1; two or more identical scores all map to 1.0; a
// single element stays unchanged; keys are never added or dropped.
func normalizeScores(scores map[int64]float64) map[int64]float64 {
	out := make(map[int64]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	if len(scores) == 1 {
		for id, v := range scores {
			out[id] = v
		}
		return out
	}

	first := true
	var min, max float64
	for _, v := range scores {
		if first {
			min, max = v, v
			first = false
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min == max {
		for id := range scores {
			out[id] = 1.0
		}
		return out
	}
	span := max - min
	for id, v := range scores {
		out[id] = (v - min) / span
	}
	return out
}

// fused is one node's combined standing across retrievers.
type fused struct {
	id      int64
	score   float64
	sources []string
	ranks   map[string]int
}

// fuse merges the rankings by RRF. Ranks are 1-based; the output is sorted
// by descending fused score, ties broken by ascending node id so results are
// deterministic.
func fuse(rankings []ranking) []fused {
	byID := make(map[int64]*fused)
	for _, r := range rankings {
		for i, id := range r.ids {
			f, ok := byID[id]
			if !ok {
				f = &fused{id: id, ranks: make(map[string]int, len(rankings))}
				byID[id] = f
			}
			rank := i + 1
			f.score += 1.0 / float64(rrfK+rank)
			f.sources = append(f.sources, r.source)
			f.ranks[r.source] = rank
		}
	}

	out := make([]fused, 0, len(byID))
	for _, f := range byID {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

// intPtr gives SearchResult its nullable per-retriever rank fields.
func intPtr(v int, ok bool) *int {
	if !ok {
		return nil
	}
	return &v
}

// assemble turns fused hits into SearchResults, attaching nodes and the
// normalized per-retriever metadata scores.
func assemble(
	hits []fused,
	nodes map[int64]types.Node,
	vectorScores, fulltextScores, tagScores map[int64]float64,
	matchedTags map[int64][]string,
	limit int,
) []types.SearchResult {
	if limit <= 0 {
		limit = 10
	}
	out := make([]types.SearchResult, 0, limit)
	for _, h := range hits {
		if len(out) == limit {
			break
		}
		node, ok := nodes[h.id]
		if !ok {
			continue
		}
		n := node
		res := types.SearchResult{
			Node:     &n,
			RRFScore: h.score,
			Sources:  h.sources,
		}
		if r, ok := h.ranks[types.SourceVector]; ok {
			res.VectorRank = intPtr(r, true)
			res.Similarity = vectorScores[h.id]
		}
		if r, ok := h.ranks[types.SourceFulltext]; ok {
			res.FulltextRank = intPtr(r, true)
			res.TextRank = fulltextScores[h.id]
		}
		if r, ok := h.ranks[types.SourceTags]; ok {
			res.TagRank = intPtr(r, true)
			res.TagDepthScore = tagScores[h.id]
			res.MatchedTags = matchedTags[h.id]
		}
		out = append(out, res)
	}
	return out
}
