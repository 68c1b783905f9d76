package search

import (
	"sort"

	"engram/internal/tags"
)

// matchBonus rewards nodes matching more than one extracted chain; the total
// score is capped at scoreCap.
const (
	matchBonus = 0.05
	scoreCap   = 1.1
)

// chain is one extracted tag with its ancestor depth map: for "a:b:c" the
// map holds a→1, a:b→2, a:b:c→3 and maxDepth is 3.
type chain struct {
	name     string
	maxDepth int
	depths   map[string]int
}

// buildChains validates and normalizes the extracted tags, dropping
// malformed ones, and returns one chain per surviving unique tag.
func buildChains(extracted []string) []chain {
	seen := make(map[string]bool, len(extracted))
	out := make([]chain, 0, len(extracted))
	for _, raw := range extracted {
		name, ok := tags.Normalize(raw)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true

		ancestors := tags.Ancestors(name)
		depths := make(map[string]int, len(ancestors))
		for i, a := range ancestors {
			depths[a] = i + 1
		}
		out = append(out, chain{name: name, maxDepth: len(ancestors), depths: depths})
	}
	return out
}

// vocabulary returns the union of every chain's ancestors, sorted, for the
// store's tag lookup.
func vocabulary(chains []chain) []string {
	set := make(map[string]bool)
	for _, c := range chains {
		for name := range c.depths {
			set[name] = true
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// scoreTagMatch computes the tag depth score of a node whose matched tags
// are given: per chain, the best depth(t)/maxDepth ratio over the node's
// tags inside that chain; the raw score is the mean over all chains, plus a
// bonus when at least two chains matched, capped.
func scoreTagMatch(chains []chain, matchedTags []string) float64 {
	if len(chains) == 0 || len(matchedTags) == 0 {
		return 0
	}
	have := make(map[string]bool, len(matchedTags))
	for _, t := range matchedTags {
		have[t] = true
	}

	sum := 0.0
	matchedChains := 0
	for _, c := range chains {
		best := 0.0
		for name, depth := range c.depths {
			if !have[name] {
				continue
			}
			if ratio := float64(depth) / float64(c.maxDepth); ratio > best {
				best = ratio
			}
		}
		if best > 0 {
			matchedChains++
		}
		sum += best
	}

	score := sum / float64(len(chains))
	if matchedChains >= 2 {
		score += matchBonus
	}
	if score > scoreCap {
		score = scoreCap
	}
	return score
}
