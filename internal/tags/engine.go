// Package tags implements the hierarchical tag ontology: colon-separated
// lowercase paths up to five levels deep, with ancestor expansion so that
// tagging a node "devops:kubernetes:pods" also asserts "devops" and
// "devops:kubernetes" on it.
package tags

import (
	"regexp"
	"strings"

	"engram/internal/types"
)

// MaxDepth bounds tag hierarchies.
const MaxDepth = 5

var segmentRe = regexp.MustCompile(`^[a-z0-9-]+$`)

// Hierarchy is the parsed form of a tag name.
type Hierarchy struct {
	Full   string   // "devops:kubernetes:pods"
	Root   string   // "devops"
	Parent string   // "devops:kubernetes", empty for root tags
	Levels []string // ["devops", "kubernetes", "pods"]
	Depth  int      // 3
}

// Valid reports whether name is a well-formed tag: 1-5 lowercase
// [a-z0-9-]+ segments joined by ':', with no repeated segments.
func Valid(name string) bool {
	return validate(name) == nil
}

func validate(name string) error {
	if name == "" {
		return types.Validation("tag name is empty")
	}
	if name != strings.ToLower(name) {
		return types.Validationf("tag %q must be lowercase", name)
	}
	segments := strings.Split(name, ":")
	if len(segments) > MaxDepth {
		return types.Validationf("tag %q exceeds %d levels", name, MaxDepth)
	}
	seen := make(map[string]bool, len(segments))
	for _, seg := range segments {
		if !segmentRe.MatchString(seg) {
			return types.Validationf("tag %q has invalid segment %q", name, seg)
		}
		if seen[seg] {
			return types.Validationf("tag %q repeats segment %q", name, seg)
		}
		seen[seg] = true
	}
	return nil
}

// Validate returns a descriptive validation error for malformed names.
func Validate(name string) error { return validate(name) }

// Normalize lowercases and trims a candidate name so provider output like
// "DevOps: Kubernetes" can survive validation. Returns the cleaned name and
// whether it is valid.
func Normalize(name string) (string, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(name))
	cleaned = strings.Trim(cleaned, ":")
	parts := strings.Split(cleaned, ":")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.TrimSpace(p), " ", "-")
	}
	cleaned = strings.Join(parts, ":")
	return cleaned, Valid(cleaned)
}

// Ancestors returns every prefix path of name ordered shallow to deep,
// including name itself: "a:b:c" -> ["a", "a:b", "a:b:c"].
func Ancestors(name string) []string {
	segments := strings.Split(name, ":")
	out := make([]string, 0, len(segments))
	for i := range segments {
		out = append(out, strings.Join(segments[:i+1], ":"))
	}
	return out
}

// Depth returns the number of segments in name.
func Depth(name string) int {
	if name == "" {
		return 0
	}
	return strings.Count(name, ":") + 1
}

// ParseHierarchy splits a valid tag name into its structural parts.
func ParseHierarchy(name string) (Hierarchy, error) {
	if err := validate(name); err != nil {
		return Hierarchy{}, err
	}
	levels := strings.Split(name, ":")
	h := Hierarchy{
		Full:   name,
		Root:   levels[0],
		Levels: levels,
		Depth:  len(levels),
	}
	if len(levels) > 1 {
		h.Parent = strings.Join(levels[:len(levels)-1], ":")
	}
	return h, nil
}

// ExpandAll returns the deduplicated union of Ancestors over every input
// name, preserving shallow-before-deep order of first appearance. Shared
// prefixes appear once.
func ExpandAll(names []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range names {
		for _, anc := range Ancestors(name) {
			if !seen[anc] {
				seen[anc] = true
				out = append(out, anc)
			}
		}
	}
	return out
}

// FilterValid normalizes and validates provider-suggested names, dropping
// malformed ones and duplicates. Order of first appearance is preserved.
func FilterValid(candidates []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range candidates {
		cleaned, ok := Normalize(c)
		if !ok || seen[cleaned] {
			continue
		}
		seen[cleaned] = true
		out = append(out, cleaned)
	}
	return out
}
