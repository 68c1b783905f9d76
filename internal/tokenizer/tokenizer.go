// Package tokenizer counts LLM tokens for working-memory accounting.
// Counts feed capacity math only, so a ±10% estimate is acceptable; the
// heuristic counter is the default and the tiktoken counter matches OpenAI
// reference encodings when exactness matters.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter maps text to an estimated token count. Implementations must be
// pure and safe for concurrent use.
type Counter interface {
	Count(text string) int
	Name() string
}

// =============================================================================
// HEURISTIC COUNTER
// =============================================================================

// Heuristic estimates roughly four characters per token, corrected upward
// for whitespace-sparse text. No external data, deterministic, fast.
type Heuristic struct{}

// NewHeuristic returns the default counter.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Count estimates tokens as max(runes/4, words), which tracks BPE output
// within the accepted margin for English prose.
func (h *Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}
	byRunes := (utf8.RuneCountInString(text) + 3) / 4
	byWords := len(strings.Fields(text))
	if byWords > byRunes {
		return byWords
	}
	return byRunes
}

func (h *Heuristic) Name() string { return "heuristic" }

// =============================================================================
// TIKTOKEN COUNTER
// =============================================================================

// Tiktoken counts with a real BPE encoding (default cl100k_base).
type Tiktoken struct {
	encoding string
	enc      *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding. The first load fetches the BPE
// ranks, so construct once and share.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &Tiktoken{encoding: encoding, enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tiktoken) Name() string { return "tiktoken:" + t.encoding }

// =============================================================================
// FACTORY
// =============================================================================

// New builds a Counter from configuration. Unknown providers fail loudly at
// startup rather than at first count.
func New(provider, encoding string) (Counter, error) {
	switch provider {
	case "", "heuristic":
		return NewHeuristic(), nil
	case "tiktoken":
		return NewTiktoken(encoding)
	default:
		return nil, fmt.Errorf("unknown tokenizer provider %q", provider)
	}
}
