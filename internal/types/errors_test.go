package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds_WrapAndDetect(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindEmbedding, cause, "embed query")

	assert.True(t, IsKind(err, KindEmbedding))
	assert.False(t, IsKind(err, KindDatabase))
	assert.Equal(t, KindEmbedding, KindOf(err))
	assert.ErrorIs(t, err, cause)

	// Another fmt wrap layer must not hide the kind.
	outer := fmt.Errorf("recall: %w", err)
	assert.True(t, IsKind(outer, KindEmbedding))
	assert.ErrorIs(t, outer, cause)
}

func TestErrorKinds_IsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", NotFound("node", 42))
	assert.True(t, errors.Is(err, &Error{Kind: KindNotFound}))
	assert.False(t, errors.Is(err, &Error{Kind: KindValidation}))
}

func TestWrap_NilPassthrough(t *testing.T) {
	require.NoError(t, Wrap(KindDatabase, nil, "insert"))
}

func TestErrorStrings(t *testing.T) {
	assert.Equal(t, "validation: importance out of range",
		Validation("importance out of range").Error())
	assert.Equal(t, "not_found: node 7 not found", NotFound("node", 7).Error())

	wrapped := Wrap(KindTag, errors.New("boom"), "suggest tags")
	assert.Equal(t, "tag: suggest tags: boom", wrapped.Error())
}

func TestKindOf_Unknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestHashContent_Deterministic(t *testing.T) {
	a := HashContent("Ruby is an interpreted language")
	b := HashContent("Ruby is an interpreted language")
	c := HashContent("Go is a compiled language")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestNodeImportance_Default(t *testing.T) {
	n := &Node{}
	assert.Equal(t, 1.0, n.Importance())

	n.Metadata = map[string]any{"importance": 2.5}
	assert.Equal(t, 2.5, n.Importance())

	// JSON round-trips land as float64, but direct ints happen too.
	n.Metadata = map[string]any{"importance": 3}
	assert.Equal(t, 3.0, n.Importance())
}

func TestNodeSourceNodeID(t *testing.T) {
	n := &Node{Metadata: map[string]any{"source_node_id": float64(11)}}
	assert.Equal(t, int64(11), n.SourceNodeID())
	assert.Equal(t, int64(0), (&Node{}).SourceNodeID())
}
