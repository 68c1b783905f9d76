package search

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"engram/internal/types"
)

func TestNormalizeScores(t *testing.T) {
	t.Run("varied scores map proportionally", func(t *testing.T) {
		got := normalizeScores(map[int64]float64{1: 0.2, 2: 0.6, 3: 1.0})
		want := map[int64]float64{1: 0.0, 2: 0.5, 3: 1.0}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("normalized scores mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("identical scores all map to one", func(t *testing.T) {
		got := normalizeScores(map[int64]float64{1: 0.4, 2: 0.4, 3: 0.4})
		for id, v := range got {
			assert.Equal(t, 1.0, v, "id %d", id)
		}
		assert.Len(t, got, 3)
	})

	t.Run("singleton unchanged", func(t *testing.T) {
		got := normalizeScores(map[int64]float64{7: 0.42})
		assert.Equal(t, map[int64]float64{7: 0.42}, got)
	})

	t.Run("empty stays empty", func(t *testing.T) {
		assert.Empty(t, normalizeScores(nil))
	})

	t.Run("absent keys stay absent", func(t *testing.T) {
		got := normalizeScores(map[int64]float64{1: 0.1, 9: 0.9})
		_, ok := got[5]
		assert.False(t, ok)
		assert.Len(t, got, 2)
	})
}

func TestFuseRRF(t *testing.T) {
	rankings := []ranking{
		{source: types.SourceVector, ids: []int64{1, 2}},
		{source: types.SourceFulltext, ids: []int64{2, 3}},
		{source: types.SourceTags, ids: []int64{2, 4}},
	}

	got := fuse(rankings)
	assert.Len(t, got, 4)

	// Node 2: rank 2 in vector, rank 1 in fulltext and tags.
	assert.Equal(t, int64(2), got[0].id)
	assert.InDelta(t, 1.0/62+1.0/61+1.0/61, got[0].score, 1e-12)
	assert.Equal(t,
		[]string{types.SourceVector, types.SourceFulltext, types.SourceTags},
		got[0].sources)

	// Node 1 at rank 1 of one retriever beats nodes at rank 2.
	assert.Equal(t, int64(1), got[1].id)
	assert.InDelta(t, 1.0/61, got[1].score, 1e-12)

	// Nodes 3 and 4 tie at 1/62; ascending id breaks the tie.
	assert.Equal(t, int64(3), got[2].id)
	assert.Equal(t, int64(4), got[3].id)
	assert.Equal(t, got[2].score, got[3].score)

	for _, f := range got[1:] {
		assert.Less(t, f.score, got[0].score,
			"multi-source node outranks every single-source node")
	}
}

func TestFuseRanksAreOneBased(t *testing.T) {
	got := fuse([]ranking{{source: types.SourceVector, ids: []int64{10, 20, 30}}})
	assert.Equal(t, 1, got[0].ranks[types.SourceVector])
	assert.InDelta(t, 1.0/61, got[0].score, 1e-12)
	assert.Equal(t, 3, got[2].ranks[types.SourceVector])
}

func TestAssembleLimitsAndMetadata(t *testing.T) {
	hits := fuse([]ranking{
		{source: types.SourceVector, ids: []int64{1, 2}},
		{source: types.SourceFulltext, ids: []int64{2}},
	})
	nodes := map[int64]types.Node{
		1: {ID: 1, Content: "first"},
		2: {ID: 2, Content: "second"},
	}
	vectorScores := map[int64]float64{1: 1.0, 2: 0.0}
	fulltextScores := map[int64]float64{2: 1.5}

	out := assemble(hits, nodes, vectorScores, fulltextScores, nil, nil, 1)
	assert.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].Node.ID)
	assert.NotNil(t, out[0].VectorRank)
	assert.Equal(t, 2, *out[0].VectorRank)
	assert.NotNil(t, out[0].FulltextRank)
	assert.Equal(t, 1, *out[0].FulltextRank)
	assert.Nil(t, out[0].TagRank)
	assert.Equal(t, 0.0, out[0].Similarity)
	assert.Equal(t, 1.5, out[0].TextRank)
}
