package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildChains(t *testing.T) {
	chains := buildChains([]string{"Infra:Postgres", "infra:postgres", "bad tag!", "ops"})
	assert.Len(t, chains, 2, "duplicates and malformed tags dropped")

	assert.Equal(t, "infra:postgres", chains[0].name)
	assert.Equal(t, 2, chains[0].maxDepth)
	assert.Equal(t, map[string]int{"infra": 1, "infra:postgres": 2}, chains[0].depths)

	assert.Equal(t, "ops", chains[1].name)
	assert.Equal(t, 1, chains[1].maxDepth)
}

func TestVocabularyIsSortedUnion(t *testing.T) {
	chains := buildChains([]string{"infra:postgres", "infra:redis"})
	got := vocabulary(chains)
	assert.Equal(t, []string{"infra", "infra:postgres", "infra:redis"}, got)
}

func TestScoreTagMatch(t *testing.T) {
	single := buildChains([]string{"a:b:c"})
	double := buildChains([]string{"a:b:c", "x:y"})

	tests := []struct {
		name    string
		chains  []chain
		matched []string
		want    float64
	}{
		{"full chain match scores one", single, []string{"a", "a:b", "a:b:c"}, 1.0},
		{"leaf alone still full depth", single, []string{"a:b:c"}, 1.0},
		{"depth two of three", single, []string{"a:b"}, 2.0 / 3.0},
		{"root only", single, []string{"a"}, 1.0 / 3.0},
		{"no match scores zero", single, []string{"z"}, 0.0},
		{"empty matched scores zero", single, nil, 0.0},
		{"one of two chains halves the mean", double, []string{"a:b:c"}, 0.5},
		{"both chains matched earns bonus", double, []string{"a:b:c", "x:y"}, 1.05},
		{"partial both chains with bonus", double, []string{"a", "x"}, (1.0/3.0+0.5)/2 + 0.05},
		{"unrelated tags ignored", single, []string{"a:b", "q:r:s"}, 2.0 / 3.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, scoreTagMatch(tc.chains, tc.matched), 1e-9)
		})
	}
}

func TestScoreTagMatchCap(t *testing.T) {
	chains := buildChains([]string{"a", "b", "c"})
	got := scoreTagMatch(chains, []string{"a", "b", "c"})
	assert.LessOrEqual(t, got, scoreCap)
	assert.InDelta(t, 1.05, got, 1e-9)
}

func TestScoreTagMatchNoChains(t *testing.T) {
	assert.Equal(t, 0.0, scoreTagMatch(nil, []string{"a"}))
}
