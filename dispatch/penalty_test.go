package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPenaltyGroupsFindsIdenticalPairs(t *testing.T) {
	features := map[string][]float64{
		"w-a": {1, 0},
		"w-b": {2, 0},
		"w-c": {0, 1},
	}

	groups := PenaltyGroups(features, 0.95)

	assert.Equal(t, [][]string{{"w-a", "w-b"}}, groups)
}

func TestPenaltyGroupsJoinsTransitively(t *testing.T) {
	// a~b and b~c clear the threshold, a~c does not; the union still
	// forms one group.
	features := map[string][]float64{
		"w-a": {1, 0},
		"w-b": {5, 1},
		"w-c": {2, 1},
	}

	groups := PenaltyGroups(features, 0.95)

	assert.Equal(t, [][]string{{"w-a", "w-b", "w-c"}}, groups)
}

func TestPenaltyGroupsIgnoresDistinctSubmissions(t *testing.T) {
	features := map[string][]float64{
		"w-a": {1, 0, 0},
		"w-b": {0, 1, 0},
		"w-c": {0, 0, 1},
	}

	assert.Empty(t, PenaltyGroups(features, 0.95))
}

func TestPenaltyGroupsSkipsUnusableVectors(t *testing.T) {
	features := map[string][]float64{
		"w-a": {1, 0},
		"w-b": nil,
		"w-c": {0, 0},
		"w-d": {1, 0, 0},
	}

	// Nil and zero vectors carry no signal; mismatched dimensions never
	// compare as similar.
	assert.Empty(t, PenaltyGroups(features, 0.95))
}

func TestTimeScore(t *testing.T) {
	tests := []struct {
		name    string
		elapsed float64
		limit   float64
		want    float64
	}{
		{"instant answer", 0, 60, 1},
		{"half the budget", 30, 60, 0.5},
		{"exactly on the limit", 60, 60, 0},
		{"overran the limit", 90, 60, 0},
		{"no limit configured", 10, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, TimeScore(tt.elapsed, tt.limit), 1e-9)
		})
	}
}

func TestReward(t *testing.T) {
	tests := []struct {
		name      string
		evalScore float64
		timeScore float64
		want      float64
	}{
		{"blends quality and speed", 0.5, 1, 0.6},
		{"zero quality earns nothing", 0, 1, 0},
		{"negative quality earns nothing", -1, 1, 0},
		{"slow but correct still earns", 1, 0, 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Reward(tt.evalScore, tt.timeScore, 0.8, 0.2), 1e-9)
		})
	}
}
