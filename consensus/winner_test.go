package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectWinnerTakesTopScore(t *testing.T) {
	aggregated := map[string]float64{"w1": 0.4, "w2": 0.9, "w3": 0.7}
	assert.Equal(t, "w2", SelectWinner(aggregated, "", 5))
}

func TestSelectWinnerHysteresis(t *testing.T) {
	testCases := []struct {
		name       string
		aggregated map[string]float64
		incumbent  string
		expected   string
	}{
		{
			name:       "challenger within margin loses",
			aggregated: map[string]float64{"champ": 0.90, "challenger": 0.93},
			incumbent:  "champ",
			expected:   "champ", // 0.93 < 0.90 * 1.05 = 0.945
		},
		{
			name:       "challenger beyond margin wins",
			aggregated: map[string]float64{"champ": 0.90, "challenger": 0.96},
			incumbent:  "champ",
			expected:   "challenger", // 0.96 > 0.945
		},
		{
			name:       "incumbent missing from scores",
			aggregated: map[string]float64{"challenger": 0.5},
			incumbent:  "champ",
			expected:   "challenger",
		},
		{
			name:       "incumbent with zero score loses the title",
			aggregated: map[string]float64{"champ": 0.0, "challenger": 0.1},
			incumbent:  "champ",
			expected:   "challenger",
		},
		{
			name:       "incumbent still on top keeps winning",
			aggregated: map[string]float64{"champ": 0.9, "challenger": 0.4},
			incumbent:  "champ",
			expected:   "champ",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SelectWinner(tc.aggregated, tc.incumbent, 5))
		})
	}
}

func TestSelectWinnerWithNoValidScores(t *testing.T) {
	assert.Equal(t, "", SelectWinner(nil, "", 5))
	assert.Equal(t, "", SelectWinner(map[string]float64{}, "champ", 5))
	assert.Equal(t, "", SelectWinner(map[string]float64{"w1": 0, "w2": -0.5}, "", 5))
}

func TestSelectWinnerTieBreaksDeterministically(t *testing.T) {
	aggregated := map[string]float64{"w-b": 0.8, "w-a": 0.8, "w-c": 0.8}
	for i := 0; i < 10; i++ {
		assert.Equal(t, "w-a", SelectWinner(aggregated, "", 5))
	}
}

func TestBuildWeightsPureWinnerTakeAll(t *testing.T) {
	aggregated := map[string]float64{"w1": 0.9, "w2": 0.5, "w3": 0.1}
	weights := BuildWeights(3, aggregated, "w1", 0, "burn")

	assert.False(t, weights.Burned)
	assert.Equal(t, "w1", weights.WinnerId)
	assert.Equal(t, []string{"w1", "w2", "w3"}, weights.WorkerIds)
	assert.Equal(t, map[string]float64{"w1": 1.0, "w2": 0.0, "w3": 0.0}, weights.Weights)
	assert.Equal(t, 1.0, weightSum(weights.Weights))
}

func TestBuildWeightsBurnFallback(t *testing.T) {
	weights := BuildWeights(3, map[string]float64{}, "", 0, "burn")

	assert.True(t, weights.Burned)
	assert.Equal(t, "", weights.WinnerId)
	assert.Equal(t, map[string]float64{"burn": 1.0}, weights.Weights)
	assert.Equal(t, 1.0, weightSum(weights.Weights))
}

func TestBuildWeightsBlended(t *testing.T) {
	aggregated := map[string]float64{"w1": 0.6, "w2": 0.3, "w3": 0.1, "w4": -0.2}
	weights := BuildWeights(3, aggregated, "w1", 0.5, "burn")

	require.False(t, weights.Burned)
	// Half the mass follows normalized positive averages, half goes to the
	// winner: w1 = 0.5*0.6 + 0.5 = 0.8, w2 = 0.15, w3 = 0.05, w4 = 0.
	assert.InDelta(t, 0.8, weights.Weights["w1"], 1e-9)
	assert.InDelta(t, 0.15, weights.Weights["w2"], 1e-9)
	assert.InDelta(t, 0.05, weights.Weights["w3"], 1e-9)
	assert.InDelta(t, 0.0, weights.Weights["w4"], 1e-9)
	assert.InDelta(t, 1.0, weightSum(weights.Weights), 1e-12)

	assert.Equal(t, 1.0, weights.WinnerTakeAll["w1"])
	assert.Equal(t, 0.0, weights.WinnerTakeAll["w2"])
}

func weightSum(weights map[string]float64) float64 {
	total := 0.0
	for _, weight := range weights {
		total += weight
	}
	return total
}
