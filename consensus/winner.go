package consensus

import (
	"sort"

	"github.com/shopspring/decimal"
)

// WeightsSnapshot is the final on-chain payload of a round.
type WeightsSnapshot struct {
	Round         int64              `json:"round"`
	WorkerIds     []string           `json:"worker_ids"`
	Averages      map[string]float64 `json:"averages"`
	WinnerTakeAll map[string]float64 `json:"winner_take_all"`
	WinnerId      string             `json:"winner_id,omitempty"`
	Weights       map[string]float64 `json:"weights"`
	Burned        bool               `json:"burned"`
}

// SelectWinner picks the round winner from aggregated scores. Pure
// function: no winner exists when the map is empty or no score is
// positive. The incumbent keeps the title unless a challenger beats it by
// more than marginPercent, which keeps the on-chain winner from
// oscillating on noise between rounds.
func SelectWinner(aggregated map[string]float64, incumbent string, marginPercent float64) string {
	top := ""
	topScore := 0.0
	for _, workerId := range sortedWorkerIds(aggregated) {
		score := aggregated[workerId]
		if score > topScore {
			top = workerId
			topScore = score
		}
	}
	if top == "" {
		return ""
	}

	incumbentScore, present := aggregated[incumbent]
	if incumbent == "" || !present || incumbentScore <= 0 || top == incumbent {
		return top
	}
	required := incumbentScore * (1 + marginPercent/100)
	if topScore > required {
		return top
	}
	return incumbent
}

// BuildWeights turns aggregated scores and a selected winner into the
// weight vector pushed on chain. With no winner (empty or all-nonpositive
// scores) the whole weight goes to the burn sink, so the chain never sees
// a degenerate vector. blendFraction mixes the normalized average-reward
// vector into the winner-take-all vector; 0 means pure winner-take-all.
// The returned weights always sum to exactly 1.
func BuildWeights(round int64, aggregated map[string]float64, winnerId string, blendFraction float64, burnId string) *WeightsSnapshot {
	snapshot := &WeightsSnapshot{
		Round:         round,
		WorkerIds:     sortedWorkerIds(aggregated),
		Averages:      copyScores(aggregated),
		WinnerTakeAll: make(map[string]float64, len(aggregated)),
		WinnerId:      winnerId,
	}

	if winnerId == "" {
		snapshot.Burned = true
		snapshot.Weights = map[string]float64{burnId: 1.0}
		return snapshot
	}

	for _, workerId := range snapshot.WorkerIds {
		if workerId == winnerId {
			snapshot.WinnerTakeAll[workerId] = 1.0
		} else {
			snapshot.WinnerTakeAll[workerId] = 0.0
		}
	}

	if blendFraction <= 0 {
		snapshot.Weights = copyScores(snapshot.WinnerTakeAll)
		return snapshot
	}
	if blendFraction > 1 {
		blendFraction = 1
	}

	positiveTotal := decimal.Zero
	for _, workerId := range snapshot.WorkerIds {
		if score := aggregated[workerId]; score > 0 {
			positiveTotal = positiveTotal.Add(decimal.NewFromFloat(score))
		}
	}

	blend := decimal.NewFromFloat(blendFraction)
	wtaShare := decimal.NewFromInt(1).Sub(blend)
	weights := make(map[string]float64, len(aggregated))
	total := decimal.Zero
	for _, workerId := range snapshot.WorkerIds {
		weight := decimal.Zero
		if score := aggregated[workerId]; score > 0 && positiveTotal.IsPositive() {
			weight = blend.Mul(decimal.NewFromFloat(score)).Div(positiveTotal)
		}
		if workerId == winnerId {
			weight = weight.Add(wtaShare)
		}
		weights[workerId] = weight.InexactFloat64()
		total = total.Add(weight)
	}
	// Rounding drift lands on the winner so the vector sums to exactly 1.
	drift := decimal.NewFromInt(1).Sub(total)
	weights[winnerId] = decimal.NewFromFloat(weights[winnerId]).Add(drift).InexactFloat64()

	snapshot.Weights = weights
	return snapshot
}

func sortedWorkerIds(scores map[string]float64) []string {
	ids := make([]string, 0, len(scores))
	for workerId := range scores {
		ids = append(ids, workerId)
	}
	sort.Strings(ids)
	return ids
}

func copyScores(scores map[string]float64) map[string]float64 {
	copied := make(map[string]float64, len(scores))
	for workerId, score := range scores {
		copied[workerId] = score
	}
	return copied
}
