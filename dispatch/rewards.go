package dispatch

// TimeScore rewards finishing ahead of the unit's time limit. A worker
// that uses none of the budget scores 1, one that exhausts or overruns
// it scores 0.
func TimeScore(elapsedSeconds float64, limitSeconds float64) float64 {
	if limitSeconds <= 0 {
		return 0
	}
	score := 1 - elapsedSeconds/limitSeconds
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Reward blends the evaluator's quality score with the timing score.
// A submission the evaluator rated at or below zero earns nothing, no
// matter how fast it arrived.
func Reward(evalScore float64, timeScore float64, evalWeight float64, timeWeight float64) float64 {
	if evalScore <= 0 {
		return 0
	}
	return evalWeight*evalScore + timeWeight*timeScore
}
