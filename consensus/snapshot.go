package consensus

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Snapshot is the artifact one validator publishes per round: its local
// per-worker scores plus enough metadata for peers to sanity-check the
// payload. Immutable once stored; the content address doubles as its
// identity.
type Snapshot struct {
	Round     int64              `json:"round"`
	Validator string             `json:"validator"`
	Scores    map[string]float64 `json:"scores"`
	Stake     float64            `json:"stake"`
	TaskCount int                `json:"task_count"`
	CreatedAt time.Time          `json:"created_at"`
}

// ValidateSnapshot is the basic sanity filter applied to fetched peer
// payloads. It is deliberately shallow: the protocol assumes honest
// majority, not adversarial peers.
func ValidateSnapshot(snapshot *Snapshot, round int64) error {
	if snapshot == nil {
		return errors.New("snapshot is nil")
	}
	if snapshot.Round != round {
		return errors.Errorf("snapshot is for round %d, expected %d", snapshot.Round, round)
	}
	if snapshot.Validator == "" {
		return errors.New("snapshot carries no validator id")
	}
	if snapshot.Scores == nil {
		return errors.New("snapshot carries no scores")
	}
	for workerId, score := range snapshot.Scores {
		if workerId == "" {
			return errors.New("snapshot contains an empty worker id")
		}
		if math.IsNaN(score) || math.IsInf(score, 0) {
			return errors.Errorf("snapshot score for %s is not finite", workerId)
		}
	}
	return nil
}
