package driver

import (
	"arena-validator/consensus"
	"arena-validator/round"
)

// Status is the admin-facing snapshot of the scheduler.
type Status struct {
	InFlight   bool                      `json:"in_flight"`
	Round      int64                     `json:"round,omitempty"`
	Season     int64                     `json:"season,omitempty"`
	Phase      string                    `json:"phase"`
	Boundaries *round.Boundaries         `json:"boundaries,omitempty"`
	Workers    int                       `json:"responded_workers"`
	Completed  int                       `json:"completed_pairs"`
	Settlement consensus.SettlementState `json:"settlement"`
	LastRound  int64                     `json:"last_completed_round"`
	LastWinner string                    `json:"last_winner,omitempty"`
}

func (d *Driver) Status() Status {
	d.mu.Lock()
	state := d.state
	lastRound := d.lastRound
	d.mu.Unlock()

	status := Status{
		Phase:      round.PhaseIdle.String(),
		LastRound:  lastRound,
		LastWinner: d.config.GetLastWinner(),
	}
	if state == nil {
		return status
	}

	boundaries := d.params.Boundaries(state.Number())
	status.InFlight = true
	status.Round = state.Number()
	status.Season = state.Season()
	status.Phase = state.Phase.Current().String()
	status.Boundaries = &boundaries
	status.Workers = len(state.RespondedWorkers())
	status.Completed = state.CompletedCount()
	status.Settlement = d.settlement.State()
	return status
}

// PhaseHistory returns the transitions of the round in flight, or of the
// last finished round when the driver sits idle.
func (d *Driver) PhaseHistory() []round.Transition {
	d.mu.Lock()
	state := d.state
	last := d.lastHistory
	d.mu.Unlock()

	if state != nil {
		return state.Phase.History()
	}
	history := make([]round.Transition, len(last))
	copy(history, last)
	return history
}

// LocalScores exposes this validator's own per-worker averages so far.
func (d *Driver) LocalScores() map[string]float64 {
	state := d.current()
	if state == nil {
		return map[string]float64{}
	}
	return state.AverageScores()
}
