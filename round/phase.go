package round

import (
	"sync"
	"time"

	"arena-validator/logging"
	"arena-validator/types"
)

// Phase represents the current phase of the round lifecycle
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePreparing
	PhaseHandshake
	PhaseTaskExecution
	PhaseWaiting
	PhaseConsensus
	PhaseFinalizing
	PhaseComplete
	PhaseError
)

// String returns the string representation of a Phase
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhasePreparing:
		return "PREPARING"
	case PhaseHandshake:
		return "HANDSHAKE"
	case PhaseTaskExecution:
		return "TASK_EXECUTION"
	case PhaseWaiting:
		return "WAITING"
	case PhaseConsensus:
		return "CONSENSUS"
	case PhaseFinalizing:
		return "FINALIZING"
	case PhaseComplete:
		return "COMPLETE"
	case PhaseError:
		return "ERROR"
	default:
		return "Invalid"
	}
}

// ParsePhase maps a phase name back to its value. Unknown names map to
// PhaseError so a mangled checkpoint cannot resume into a bogus phase.
func ParsePhase(name string) Phase {
	for phase := PhaseIdle; phase <= PhaseError; phase++ {
		if phase.String() == name {
			return phase
		}
	}
	return PhaseError
}

// Transition is one entry in the append-only phase history.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Height int64     `json:"height"`
	Epoch  float64   `json:"epoch"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

// PhaseTracker holds the lifecycle state of the round in flight. History
// is append-only; nothing ever rewrites an earlier transition.
type PhaseTracker struct {
	mu sync.RWMutex

	blocksPerEpoch int64
	current        Phase
	history        []Transition
}

func NewPhaseTracker(blocksPerEpoch int64) *PhaseTracker {
	return &PhaseTracker{blocksPerEpoch: blocksPerEpoch, current: PhaseIdle}
}

// Current returns the phase the round is in right now.
func (t *PhaseTracker) Current() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Advance moves to the given phase and records the transition. Re-entering
// the current phase is a no-op apart from a log line, so callers may
// re-apply a phase on every block tick without flooding the history.
func (t *PhaseTracker) Advance(to Phase, height int64, note string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if to == t.current {
		logging.Debug("Phase re-entered", types.Rounds,
			"phase", to.String(), "height", height, "note", note)
		return false
	}
	t.append(to, height, note)
	return true
}

// Force records the transition even when the phase does not change. Resume
// paths use it to stamp a fresh entry after a restart.
func (t *PhaseTracker) Force(to Phase, height int64, note string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.append(to, height, note)
}

func (t *PhaseTracker) append(to Phase, height int64, note string) {
	transition := Transition{
		From:   t.current,
		To:     to,
		Height: height,
		At:     time.Now().UTC(),
		Note:   note,
	}
	if t.blocksPerEpoch > 0 {
		transition.Epoch = float64(height) / float64(t.blocksPerEpoch)
	}
	t.history = append(t.history, transition)
	logging.Info("Phase transition", types.Rounds,
		"from", transition.From.String(), "to", to.String(), "height", height, "note", note)
	t.current = to
}

// History returns a copy of every transition recorded so far.
func (t *PhaseTracker) History() []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	history := make([]Transition, len(t.history))
	copy(history, t.history)
	return history
}

// Reset clears the tracker back to idle for the next round. The old
// history is returned so callers can archive it.
func (t *PhaseTracker) Reset() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	history := t.history
	t.history = nil
	t.current = PhaseIdle
	return history
}
