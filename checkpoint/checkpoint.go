package checkpoint

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"arena-validator/apiconfig"
	"arena-validator/consensus"
	"arena-validator/logging"
	"arena-validator/round"
	"arena-validator/types"

	"github.com/pkg/errors"
)

// Checkpoint is the crash-recovery snapshot of one round in flight. The
// flat record list is the source of truth: accumulators and the
// completed-pair set are rebuilt from it exactly, so a resumed round
// produces the same final averages as an uninterrupted one.
type Checkpoint struct {
	RoundNumber int64                            `json:"round_number"`
	Season      int64                            `json:"season"`
	StartBlock  int64                            `json:"start_block"`
	TargetBlock int64                            `json:"target_block"`
	Phase       string                           `json:"phase"`
	SavedAt     time.Time                        `json:"saved_at"`
	Handshakes  map[string]round.HandshakeRecord `json:"handshakes,omitempty"`
	Records     []round.EvalRecord               `json:"records"`
	Consensus   consensus.SettlementState        `json:"consensus"`
	LastWinner  string                           `json:"last_winner,omitempty"`
}

// Capture snapshots live round state into a Checkpoint.
func Capture(state *round.State, settlement consensus.SettlementState, lastWinner string) *Checkpoint {
	return &Checkpoint{
		RoundNumber: state.Number(),
		Season:      state.Season(),
		StartBlock:  state.StartBlock(),
		TargetBlock: state.TargetBlock(),
		Phase:       state.Phase.Current().String(),
		SavedAt:     time.Now().UTC(),
		Handshakes:  state.Handshakes(),
		Records:     state.Records(),
		Consensus:   settlement,
		LastWinner:  lastWinner,
	}
}

// Rebuild replays a checkpoint into a fresh round state. Records are
// applied in their original order, restoring accumulators and the
// completed-pair set exactly, not approximately.
func Rebuild(params *round.Params, checkpoint *Checkpoint, currentBlock int64) *round.State {
	state := round.NewState(params, checkpoint.RoundNumber, checkpoint.Season)
	for _, handshake := range checkpoint.Handshakes {
		state.SetHandshake(handshake)
	}
	for _, record := range checkpoint.Records {
		state.AddRecord(record)
	}
	state.Phase.Force(round.ParsePhase(checkpoint.Phase), currentBlock, "resumed from checkpoint")
	return state
}

// Store persists checkpoints to a single file with overwrite semantics.
// Saving after every unit of work keeps the file small and redundant
// saves harmless.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(config apiconfig.CheckpointConfig) *Store {
	return &Store{path: config.Path}
}

func (s *Store) Save(checkpoint *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(checkpoint)
	if err != nil {
		return errors.Wrap(err, "encoding checkpoint")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "writing checkpoint")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "renaming checkpoint into place")
	}
	return nil
}

// Load reads the checkpoint, if any, and discards it when it belongs to a
// round other than the one the current block sits in. A checkpoint from a
// finished round window must never resume into the new round.
func (s *Store) Load(params *round.Params, currentBlock int64) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading checkpoint")
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		logging.Warn("Discarding unreadable checkpoint", types.Checkpoints,
			"path", s.path, "error", err)
		return nil, s.removeLocked()
	}

	checkpointRound := params.Number(checkpoint.StartBlock)
	currentRound := params.Number(currentBlock)
	if checkpointRound != currentRound {
		logging.Warn("Discarding stale checkpoint", types.Checkpoints,
			"checkpoint_round", checkpointRound, "current_round", currentRound,
			"start_block", checkpoint.StartBlock, "current_block", currentBlock)
		return nil, s.removeLocked()
	}
	if checkpoint.RoundNumber != checkpointRound {
		logging.Warn("Discarding inconsistent checkpoint", types.Checkpoints,
			"recorded_round", checkpoint.RoundNumber, "derived_round", checkpointRound)
		return nil, s.removeLocked()
	}

	logging.Info("Loaded checkpoint", types.Checkpoints,
		"round", checkpoint.RoundNumber, "phase", checkpoint.Phase,
		"records", len(checkpoint.Records), "saved_at", checkpoint.SavedAt)
	return &checkpoint, nil
}

// Clear removes the checkpoint once its round completes.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked()
}

func (s *Store) removeLocked() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing checkpoint")
	}
	return nil
}
