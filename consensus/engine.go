package consensus

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"arena-validator/apiconfig"
	"arena-validator/chainbridge"
	"arena-validator/logging"
	"arena-validator/storeclient"
	"arena-validator/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// SettlementState is the engine's per-round progress, flat enough to ride
// inside a checkpoint. Publishing and weight submission each happen at
// most once per round; the flags survive restarts.
type SettlementState struct {
	Round            int64  `json:"round"`
	Published        bool   `json:"published"`
	ContentAddress   string `json:"content_address,omitempty"`
	Aggregated       bool   `json:"aggregated"`
	WinnerId         string `json:"winner_id,omitempty"`
	WeightsSubmitted bool   `json:"weights_submitted"`
}

// Diagnostics describes one aggregation pass for logs and operators.
type Diagnostics struct {
	Announced        int      `json:"announced"`
	Included         int      `json:"included"`
	ExcludedLowStake int      `json:"excluded_low_stake"`
	FailedFetches    int      `json:"failed_fetches"`
	InvalidPayloads  int      `json:"invalid_payloads"`
	Failures         []string `json:"failures,omitempty"`
}

// Aggregated is the stake-weighted combination of every eligible
// validator's snapshot for the round.
type Aggregated struct {
	Scores       map[string]float64 `json:"scores"`
	TotalStake   float64            `json:"total_stake"`
	Contributors int                `json:"contributors"`
}

// Engine runs the settlement protocol for one round at a time: publish
// own scores, fetch and aggregate peers, select a winner, push weights.
type Engine struct {
	config      apiconfig.ConsensusConfig
	validatorId string
	store       storeclient.SharedStore
	chain       chainbridge.Client

	mu    sync.Mutex
	state SettlementState
}

func NewEngine(config apiconfig.ConsensusConfig, validatorId string, store storeclient.SharedStore, chain chainbridge.Client) *Engine {
	return &Engine{
		config:      config,
		validatorId: validatorId,
		store:       store,
		chain:       chain,
	}
}

func (e *Engine) Enabled() bool {
	return e.config.Enabled
}

// StartRound resets settlement progress for a new round.
func (e *Engine) StartRound(round int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = SettlementState{Round: round}
}

// RestoreState re-applies checkpointed progress after a restart, so a
// round that already published does not publish twice.
func (e *Engine) RestoreState(state SettlementState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

func (e *Engine) State() SettlementState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Published() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Published
}

// Publish writes this validator's snapshot to the shared store and
// announces its address. Calling it twice in one round is a logic error.
func (e *Engine) Publish(ctx context.Context, scores map[string]float64, taskCount int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Published {
		return "", errors.Errorf("round %d already published at %s", e.state.Round, e.state.ContentAddress)
	}

	// An empty round still announces an explicit empty map. Peers reject
	// null scores as malformed.
	if scores == nil {
		scores = map[string]float64{}
	}

	stake := e.ownStake(ctx)
	snapshot := Snapshot{
		Round:     e.state.Round,
		Validator: e.validatorId,
		Scores:    scores,
		Stake:     stake,
		TaskCount: taskCount,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return "", errors.Wrap(err, "encoding snapshot")
	}

	address, err := e.store.PutContent(ctx, payload)
	if err != nil {
		return "", errors.Wrap(err, "publishing snapshot")
	}
	if err := e.store.Announce(ctx, e.state.Round, e.validatorId, address); err != nil {
		return "", errors.Wrap(err, "announcing snapshot")
	}

	e.state.Published = true
	e.state.ContentAddress = address
	logging.Info("Published consensus snapshot", types.Consensus,
		"round", e.state.Round, "workers", len(scores), "address", address)
	return address, nil
}

// Aggregate fetches every announced snapshot for the round, filters out
// peers below the stake threshold, and combines scores by stake-weighted
// mean. Individual peer failures are excluded and counted, never fatal.
func (e *Engine) Aggregate(ctx context.Context) (*Aggregated, *Diagnostics, error) {
	round := e.State().Round
	diagnostics := &Diagnostics{}

	stakes, err := e.peerStakes(ctx)
	if err != nil {
		return nil, diagnostics, errors.Wrap(err, "reading validator stakes")
	}

	board, err := e.store.Announcements(ctx, round)
	if err != nil {
		return nil, diagnostics, errors.Wrapf(err, "listing announcements for round %d", round)
	}
	diagnostics.Announced = len(board)

	validators := make([]string, 0, len(board))
	for validator := range board {
		validators = append(validators, validator)
	}
	sort.Strings(validators)

	weightedSums := make(map[string]decimal.Decimal)
	weightTotals := make(map[string]decimal.Decimal)
	totalStake := decimal.Zero
	included := 0

	for _, validator := range validators {
		// Own snapshot always participates; peers must clear the stake bar.
		// A peer missing from the chain set counts as zero stake.
		stake := stakes[validator]
		if validator != e.validatorId && stake < e.config.MinPeerStake {
			diagnostics.ExcludedLowStake++
			logging.Debug("Excluding low-stake peer", types.Consensus,
				"round", round, "validator", validator, "stake", stake)
			continue
		}

		payload, err := e.store.GetContent(ctx, board[validator])
		if err != nil {
			diagnostics.FailedFetches++
			diagnostics.Failures = append(diagnostics.Failures, validator+": "+err.Error())
			logging.Warn("Failed to fetch peer snapshot", types.Consensus,
				"round", round, "validator", validator, "error", err)
			continue
		}
		var snapshot Snapshot
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			diagnostics.InvalidPayloads++
			logging.Warn("Discarding undecodable peer snapshot", types.Consensus,
				"round", round, "validator", validator, "error", err)
			continue
		}
		if err := ValidateSnapshot(&snapshot, round); err != nil {
			diagnostics.InvalidPayloads++
			logging.Warn("Discarding invalid peer snapshot", types.Consensus,
				"round", round, "validator", validator, "error", err)
			continue
		}
		if snapshot.Validator != validator {
			diagnostics.InvalidPayloads++
			logging.Warn("Snapshot validator does not match announcement", types.Consensus,
				"round", round, "announced", validator, "claimed", snapshot.Validator)
			continue
		}

		// Stake comes from the chain, never from the payload itself. A
		// validator with zero stake still contributes its own view locally
		// when nobody else is eligible.
		weight := decimal.NewFromFloat(stake)
		if weight.IsZero() && validator == e.validatorId {
			weight = decimal.NewFromInt(1)
		}
		for _, workerId := range sortedWorkerIds(snapshot.Scores) {
			score := decimal.NewFromFloat(snapshot.Scores[workerId])
			weightedSums[workerId] = weightedSums[workerId].Add(score.Mul(weight))
			weightTotals[workerId] = weightTotals[workerId].Add(weight)
		}
		totalStake = totalStake.Add(decimal.NewFromFloat(stake))
		included++
	}
	diagnostics.Included = included

	aggregated := &Aggregated{
		Scores:       make(map[string]float64, len(weightedSums)),
		TotalStake:   totalStake.InexactFloat64(),
		Contributors: included,
	}
	for workerId, sum := range weightedSums {
		total := weightTotals[workerId]
		if total.IsZero() {
			continue
		}
		aggregated.Scores[workerId] = sum.Div(total).InexactFloat64()
	}

	e.mu.Lock()
	e.state.Aggregated = true
	e.mu.Unlock()

	logging.Info("Aggregated peer snapshots", types.Consensus,
		"round", round, "included", included, "announced", diagnostics.Announced,
		"excluded_low_stake", diagnostics.ExcludedLowStake,
		"failed_fetches", diagnostics.FailedFetches,
		"invalid", diagnostics.InvalidPayloads,
		"workers", len(aggregated.Scores))
	return aggregated, diagnostics, nil
}

// Finalize selects the winner, builds the weight vector (burning when no
// valid scores exist), and pushes it on chain at most once per round. A
// failed chain write leaves the submitted flag unset so the caller may
// retry without corrupting round state.
func (e *Engine) Finalize(ctx context.Context, scores map[string]float64, lastWinner string) (*WeightsSnapshot, error) {
	e.mu.Lock()
	round := e.state.Round
	alreadySubmitted := e.state.WeightsSubmitted
	e.mu.Unlock()

	if alreadySubmitted {
		return nil, errors.Errorf("round %d already submitted weights", round)
	}

	winnerId := SelectWinner(scores, lastWinner, e.config.WinnerMarginPercent)
	weights := BuildWeights(round, scores, winnerId, e.config.BlendAverageFraction, e.config.BurnId)
	if weights.Burned {
		logging.Warn("No valid scores, burning round weights", types.Consensus,
			"round", round, "burn_id", e.config.BurnId, "scored_workers", len(scores))
	}

	update := chainbridge.WeightUpdate{
		Round:     round,
		Validator: e.validatorId,
		Weights:   weights.Weights,
	}
	if err := e.chain.SubmitWeights(ctx, update); err != nil {
		return nil, errors.Wrapf(err, "submitting weights for round %d", round)
	}

	e.mu.Lock()
	e.state.WinnerId = winnerId
	e.state.WeightsSubmitted = true
	e.mu.Unlock()

	logging.Info("Finalized round settlement", types.Consensus,
		"round", round, "winner", winnerId, "burned", weights.Burned)
	return weights, nil
}

func (e *Engine) peerStakes(ctx context.Context) (map[string]float64, error) {
	validators, err := e.chain.Validators(ctx)
	if err != nil {
		return nil, err
	}
	stakes := make(map[string]float64, len(validators))
	for _, validator := range validators {
		stakes[validator.Id] = validator.Stake
	}
	return stakes, nil
}

func (e *Engine) ownStake(ctx context.Context) float64 {
	stakes, err := e.peerStakes(ctx)
	if err != nil {
		logging.Warn("Could not read own stake", types.Consensus, "error", err)
		return 0
	}
	return stakes[e.validatorId]
}
