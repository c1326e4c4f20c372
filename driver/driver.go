package driver

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"arena-validator/apiconfig"
	"arena-validator/broker"
	"arena-validator/chainbridge"
	"arena-validator/checkpoint"
	"arena-validator/consensus"
	"arena-validator/dispatch"
	"arena-validator/internal/metrics"
	"arena-validator/logging"
	"arena-validator/round"
	"arena-validator/season"
	"arena-validator/types"
	"arena-validator/workerclient"

	"github.com/pkg/errors"
)

const defaultFeedbackSeconds = 10

// Deps names every collaborator the driver composes. The driver owns the
// round in flight; everything listed here is shared infrastructure built
// once at process start.
type Deps struct {
	Params      *round.Params
	Seasons     *season.Manager
	Workers     *broker.Broker
	Dispatch    *dispatch.Loop
	Settlement  *consensus.Engine
	Checkpoints *checkpoint.Store
	Chain       chainbridge.Client
	Clients     workerclient.ClientFactory
	Config      *apiconfig.ConfigManager

	// PollInterval overrides the scheduling tick, which otherwise follows
	// the chain's block time.
	PollInterval time.Duration
}

// Driver runs one round at a time through its whole lifecycle: prepare
// the pool, announce the round, dispatch units, publish and aggregate
// snapshots, submit weights, notify workers. A failed attempt leaves the
// round in place and the next tick retries it; every step either no-ops
// when its work is already done or is safe to repeat.
type Driver struct {
	params      *round.Params
	seasons     *season.Manager
	workers     *broker.Broker
	loop        *dispatch.Loop
	settlement  *consensus.Engine
	checkpoints *checkpoint.Store
	chain       chainbridge.Client
	clients     workerclient.ClientFactory
	config      *apiconfig.ConfigManager

	validatorId     string
	pollInterval    time.Duration
	networkGrace    time.Duration
	feedbackTimeout time.Duration

	mu          sync.Mutex
	state       *round.State
	lastRound   int64
	lastHistory []round.Transition
}

func NewDriver(deps Deps) *Driver {
	cfg := deps.Config.GetConfig()

	pollInterval := deps.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Duration(deps.Params.SecondsPerBlock * float64(time.Second))
	}
	graceSeconds := cfg.Dispatch.TimeoutSeconds
	if graceSeconds <= 0 {
		graceSeconds = dispatch.DefaultTimeoutSeconds
	}
	feedbackSeconds := cfg.Dispatch.FeedbackTimeoutSeconds
	if feedbackSeconds <= 0 {
		feedbackSeconds = defaultFeedbackSeconds
	}

	return &Driver{
		params:          deps.Params,
		seasons:         deps.Seasons,
		workers:         deps.Workers,
		loop:            deps.Dispatch,
		settlement:      deps.Settlement,
		checkpoints:     deps.Checkpoints,
		chain:           deps.Chain,
		clients:         deps.Clients,
		config:          deps.Config,
		validatorId:     cfg.Validator.Id,
		pollInterval:    pollInterval,
		networkGrace:    time.Duration(graceSeconds) * time.Second,
		feedbackTimeout: time.Duration(feedbackSeconds) * time.Second,
		lastRound:       deps.Config.GetLastRound(),
	}
}

// Resume rebuilds the round in flight from the last checkpoint, if one
// survives the staleness check. Called once before the scheduling loop
// starts.
func (d *Driver) Resume(ctx context.Context) error {
	height, err := d.chain.LatestHeight(ctx)
	if err != nil {
		return errors.Wrap(err, "reading chain height for resume")
	}

	snapshot, err := d.checkpoints.Load(d.params, height)
	if err != nil {
		return errors.Wrap(err, "loading checkpoint")
	}
	if snapshot == nil {
		logging.Info("No checkpoint to resume", types.Rounds, "height", height)
		return nil
	}

	state := checkpoint.Rebuild(d.params, snapshot, height)
	d.settlement.RestoreState(snapshot.Consensus)
	if snapshot.LastWinner != "" && d.config.GetLastWinner() == "" {
		if err := d.config.SetLastWinner(snapshot.LastWinner); err != nil {
			logging.Warn("Restoring last winner failed", types.Config,
				"winner", snapshot.LastWinner, "error", err)
		}
	}
	d.setState(state)
	metrics.CurrentRound.Set(float64(state.Number()))
	logging.Info("Resumed round from checkpoint", types.Rounds,
		"round", state.Number(), "phase", state.Phase.Current().String(),
		"records", len(snapshot.Records), "height", height)
	return nil
}

// Run drives the scheduler until the context is cancelled. Ticks fire on
// a fixed interval and, when blocks is non-nil, immediately on every new
// block the watcher reports. A failed round attempt is logged and retried
// on the next tick.
func (d *Driver) Run(ctx context.Context, blocks <-chan int64) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	logging.Info("Round driver running", types.Rounds,
		"validator", d.validatorId, "poll_interval", d.pollInterval.String())
	for {
		select {
		case <-ctx.Done():
			logging.Info("Round driver stopping", types.Rounds, "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		case height, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			logging.Debug("Block nudge", types.Rounds, "height", height)
		}

		if err := d.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Error("Round attempt failed, retrying next tick", types.Rounds, "error", err)
		}
	}
}

// Tick makes one scheduling decision: abandon an expired round, start a
// new one when the clock allows it, and push the round in flight as far
// as it will go. Errors mean the attempt ended early and the caller
// should tick again.
func (d *Driver) Tick(ctx context.Context) error {
	height, err := d.chain.LatestHeight(ctx)
	if err != nil {
		return errors.Wrap(err, "reading chain height")
	}
	metrics.ChainHeight.Set(float64(height))

	state := d.current()
	if state != nil && d.params.Number(height) > state.Number() {
		logging.Warn("Abandoning expired round", types.Rounds,
			"round", state.Number(), "target_block", state.TargetBlock(), "height", height)
		d.finishRound(state, false)
		state = nil
	}

	if state == nil {
		number := d.params.Number(height)
		if number == 0 {
			logging.Debug("Before round origin", types.Rounds,
				"height", height, "origin", d.params.OriginBlock)
			return nil
		}
		if !d.params.CanStartRound(height) {
			logging.Debug("Round start gated by minimum block", types.Rounds,
				"height", height, "first_eligible", d.params.FirstEligibleBlock())
			return nil
		}
		if number <= d.lastCompleted() {
			logging.Debug("Current window already settled", types.Rounds,
				"round", number, "height", height)
			return nil
		}
		state = d.startNewRound(height)
	}

	if err := d.runRound(ctx, state, height); err != nil {
		metrics.RoundsFailed.Inc()
		state.Phase.Advance(round.PhaseError, height, err.Error())
		return err
	}
	return nil
}

// startNewRound opens the round containing the given height. Callers must
// check CanStartRound first; violating that is a programmer error, not a
// runtime condition.
func (d *Driver) startNewRound(height int64) *round.State {
	if !d.params.CanStartRound(height) {
		panic(fmt.Sprintf("round start requested at block %d before first eligible block %d",
			height, d.params.FirstEligibleBlock()))
	}
	number := d.params.Number(height)
	seasonNumber := d.seasons.SeasonOf(d.params.StartBlock(number))

	state := round.NewState(d.params, number, seasonNumber)
	d.settlement.StartRound(number)
	d.setState(state)

	metrics.RoundsStarted.Inc()
	metrics.CurrentRound.Set(float64(number))
	boundaries := d.params.Boundaries(number)
	logging.Info("Starting round", types.Rounds,
		"round", number, "season", seasonNumber, "height", height,
		"start_block", boundaries.StartBlock, "target_block", boundaries.TargetBlock,
		"start_epoch", boundaries.StartEpoch)
	return state
}

// runRound pushes one round from wherever it stands to COMPLETE. Every
// step is guarded so a retried or resumed round skips what already
// happened: handshakes survive in state, dispatched pairs in the record
// set, publish and weight submission in the settlement flags.
func (d *Driver) runRound(ctx context.Context, state *round.State, height int64) error {
	number := state.Number()

	state.Phase.Advance(round.PhasePreparing, height, "assembling season pool")
	pool, err := d.seasons.PoolForRound(ctx, state.StartBlock())
	if err != nil {
		return errors.Wrapf(err, "preparing pool for round %d", number)
	}

	if len(state.RespondedWorkers()) == 0 {
		state.Phase.Advance(round.PhaseHandshake, height, "announcing round to workers")
		if err := d.handshake(ctx, state, height); err != nil {
			return err
		}
		if err := d.saveCheckpoint(state); err != nil {
			return err
		}
	}

	state.Phase.Advance(round.PhaseTaskExecution, height, "dispatching units")
	outcome, err := d.loop.Run(ctx, state, pool.Tasks, func(context.Context) error {
		return d.saveCheckpoint(state)
	})
	if err != nil {
		return errors.Wrapf(err, "dispatch for round %d", number)
	}
	metrics.DispatchOutcomes.WithLabelValues(outcome.String()).Inc()
	logging.Info("Dispatch finished", types.Rounds,
		"round", number, "outcome", outcome.String(), "completed_pairs", state.CompletedCount())

	scores := state.AverageScores()

	if d.settlement.Enabled() {
		if !d.settlement.Published() {
			height = d.heightNow(ctx, height)
			state.Phase.Advance(round.PhaseConsensus, height, "publishing score snapshot")
			if _, err := d.settlement.Publish(ctx, scores, completedUnits(state)); err != nil {
				return errors.Wrapf(err, "publishing snapshot for round %d", number)
			}
			metrics.SnapshotsPublished.Inc()
			if err := d.saveCheckpoint(state); err != nil {
				return err
			}
		}

		if outcome == dispatch.OutcomeFinalizeNow {
			logging.Warn("Skipping peer wait, round boundary too close", types.Rounds,
				"round", number, "height", height)
		} else {
			fetchBlock := d.params.FetchBlock(number)
			state.Phase.Advance(round.PhaseWaiting, d.heightNow(ctx, height), "waiting for peer snapshots")
			height, err = d.waitForBlock(ctx, fetchBlock)
			if err != nil {
				return err
			}
		}

		state.Phase.Advance(round.PhaseConsensus, height, "aggregating peer snapshots")
		aggregated, diagnostics, err := d.settlement.Aggregate(ctx)
		if err != nil {
			return errors.Wrapf(err, "aggregating round %d", number)
		}
		metrics.PeerSnapshotsIncluded.Add(float64(diagnostics.Included))
		scores = aggregated.Scores
	}

	settled := d.settlement.State()
	winnerId := settled.WinnerId
	var weights *consensus.WeightsSnapshot
	if settled.WeightsSubmitted {
		logging.Warn("Weights already on chain, skipping finalize", types.Rounds, "round", number)
	} else {
		height = d.heightNow(ctx, height)
		state.Phase.Advance(round.PhaseFinalizing, height, "submitting weights")
		weights, err = d.settlement.Finalize(ctx, scores, d.config.GetLastWinner())
		if err != nil {
			return errors.Wrapf(err, "finalizing round %d", number)
		}
		winnerId = weights.WinnerId
		metrics.WeightsSubmitted.Inc()
		if weights.Burned {
			metrics.Burns.Inc()
		}
		// The submitted flag must hit disk before anything else happens, or
		// a crash here could push weights twice.
		if err := d.saveCheckpoint(state); err != nil {
			logging.Warn("Checkpoint save after weight submission failed", types.Checkpoints,
				"round", number, "error", err)
		}
	}

	if winnerId != "" {
		if err := d.config.SetLastWinner(winnerId); err != nil {
			logging.Warn("Persisting last winner failed", types.Config,
				"winner", winnerId, "error", err)
		}
	}

	state.Phase.Advance(round.PhaseComplete, d.heightNow(ctx, height), "settled")
	d.sendFeedback(ctx, state, scores, weights, winnerId)
	recordRoundMetrics(state)
	logging.Info("Round complete", types.Rounds,
		"round", number, "winner", winnerId,
		"workers", len(state.RespondedWorkers()), "completed_pairs", state.CompletedCount())
	d.finishRound(state, true)
	return nil
}

// handshake announces the round to every active worker concurrently.
// Non-answers are recorded, not retried: a worker that misses the
// handshake sits this round out.
func (d *Driver) handshake(ctx context.Context, state *round.State, height int64) error {
	workers, err := d.workers.ActiveWorkers()
	if err != nil {
		return errors.Wrap(err, "listing active workers")
	}
	if len(workers) == 0 {
		logging.Warn("No active workers to announce the round to", types.Workers,
			"round", state.Number())
		return nil
	}

	blocksLeft := state.TargetBlock() - height
	dto := workerclient.HandshakeDto{
		Round:       state.Number(),
		Season:      state.Season(),
		ValidatorId: d.validatorId,
		Deadline:    time.Now().Unix() + int64(float64(blocksLeft)*d.params.SecondsPerBlock),
	}

	var wg sync.WaitGroup
	for _, worker := range workers {
		wg.Add(1)
		go func(worker broker.Worker) {
			defer wg.Done()
			record := round.HandshakeRecord{
				WorkerId: worker.Id,
				Url:      worker.Url,
				Stake:    worker.Stake,
			}
			handshakeCtx, cancel := context.WithTimeout(ctx, d.networkGrace)
			defer cancel()
			response, err := d.clients.CreateClient(worker.Id, worker.Url).Handshake(handshakeCtx, dto)
			if err != nil {
				logging.Warn("Worker did not answer the round announcement", types.Workers,
					"round", state.Number(), "worker", worker.Id, "error", err)
			} else {
				record.Responded = true
				record.AgentName = response.AgentName
				record.Version = response.Version
			}
			state.SetHandshake(record)
		}(worker)
	}
	wg.Wait()

	logging.Info("Round announced", types.Workers,
		"round", state.Number(), "workers", len(workers),
		"responded", len(state.RespondedWorkers()))
	return nil
}

// sendFeedback tells each participating worker how the round went for it.
// Fire and forget: failures are logged and never affect the settled round.
func (d *Driver) sendFeedback(ctx context.Context, state *round.State, scores map[string]float64, weights *consensus.WeightsSnapshot, winnerId string) {
	if weights == nil {
		logging.Debug("No weights snapshot in hand, skipping worker feedback", types.Workers,
			"round", state.Number())
		return
	}

	totals := state.Totals()
	var wg sync.WaitGroup
	for _, worker := range state.RespondedWorkers() {
		wg.Add(1)
		go func(worker round.HandshakeRecord) {
			defer wg.Done()
			dto := workerclient.FeedbackDto{
				Round:     state.Number(),
				TaskCount: totals[worker.WorkerId].Tasks,
				Score:     scores[worker.WorkerId],
				Reward:    weights.Weights[worker.WorkerId],
				Winner:    worker.WorkerId == winnerId,
			}
			feedbackCtx, cancel := context.WithTimeout(ctx, d.feedbackTimeout)
			defer cancel()
			if err := d.clients.CreateClient(worker.WorkerId, worker.Url).SendFeedback(feedbackCtx, dto); err != nil {
				logging.Debug("Feedback delivery failed", types.Workers,
					"round", state.Number(), "worker", worker.WorkerId, "error", err)
			}
		}(worker)
	}
	wg.Wait()
}

// waitForBlock polls the chain until it reaches the target height and
// returns the height it saw. Clock failures propagate so the whole round
// attempt can retry.
func (d *Driver) waitForBlock(ctx context.Context, target int64) (int64, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		height, err := d.chain.LatestHeight(ctx)
		if err != nil {
			return 0, errors.Wrap(err, "reading chain height while waiting")
		}
		if height >= target {
			return height, nil
		}
		logging.Debug("Waiting for block", types.Rounds, "height", height, "target", target)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Driver) saveCheckpoint(state *round.State) error {
	snapshot := checkpoint.Capture(state, d.settlement.State(), d.config.GetLastWinner())
	if err := d.checkpoints.Save(snapshot); err != nil {
		return errors.Wrapf(err, "saving checkpoint for round %d", state.Number())
	}
	return nil
}

// heightNow refreshes the clock for phase stamps. Stamps are
// informational, so a failed read falls back to the last known height
// instead of aborting the round.
func (d *Driver) heightNow(ctx context.Context, fallback int64) int64 {
	height, err := d.chain.LatestHeight(ctx)
	if err != nil {
		return fallback
	}
	return height
}

// finishRound retires the round in flight: checkpoint cleared, phase
// history archived, state released. Completed rounds also move the
// settled-round marker so a restart inside the same window stays idle.
func (d *Driver) finishRound(state *round.State, completed bool) {
	if err := d.checkpoints.Clear(); err != nil {
		logging.Warn("Clearing checkpoint failed", types.Checkpoints,
			"round", state.Number(), "error", err)
	}
	history := state.Phase.Reset()

	d.mu.Lock()
	d.state = nil
	d.lastHistory = history
	if completed {
		d.lastRound = state.Number()
	}
	d.mu.Unlock()

	if completed {
		metrics.RoundsCompleted.Inc()
		if err := d.config.SetLastRound(state.Number()); err != nil {
			logging.Warn("Persisting settled round failed", types.Config,
				"round", state.Number(), "error", err)
		}
	}
}

func (d *Driver) current() *round.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(state *round.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

func (d *Driver) lastCompleted() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRound
}

func completedUnits(state *round.State) int {
	units := make(map[string]bool)
	for _, record := range state.Records() {
		units[record.TaskId] = true
	}
	return len(units)
}

func recordRoundMetrics(state *round.State) {
	for _, record := range state.Records() {
		metrics.WorkerResponses.WithLabelValues(strconv.FormatBool(record.Responded)).Inc()
	}
}
