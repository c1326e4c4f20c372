package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"arena-validator/apiconfig"
	"arena-validator/evaluator"
	"arena-validator/logging"
	"arena-validator/round"
	"arena-validator/types"
	"arena-validator/workerclient"

	"github.com/pkg/errors"
)

const (
	DefaultMaxConcurrent       = 8
	DefaultTimeoutSeconds      = 60
	DefaultEvalWeight          = 0.8
	DefaultTimeWeight          = 0.2
	DefaultPenaltyFactor       = 0.5
	DefaultSimilarityThreshold = 0.95
)

// Outcome says why the dispatch loop stopped handing out work.
type Outcome int

const (
	// OutcomePoolExhausted means every unit in the pool is completed for
	// every responded worker.
	OutcomePoolExhausted Outcome = iota
	// OutcomeSettlementDue means the settlement point or the safety buffer
	// was reached; settlement proceeds on the normal schedule.
	OutcomeSettlementDue
	// OutcomeEvaluationStopped means the stop-evaluation point passed while
	// units were still pending.
	OutcomeEvaluationStopped
	// OutcomeFinalizeNow means the early-finalize point passed; the round
	// must settle immediately without waiting for the fetch block.
	OutcomeFinalizeNow
)

func (o Outcome) String() string {
	switch o {
	case OutcomePoolExhausted:
		return "POOL_EXHAUSTED"
	case OutcomeSettlementDue:
		return "SETTLEMENT_DUE"
	case OutcomeEvaluationStopped:
		return "EVALUATION_STOPPED"
	case OutcomeFinalizeNow:
		return "FINALIZE_NOW"
	default:
		return "Invalid"
	}
}

// HeightSource yields the chain's current block height. Dispatch re-reads
// it before every unit so the gates act on fresh information.
type HeightSource interface {
	LatestHeight(ctx context.Context) (int64, error)
}

// PersistFunc saves round progress after each completed unit. A failure
// here is fatal for the round: continuing without durable progress would
// make a crash replay units the network already saw.
type PersistFunc func(ctx context.Context) error

// Loop drives task units through the round, one unit at a time. Within a
// unit every responded worker is engaged concurrently under a shared
// deadline; between units the loop re-checks the round clock and stops
// the moment a settlement gate fires.
type Loop struct {
	config    apiconfig.DispatchConfig
	factory   workerclient.ClientFactory
	evaluator evaluator.Evaluator
	heights   HeightSource
}

func NewLoop(config apiconfig.DispatchConfig, factory workerclient.ClientFactory, eval evaluator.Evaluator, heights HeightSource) *Loop {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if config.EvalWeight == 0 && config.TimeWeight == 0 {
		config.EvalWeight = DefaultEvalWeight
		config.TimeWeight = DefaultTimeWeight
	}
	if config.PenaltyFactor <= 0 {
		config.PenaltyFactor = DefaultPenaltyFactor
	}
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return &Loop{
		config:    config,
		factory:   factory,
		evaluator: eval,
		heights:   heights,
	}
}

// Run works through the pool in order. Units whose (task, worker) pairs
// are all recorded already are skipped without touching the network, so a
// resumed round fast-forwards to where it crashed. Worker and evaluator
// failures are recorded and absorbed; chain clock or persistence failures
// abort the round.
func (l *Loop) Run(ctx context.Context, state *round.State, tasks []types.TaskUnit, persist PersistFunc) (Outcome, error) {
	workers := state.RespondedWorkers()
	if len(workers) == 0 {
		logging.Warn("No responded workers, nothing to dispatch", types.Dispatch, "round", state.Number())
		return OutcomePoolExhausted, nil
	}

	clients := make(map[string]workerclient.WorkerClient, len(workers))
	for _, worker := range workers {
		clients[worker.WorkerId] = l.factory.CreateClient(worker.WorkerId, worker.Url)
	}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return OutcomePoolExhausted, errors.Wrap(err, "dispatch interrupted")
		}

		pending := pendingWorkers(state, task, workers)
		if len(pending) == 0 {
			logging.Debug("Unit already completed for every worker, skipping", types.Dispatch,
				"round", state.Number(), "task", task.ID)
			continue
		}

		height, err := l.heights.LatestHeight(ctx)
		if err != nil {
			return OutcomePoolExhausted, errors.Wrap(err, "reading chain height before dispatch")
		}
		if outcome, reason, halted := l.gate(state, height); halted {
			logging.Info("Dispatch halted by round clock", types.Dispatch,
				"round", state.Number(), "height", height, "outcome", outcome.String(), "reason", reason)
			return outcome, nil
		}

		l.runUnit(ctx, state, task, pending, clients)

		if err := persist(ctx); err != nil {
			return OutcomePoolExhausted, errors.Wrapf(err, "persisting progress after task %s", task.ID)
		}
	}

	logging.Info("Task pool exhausted", types.Dispatch,
		"round", state.Number(), "records", state.CompletedCount())
	return OutcomePoolExhausted, nil
}

// gate applies the round-clock checks in priority order: the strongest
// signal wins even when several boundaries passed at once.
func (l *Loop) gate(state *round.State, height int64) (Outcome, string, bool) {
	params := state.Params()
	number := state.Number()
	if boundary := params.EarlyFinalizeBlock(number); height >= boundary {
		return OutcomeFinalizeNow, fmt.Sprintf("block %d passed early-finalize point %d", height, boundary), true
	}
	if boundary := params.StopEvaluationBlock(number); height >= boundary {
		return OutcomeEvaluationStopped, fmt.Sprintf("block %d passed stop-evaluation point %d", height, boundary), true
	}
	if boundary := params.SettlementBlock(number); height >= boundary {
		return OutcomeSettlementDue, fmt.Sprintf("block %d passed settlement point %d", height, boundary), true
	}
	if ok, reason := params.ShouldSendNextTask(number, height, state.AverageUnitSeconds()); !ok {
		return OutcomeSettlementDue, reason, true
	}
	return OutcomePoolExhausted, "", false
}

// workerOutcome accumulates one worker's path through a unit: the
// dispatch phase fills the submission, the scoring phase the grades.
type workerOutcome struct {
	worker     round.HandshakeRecord
	submission *types.Submission
	responded  bool
	elapsed    float64
	evalScore  float64
	timeScore  float64
	features   []float64
}

func (l *Loop) runUnit(ctx context.Context, state *round.State, task types.TaskUnit, pending []round.HandshakeRecord, clients map[string]workerclient.WorkerClient) {
	unitStarted := time.Now()
	logging.Info("Dispatching task unit", types.Dispatch,
		"round", state.Number(), "task", task.ID, "index", task.Index, "workers", len(pending))

	outcomes := l.collectSubmissions(ctx, state.Number(), task, pending, clients)
	l.scoreSubmissions(ctx, task, outcomes)
	l.applyCopyPenalty(task, outcomes)

	unitSeconds := time.Since(unitStarted).Seconds()
	scored := 0
	for i, outcome := range outcomes {
		empty := outcome.submission.IsEmpty()
		if !empty {
			outcome.timeScore = TimeScore(outcome.elapsed, float64(task.TimeLimitSeconds))
			scored++
		}
		record := round.EvalRecord{
			Round:          state.Number(),
			TaskId:         task.ID,
			TaskIndex:      task.Index,
			WorkerId:       outcome.worker.WorkerId,
			AgentName:      outcome.agentName(),
			Version:        outcome.version(),
			Responded:      outcome.responded,
			Empty:          empty,
			EvalScore:      outcome.evalScore,
			TimeScore:      outcome.timeScore,
			Reward:         Reward(outcome.evalScore, outcome.timeScore, l.config.EvalWeight, l.config.TimeWeight),
			ElapsedSeconds: outcome.elapsed,
			Features:       outcome.features,
			ScoredAt:       time.Now(),
		}
		// The unit's wall time rides on a single record so checkpoint
		// replay rebuilds the duration average with one sample per unit.
		if i == len(outcomes)-1 {
			record.UnitSeconds = unitSeconds
		}
		if !state.AddRecord(record) {
			logging.Warn("Duplicate unit outcome dropped", types.Dispatch,
				"task", record.TaskId, "worker", record.WorkerId)
		}
	}

	logging.Info("Task unit complete", types.Dispatch,
		"round", state.Number(), "task", task.ID, "scored", scored,
		"empty", len(outcomes)-scored, "unitSeconds", fmt.Sprintf("%.1f", unitSeconds))
}

// collectSubmissions fans the unit out to every pending worker at once,
// bounded by the concurrency cap, and joins before returning. A worker
// that errors or times out yields a nil submission; the unit never fails
// because one worker did.
func (l *Loop) collectSubmissions(ctx context.Context, roundNumber int64, task types.TaskUnit, pending []round.HandshakeRecord, clients map[string]workerclient.WorkerClient) []*workerOutcome {
	unitCtx, cancel := context.WithTimeout(ctx, l.unitTimeout(task))
	defer cancel()

	dto := workerclient.TaskDto{
		TaskId:           task.ID,
		Round:            roundNumber,
		Season:           task.Season,
		Kind:             task.Kind,
		Statement:        task.Statement,
		Body:             task.Body,
		TimeLimitSeconds: float64(task.TimeLimitSeconds),
	}

	outcomes := make([]*workerOutcome, len(pending))
	sem := make(chan struct{}, l.config.MaxConcurrent)
	var wg sync.WaitGroup
	for i, worker := range pending {
		wg.Add(1)
		go func(i int, worker round.HandshakeRecord) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			started := time.Now()
			response, err := clients[worker.WorkerId].RunTask(unitCtx, dto)
			elapsed := time.Since(started).Seconds()
			if err != nil {
				logging.Warn("Worker failed task unit", types.Dispatch,
					"task", task.ID, "worker", worker.WorkerId, "error", err)
				outcomes[i] = &workerOutcome{worker: worker, elapsed: elapsed}
				return
			}
			// Workers report their own compute time; the wall clock is
			// the ceiling so a worker cannot claim more time than it had.
			if response.ElapsedSeconds > 0 && response.ElapsedSeconds < elapsed {
				elapsed = response.ElapsedSeconds
			}
			outcomes[i] = &workerOutcome{
				worker:     worker,
				responded:  true,
				elapsed:    elapsed,
				submission: submissionFrom(task, worker, response),
			}
		}(i, worker)
	}
	wg.Wait()
	return outcomes
}

// scoreSubmissions grades every non-empty submission concurrently and
// joins. A scoring failure leaves that submission at zero instead of
// aborting the unit.
func (l *Loop) scoreSubmissions(ctx context.Context, task types.TaskUnit, outcomes []*workerOutcome) {
	sem := make(chan struct{}, l.config.MaxConcurrent)
	var wg sync.WaitGroup
	for _, outcome := range outcomes {
		if outcome.submission.IsEmpty() {
			continue
		}
		wg.Add(1)
		go func(o *workerOutcome) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			response, err := l.evaluator.Score(ctx, evaluator.ScoreRequest{
				TaskId:      task.ID,
				Kind:        task.Kind,
				Statement:   task.Statement,
				Body:        task.Body,
				AgentName:   o.submission.AgentName,
				Version:     o.submission.Version,
				Content:     o.submission.Content,
				Attachments: o.submission.Attachments,
			})
			if err != nil {
				logging.Warn("Scoring failed, submission earns zero", types.Dispatch,
					"task", task.ID, "worker", o.worker.WorkerId, "error", err)
				return
			}
			o.evalScore = response.Score
			o.features = response.Features
		}(outcome)
	}
	wg.Wait()
}

// applyCopyPenalty multiplies down the eval score of every worker whose
// submission clusters with another worker's.
func (l *Loop) applyCopyPenalty(task types.TaskUnit, outcomes []*workerOutcome) {
	features := make(map[string][]float64, len(outcomes))
	byWorker := make(map[string]*workerOutcome, len(outcomes))
	for _, outcome := range outcomes {
		byWorker[outcome.worker.WorkerId] = outcome
		if len(outcome.features) > 0 {
			features[outcome.worker.WorkerId] = outcome.features
		}
	}

	for _, group := range PenaltyGroups(features, l.config.SimilarityThreshold) {
		logging.Warn("Near-identical submissions detected", types.Dispatch,
			"task", task.ID, "workers", group, "penaltyFactor", l.config.PenaltyFactor)
		for _, workerId := range group {
			byWorker[workerId].evalScore *= l.config.PenaltyFactor
		}
	}
}

// unitTimeout is the shared deadline for one unit's fan-out: the task's
// own budget plus the configured transport allowance.
func (l *Loop) unitTimeout(task types.TaskUnit) time.Duration {
	grace := time.Duration(l.config.TimeoutSeconds) * time.Second
	if task.TimeLimitSeconds <= 0 {
		return grace
	}
	return time.Duration(task.TimeLimitSeconds)*time.Second + grace
}

func pendingWorkers(state *round.State, task types.TaskUnit, workers []round.HandshakeRecord) []round.HandshakeRecord {
	var pending []round.HandshakeRecord
	for _, worker := range workers {
		if !state.IsCompleted(task.ID, worker.WorkerId) {
			pending = append(pending, worker)
		}
	}
	return pending
}

func submissionFrom(task types.TaskUnit, worker round.HandshakeRecord, response *workerclient.TaskResponse) *types.Submission {
	if response == nil {
		return nil
	}
	submission := &types.Submission{
		TaskID:      task.ID,
		WorkerID:    worker.WorkerId,
		AgentName:   response.AgentName,
		Version:     response.Version,
		Content:     response.Content,
		Attachments: response.Attachments,
	}
	if submission.AgentName == "" {
		submission.AgentName = worker.AgentName
	}
	if submission.Version == "" {
		submission.Version = worker.Version
	}
	return submission
}

func (o *workerOutcome) agentName() string {
	if o.submission != nil && o.submission.AgentName != "" {
		return o.submission.AgentName
	}
	return o.worker.AgentName
}

func (o *workerOutcome) version() string {
	if o.submission != nil && o.submission.Version != "" {
		return o.submission.Version
	}
	return o.worker.Version
}
