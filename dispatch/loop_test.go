package dispatch

import (
	"context"
	"testing"

	"arena-validator/apiconfig"
	"arena-validator/chainbridge"
	"arena-validator/evaluator"
	"arena-validator/round"
	"arena-validator/types"
	"arena-validator/workerclient"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoopConfig() apiconfig.DispatchConfig {
	return apiconfig.DispatchConfig{
		TimeoutSeconds:      5,
		MaxConcurrent:       4,
		EvalWeight:          0.8,
		TimeWeight:          0.2,
		PenaltyFactor:       0.5,
		SimilarityThreshold: 0.95,
	}
}

// testRoundState builds round 1 of a 720-block round starting at block
// 1000: settlement at 1576, stop-evaluation at 1612, absolute limit 1630,
// early-finalize at 1684.
func testRoundState(t *testing.T, workers ...string) *round.State {
	t.Helper()
	params, err := round.NewParams(apiconfig.RoundConfig{
		EpochBlocks:     360,
		RoundEpochs:     2,
		OriginBlock:     1000,
		SecondsPerBlock: 2,
	})
	require.NoError(t, err)

	state := round.NewState(params, 1, 1)
	for _, workerId := range workers {
		state.SetHandshake(round.HandshakeRecord{
			WorkerId:  workerId,
			Url:       "http://" + workerId + ":8080",
			Responded: true,
			AgentName: "agent-" + workerId,
			Version:   "1.0.0",
		})
	}
	return state
}

func testTask(id string, index int) types.TaskUnit {
	return types.TaskUnit{
		ID:               id,
		Season:           1,
		Index:            index,
		Kind:             "exercise",
		Statement:        "solve " + id,
		TimeLimitSeconds: 60,
	}
}

func seedWorker(factory *workerclient.MockClientFactory, workerId string, content string) *workerclient.MockClient {
	client := factory.Client(workerId)
	client.DefaultResponse = &workerclient.TaskResponse{
		AgentName: "agent-" + workerId,
		Version:   "1.0.0",
		Content:   content,
	}
	return client
}

func noopPersist(ctx context.Context) error { return nil }

func recordFor(t *testing.T, state *round.State, taskId string, workerId string) round.EvalRecord {
	t.Helper()
	for _, record := range state.Records() {
		if record.TaskId == taskId && record.WorkerId == workerId {
			return record
		}
	}
	t.Fatalf("no record for task %s worker %s", taskId, workerId)
	return round.EvalRecord{}
}

func TestRunDispatchesEveryUnitToEveryWorker(t *testing.T) {
	state := testRoundState(t, "w-a", "w-b", "w-c")
	factory := workerclient.NewMockClientFactory()
	for _, workerId := range []string{"w-a", "w-b", "w-c"} {
		seedWorker(factory, workerId, "solution by "+workerId)
	}
	eval := evaluator.NewMockEvaluator()
	chain := chainbridge.NewMockClient()
	chain.AdvanceToBlock(1100)

	persistCalls := 0
	loop := NewLoop(testLoopConfig(), factory, eval, chain)
	outcome, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0), testTask("t-2", 1)},
		func(ctx context.Context) error { persistCalls++; return nil })

	require.NoError(t, err)
	assert.Equal(t, OutcomePoolExhausted, outcome)
	assert.Equal(t, 6, state.CompletedCount())
	assert.Equal(t, 2, persistCalls)
	assert.Equal(t, 6, eval.ScoreCalled)
	for _, workerId := range []string{"w-a", "w-b", "w-c"} {
		assert.Equal(t, 2, factory.Client(workerId).RunTaskCalled)
	}

	record := recordFor(t, state, "t-1", "w-a")
	assert.True(t, record.Responded)
	assert.False(t, record.Empty)
	assert.Equal(t, "agent-w-a", record.AgentName)
	assert.InDelta(t, 0.5, record.EvalScore, 1e-9)
	assert.InDelta(t, 0.6, record.Reward, 0.01)
}

func TestRunSkipsFullyCompletedUnits(t *testing.T) {
	state := testRoundState(t, "w-a", "w-b")
	for _, workerId := range []string{"w-a", "w-b"} {
		state.AddRecord(round.EvalRecord{Round: 1, TaskId: "t-1", WorkerId: workerId, Responded: true})
	}
	factory := workerclient.NewMockClientFactory()
	seedWorker(factory, "w-a", "answer")
	seedWorker(factory, "w-b", "answer")
	eval := evaluator.NewMockEvaluator()
	chain := chainbridge.NewMockClient()
	chain.AdvanceToBlock(1100)

	loop := NewLoop(testLoopConfig(), factory, eval, chain)
	outcome, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0), testTask("t-2", 1)}, noopPersist)

	require.NoError(t, err)
	assert.Equal(t, OutcomePoolExhausted, outcome)
	require.Equal(t, 1, factory.Client("w-a").RunTaskCalled)
	assert.Equal(t, "t-2", factory.Client("w-a").RanTasks[0].TaskId)
	assert.Equal(t, 2, eval.ScoreCalled)
}

func TestRunDispatchesOnlyToPendingWorkers(t *testing.T) {
	state := testRoundState(t, "w-a", "w-b")
	state.AddRecord(round.EvalRecord{Round: 1, TaskId: "t-1", WorkerId: "w-a", Responded: true})
	factory := workerclient.NewMockClientFactory()
	seedWorker(factory, "w-a", "answer")
	seedWorker(factory, "w-b", "answer")
	chain := chainbridge.NewMockClient()
	chain.AdvanceToBlock(1100)

	loop := NewLoop(testLoopConfig(), factory, evaluator.NewMockEvaluator(), chain)
	_, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0)}, noopPersist)

	require.NoError(t, err)
	assert.Equal(t, 0, factory.Client("w-a").RunTaskCalled)
	assert.Equal(t, 1, factory.Client("w-b").RunTaskCalled)
	assert.Equal(t, 2, state.CompletedCount())
}

func TestRunRecordsWorkerFailuresAndContinues(t *testing.T) {
	state := testRoundState(t, "w-a", "w-b", "w-c")
	factory := workerclient.NewMockClientFactory()
	seedWorker(factory, "w-a", "fine")
	seedWorker(factory, "w-c", "fine")
	factory.Client("w-b").RunTaskError = errors.New("connection refused")
	eval := evaluator.NewMockEvaluator()
	chain := chainbridge.NewMockClient()
	chain.AdvanceToBlock(1100)

	loop := NewLoop(testLoopConfig(), factory, eval, chain)
	outcome, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0)}, noopPersist)

	require.NoError(t, err)
	assert.Equal(t, OutcomePoolExhausted, outcome)
	assert.Equal(t, 3, state.CompletedCount())

	failed := recordFor(t, state, "t-1", "w-b")
	assert.False(t, failed.Responded)
	assert.True(t, failed.Empty)
	assert.Zero(t, failed.Reward)

	assert.True(t, recordFor(t, state, "t-1", "w-a").Responded)
	assert.Equal(t, 2, eval.ScoreCalled)
}

func TestRunRecordsEmptySubmissions(t *testing.T) {
	state := testRoundState(t, "w-a", "w-b")
	factory := workerclient.NewMockClientFactory()
	seedWorker(factory, "w-a", "real content")
	factory.Client("w-b").TaskResponses["t-1"] = &workerclient.TaskResponse{
		TaskId:    "t-1",
		AgentName: "agent-w-b",
		Version:   "1.0.0",
	}
	eval := evaluator.NewMockEvaluator()
	chain := chainbridge.NewMockClient()
	chain.AdvanceToBlock(1100)

	loop := NewLoop(testLoopConfig(), factory, eval, chain)
	_, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0)}, noopPersist)

	require.NoError(t, err)
	empty := recordFor(t, state, "t-1", "w-b")
	assert.True(t, empty.Responded)
	assert.True(t, empty.Empty)
	assert.Zero(t, empty.Reward)
	assert.Zero(t, empty.TimeScore)
	assert.Equal(t, 1, eval.ScoreCalled)
}

func TestRunHaltsAtRoundClockBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		height int64
		want   Outcome
	}{
		{"settlement point reached", 1576, OutcomeSettlementDue},
		{"stop evaluation point reached", 1612, OutcomeEvaluationStopped},
		{"absolute limit inside stop window", 1630, OutcomeEvaluationStopped},
		{"early finalize point reached", 1684, OutcomeFinalizeNow},
		{"last block of the round", 1719, OutcomeFinalizeNow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := testRoundState(t, "w-a")
			factory := workerclient.NewMockClientFactory()
			seedWorker(factory, "w-a", "unused")
			chain := chainbridge.NewMockClient()
			chain.AdvanceToBlock(tt.height)

			loop := NewLoop(testLoopConfig(), factory, evaluator.NewMockEvaluator(), chain)
			outcome, err := loop.Run(context.Background(), state,
				[]types.TaskUnit{testTask("t-1", 0)}, noopPersist)

			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome)
			assert.Zero(t, state.CompletedCount())
			assert.Zero(t, factory.Client("w-a").RunTaskCalled)
		})
	}
}

func TestRunStopsWhenAverageUnitCannotFit(t *testing.T) {
	state := testRoundState(t, "w-a")
	// One long unit on record pushes the average to 1200s; at block 1100
	// only 1060s remain before the absolute limit.
	state.AddRecord(round.EvalRecord{Round: 1, TaskId: "seed", WorkerId: "w-a", Responded: true, UnitSeconds: 1200})
	factory := workerclient.NewMockClientFactory()
	seedWorker(factory, "w-a", "unused")
	chain := chainbridge.NewMockClient()
	chain.AdvanceToBlock(1100)

	loop := NewLoop(testLoopConfig(), factory, evaluator.NewMockEvaluator(), chain)
	outcome, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0)}, noopPersist)

	require.NoError(t, err)
	assert.Equal(t, OutcomeSettlementDue, outcome)
	assert.Zero(t, factory.Client("w-a").RunTaskCalled)
}

func TestRunAppliesCopyPenalty(t *testing.T) {
	state := testRoundState(t, "w-a", "w-b", "w-c")
	factory := workerclient.NewMockClientFactory()
	for _, workerId := range []string{"w-a", "w-b", "w-c"} {
		seedWorker(factory, workerId, "solution by "+workerId)
	}
	eval := evaluator.NewMockEvaluator()
	eval.SetScore("t-1", "agent-w-a", evaluator.ScoreResponse{Score: 0.9, Features: []float64{1, 0}})
	eval.SetScore("t-1", "agent-w-b", evaluator.ScoreResponse{Score: 0.9, Features: []float64{1, 0}})
	eval.SetScore("t-1", "agent-w-c", evaluator.ScoreResponse{Score: 0.8, Features: []float64{0, 1}})
	chain := chainbridge.NewMockClient()
	chain.AdvanceToBlock(1100)

	loop := NewLoop(testLoopConfig(), factory, eval, chain)
	_, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0)}, noopPersist)

	require.NoError(t, err)
	assert.InDelta(t, 0.45, recordFor(t, state, "t-1", "w-a").EvalScore, 1e-9)
	assert.InDelta(t, 0.45, recordFor(t, state, "t-1", "w-b").EvalScore, 1e-9)
	assert.InDelta(t, 0.8, recordFor(t, state, "t-1", "w-c").EvalScore, 1e-9)
}

func TestRunTreatsNonPositiveScoresAsWorthless(t *testing.T) {
	state := testRoundState(t, "w-a")
	factory := workerclient.NewMockClientFactory()
	seedWorker(factory, "w-a", "fast but wrong")
	eval := evaluator.NewMockEvaluator()
	eval.SetScore("t-1", "agent-w-a", evaluator.ScoreResponse{Score: -0.3})
	chain := chainbridge.NewMockClient()
	chain.AdvanceToBlock(1100)

	loop := NewLoop(testLoopConfig(), factory, eval, chain)
	_, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0)}, noopPersist)

	require.NoError(t, err)
	record := recordFor(t, state, "t-1", "w-a")
	assert.InDelta(t, -0.3, record.EvalScore, 1e-9)
	assert.Zero(t, record.Reward)
}

func TestRunScoringFailureEarnsZero(t *testing.T) {
	state := testRoundState(t, "w-a")
	factory := workerclient.NewMockClientFactory()
	seedWorker(factory, "w-a", "content")
	eval := evaluator.NewMockEvaluator()
	eval.ScoreError = errors.New("scoring service down")
	chain := chainbridge.NewMockClient()
	chain.AdvanceToBlock(1100)

	loop := NewLoop(testLoopConfig(), factory, eval, chain)
	outcome, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0)}, noopPersist)

	require.NoError(t, err)
	assert.Equal(t, OutcomePoolExhausted, outcome)
	record := recordFor(t, state, "t-1", "w-a")
	assert.True(t, record.Responded)
	assert.False(t, record.Empty)
	assert.Zero(t, record.EvalScore)
	assert.Zero(t, record.Reward)
}

func TestRunPersistFailureAborts(t *testing.T) {
	state := testRoundState(t, "w-a")
	factory := workerclient.NewMockClientFactory()
	seedWorker(factory, "w-a", "content")
	chain := chainbridge.NewMockClient()
	chain.AdvanceToBlock(1100)

	loop := NewLoop(testLoopConfig(), factory, evaluator.NewMockEvaluator(), chain)
	_, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0), testTask("t-2", 1)},
		func(ctx context.Context) error { return errors.New("disk full") })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, state.CompletedCount())
}

func TestRunChainClockFailureAborts(t *testing.T) {
	state := testRoundState(t, "w-a")
	factory := workerclient.NewMockClientFactory()
	seedWorker(factory, "w-a", "content")
	chain := chainbridge.NewMockClient()
	chain.StatusError = errors.New("node down")

	loop := NewLoop(testLoopConfig(), factory, evaluator.NewMockEvaluator(), chain)
	_, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0)}, noopPersist)

	require.Error(t, err)
	assert.Zero(t, state.CompletedCount())
	assert.Zero(t, factory.Client("w-a").RunTaskCalled)
}

func TestRunWithoutRespondedWorkers(t *testing.T) {
	state := testRoundState(t)
	state.SetHandshake(round.HandshakeRecord{WorkerId: "w-a", Url: "http://w-a:8080", Responded: false})
	factory := workerclient.NewMockClientFactory()
	eval := evaluator.NewMockEvaluator()
	chain := chainbridge.NewMockClient()
	chain.AdvanceToBlock(1100)

	loop := NewLoop(testLoopConfig(), factory, eval, chain)
	outcome, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0)}, noopPersist)

	require.NoError(t, err)
	assert.Equal(t, OutcomePoolExhausted, outcome)
	assert.Zero(t, state.CompletedCount())
	assert.Zero(t, eval.ScoreCalled)
}

func TestRunRecordsUnitDurationOnce(t *testing.T) {
	state := testRoundState(t, "w-a", "w-b")
	factory := workerclient.NewMockClientFactory()
	seedWorker(factory, "w-a", "content")
	seedWorker(factory, "w-b", "content")
	chain := chainbridge.NewMockClient()
	chain.AdvanceToBlock(1100)

	loop := NewLoop(testLoopConfig(), factory, evaluator.NewMockEvaluator(), chain)
	_, err := loop.Run(context.Background(), state,
		[]types.TaskUnit{testTask("t-1", 0)}, noopPersist)

	require.NoError(t, err)
	withDuration := 0
	for _, record := range state.Records() {
		if record.UnitSeconds > 0 {
			withDuration++
		}
	}
	assert.Equal(t, 1, withDuration)
}
