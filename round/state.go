package round

import (
	"sort"
	"sync"
	"time"
)

// HandshakeRecord is the tagged outcome of one round announcement. A worker
// that never answered stays in the map with Responded=false instead of
// being silently dropped.
type HandshakeRecord struct {
	WorkerId  string  `json:"worker_id"`
	Url       string  `json:"url"`
	Stake     float64 `json:"stake"`
	Responded bool    `json:"responded"`
	AgentName string  `json:"agent_name,omitempty"`
	Version   string  `json:"version,omitempty"`
}

// EvalRecord is the flat, self-contained outcome of one (task, worker)
// unit of work. Checkpoints persist these verbatim and rebuild every
// accumulator from them, so the struct must never grow references into
// live state.
type EvalRecord struct {
	Round          int64     `json:"round"`
	TaskId         string    `json:"task_id"`
	TaskIndex      int       `json:"task_index"`
	WorkerId       string    `json:"worker_id"`
	AgentName      string    `json:"agent_name,omitempty"`
	Version        string    `json:"version,omitempty"`
	Responded      bool      `json:"responded"`
	Empty          bool      `json:"empty"`
	EvalScore      float64   `json:"eval_score"`
	TimeScore      float64   `json:"time_score"`
	Reward         float64   `json:"reward"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	UnitSeconds    float64   `json:"unit_seconds"`
	Features       []float64 `json:"features,omitempty"`
	ScoredAt       time.Time `json:"scored_at"`
}

// WorkerTotals aggregates one worker's results across the round.
type WorkerTotals struct {
	WorkerId   string  `json:"worker_id"`
	Tasks      int     `json:"tasks"`
	RewardSum  float64 `json:"reward_sum"`
	EvalSum    float64 `json:"eval_sum"`
	EmptyCount int     `json:"empty_count"`
}

// AverageReward is the worker's mean reward over every unit dispatched to
// it, failed and empty units included.
func (w WorkerTotals) AverageReward() float64 {
	if w.Tasks == 0 {
		return 0
	}
	return w.RewardSum / float64(w.Tasks)
}

// State is everything one round accumulates between its start block and
// settlement. Boundaries are computed once at construction and never
// change afterwards.
type State struct {
	mu     sync.RWMutex
	params *Params

	number      int64
	season      int64
	startBlock  int64
	targetBlock int64

	Phase *PhaseTracker

	handshakes map[string]HandshakeRecord
	records    []EvalRecord
	completed  map[string]bool
	totals     map[string]*WorkerTotals

	unitSecondsSum float64
	unitCount      int
}

func NewState(params *Params, number int64, season int64) *State {
	return &State{
		params:      params,
		number:      number,
		season:      season,
		startBlock:  params.StartBlock(number),
		targetBlock: params.TargetBlock(number),
		Phase:       NewPhaseTracker(params.EpochBlocks),
		handshakes:  make(map[string]HandshakeRecord),
		completed:   make(map[string]bool),
		totals:      make(map[string]*WorkerTotals),
	}
}

func (s *State) Number() int64      { return s.number }
func (s *State) Season() int64      { return s.season }
func (s *State) StartBlock() int64  { return s.startBlock }
func (s *State) TargetBlock() int64 { return s.targetBlock }
func (s *State) Params() *Params    { return s.params }

func (s *State) SetHandshake(record HandshakeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshakes[record.WorkerId] = record
}

func (s *State) Handshakes() map[string]HandshakeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handshakes := make(map[string]HandshakeRecord, len(s.handshakes))
	for id, record := range s.handshakes {
		handshakes[id] = record
	}
	return handshakes
}

// RespondedWorkers lists workers that answered the handshake, sorted for
// deterministic dispatch order.
func (s *State) RespondedWorkers() []HandshakeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var responded []HandshakeRecord
	for _, record := range s.handshakes {
		if record.Responded {
			responded = append(responded, record)
		}
	}
	sort.Slice(responded, func(i, j int) bool {
		return responded[i].WorkerId < responded[j].WorkerId
	})
	return responded
}

// AddRecord appends one unit outcome. The (task, worker) pair is marked
// completed even for failures so the pair is never dispatched twice.
// Returns false when the pair was already recorded; the record is dropped
// in that case.
func (s *State) AddRecord(record EvalRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(record.TaskId, record.WorkerId)
	if s.completed[key] {
		return false
	}
	s.completed[key] = true
	s.records = append(s.records, record)

	totals, ok := s.totals[record.WorkerId]
	if !ok {
		totals = &WorkerTotals{WorkerId: record.WorkerId}
		s.totals[record.WorkerId] = totals
	}
	totals.Tasks++
	totals.RewardSum += record.Reward
	totals.EvalSum += record.EvalScore
	if record.Empty {
		totals.EmptyCount++
	}

	if record.UnitSeconds > 0 {
		s.unitSecondsSum += record.UnitSeconds
		s.unitCount++
	}
	return true
}

func (s *State) IsCompleted(taskId string, workerId string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed[pairKey(taskId, workerId)]
}

func (s *State) CompletedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *State) Records() []EvalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]EvalRecord, len(s.records))
	copy(records, s.records)
	return records
}

// WorkerHistory returns one worker's unit outcomes in completion order.
func (s *State) WorkerHistory(workerId string) []EvalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var history []EvalRecord
	for _, record := range s.records {
		if record.WorkerId == workerId {
			history = append(history, record)
		}
	}
	return history
}

func (s *State) Totals() map[string]WorkerTotals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals := make(map[string]WorkerTotals, len(s.totals))
	for id, t := range s.totals {
		totals[id] = *t
	}
	return totals
}

// AverageScores returns each worker's mean reward, the local input to
// settlement.
func (s *State) AverageScores() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scores := make(map[string]float64, len(s.totals))
	for id, totals := range s.totals {
		scores[id] = totals.AverageReward()
	}
	return scores
}

// AverageUnitSeconds feeds the dispatch gate. Before any unit finishes it
// falls back to the configured seed value so the first round still has a
// plausible estimate.
func (s *State) AverageUnitSeconds() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unitCount == 0 {
		return s.params.InitialTaskSeconds
	}
	return s.unitSecondsSum / float64(s.unitCount)
}

func pairKey(taskId string, workerId string) string {
	return taskId + "|" + workerId
}
