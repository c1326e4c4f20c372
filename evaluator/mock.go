package evaluator

import (
	"context"
	"sync"
)

// MockEvaluator is a mock implementation of Evaluator for testing
type MockEvaluator struct {
	Mu sync.Mutex

	// Scores is keyed by "<task_id>/<agent_name>"; requests with no entry
	// fall back to DefaultScore.
	Scores       map[string]*ScoreResponse
	DefaultScore ScoreResponse

	// Error injection
	ScoreError error

	// Call tracking
	ScoreCalled int

	// Capture parameters
	Requests []ScoreRequest
}

func NewMockEvaluator() *MockEvaluator {
	return &MockEvaluator{
		Scores:       make(map[string]*ScoreResponse),
		DefaultScore: ScoreResponse{Score: 0.5},
	}
}

func (m *MockEvaluator) SetScore(taskId string, agentName string, response ScoreResponse) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Scores[taskId+"/"+agentName] = &response
}

func (m *MockEvaluator) Score(ctx context.Context, request ScoreRequest) (*ScoreResponse, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ScoreCalled++
	m.Requests = append(m.Requests, request)
	if m.ScoreError != nil {
		return nil, m.ScoreError
	}
	if response, ok := m.Scores[request.TaskId+"/"+request.AgentName]; ok {
		result := *response
		return &result, nil
	}
	result := m.DefaultScore
	return &result, nil
}

var _ Evaluator = (*MockEvaluator)(nil)
