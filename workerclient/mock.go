package workerclient

import (
	"context"
	"sync"

	"arena-validator/logging"
	"arena-validator/types"
)

// MockClient is a mock implementation of WorkerClient for testing
type MockClient struct {
	Mu sync.Mutex

	// State tracking
	WorkerId  string
	AgentName string
	Version   string
	Healthy   bool

	// TaskResponses is keyed by task id; tasks with no entry fall back to
	// DefaultResponse. A nil response with no error simulates a worker that
	// answers with an empty submission.
	TaskResponses   map[string]*TaskResponse
	DefaultResponse *TaskResponse

	// Error injection
	HandshakeError error
	RunTaskError   error
	FeedbackError  error
	HealthError    error

	// Call tracking
	HandshakeCalled int
	RunTaskCalled   int
	FeedbackCalled  int
	HealthCalled    int

	// Capture parameters
	LastHandshakeDto *HandshakeDto
	RanTasks         []TaskDto
	Feedback         []FeedbackDto
}

// NewMockClient creates a new mock client with default values
func NewMockClient(workerId string) *MockClient {
	return &MockClient{
		WorkerId:      workerId,
		AgentName:     "agent-" + workerId,
		Version:       "1.0.0",
		Healthy:       true,
		TaskResponses: make(map[string]*TaskResponse),
	}
}

func (m *MockClient) Handshake(ctx context.Context, dto HandshakeDto) (*HandshakeResponse, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	logging.Info("MockClient. Handshake: called", types.Testing, "worker", m.WorkerId)
	m.HandshakeCalled++
	m.LastHandshakeDto = &dto
	if m.HandshakeError != nil {
		return nil, m.HandshakeError
	}
	return &HandshakeResponse{AgentName: m.AgentName, Version: m.Version}, nil
}

func (m *MockClient) RunTask(ctx context.Context, dto TaskDto) (*TaskResponse, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RunTaskCalled++
	m.RanTasks = append(m.RanTasks, dto)
	if m.RunTaskError != nil {
		return nil, m.RunTaskError
	}
	if response, ok := m.TaskResponses[dto.TaskId]; ok {
		return response, nil
	}
	if m.DefaultResponse != nil {
		response := *m.DefaultResponse
		response.TaskId = dto.TaskId
		return &response, nil
	}
	return &TaskResponse{
		TaskId:    dto.TaskId,
		AgentName: m.AgentName,
		Version:   m.Version,
	}, nil
}

func (m *MockClient) SendFeedback(ctx context.Context, dto FeedbackDto) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.FeedbackCalled++
	if m.FeedbackError != nil {
		return m.FeedbackError
	}
	m.Feedback = append(m.Feedback, dto)
	return nil
}

func (m *MockClient) Health(ctx context.Context) (bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.HealthCalled++
	if m.HealthError != nil {
		return false, m.HealthError
	}
	return m.Healthy, nil
}

// Ensure MockClient implements WorkerClient
var _ WorkerClient = (*MockClient)(nil)
