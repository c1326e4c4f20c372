package chainbridge

import (
	"context"
	"sync"

	"arena-validator/logging"
	"arena-validator/types"
)

// MockClient is a mock implementation of Client for testing
type MockClient struct {
	Mu sync.Mutex

	// State tracking
	Height       int64
	ChainIdValue string
	CatchingUp   bool
	WorkerSet    []RegisteredWorker
	ValidatorSet []PeerValidator
	SubmittedTxs []WeightUpdate

	// Error injection
	StatusError        error
	WorkersError       error
	ValidatorsError    error
	SubmitWeightsError error

	// Call tracking
	StatusCalled        int
	WorkersCalled       int
	ValidatorsCalled    int
	SubmitWeightsCalled int

	// Capture parameters
	LastWeightUpdate *WeightUpdate
}

// NewMockClient creates a new mock client with default values
func NewMockClient() *MockClient {
	return &MockClient{
		Height:       1,
		ChainIdValue: "arena-test",
	}
}

func (m *MockClient) Status(ctx context.Context) (*ChainStatus, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.StatusCalled++
	if m.StatusError != nil {
		return nil, m.StatusError
	}
	return &ChainStatus{
		ChainId:      m.ChainIdValue,
		LatestHeight: m.Height,
		CatchingUp:   m.CatchingUp,
	}, nil
}

func (m *MockClient) LatestHeight(ctx context.Context) (int64, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return 0, err
	}
	return status.LatestHeight, nil
}

func (m *MockClient) Workers(ctx context.Context) ([]RegisteredWorker, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.WorkersCalled++
	if m.WorkersError != nil {
		return nil, m.WorkersError
	}
	return m.WorkerSet, nil
}

func (m *MockClient) Validators(ctx context.Context) ([]PeerValidator, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ValidatorsCalled++
	if m.ValidatorsError != nil {
		return nil, m.ValidatorsError
	}
	return m.ValidatorSet, nil
}

func (m *MockClient) SubmitWeights(ctx context.Context, update WeightUpdate) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	logging.Info("MockClient. SubmitWeights: called", types.Testing, "round", update.Round)
	m.SubmitWeightsCalled++
	m.LastWeightUpdate = &update
	if m.SubmitWeightsError != nil {
		return m.SubmitWeightsError
	}
	m.SubmittedTxs = append(m.SubmittedTxs, update)
	return nil
}

// AdvanceToBlock moves the mock chain head. Tests drive round boundaries
// with this.
func (m *MockClient) AdvanceToBlock(height int64) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Height = height
}

// Ensure MockClient implements Client
var _ Client = (*MockClient)(nil)
