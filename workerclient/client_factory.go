package workerclient

import (
	"sync"
	"time"
)

type ClientFactory interface {
	CreateClient(workerId string, url string) WorkerClient
}

type HttpClientFactory struct {
	Timeout time.Duration
}

func (f *HttpClientFactory) CreateClient(workerId string, url string) WorkerClient {
	return NewWorkerClient(workerId, url, f.Timeout)
}

// MockClientFactory hands out one mock per worker id so tests can seed
// responses before dispatch runs and inspect calls after.
type MockClientFactory struct {
	mu      sync.Mutex
	clients map[string]*MockClient
}

func NewMockClientFactory() *MockClientFactory {
	return &MockClientFactory{clients: make(map[string]*MockClient)}
}

func (f *MockClientFactory) CreateClient(workerId string, url string) WorkerClient {
	return f.Client(workerId)
}

func (f *MockClientFactory) Client(workerId string) *MockClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.clients[workerId]; ok {
		return client
	}
	client := NewMockClient(workerId)
	f.clients[workerId] = client
	return client
}
