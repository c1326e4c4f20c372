package storeclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore is an in-process SharedStore used by tests and by single
// validator deployments that have nothing to coordinate with.
type MemoryStore struct {
	mu            sync.Mutex
	content       map[string][]byte
	announcements map[int64]map[string]string

	// Error injection
	PutError      error
	GetError      error
	AnnounceError error
	ListError     error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		content:       make(map[string][]byte),
		announcements: make(map[int64]map[string]string),
	}
}

func (s *MemoryStore) PutContent(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutError != nil {
		return "", s.PutError
	}
	address := ContentAddress(data)
	stored := make([]byte, len(data))
	copy(stored, data)
	s.content[address] = stored
	return address, nil
}

func (s *MemoryStore) GetContent(ctx context.Context, address string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetError != nil {
		return nil, s.GetError
	}
	data, ok := s.content[address]
	if !ok {
		return nil, errors.Errorf("no content at %s", address)
	}
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

func (s *MemoryStore) Announce(ctx context.Context, round int64, validatorId string, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AnnounceError != nil {
		return s.AnnounceError
	}
	board, ok := s.announcements[round]
	if !ok {
		board = make(map[string]string)
		s.announcements[round] = board
	}
	board[validatorId] = address
	return nil
}

func (s *MemoryStore) Announcements(ctx context.Context, round int64) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListError != nil {
		return nil, s.ListError
	}
	found := make(map[string]string, len(s.announcements[round]))
	for validator, address := range s.announcements[round] {
		found[validator] = address
	}
	return found, nil
}

func (s *MemoryStore) Close() {}

// Corrupt replaces stored content without touching its address, for tests
// that exercise digest verification downstream.
func (s *MemoryStore) Corrupt(address string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.content[address]; !ok {
		return fmt.Errorf("no content at %s", address)
	}
	s.content[address] = data
	return nil
}

var _ SharedStore = (*MemoryStore)(nil)
