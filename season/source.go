package season

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"sync"

	"arena-validator/types"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TaskSource produces the work units a season's pool is drawn from.
type TaskSource interface {
	GenerateTasks(ctx context.Context, season int64, count int) ([]types.TaskUnit, error)
}

// ManifestSource draws tasks from a static manifest file. Selection is
// seeded by the season number, so every validator holding the same
// manifest assembles the same pool for the same season.
type ManifestSource struct {
	manifestPath string
}

func NewManifestSource(manifestPath string) *ManifestSource {
	return &ManifestSource{manifestPath: manifestPath}
}

func (s *ManifestSource) GenerateTasks(ctx context.Context, season int64, count int) ([]types.TaskUnit, error) {
	data, err := os.ReadFile(s.manifestPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading task manifest")
	}
	var manifest []types.TaskUnit
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.Wrap(err, "decoding task manifest")
	}
	if len(manifest) == 0 {
		return nil, errors.New("task manifest is empty")
	}
	if count <= 0 || count > len(manifest) {
		count = len(manifest)
	}

	rng := rand.New(rand.NewSource(season))
	order := rng.Perm(len(manifest))

	tasks := make([]types.TaskUnit, 0, count)
	for _, manifestIndex := range order[:count] {
		task := manifest[manifestIndex]
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		task.Season = season
		task.Index = len(tasks)
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// MockTaskSource is a mock implementation of TaskSource for testing
type MockTaskSource struct {
	Mu sync.Mutex

	Tasks []types.TaskUnit

	// Error injection
	GenerateError error

	// Call tracking
	GenerateCalled int

	// Capture parameters
	LastSeason int64
	LastCount  int
}

func (m *MockTaskSource) GenerateTasks(ctx context.Context, season int64, count int) ([]types.TaskUnit, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.GenerateCalled++
	m.LastSeason = season
	m.LastCount = count
	if m.GenerateError != nil {
		return nil, m.GenerateError
	}
	tasks := make([]types.TaskUnit, len(m.Tasks))
	copy(tasks, m.Tasks)
	for i := range tasks {
		tasks[i].Season = season
		tasks[i].Index = i
	}
	return tasks, nil
}

var _ TaskSource = (*ManifestSource)(nil)
var _ TaskSource = (*MockTaskSource)(nil)
