package season

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"arena-validator/apiconfig"
	"arena-validator/logging"
	"arena-validator/round"
	"arena-validator/types"

	"github.com/pkg/errors"
)

// Params computes season boundaries with the same block-window technique
// as rounds, just over a much longer window.
type Params struct {
	SeasonEpochs int64
	EpochBlocks  int64
	OriginBlock  int64
}

func NewParams(roundParams *round.Params, config apiconfig.SeasonConfig) (*Params, error) {
	if config.SeasonEpochs <= 0 {
		return nil, errors.New("season_epochs must be positive")
	}
	if config.SeasonEpochs < roundParams.RoundEpochs {
		return nil, errors.Errorf("a season of %d epochs is shorter than a round of %d epochs",
			config.SeasonEpochs, roundParams.RoundEpochs)
	}
	return &Params{
		SeasonEpochs: config.SeasonEpochs,
		EpochBlocks:  roundParams.EpochBlocks,
		OriginBlock:  roundParams.OriginBlock,
	}, nil
}

func (p *Params) SeasonBlocks() int64 {
	return p.SeasonEpochs * p.EpochBlocks
}

// Number maps a block height to its 1-based season. Heights before the
// origin map to 0, mirroring round numbering.
func (p *Params) Number(blockHeight int64) int64 {
	if blockHeight < p.OriginBlock {
		return 0
	}
	return (blockHeight-p.OriginBlock)/p.SeasonBlocks() + 1
}

func (p *Params) StartBlock(season int64) int64 {
	if season < 1 {
		panic(fmt.Sprintf("season numbers are 1-based, got %d", season))
	}
	return p.OriginBlock + (season-1)*p.SeasonBlocks()
}

// Pool is the benchmark set every round of a season runs against.
type Pool struct {
	Season  int64            `json:"season"`
	Created time.Time        `json:"created"`
	Tasks   []types.TaskUnit `json:"tasks"`
}

// Manager decides when a pool is generated versus reused. The first round
// of a season generates and persists one; every later round of the same
// season loads the persisted copy, so the benchmark set stays identical
// across the whole season even through restarts.
type Manager struct {
	params   *Params
	source   TaskSource
	poolDir  string
	poolSize int

	mu     sync.Mutex
	cached *Pool
}

func NewManager(params *Params, source TaskSource, config apiconfig.SeasonConfig) *Manager {
	return &Manager{
		params:   params,
		source:   source,
		poolDir:  config.PoolDir,
		poolSize: config.PoolSize,
	}
}

func (m *Manager) SeasonOf(blockHeight int64) int64 {
	return m.params.Number(blockHeight)
}

// PoolForRound returns the pool for the season the round belongs to,
// generating it only when no persisted pool exists yet.
func (m *Manager) PoolForRound(ctx context.Context, roundStartBlock int64) (*Pool, error) {
	season := m.params.Number(roundStartBlock)
	if season == 0 {
		return nil, errors.Errorf("block %d precedes the origin, no season to draw from", roundStartBlock)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.cached.Season == season {
		return m.cached, nil
	}

	pool, err := m.loadPool(season)
	if err == nil {
		logging.Info("Reusing persisted season pool", types.Seasons,
			"season", season, "tasks", len(pool.Tasks))
		m.cached = pool
		return pool, nil
	}
	if !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}

	tasks, err := m.source.GenerateTasks(ctx, season, m.poolSize)
	if err != nil {
		return nil, errors.Wrapf(err, "generating pool for season %d", season)
	}
	if len(tasks) == 0 {
		return nil, errors.Errorf("task source produced an empty pool for season %d", season)
	}
	pool = &Pool{Season: season, Created: time.Now().UTC(), Tasks: tasks}
	if err := m.persistPool(pool); err != nil {
		return nil, err
	}
	logging.Info("Generated fresh season pool", types.Seasons,
		"season", season, "tasks", len(pool.Tasks))
	m.cached = pool
	return pool, nil
}

func (m *Manager) poolPath(season int64) string {
	return filepath.Join(m.poolDir, fmt.Sprintf("pool_season_%d.json", season))
}

func (m *Manager) loadPool(season int64) (*Pool, error) {
	data, err := os.ReadFile(m.poolPath(season))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var pool Pool
	if err := json.Unmarshal(data, &pool); err != nil {
		return nil, errors.Wrapf(err, "decoding pool for season %d", season)
	}
	if pool.Season != season {
		return nil, errors.Errorf("pool file for season %d carries season %d", season, pool.Season)
	}
	return &pool, nil
}

// persistPool writes through a temp file and renames so a crash mid-write
// never leaves a truncated pool behind.
func (m *Manager) persistPool(pool *Pool) error {
	if err := os.MkdirAll(m.poolDir, 0o755); err != nil {
		return errors.Wrap(err, "creating pool dir")
	}
	data, err := json.MarshalIndent(pool, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding pool")
	}
	path := m.poolPath(pool.Season)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "writing pool")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "renaming pool into place")
	}
	return nil
}
