package season

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"arena-validator/apiconfig"
	"arena-validator/round"
	"arena-validator/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeasonParams(t *testing.T) *Params {
	roundParams, err := round.NewParams(apiconfig.RoundConfig{
		EpochBlocks:     360,
		RoundEpochs:     2,
		OriginBlock:     1000,
		SecondsPerBlock: 12,
	})
	require.NoError(t, err)
	params, err := NewParams(roundParams, apiconfig.SeasonConfig{SeasonEpochs: 8})
	require.NoError(t, err)
	return params
}

func TestSeasonNumber(t *testing.T) {
	params := testSeasonParams(t)

	// A season spans 8 epochs of 360 blocks, four rounds of 720.
	require.Equal(t, int64(2880), params.SeasonBlocks())

	testCases := []struct {
		name           string
		blockHeight    int64
		expectedSeason int64
	}{
		{name: "before origin", blockHeight: 999, expectedSeason: 0},
		{name: "origin opens season one", blockHeight: 1000, expectedSeason: 1},
		{name: "last round of season one", blockHeight: 3879, expectedSeason: 1},
		{name: "second season start", blockHeight: 3880, expectedSeason: 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expectedSeason, params.Number(tc.blockHeight))
		})
	}

	assert.Equal(t, int64(1000), params.StartBlock(1))
	assert.Equal(t, int64(3880), params.StartBlock(2))
}

func TestPoolGeneratedOnceThenReused(t *testing.T) {
	params := testSeasonParams(t)
	source := &MockTaskSource{Tasks: []types.TaskUnit{
		{ID: "a", Kind: "coding", Statement: "build"},
		{ID: "b", Kind: "coding", Statement: "fix"},
	}}
	manager := NewManager(params, source, apiconfig.SeasonConfig{
		SeasonEpochs: 8,
		PoolSize:     2,
		PoolDir:      t.TempDir(),
	})

	// First round of the season generates.
	pool, err := manager.PoolForRound(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, pool.Tasks, 2)
	assert.Equal(t, int64(1), pool.Season)
	assert.Equal(t, 1, source.GenerateCalled)

	// Later rounds of the same season reuse without regenerating.
	pool2, err := manager.PoolForRound(context.Background(), 1720)
	require.NoError(t, err)
	assert.Equal(t, pool.Tasks, pool2.Tasks)
	assert.Equal(t, 1, source.GenerateCalled)

	// A new season generates again.
	_, err = manager.PoolForRound(context.Background(), 3880)
	require.NoError(t, err)
	assert.Equal(t, 2, source.GenerateCalled)
	assert.Equal(t, int64(2), source.LastSeason)
}

func TestPoolSurvivesRestart(t *testing.T) {
	params := testSeasonParams(t)
	dir := t.TempDir()
	source := &MockTaskSource{Tasks: []types.TaskUnit{{ID: "a"}}}
	config := apiconfig.SeasonConfig{SeasonEpochs: 8, PoolSize: 1, PoolDir: dir}

	manager := NewManager(params, source, config)
	pool, err := manager.PoolForRound(context.Background(), 1000)
	require.NoError(t, err)

	// A fresh manager, as after a process restart, loads the same pool from
	// disk instead of asking the source again.
	restarted := NewManager(params, source, config)
	pool2, err := restarted.PoolForRound(context.Background(), 1720)
	require.NoError(t, err)
	assert.Equal(t, pool.Tasks, pool2.Tasks)
	assert.Equal(t, 1, source.GenerateCalled)
}

func TestPoolRejectsMismatchedFile(t *testing.T) {
	params := testSeasonParams(t)
	dir := t.TempDir()
	manager := NewManager(params, &MockTaskSource{Tasks: []types.TaskUnit{{ID: "a"}}},
		apiconfig.SeasonConfig{SeasonEpochs: 8, PoolSize: 1, PoolDir: dir})

	// A pool file claiming the wrong season is corrupt, not reusable.
	bad, err := json.Marshal(Pool{Season: 9, Tasks: []types.TaskUnit{{ID: "x"}}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pool_season_1.json"), bad, 0o644))

	_, err = manager.PoolForRound(context.Background(), 1000)
	assert.ErrorContains(t, err, "carries season")
}

func TestManifestSourceIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	manifest := []types.TaskUnit{
		{ID: "t1", Kind: "coding", Statement: "one"},
		{ID: "t2", Kind: "coding", Statement: "two"},
		{ID: "t3", Kind: "coding", Statement: "three"},
		{ID: "t4", Kind: "coding", Statement: "four"},
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	source := NewManifestSource(path)

	first, err := source.GenerateTasks(context.Background(), 3, 2)
	require.NoError(t, err)
	second, err := source.GenerateTasks(context.Background(), 3, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	// Same season, same manifest: identical pool on every validator.
	assert.Equal(t, first, second)
	assert.Equal(t, int64(3), first[0].Season)
	assert.Equal(t, 0, first[0].Index)
	assert.Equal(t, 1, first[1].Index)

	// A different season reshuffles.
	other, err := source.GenerateTasks(context.Background(), 4, 4)
	require.NoError(t, err)
	assert.Len(t, other, 4)
}

func TestNewParamsRejectsShortSeason(t *testing.T) {
	roundParams, err := round.NewParams(apiconfig.RoundConfig{
		EpochBlocks:     360,
		RoundEpochs:     4,
		OriginBlock:     0,
		SecondsPerBlock: 12,
	})
	require.NoError(t, err)

	_, err = NewParams(roundParams, apiconfig.SeasonConfig{SeasonEpochs: 2})
	assert.ErrorContains(t, err, "shorter than a round")
}
