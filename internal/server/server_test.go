package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arena-validator/apiconfig"
	"arena-validator/broker"
	"arena-validator/chainbridge"
	"arena-validator/driver"
	"arena-validator/round"
	"arena-validator/workerclient"

	"github.com/knadh/koanf/providers/file"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRounds struct {
	status  driver.Status
	history []round.Transition
	scores  map[string]float64
}

func (s *stubRounds) Status() driver.Status            { return s.status }
func (s *stubRounds) PhaseHistory() []round.Transition { return s.history }
func (s *stubRounds) LocalScores() map[string]float64 {
	if s.scores == nil {
		return map[string]float64{}
	}
	return s.scores
}

type stubSync struct{ synced bool }

func (s stubSync) Synced() bool { return s.synced }

type fixture struct {
	server  *Server
	rounds  *stubRounds
	chain   *chainbridge.MockClient
	manager *apiconfig.ConfigManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("validator:\n    id: val-self\n"), 0o644))
	manager := &apiconfig.ConfigManager{
		KoanProvider:   file.Provider(configPath),
		WriterProvider: apiconfig.NewFileWriteCloserProvider(configPath),
	}
	require.NoError(t, manager.Load())

	chain := chainbridge.NewMockClient()
	workers := broker.NewBroker(chain, workerclient.NewMockClientFactory(), nil)
	rounds := &stubRounds{status: driver.Status{Phase: "IDLE"}}

	return &fixture{
		server:  NewServer(rounds, workers, chain, manager, stubSync{synced: true}),
		rounds:  rounds,
		chain:   chain,
		manager: manager,
	}
}

func (f *fixture) request(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.server.e.ServeHTTP(rec, req)
	return rec
}

func TestGetStatusReportsChainAndRound(t *testing.T) {
	f := newFixture(t)
	f.chain.AdvanceToBlock(1360)
	f.rounds.status = driver.Status{InFlight: true, Round: 1, Phase: "TASK_EXECUTION"}

	rec := f.request(http.MethodGet, "/admin/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "val-self", status.Validator)
	assert.Equal(t, "arena-test", status.ChainId)
	assert.Equal(t, int64(1360), status.Height)
	assert.True(t, status.Synced)
	assert.True(t, status.Round.InFlight)
	assert.Equal(t, "TASK_EXECUTION", status.Round.Phase)
}

func TestWorkerAdminLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.request(http.MethodPost, "/admin/v1/workers", `{"id":"w-9","url":"http://w-9:8080"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.request(http.MethodGet, "/admin/v1/workers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var workers []broker.WorkerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "w-9", workers[0].Worker.Id)
	assert.True(t, workers[0].State.Healthy)

	persisted := f.manager.GetConfig().Workers
	require.Len(t, persisted, 1)
	assert.Equal(t, "w-9", persisted[0].Id)

	rec = f.request(http.MethodDelete, "/admin/v1/workers/w-9", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(http.MethodDelete, "/admin/v1/workers/w-9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Empty(t, f.manager.GetConfig().Workers)
}

func TestRegisterWorkerRejectsIncompleteBody(t *testing.T) {
	f := newFixture(t)
	rec := f.request(http.MethodPost, "/admin/v1/workers", `{"id":"w-9"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoundEndpointsWhenIdle(t *testing.T) {
	f := newFixture(t)

	rec := f.request(http.MethodGet, "/admin/v1/round", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status driver.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.InFlight)
	assert.Equal(t, "IDLE", status.Phase)

	rec = f.request(http.MethodGet, "/admin/v1/round/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = f.request(http.MethodGet, "/admin/v1/round/scores", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())
}

func TestMetricsEndpointServes(t *testing.T) {
	f := newFixture(t)
	rec := f.request(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "arena_")
}
