package server

import (
	"net/http"

	"arena-validator/apiconfig"
	"arena-validator/broker"
	"arena-validator/driver"
	"arena-validator/logging"
	"arena-validator/round"
	"arena-validator/types"

	"github.com/labstack/echo/v4"
)

type StatusResponse struct {
	Validator  string        `json:"validator"`
	ChainId    string        `json:"chain_id,omitempty"`
	Height     int64         `json:"height"`
	CatchingUp bool          `json:"catching_up"`
	Synced     bool          `json:"synced"`
	ChainError string        `json:"chain_error,omitempty"`
	Round      driver.Status `json:"round"`
}

func (s *Server) getStatus(ctx echo.Context) error {
	status := StatusResponse{
		Validator: s.config.GetConfig().Validator.Id,
		Synced:    s.sync.Synced(),
		Round:     s.rounds.Status(),
	}
	chainStatus, err := s.chain.Status(ctx.Request().Context())
	if err != nil {
		logging.Error("Error getting chain status", types.Server, "error", err)
		status.ChainError = err.Error()
	} else {
		status.ChainId = chainStatus.ChainId
		status.Height = chainStatus.LatestHeight
		status.CatchingUp = chainStatus.CatchingUp
	}
	return ctx.JSON(http.StatusOK, status)
}

func (s *Server) getRound(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, s.rounds.Status())
}

func (s *Server) getRoundHistory(ctx echo.Context) error {
	history := s.rounds.PhaseHistory()
	if history == nil {
		history = []round.Transition{}
	}
	return ctx.JSON(http.StatusOK, history)
}

func (s *Server) getRoundScores(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, s.rounds.LocalScores())
}

func (s *Server) getWorkers(ctx echo.Context) error {
	workers, err := s.workers.GetWorkers()
	if err != nil {
		logging.Error("Error getting workers", types.Server, "error", err)
		return err
	}
	return ctx.JSON(http.StatusOK, workers)
}

func (s *Server) registerWorker(ctx echo.Context) error {
	var newWorker apiconfig.WorkerConfig
	if err := ctx.Bind(&newWorker); err != nil {
		logging.Error("Error decoding request", types.Server, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, err)
	}
	if newWorker.Id == "" || newWorker.Url == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "worker id and url are required")
	}

	command := broker.NewRegisterWorkerCommand(broker.Worker{
		Id:     newWorker.Id,
		Url:    newWorker.Url,
		Source: broker.SourceStatic,
	})
	if err := s.workers.QueueMessage(command); err != nil {
		logging.Error("Error registering worker", types.Server, "error", err)
		return err
	}
	<-command.Response
	s.syncWorkersWithConfig()

	logging.Info("Registered worker over admin API", types.Server,
		"worker", newWorker.Id, "url", newWorker.Url)
	return ctx.JSON(http.StatusCreated, newWorker)
}

func (s *Server) removeWorker(ctx echo.Context) error {
	workerId := ctx.Param("id")
	logging.Info("Removing worker over admin API", types.Server, "worker", workerId)

	command := broker.NewRemoveWorkerCommand(workerId)
	if err := s.workers.QueueMessage(command); err != nil {
		logging.Error("Error removing worker", types.Server, "error", err)
		return err
	}
	if removed := <-command.Response; !removed {
		return echo.NewHTTPError(http.StatusNotFound, "unknown worker")
	}
	s.syncWorkersWithConfig()
	return ctx.JSON(http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) checkWorkerHealth(ctx echo.Context) error {
	healthy, err := s.workers.CheckHealthNow()
	if err != nil {
		logging.Error("Error checking worker health", types.Server, "error", err)
		return err
	}
	return ctx.JSON(http.StatusOK, map[string]int{"healthy": healthy})
}

// syncWorkersWithConfig writes the static slice of the registry back into
// the config file so admin edits survive a restart.
func (s *Server) syncWorkersWithConfig() {
	workers, err := s.workers.GetWorkers()
	if err != nil {
		logging.Error("Error reading workers for config sync", types.Server, "error", err)
		return
	}
	var static []apiconfig.WorkerConfig
	for _, response := range workers {
		if response.Worker.Source == broker.SourceStatic {
			static = append(static, apiconfig.WorkerConfig{
				Id:  response.Worker.Id,
				Url: response.Worker.Url,
			})
		}
	}
	if err := s.config.SetWorkers(static); err != nil {
		logging.Error("Error writing config", types.Server, "error", err)
	}
}
