package server

import (
	"context"
	"net/http"

	"arena-validator/apiconfig"
	"arena-validator/broker"
	"arena-validator/chainbridge"
	"arena-validator/driver"
	"arena-validator/internal/metrics"
	"arena-validator/logging"
	"arena-validator/round"
	"arena-validator/types"

	"github.com/labstack/echo/v4"
)

// RoundStatus is the slice of the round driver the admin API reads.
type RoundStatus interface {
	Status() driver.Status
	PhaseHistory() []round.Transition
	LocalScores() map[string]float64
}

// SyncStatus reports whether the chain node has caught up.
type SyncStatus interface {
	Synced() bool
}

// Server is the operator-facing admin API: round and worker introspection,
// worker registry management and the metrics endpoint.
type Server struct {
	e       *echo.Echo
	rounds  RoundStatus
	workers *broker.Broker
	chain   chainbridge.Client
	config  *apiconfig.ConfigManager
	sync    SyncStatus
}

func NewServer(
	rounds RoundStatus,
	workers *broker.Broker,
	chain chainbridge.Client,
	configManager *apiconfig.ConfigManager,
	sync SyncStatus) *Server {
	e := echo.New()
	s := &Server{
		e:       e,
		rounds:  rounds,
		workers: workers,
		chain:   chain,
		config:  configManager,
		sync:    sync,
	}

	e.Use(loggingMiddleware)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	g := e.Group("/admin/v1/")

	g.GET("status", s.getStatus)
	g.GET("round", s.getRound)
	g.GET("round/history", s.getRoundHistory)
	g.GET("round/scores", s.getRoundScores)

	g.GET("workers", s.getWorkers)
	g.POST("workers", s.registerWorker)
	g.DELETE("workers/:id", s.removeWorker)
	g.POST("workers/health-check", s.checkWorkerHealth)
	return s
}

func (s *Server) Start(addr string) {
	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			logging.Error("Admin server stopped", types.Server, "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func loggingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		logging.Info("Received request", types.Server,
			"method", ctx.Request().Method, "path", ctx.Request().URL.Path)
		return next(ctx)
	}
}
