package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector of the process. The admin server mounts
// Handler; nothing else touches the registry directly.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	RoundsStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "arena", Subsystem: "round", Name: "started_total",
		Help: "Rounds opened by this validator.",
	})
	RoundsCompleted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "arena", Subsystem: "round", Name: "completed_total",
		Help: "Rounds settled all the way to COMPLETE.",
	})
	RoundsFailed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "arena", Subsystem: "round", Name: "failed_total",
		Help: "Round attempts that errored and will be retried.",
	})
	CurrentRound = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena", Subsystem: "round", Name: "current",
		Help: "Number of the round in flight, or of the last one started.",
	})

	DispatchOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena", Subsystem: "dispatch", Name: "outcomes_total",
		Help: "How each dispatch loop ended.",
	}, []string{"outcome"})
	WorkerResponses = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena", Subsystem: "dispatch", Name: "worker_responses_total",
		Help: "Scored unit results, split by whether the worker answered.",
	}, []string{"responded"})

	SnapshotsPublished = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "arena", Subsystem: "consensus", Name: "snapshots_published_total",
		Help: "Own score snapshots written to the shared store.",
	})
	PeerSnapshotsIncluded = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "arena", Subsystem: "consensus", Name: "peer_snapshots_included_total",
		Help: "Peer snapshots that made it into an aggregation.",
	})
	WeightsSubmitted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "arena", Subsystem: "consensus", Name: "weights_submitted_total",
		Help: "Weight vectors pushed on chain.",
	})
	Burns = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "arena", Subsystem: "consensus", Name: "burns_total",
		Help: "Rounds settled with the burn fallback.",
	})

	ChainHeight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena", Subsystem: "chain", Name: "height",
		Help: "Latest block height seen.",
	})
)

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
