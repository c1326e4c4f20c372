package broker

import (
	"context"
	"reflect"
	"sort"
	"time"

	"arena-validator/apiconfig"
	"arena-validator/chainbridge"
	"arena-validator/logging"
	"arena-validator/types"
	"arena-validator/workerclient"

	"github.com/pkg/errors"
)

const (
	syncInterval       = 60 * time.Second
	healthInterval     = 30 * time.Second
	chainQueryTimeout  = 10 * time.Second
	healthProbeTimeout = 5 * time.Second
)

type WorkerSource string

const (
	// SourceChain workers come from the on-chain registry and carry stake.
	SourceChain WorkerSource = "chain"
	// SourceStatic workers come from local configuration. They never carry
	// stake and survive registry syncs.
	SourceStatic WorkerSource = "static"
)

type Worker struct {
	Id     string       `json:"id"`
	Url    string       `json:"url"`
	Stake  float64      `json:"stake"`
	Source WorkerSource `json:"source"`
}

type WorkerState struct {
	Healthy       bool      `json:"healthy"`
	FailureReason string    `json:"failure_reason,omitempty"`
	LastChecked   time.Time `json:"last_checked"`
}

type WorkerWithState struct {
	Worker Worker
	State  WorkerState
}

type WorkerResponse struct {
	Worker Worker      `json:"worker"`
	State  WorkerState `json:"state"`
}

// Broker owns the worker registry. All mutation flows through the command
// channel so there is exactly one writer; background loops keep the
// registry synced with the chain and probe worker health.
type Broker struct {
	commands chan Command
	workers  map[string]*WorkerWithState
	static   map[string]apiconfig.WorkerConfig
	chain    chainbridge.Client
	factory  workerclient.ClientFactory
}

func NewBroker(chain chainbridge.Client, factory workerclient.ClientFactory, staticWorkers []apiconfig.WorkerConfig) *Broker {
	broker := &Broker{
		commands: make(chan Command, 100),
		workers:  make(map[string]*WorkerWithState),
		static:   make(map[string]apiconfig.WorkerConfig),
		chain:    chain,
		factory:  factory,
	}
	for _, static := range staticWorkers {
		broker.static[static.Id] = static
		broker.workers[static.Id] = &WorkerWithState{
			Worker: Worker{Id: static.Id, Url: static.Url, Source: SourceStatic},
			State:  WorkerState{Healthy: true},
		}
	}

	go broker.processCommands()
	go workerSyncLoop(broker)
	go workerHealthLoop(broker)
	return broker
}

func workerSyncLoop(broker *Broker) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for range ticker.C {
		logging.Debug("Syncing workers with chain registry", types.Workers)
		if err := broker.QueueMessage(NewSyncWorkersCommand()); err != nil {
			logging.Error("Error queueing worker sync", types.Workers, "error", err)
		}
	}
}

func workerHealthLoop(broker *Broker) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for range ticker.C {
		logging.Debug("Probing worker health", types.Workers)
		if err := broker.QueueMessage(NewCheckHealthCommand()); err != nil {
			logging.Error("Error queueing health check", types.Workers, "error", err)
		}
	}
}

func (b *Broker) processCommands() {
	for command := range b.commands {
		logging.Debug("Processing command", types.Workers, "type", reflect.TypeOf(command).String())
		switch command := command.(type) {
		case GetWorkersCommand:
			b.getWorkers(command)
		case SyncWorkersCommand:
			b.syncWorkers(command)
		case RegisterWorkerCommand:
			b.registerWorker(command)
		case RemoveWorkerCommand:
			b.removeWorker(command)
		case CheckHealthCommand:
			b.checkHealth(command)
		case MarkWorkerCommand:
			b.markWorker(command)
		default:
			logging.Error("Unregistered command type", types.Workers, "type", reflect.TypeOf(command).String())
		}
	}
}

func (b *Broker) QueueMessage(command Command) error {
	// Response channels must support buffering, or else we could end up
	// blocking the broker on a caller that stopped listening.
	if command.GetResponseChannelCapacity() == 0 {
		logging.Error("Message queued with unbuffered channel", types.Workers, "command", reflect.TypeOf(command).String())
		return errors.New("response channel must support buffering")
	}
	b.commands <- command
	return nil
}

func (b *Broker) getWorkers(command GetWorkersCommand) {
	responses := make([]WorkerResponse, 0, len(b.workers))
	for _, worker := range b.workers {
		responses = append(responses, WorkerResponse{Worker: worker.Worker, State: worker.State})
	}
	sort.Slice(responses, func(i, j int) bool {
		return responses[i].Worker.Id < responses[j].Worker.Id
	})
	command.Response <- responses
}

func (b *Broker) registerWorker(command RegisterWorkerCommand) {
	worker := command.Worker
	if worker.Source == "" {
		worker.Source = SourceStatic
	}
	if worker.Source == SourceStatic {
		b.static[worker.Id] = apiconfig.WorkerConfig{Id: worker.Id, Url: worker.Url}
	}
	b.workers[worker.Id] = &WorkerWithState{
		Worker: worker,
		State:  WorkerState{Healthy: true},
	}
	logging.Info("Registered worker", types.Workers, "worker", worker.Id, "url", worker.Url, "source", worker.Source)
	command.Response <- true
}

func (b *Broker) removeWorker(command RemoveWorkerCommand) {
	if _, ok := b.workers[command.WorkerId]; !ok {
		command.Response <- false
		return
	}
	delete(b.workers, command.WorkerId)
	delete(b.static, command.WorkerId)
	logging.Info("Removed worker", types.Workers, "worker", command.WorkerId)
	command.Response <- true
}

// syncWorkers reconciles against the on-chain registry. Chain entries win
// on conflicts since they carry stake; static workers survive with zero
// stake when the chain does not know them.
func (b *Broker) syncWorkers(command SyncWorkersCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), chainQueryTimeout)
	defer cancel()

	registered, err := b.chain.Workers(ctx)
	if err != nil {
		logging.Error("[sync workers] Error fetching chain registry", types.Workers, "error", err)
		command.Response <- false
		return
	}
	logging.Info("[sync workers] Fetched chain registry", types.Workers,
		"chainWorkers", len(registered), "localWorkers", len(b.workers))

	onChain := make(map[string]bool, len(registered))
	for _, entry := range registered {
		onChain[entry.Id] = true
		existing, ok := b.workers[entry.Id]
		if !ok {
			b.workers[entry.Id] = &WorkerWithState{
				Worker: Worker{Id: entry.Id, Url: entry.Url, Stake: entry.Stake, Source: SourceChain},
				State:  WorkerState{Healthy: true},
			}
			logging.Info("[sync workers] New worker from chain", types.Workers, "worker", entry.Id, "stake", entry.Stake)
			continue
		}
		existing.Worker.Stake = entry.Stake
		existing.Worker.Source = SourceChain
		if entry.Url != "" {
			existing.Worker.Url = entry.Url
		}
	}

	for id, worker := range b.workers {
		if worker.Worker.Source != SourceChain || onChain[id] {
			continue
		}
		if static, ok := b.static[id]; ok {
			worker.Worker = Worker{Id: static.Id, Url: static.Url, Source: SourceStatic}
			logging.Info("[sync workers] Worker left the chain, kept as static", types.Workers, "worker", id)
			continue
		}
		delete(b.workers, id)
		logging.Info("[sync workers] Worker deregistered", types.Workers, "worker", id)
	}

	command.Response <- true
}

func (b *Broker) checkHealth(command CheckHealthCommand) {
	healthy := 0
	for _, worker := range sortedWorkers(b.workers) {
		client := b.factory.CreateClient(worker.Worker.Id, worker.Worker.Url)
		ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		ok, err := client.Health(ctx)
		cancel()

		worker.State.LastChecked = time.Now()
		switch {
		case err != nil:
			worker.State.Healthy = false
			worker.State.FailureReason = err.Error()
			logging.Warn("Worker health probe failed", types.Workers, "worker", worker.Worker.Id, "error", err)
		case !ok:
			worker.State.Healthy = false
			worker.State.FailureReason = "health endpoint reported not ready"
		default:
			worker.State.Healthy = true
			worker.State.FailureReason = ""
			healthy++
		}
	}
	command.Response <- healthy
}

func (b *Broker) markWorker(command MarkWorkerCommand) {
	worker, ok := b.workers[command.WorkerId]
	if !ok {
		command.Response <- false
		return
	}
	worker.State.Healthy = command.Healthy
	worker.State.FailureReason = command.Reason
	worker.State.LastChecked = time.Now()
	command.Response <- true
}

func sortedWorkers(workers map[string]*WorkerWithState) []*WorkerWithState {
	sorted := make([]*WorkerWithState, 0, len(workers))
	for _, worker := range workers {
		sorted = append(sorted, worker)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Worker.Id < sorted[j].Worker.Id
	})
	return sorted
}

// GetWorkers snapshots the whole registry.
func (b *Broker) GetWorkers() ([]WorkerResponse, error) {
	command := NewGetWorkersCommand()
	if err := b.QueueMessage(command); err != nil {
		return nil, err
	}
	return <-command.Response, nil
}

// ActiveWorkers lists healthy workers in deterministic order; this is the
// set a new round announces itself to.
func (b *Broker) ActiveWorkers() ([]Worker, error) {
	responses, err := b.GetWorkers()
	if err != nil {
		return nil, err
	}
	var active []Worker
	for _, response := range responses {
		if response.State.Healthy {
			active = append(active, response.Worker)
		}
	}
	return active, nil
}

// Sync runs one registry reconciliation and waits for it to finish.
func (b *Broker) Sync() error {
	command := NewSyncWorkersCommand()
	if err := b.QueueMessage(command); err != nil {
		return err
	}
	if ok := <-command.Response; !ok {
		return errors.New("worker registry sync failed")
	}
	return nil
}

// CheckHealthNow probes every worker once and reports how many are healthy.
func (b *Broker) CheckHealthNow() (int, error) {
	command := NewCheckHealthCommand()
	if err := b.QueueMessage(command); err != nil {
		return 0, err
	}
	return <-command.Response, nil
}
