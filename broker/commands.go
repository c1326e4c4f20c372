package broker

// Command is one message to the broker actor. Every command carries its
// own response channel; the channel must be buffered or the broker could
// block on a caller that went away.
type Command interface {
	GetResponseChannelCapacity() int
}

type GetWorkersCommand struct {
	Response chan []WorkerResponse
}

func NewGetWorkersCommand() GetWorkersCommand {
	return GetWorkersCommand{Response: make(chan []WorkerResponse, 2)}
}

func (c GetWorkersCommand) GetResponseChannelCapacity() int {
	return cap(c.Response)
}

// SyncWorkersCommand reconciles the local registry against the on-chain
// worker set.
type SyncWorkersCommand struct {
	Response chan bool
}

func NewSyncWorkersCommand() SyncWorkersCommand {
	return SyncWorkersCommand{Response: make(chan bool, 2)}
}

func (c SyncWorkersCommand) GetResponseChannelCapacity() int {
	return cap(c.Response)
}

type RegisterWorkerCommand struct {
	Worker   Worker
	Response chan bool
}

func NewRegisterWorkerCommand(worker Worker) RegisterWorkerCommand {
	return RegisterWorkerCommand{Worker: worker, Response: make(chan bool, 2)}
}

func (c RegisterWorkerCommand) GetResponseChannelCapacity() int {
	return cap(c.Response)
}

type RemoveWorkerCommand struct {
	WorkerId string
	Response chan bool
}

func NewRemoveWorkerCommand(workerId string) RemoveWorkerCommand {
	return RemoveWorkerCommand{WorkerId: workerId, Response: make(chan bool, 2)}
}

func (c RemoveWorkerCommand) GetResponseChannelCapacity() int {
	return cap(c.Response)
}

// CheckHealthCommand probes every registered worker's health endpoint and
// answers with the number of healthy workers.
type CheckHealthCommand struct {
	Response chan int
}

func NewCheckHealthCommand() CheckHealthCommand {
	return CheckHealthCommand{Response: make(chan int, 2)}
}

func (c CheckHealthCommand) GetResponseChannelCapacity() int {
	return cap(c.Response)
}

// MarkWorkerCommand flips one worker's health flag without probing, used
// when dispatch already knows the worker is gone.
type MarkWorkerCommand struct {
	WorkerId string
	Healthy  bool
	Reason   string
	Response chan bool
}

func NewMarkWorkerCommand(workerId string, healthy bool, reason string) MarkWorkerCommand {
	return MarkWorkerCommand{WorkerId: workerId, Healthy: healthy, Reason: reason, Response: make(chan bool, 2)}
}

func (c MarkWorkerCommand) GetResponseChannelCapacity() int {
	return cap(c.Response)
}
