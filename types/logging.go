package types

// SubSystem tags every log line with the component that emitted it, so
// operators can filter the JSON stream per concern.
type SubSystem string

const (
	System      SubSystem = "system"
	Config      SubSystem = "config"
	Chain       SubSystem = "chain"
	Rounds      SubSystem = "rounds"
	Seasons     SubSystem = "seasons"
	Workers     SubSystem = "workers"
	Dispatch    SubSystem = "dispatch"
	Consensus   SubSystem = "consensus"
	Checkpoints SubSystem = "checkpoints"
	Store       SubSystem = "store"
	Server      SubSystem = "server"
	Metrics     SubSystem = "metrics"
	Testing     SubSystem = "testing"
)

// ArenaLogger is implemented by components that want to log through an
// injected sink instead of the package-level logging helpers.
type ArenaLogger interface {
	LogInfo(msg string, keyvals ...interface{})
	LogError(msg string, keyvals ...interface{})
	LogWarn(msg string, keyvals ...interface{})
	LogDebug(msg string, keyvals ...interface{})
}
