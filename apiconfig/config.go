package apiconfig

// Config is the full on-disk configuration of one validator process. The
// mutable tail fields (current height, last winner) are runtime state that
// the daemon persists back into the same file so they survive restarts.
type Config struct {
	Api        ApiConfig        `koanf:"api"`
	ChainNode  ChainNodeConfig  `koanf:"chain_node"`
	Validator  ValidatorConfig  `koanf:"validator"`
	Round      RoundConfig      `koanf:"round"`
	Season     SeasonConfig     `koanf:"season"`
	Dispatch   DispatchConfig   `koanf:"dispatch"`
	Consensus  ConsensusConfig  `koanf:"consensus"`
	Evaluator  EvaluatorConfig  `koanf:"evaluator"`
	Store      StoreConfig      `koanf:"store"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`

	Workers       []WorkerConfig `koanf:"workers"`
	WorkersMerged bool           `koanf:"workers_merged"`

	CurrentHeight int64  `koanf:"current_height"`
	LastRound     int64  `koanf:"last_round"`
	LastWinner    string `koanf:"last_winner"`
}

type ApiConfig struct {
	AdminServerPort int `koanf:"admin_server_port"`
}

type ChainNodeConfig struct {
	Url                 string `koanf:"url"`
	QueryTimeoutSeconds int64  `koanf:"query_timeout_seconds"`
}

type ValidatorConfig struct {
	Id string `koanf:"id"`
}

// RoundConfig carries every knob of the round clock. Block/epoch constants
// are configuration, not code constants: different deployments of the chain
// run different epoch sizes.
type RoundConfig struct {
	EpochBlocks     int64   `koanf:"epoch_blocks"`
	SecondsPerBlock float64 `koanf:"seconds_per_block"`
	RoundEpochs     int64   `koanf:"round_epochs"`
	OriginBlock     int64   `koanf:"origin_block"`
	MinStartBlock   int64   `koanf:"min_start_block"`

	SafetyBufferEpochs     float64 `koanf:"safety_buffer_epochs"`
	SettlementFraction     float64 `koanf:"settlement_fraction"`
	StopEvaluationFraction float64 `koanf:"stop_evaluation_fraction"`
	FetchFraction          float64 `koanf:"fetch_fraction"`
	EarlyFinalizeFraction  float64 `koanf:"early_finalize_fraction"`

	InitialTaskSeconds float64 `koanf:"initial_task_seconds"`
	TestMode           bool    `koanf:"test_mode"`
}

type SeasonConfig struct {
	SeasonEpochs int64  `koanf:"season_epochs"`
	PoolSize     int    `koanf:"pool_size"`
	PoolDir      string `koanf:"pool_dir"`
	ManifestPath string `koanf:"manifest_path"`
}

type DispatchConfig struct {
	TimeoutSeconds         int64   `koanf:"timeout_seconds"`
	MaxConcurrent          int     `koanf:"max_concurrent"`
	FeedbackTimeoutSeconds int64   `koanf:"feedback_timeout_seconds"`
	EvalWeight             float64 `koanf:"eval_weight"`
	TimeWeight             float64 `koanf:"time_weight"`
	PenaltyFactor          float64 `koanf:"penalty_factor"`
	SimilarityThreshold    float64 `koanf:"similarity_threshold"`
}

type ConsensusConfig struct {
	Enabled              bool    `koanf:"enabled"`
	MinPeerStake         float64 `koanf:"min_peer_stake"`
	WinnerMarginPercent  float64 `koanf:"winner_margin_percent"`
	BlendAverageFraction float64 `koanf:"blend_average_fraction"`
	BurnId               string  `koanf:"burn_id"`
	StoreTimeoutSeconds  int64   `koanf:"store_timeout_seconds"`
}

type EvaluatorConfig struct {
	Url            string `koanf:"url"`
	TimeoutSeconds int64  `koanf:"timeout_seconds"`
}

type StoreConfig struct {
	Nats           NatsConfig `koanf:"nats"`
	ContentBucket  string     `koanf:"content_bucket"`
	AnnounceBucket string     `koanf:"announce_bucket"`
	CacheSize      int        `koanf:"cache_size"`
}

type NatsConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	Embedded   bool   `koanf:"embedded"`
	StorageDir string `koanf:"storage_dir"`
	TestMode   bool   `koanf:"test_mode"`
}

type CheckpointConfig struct {
	Path string `koanf:"path"`
}

// WorkerConfig is a statically configured worker endpoint. Entries here are
// merged with the on-chain registry at broker sync time; the registry wins
// on conflicts since it also carries stake.
type WorkerConfig struct {
	Id  string `koanf:"id"`
	Url string `koanf:"url"`
}
