package chainbridge

import (
	"context"
)

// ChainStatus is the subset of node status the daemon acts on.
type ChainStatus struct {
	ChainId      string
	LatestHeight int64
	CatchingUp   bool
}

// RegisteredWorker is one agent endpoint from the on-chain registry.
// Stake is denominated in the chain's native unit.
type RegisteredWorker struct {
	Id    string  `json:"id"`
	Url   string  `json:"url"`
	Stake float64 `json:"stake"`
}

// PeerValidator is another validator on the network. Stake here decides
// whose published snapshots count toward the cross-validator aggregate.
type PeerValidator struct {
	Id    string  `json:"id"`
	Stake float64 `json:"stake"`
}

// WeightUpdate is the settlement payload for one round. Weights are keyed
// by worker id and must sum to 1 (or be empty for an all-burn round, in
// which case the burn entry carries the full weight).
type WeightUpdate struct {
	Round     int64              `json:"round"`
	Validator string             `json:"validator"`
	Weights   map[string]float64 `json:"weights"`
}

// Client is everything the daemon needs from the chain node. Queries hit
// the application store over ABCI; SubmitWeights broadcasts the settlement
// transaction.
type Client interface {
	Status(ctx context.Context) (*ChainStatus, error)
	LatestHeight(ctx context.Context) (int64, error)
	Workers(ctx context.Context) ([]RegisteredWorker, error)
	Validators(ctx context.Context) ([]PeerValidator, error)
	SubmitWeights(ctx context.Context, update WeightUpdate) error
}
