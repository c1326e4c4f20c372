package chainbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"arena-validator/logging"
	"arena-validator/types"

	rpcclient "github.com/cometbft/cometbft/rpc/client"
	"github.com/cometbft/cometbft/rpc/client/http"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/pkg/errors"
)

const (
	arenaStoreKey     = "arena"
	workersDataKey    = "Workers/value/"
	validatorsDataKey = "Validators/value/"
)

// CometClient talks to a single chain node over its RPC endpoint.
type CometClient struct {
	rpc     *http.HTTP
	address string
}

func NewCometClient(address string) (*CometClient, error) {
	rpc, err := http.New(address, "/websocket")
	if err != nil {
		return nil, errors.Wrapf(err, "creating rpc client for %s", address)
	}
	return &CometClient{rpc: rpc, address: address}, nil
}

func (c *CometClient) Status(ctx context.Context) (*ChainStatus, error) {
	result, err := c.rpc.Status(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "querying node status")
	}
	return &ChainStatus{
		ChainId:      result.NodeInfo.Network,
		LatestHeight: result.SyncInfo.LatestBlockHeight,
		CatchingUp:   result.SyncInfo.CatchingUp,
	}, nil
}

func (c *CometClient) LatestHeight(ctx context.Context) (int64, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return 0, err
	}
	return status.LatestHeight, nil
}

func (c *CometClient) Workers(ctx context.Context) ([]RegisteredWorker, error) {
	value, err := c.queryStore(ctx, workersDataKey)
	if err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, nil
	}
	var workers []RegisteredWorker
	if err := json.Unmarshal(value, &workers); err != nil {
		return nil, errors.Wrap(err, "decoding worker registry")
	}
	logging.Debug("Fetched worker registry", types.Chain, "count", len(workers))
	return workers, nil
}

func (c *CometClient) Validators(ctx context.Context) ([]PeerValidator, error) {
	value, err := c.queryStore(ctx, validatorsDataKey)
	if err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, nil
	}
	var validators []PeerValidator
	if err := json.Unmarshal(value, &validators); err != nil {
		return nil, errors.Wrap(err, "decoding validator set")
	}
	logging.Debug("Fetched validator set", types.Chain, "count", len(validators))
	return validators, nil
}

func (c *CometClient) SubmitWeights(ctx context.Context, update WeightUpdate) error {
	tx, err := json.Marshal(weightsTx{
		Type:      "arena/set_weights",
		Validator: update.Validator,
		Round:     update.Round,
		Weights:   update.Weights,
	})
	if err != nil {
		return errors.Wrap(err, "encoding weights tx")
	}
	result, err := c.rpc.BroadcastTxSync(ctx, cmttypes.Tx(tx))
	if err != nil {
		return errors.Wrap(err, "broadcasting weights tx")
	}
	if result.Code != 0 {
		return errors.Errorf("weights tx rejected: code=%d log=%s", result.Code, result.Log)
	}
	logging.Info("Submitted weights", types.Chain,
		"round", update.Round, "entries", len(update.Weights), "hash", result.Hash.String())
	return nil
}

type weightsTx struct {
	Type      string             `json:"type"`
	Validator string             `json:"validator"`
	Round     int64              `json:"round"`
	Weights   map[string]float64 `json:"weights"`
}

// queryStore reads one value from the application store. An empty value is
// not an error: a fresh chain has no registry yet.
func (c *CometClient) queryStore(ctx context.Context, dataKey string) ([]byte, error) {
	path := fmt.Sprintf("store/%s/key", arenaStoreKey)
	result, err := c.rpc.ABCIQueryWithOptions(ctx, path, []byte(dataKey), rpcclient.ABCIQueryOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s", dataKey)
	}
	if result.Response.Code != 0 {
		return nil, errors.Errorf("store query %s failed: code=%d log=%s",
			dataKey, result.Response.Code, result.Response.Log)
	}
	return result.Response.Value, nil
}

var _ Client = (*CometClient)(nil)
