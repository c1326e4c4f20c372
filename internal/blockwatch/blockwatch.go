package blockwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"arena-validator/apiconfig"
	"arena-validator/chainbridge"
	"arena-validator/internal/metrics"
	"arena-validator/logging"
	"arena-validator/types"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	newBlockEventType = "tendermint/event/NewBlock"
	newBlockQuery     = "tm.event='NewBlock'"

	defaultReconnectDelay = 10 * time.Second
	syncCheckInterval     = 5 * time.Second
)

type rpcFrame struct {
	Jsonrpc string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Result  rpcResult `json:"result"`
}

type rpcResult struct {
	Query  string              `json:"query"`
	Data   rpcData             `json:"data"`
	Events map[string][]string `json:"events"`
}

type rpcData struct {
	Type  string                 `json:"type"`
	Value map[string]interface{} `json:"value"`
}

// Watcher subscribes to the chain node's NewBlock feed over websocket and
// turns it into height notifications: the config file's current height is
// kept fresh and the scheduler gets a nudge on every block. The feed is
// best effort; the scheduler polls on its own interval anyway, so a
// dropped or late notification costs latency, never correctness.
type Watcher struct {
	config *apiconfig.ConfigManager
	chain  chainbridge.Client

	reconnectDelay time.Duration
	notify         chan int64
	caughtUp       atomic.Bool
}

func NewWatcher(config *apiconfig.ConfigManager, chain chainbridge.Client) *Watcher {
	return &Watcher{
		config:         config,
		chain:          chain,
		reconnectDelay: defaultReconnectDelay,
		notify:         make(chan int64, 100),
	}
}

// Blocks is the height feed for the scheduler. The channel stays open for
// the life of the watcher.
func (w *Watcher) Blocks() <-chan int64 {
	return w.notify
}

// Synced reports whether the chain node has caught up with the network.
func (w *Watcher) Synced() bool {
	return w.caughtUp.Load()
}

// Start launches the subscription and sync-status loops. Both stop when
// the context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go w.syncStatusLoop(ctx)
	go w.listen(ctx)
}

func (w *Watcher) listen(ctx context.Context) {
	for ctx.Err() == nil {
		ws, err := w.dial()
		if err != nil {
			logging.Error("Failed to connect to websocket", types.Chain, "error", err)
			w.pause(ctx)
			continue
		}
		w.readFrames(ctx, ws)
		ws.Close()
		if ctx.Err() != nil {
			return
		}
		logging.Warn("Reopening websocket", types.Chain)
		w.pause(ctx)
	}
}

func (w *Watcher) dial() (*websocket.Conn, error) {
	websocketUrl, err := websocketUrl(w.config.GetConfig().ChainNode.Url)
	if err != nil {
		return nil, err
	}
	logging.Info("Connecting to websocket at", types.Chain, "url", websocketUrl)

	ws, _, err := websocket.DefaultDialer.Dial(websocketUrl, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dialing chain node websocket")
	}
	if err := subscribe(ws, newBlockQuery); err != nil {
		ws.Close()
		return nil, err
	}
	return ws, nil
}

// readFrames pumps the connection until it breaks. Any read error hands
// control back to listen for a reconnect; a websocket that errored once
// is not worth reading again.
func (w *Watcher) readFrames(ctx context.Context, ws *websocket.Conn) {
	for ctx.Err() == nil {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logging.Warn("Failed to read a websocket message", types.Chain,
					"errorType", fmt.Sprintf("%T", err), "error", err)
			}
			return
		}

		var frame rpcFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			logging.Error("Error unmarshalling websocket message", types.Chain,
				"error", err, "message", string(message))
			continue
		}
		if frame.Result.Data.Type != newBlockEventType {
			continue
		}

		height, err := blockHeight(frame.Result.Data.Value)
		if err != nil {
			logging.Error("Failed to get height from block event", types.Chain, "error", err)
			continue
		}
		w.publish(height)
	}
}

func (w *Watcher) publish(height int64) {
	logging.Debug("New block event received", types.Chain, "height", height)
	metrics.ChainHeight.Set(float64(height))
	if err := w.config.SetHeight(height); err != nil {
		logging.Warn("Failed to write config", types.Config, "error", err)
	}
	select {
	case w.notify <- height:
	default:
		logging.Debug("Block notification dropped, scheduler busy", types.Chain, "height", height)
	}
}

func (w *Watcher) syncStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(syncCheckInterval)
	defer ticker.Stop()
	for {
		status, err := w.chain.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Error("Error getting node status", types.Chain, "error", err)
		} else {
			w.caughtUp.Store(!status.CatchingUp)
			logging.Debug("Updated sync status", types.Chain,
				"caughtUp", !status.CatchingUp, "height", status.LatestHeight)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.reconnectDelay):
	}
}

func subscribe(ws *websocket.Conn, query string) error {
	subscribeMsg := fmt.Sprintf(`{"jsonrpc": "2.0", "method": "subscribe", "id": "1", "params": ["%s"]}`, query)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(subscribeMsg)); err != nil {
		return errors.Wrap(err, "subscribing to block events")
	}
	return nil
}

func websocketUrl(chainNodeUrl string) (string, error) {
	u, err := url.Parse(chainNodeUrl)
	if err != nil {
		return "", errors.Wrapf(err, "parsing chain node url %q", chainNodeUrl)
	}
	u.Scheme = "ws"
	u.Path = "/websocket"
	return u.String(), nil
}

func blockHeight(value map[string]interface{}) (int64, error) {
	block, ok := value["block"].(map[string]interface{})
	if !ok {
		return 0, errors.New("event value has no block")
	}
	header, ok := block["header"].(map[string]interface{})
	if !ok {
		return 0, errors.New("block has no header")
	}
	heightString, ok := header["height"].(string)
	if !ok {
		return 0, errors.New("header height missing or not a string")
	}
	height, err := strconv.ParseInt(heightString, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing block height %q", heightString)
	}
	return height, nil
}
