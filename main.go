package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"arena-validator/apiconfig"
	"arena-validator/broker"
	"arena-validator/chainbridge"
	"arena-validator/checkpoint"
	"arena-validator/consensus"
	"arena-validator/dispatch"
	"arena-validator/driver"
	"arena-validator/evaluator"
	"arena-validator/internal/blockwatch"
	"arena-validator/internal/nats_server"
	"arena-validator/internal/server"
	"arena-validator/logging"
	"arena-validator/round"
	"arena-validator/season"
	"arena-validator/storeclient"
	"arena-validator/types"
	"arena-validator/workerclient"
)

const defaultEvaluatorTimeout = 120 * time.Second

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "status" {
		logging.WithNoopLogger(func() (any, error) {
			config, err := apiconfig.LoadDefaultConfigManager()
			if err != nil {
				log.Fatalf("Error loading config: %v", err)
			}
			returnStatus(config)
			return nil, nil
		})
		return
	}

	config, err := apiconfig.LoadDefaultConfigManager()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	cfg := config.GetConfig()
	if cfg.Validator.Id == "" {
		log.Fatalf("validator.id must be set")
	}
	if cfg.Season.ManifestPath == "" {
		log.Fatalf("season.manifest_path must be set")
	}

	params, err := round.NewParams(cfg.Round)
	if err != nil {
		log.Fatalf("Invalid round configuration: %v", err)
	}
	seasonParams, err := season.NewParams(params, cfg.Season)
	if err != nil {
		log.Fatalf("Invalid season configuration: %v", err)
	}

	chain, err := chainbridge.NewCometClient(cfg.ChainNode.Url)
	if err != nil {
		log.Fatalf("Error creating chain client: %v", err)
	}

	var store storeclient.SharedStore
	if cfg.Consensus.Enabled {
		if cfg.Store.Nats.Embedded {
			natsServer := nats_server.NewServer(cfg.Store)
			if err := natsServer.Start(); err != nil {
				log.Fatalf("Error starting embedded NATS: %v", err)
			}
			defer natsServer.Shutdown()
		}
		natsStore, err := storeclient.NewNatsStore(cfg.Store, "arena-validator-"+cfg.Validator.Id)
		if err != nil {
			log.Fatalf("Error connecting to shared store: %v", err)
		}
		defer natsStore.Close()
		store = natsStore
	} else {
		logging.Info("Cross-validation disabled, settling on local scores only", types.Consensus)
		store = storeclient.NewMemoryStore()
	}

	workerTimeout := time.Duration(cfg.Dispatch.TimeoutSeconds) * time.Second
	if cfg.Dispatch.TimeoutSeconds <= 0 {
		workerTimeout = time.Duration(dispatch.DefaultTimeoutSeconds) * time.Second
	}
	factory := &workerclient.HttpClientFactory{Timeout: workerTimeout}
	workers := broker.NewBroker(chain, factory, cfg.Workers)

	evalTimeout := time.Duration(cfg.Evaluator.TimeoutSeconds) * time.Second
	if cfg.Evaluator.TimeoutSeconds <= 0 {
		evalTimeout = defaultEvaluatorTimeout
	}
	eval := evaluator.NewClient(cfg.Evaluator.Url, evalTimeout)

	seasons := season.NewManager(seasonParams, season.NewManifestSource(cfg.Season.ManifestPath), cfg.Season)

	roundDriver := driver.NewDriver(driver.Deps{
		Params:      params,
		Seasons:     seasons,
		Workers:     workers,
		Dispatch:    dispatch.NewLoop(cfg.Dispatch, factory, eval, chain),
		Settlement:  consensus.NewEngine(cfg.Consensus, cfg.Validator.Id, store, chain),
		Checkpoints: checkpoint.NewStore(cfg.Checkpoint),
		Chain:       chain,
		Clients:     factory,
		Config:      config,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A failed resume is not fatal: the chain may simply be unreachable
	// yet, and a fresh round works without the checkpoint.
	if err := roundDriver.Resume(ctx); err != nil {
		logging.Error("Failed to resume from checkpoint", types.Rounds, "error", err)
	}

	watcher := blockwatch.NewWatcher(config, chain)
	watcher.Start(ctx)

	addr := fmt.Sprintf(":%v", cfg.Api.AdminServerPort)
	logging.Info("start admin server on addr", types.Server, "addr", addr)
	adminServer := server.NewServer(roundDriver, workers, chain, config, watcher)
	adminServer.Start(addr)

	go func() {
		if err := roundDriver.Run(ctx, watcher.Blocks()); err != nil && ctx.Err() == nil {
			logging.Error("Round driver exited", types.Rounds, "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logging.Info("Shutting down", types.System)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("Admin server shutdown failed", types.Server, "error", err)
	}
}

func returnStatus(config *apiconfig.ConfigManager) {
	status := map[string]interface{}{
		"sync_info": map[string]string{
			"latest_block_height": strconv.FormatInt(config.GetHeight(), 10),
		},
		"round_info": map[string]string{
			"last_completed_round": strconv.FormatInt(config.GetLastRound(), 10),
			"last_winner":          config.GetLastWinner(),
		},
	}
	jsonData, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(jsonData))
	os.Exit(0)
}
