// Command indexer is the ingestion daemon's entrypoint (spec.md §4): it
// wires config, store, RPC clients, token services, the block processor,
// worker pool, orchestrator and stats aggregator together and runs them
// until a shutdown signal arrives.
//
// Grounded on plugin/main.go's "parse, then serve forever" shape and
// cmd/abigen/main.go's urfave/cli app bootstrap (flags.NewApp equivalent,
// log.SetDefault, app.Run(os.Args)).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shubhamdubey02/ethindexer/beaconclient"
	"github.com/shubhamdubey02/ethindexer/config"
	"github.com/shubhamdubey02/ethindexer/errs"
	"github.com/shubhamdubey02/ethindexer/orchestrator"
	"github.com/shubhamdubey02/ethindexer/processor"
	"github.com/shubhamdubey02/ethindexer/ratelimit"
	"github.com/shubhamdubey02/ethindexer/rpcclient"
	"github.com/shubhamdubey02/ethindexer/stats"
	"github.com/shubhamdubey02/ethindexer/store"
	"github.com/shubhamdubey02/ethindexer/tokens"
	"github.com/shubhamdubey02/ethindexer/workerpool"
)

func main() {
	app := &cli.App{
		Name:  "indexer",
		Usage: "Ethereum execution + consensus chain indexer",
		Commands: []*cli.Command{
			{Name: "run", Usage: "start ingestion", Action: runAction},
			{Name: "status", Usage: "print the current stats snapshot", Action: statusAction},
		},
		Action: runAction, // bare invocation defaults to `run`
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level := log.LevelInfo
	if lvl, err := log.LvlFromString(cfg.LogLevel); err == nil {
		level = lvl
	}
	if cfg.LogFile == "" {
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, true)))
		return
	}
	writer := &lumberjack.Logger{Filename: cfg.LogFile, MaxSize: 100, MaxBackups: 5, MaxAge: 28}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(writer, level, false)))
}

func runAction(*cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)
	logger := log.New("component", "cmd.indexer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL, int32(cfg.WorkerPoolSize))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	gate := ratelimit.New(map[ratelimit.Class]ratelimit.Limits{
		ratelimit.ClassExecution: {MaxConcurrent: cfg.ETHRPCMaxConcurrent, MinInterval: cfg.ETHRPCMinInterval},
		ratelimit.ClassBeacon:    {MaxConcurrent: cfg.BeaconRPCMaxConcurrent, MinInterval: cfg.BeaconRPCMinInterval},
	})

	exec, err := rpcclient.Dial(ctx, cfg.EthRPCURL, gate, rpcclient.Config{
		CallTimeout:           cfg.WorkerTimeout,
		BatchSize:             cfg.RPCBatchSize,
		MaxConcurrentReceipts: cfg.MaxConcurrentTxReceipts,
	})
	if err != nil {
		return fmt.Errorf("dial execution rpc: %w", err)
	}

	var beacon *beaconclient.Client
	if cfg.BeaconRPCURL != "" {
		beacon, err = beaconclient.New(cfg.BeaconRPCURL, gate, cfg.WorkerTimeout)
		if err != nil {
			logger.Warn("beacon client unavailable, proceeding execution-only", "err", err)
			beacon = nil
		}
	}

	metadata, err := tokens.NewMetadataService(exec, cfg.MetadataCacheSize)
	if err != nil {
		return fmt.Errorf("build metadata service: %w", err)
	}
	codeCache := tokens.NewCodeCache(exec)
	// ctx is the process-lifetime root context (cancelled only on shutdown
	// signal), deliberately not a per-block job context: refresh goroutines
	// must outlive the block that triggered them.
	balances := tokens.NewBalanceRefresher(ctx, exec, st, cfg.MaxConcurrentBalanceFetches, cfg.TokenBalanceUpdateInterval)

	var beaconForProcessor processor.BeaconClient
	if beacon != nil {
		beaconForProcessor = beacon
	}
	proc := processor.New(exec, beaconForProcessor, st, metadata, codeCache, balances, processor.Config{
		MaxConcurrentBalanceFetches: cfg.MaxConcurrentBalanceFetches,
		AccountTypeCacheBytes:       cfg.AccountTypeCacheBytes,
	})

	aggregator := stats.NewAggregator(st, 5*time.Second)

	// orchestrator and pool each depend on the other (orchestrator submits
	// through the pool; the pool reports outcomes back via callbacks), so
	// the pool is built first against a callbacks indirection that's wired
	// to the real orchestrator once it exists.
	var orch *orchestrator.Orchestrator
	pool := workerpool.New(cfg.WorkerPoolSize, cfg.BlockQueueSizeMultiplier, cfg.WorkerTimeout, proc.Process, workerpool.Callbacks{
		OnAck: func(n uint64) { orch.Callbacks().OnAck(n) },
		OnFail: func(n uint64, err error) {
			if errs.ClassOf(err) == errs.ClassFatal {
				aggregator.RecordFatal()
			} else {
				aggregator.RecordParked()
			}
			orch.Callbacks().OnFail(n, err)
		},
	})
	orch = orchestrator.New(exec, st, pool, orchestrator.Config{
		StartBlock:     cfg.StartBlock,
		FetchInterval:  cfg.BlockFetchInterval,
		PersistTimeout: cfg.WorkerTimeout,
	})

	if err := orch.Init(ctx); err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}
	if cfg.HistoricalTxCount != nil {
		if err := st.SetTotalTransactionsBefore(ctx, *cfg.HistoricalTxCount); err != nil {
			return fmt.Errorf("set historical tx count: %w", err)
		}
	}

	pool.Start(ctx)
	go func() {
		if err := aggregator.Run(ctx); err != nil {
			logger.Warn("stats aggregator stopped", "err", err)
		}
	}()
	go func() {
		if err := orch.Run(ctx); err != nil {
			logger.Warn("orchestrator stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received, draining in-flight work")
	cancel()
	pool.Shutdown(cfg.WorkerTimeout)
	return nil
}

func statusAction(*cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// interval is longer than the one-shot timeout below: Run recomputes
	// once immediately on entry, and the timeout fires before a second tick
	// would, so this returns after a single recompute instead of looping.
	onceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	agg := stats.NewAggregator(st, time.Minute)
	if err := agg.Run(onceCtx); err != nil {
		return err
	}
	snap := agg.Snapshot()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"metric", "value"})
	table.Append([]string{"snapshot_id", fmt.Sprint(snap.SnapshotID)})
	table.Append([]string{"latest_indexed_block", fmt.Sprint(snap.LatestIndexedBlock)})
	table.Append([]string{"total_indexed_blocks", fmt.Sprint(snap.TotalIndexedBlocks)})
	table.Append([]string{"total_indexed_txs", fmt.Sprint(snap.TotalIndexedTxs)})
	table.Append([]string{"total_blockchain_transactions", fmt.Sprint(snap.TotalBlockchainTransactions)})
	table.Append([]string{"total_accounts", fmt.Sprint(snap.TotalAccounts)})
	table.Append([]string{"status", string(snap.Status)})
	table.Append([]string{"parked_blocks", fmt.Sprint(snap.ParkedBlocks)})
	table.Render()
	return nil
}
