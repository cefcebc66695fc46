// Package orchestrator implements the Indexer Orchestrator (spec.md §4.H):
// the single logical actor that tracks the chain tip, enqueues missing
// block numbers into the worker pool, and advances the checkpoint only
// over a contiguous run of acknowledged commits.
//
// Grounded on plugin/main.go's top-level "parse, then serve forever" loop
// shape, and peer/network.go's Shutdown idiom (stop accepting new work,
// drain what's outstanding, then return) for the termination policy.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/shubhamdubey02/ethindexer/workerpool"
)

// TipClient is the subset of rpcclient.Client the orchestrator needs to
// learn the network head.
type TipClient interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// CheckpointStore is the subset of store.Store the orchestrator needs for
// checkpoint persistence and restart recovery.
type CheckpointStore interface {
	InitCheckpoint(ctx context.Context, startBlock, checkpoint int64) error
	GetCheckpoint(ctx context.Context) (int64, bool, error)
	SetCheckpoint(ctx context.Context, n int64) error
	HighestContiguousBlock(ctx context.Context, from int64) (int64, error)
}

// Submitter is the subset of workerpool.Pool the orchestrator enqueues
// work through.
type Submitter interface {
	Submit(blockNumber uint64) bool
	QueueCap() int
}

// Config holds the scheduling parameters sourced from spec §6's env vars.
type Config struct {
	StartBlock     int64 // negative = relative to tip at first run
	FetchInterval  time.Duration
	PersistTimeout time.Duration
}

// Orchestrator is the block-job scheduler: the H in the architecture
// diagram of spec §4.
type Orchestrator struct {
	tip   TipClient
	store CheckpointStore
	pool  Submitter
	cfg   Config
	log   log.Logger

	mu            sync.Mutex
	checkpoint    int64
	nextToEnqueue int64
	tipBlock      uint64
	inflight      map[uint64]bool
	acked         map[int64]bool // acked out of order, waiting for a contiguous prefix
}

// New builds an Orchestrator. Call Init once before Run to resolve the
// start policy and recover from any prior run's checkpoint.
func New(tip TipClient, store CheckpointStore, pool Submitter, cfg Config) *Orchestrator {
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = 12 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Orchestrator{
		tip:      tip,
		store:    store,
		pool:     pool,
		cfg:      cfg,
		log:      log.New("component", "orchestrator"),
		inflight: make(map[uint64]bool),
		acked:    make(map[int64]bool),
	}
}

// Callbacks wires the orchestrator's checkpoint bookkeeping into a
// workerpool.Pool's job outcomes.
func (o *Orchestrator) Callbacks() workerpool.Callbacks {
	return workerpool.Callbacks{OnAck: o.onAck, OnFail: o.onFail}
}

// Checkpoint reports the highest block number whose commit is acknowledged
// and contiguous with everything before it.
func (o *Orchestrator) Checkpoint() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.checkpoint
}

// Init resolves the start policy (spec §4.H: absolute if StartBlock ≥ 0,
// else tip + StartBlock) on first run, or recovers the checkpoint and any
// backfill gap from the store on restart.
func (o *Orchestrator) Init(ctx context.Context) error {
	tip, err := o.tip.LatestBlockNumber(ctx)
	if err != nil {
		return err
	}

	checkpoint, ok, err := o.store.GetCheckpoint(ctx)
	if err != nil {
		return err
	}
	if !ok {
		start := resolveStartBlock(o.cfg.StartBlock, tip)
		checkpoint = start - 1
		if err := o.store.InitCheckpoint(ctx, start, checkpoint); err != nil {
			return err
		}
	} else {
		// Do not trust the stored checkpoint alone (spec §9): re-derive the
		// highest contiguous run in case the process died mid-gap.
		highest, err := o.store.HighestContiguousBlock(ctx, checkpoint+1)
		if err != nil {
			return err
		}
		if highest > checkpoint {
			checkpoint = highest
		}
	}

	o.mu.Lock()
	o.checkpoint = checkpoint
	o.nextToEnqueue = checkpoint + 1
	o.tipBlock = tip
	o.mu.Unlock()
	return nil
}

func resolveStartBlock(startBlock int64, tip uint64) int64 {
	if startBlock >= 0 {
		return startBlock
	}
	s := int64(tip) + startBlock
	if s < 0 {
		return 0
	}
	return s
}

// Run drives the scheduling loop (spec §4.H steps 1-4) until ctx is
// cancelled. Init must have been called first.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.FetchInterval)
	defer ticker.Stop()

	for {
		if err := o.cycle(ctx); err != nil {
			o.log.Warn("orchestrator cycle failed, will retry next tick", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) cycle(ctx context.Context) error {
	tip, err := o.tip.LatestBlockNumber(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.tipBlock = tip

	for int64(len(o.inflight)) < int64(o.pool.QueueCap()) && o.nextToEnqueue <= int64(tip) {
		n := uint64(o.nextToEnqueue)
		if o.inflight[n] || o.acked[o.nextToEnqueue] {
			o.nextToEnqueue++
			continue
		}
		if !o.pool.Submit(n) {
			break
		}
		o.inflight[n] = true
		o.nextToEnqueue++
	}
	return nil
}

func (o *Orchestrator) onAck(n uint64) {
	o.mu.Lock()
	delete(o.inflight, n)
	o.acked[int64(n)] = true
	for o.acked[o.checkpoint+1] {
		o.checkpoint++
		delete(o.acked, o.checkpoint)
	}
	checkpoint := o.checkpoint
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
	defer cancel()
	if err := o.store.SetCheckpoint(ctx, checkpoint); err != nil {
		o.log.Warn("checkpoint persist failed", "checkpoint", checkpoint, "err", err)
	}
}

// onFail parks a block that the worker pool gave up on. Spec §4.G leaves
// park-vs-halt to the orchestrator; parking (log and drop) is the policy
// here — a parked block is simply re-enqueued on the next restart's
// HighestContiguousBlock gap scan.
func (o *Orchestrator) onFail(n uint64, err error) {
	o.mu.Lock()
	delete(o.inflight, n)
	o.mu.Unlock()
	o.log.Error("block job parked after exhausting retries", "number", n, "err", err)
}
