// Package stats implements the Stats Aggregator (spec.md §4.I): periodic
// recomputation of the read-side counters, cached in memory behind a
// monotonically increasing snapshot id so readers never block on or
// observe a partially updated set of counters.
//
// Grounded on miner/worker.go's handleResult, which logs a derived summary
// (fees, feesInEther) right after a block commits; generalized here into a
// standing aggregate recomputed on a timer rather than once per block, and
// mirrored into Prometheus gauges via promauto (prysm's powchain service is
// the pack's example of gauges fed by a background recompute loop).
package stats

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/process"
)

// Status mirrors spec §7's indexer_status transitions: running → degraded
// → stopped, driven by the orchestrator parking blocks.
type Status string

const (
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
	StatusStopped  Status = "stopped"
)

// Store is the subset of store.Store the aggregator reads from.
type Store interface {
	LatestIndexedBlock(ctx context.Context) (int64, error)
	CountBlocksAndTxs(ctx context.Context) (blocks, txs int64, err error)
	CountAccounts(ctx context.Context) (int64, error)
	StartBlockCache(ctx context.Context) (startBlock int64, totalBefore *int64, err error)
}

// Snapshot is the consistent, point-in-time counters view handed to
// readers; SnapshotID lets a caller detect whether two reads are from the
// same recomputation.
type Snapshot struct {
	SnapshotID                  uint64
	LatestIndexedBlock          int64
	TotalIndexedBlocks          int64
	TotalIndexedTxs             int64
	TotalBlockchainTransactions int64
	TotalAccounts               int64
	Status                      Status
	ParkedBlocks                int64
	ComputedAt                  time.Time
	Load                        *HostLoad
}

// HostLoad is operational telemetry folded into a degraded snapshot; not a
// spec requirement on its own, but the kind of thing the teacher's stack
// (gopsutil is already an indirect dependency) is reached for.
type HostLoad struct {
	CPUPercent float64
	RSSBytes   uint64
}

// Aggregator periodically recomputes Snapshot and serves it lock-free to
// readers via an atomic pointer swap.
type Aggregator struct {
	store    Store
	interval time.Duration
	log      log.Logger
	registry *prometheus.Registry

	current atomic.Pointer[Snapshot]
	nextID  atomic.Uint64

	mu     sync.Mutex
	parked int64
	fatal  bool

	gaugeLatestBlock  prometheus.Gauge
	gaugeTotalBlocks  prometheus.Gauge
	gaugeTotalTxs     prometheus.Gauge
	gaugeTotalAccts   prometheus.Gauge
	gaugeParkedBlocks prometheus.Gauge
}

// NewAggregator builds an Aggregator. interval is the recompute period
// (spec: "every few seconds").
func NewAggregator(store Store, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	a := &Aggregator{
		store:    store,
		interval: interval,
		log:      log.New("component", "stats"),
		registry: reg,
		gaugeLatestBlock: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ethindexer", Name: "latest_indexed_block",
			Help: "Highest block number ever committed.",
		}),
		gaugeTotalBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ethindexer", Name: "total_indexed_blocks",
			Help: "Total number of blocks committed to the store.",
		}),
		gaugeTotalTxs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ethindexer", Name: "total_indexed_txs",
			Help: "Total number of transactions committed to the store.",
		}),
		gaugeTotalAccts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ethindexer", Name: "total_accounts",
			Help: "Total number of distinct accounts observed.",
		}),
		gaugeParkedBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ethindexer", Name: "parked_blocks",
			Help: "Blocks the orchestrator gave up retrying.",
		}),
	}
	a.current.Store(&Snapshot{Status: StatusRunning})
	return a
}

// Registry exposes the aggregator's private Prometheus registry so
// cmd/indexer can mount it behind a metrics endpoint.
func (a *Aggregator) Registry() *prometheus.Registry {
	return a.registry
}

// RecordParked is called whenever a block job is parked after exhausting
// retries, driving the running → degraded transition of spec §7.
func (a *Aggregator) RecordParked() {
	a.mu.Lock()
	a.parked++
	a.mu.Unlock()
}

// RecordFatal is called whenever a block job fails with errs.ClassFatal,
// driving the degraded → stopped transition of spec §7. Stopped is
// terminal: once set, recompute no longer reports running or degraded.
func (a *Aggregator) RecordFatal() {
	a.mu.Lock()
	a.fatal = true
	a.mu.Unlock()
}

// Snapshot returns the most recently computed Snapshot without blocking.
func (a *Aggregator) Snapshot() Snapshot {
	return *a.current.Load()
}

// Run recomputes the snapshot every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if err := a.recompute(ctx); err != nil {
			a.log.Warn("stats recompute failed, previous snapshot still served", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Aggregator) recompute(ctx context.Context) error {
	latest, err := a.store.LatestIndexedBlock(ctx)
	if err != nil {
		return err
	}
	blocks, txs, err := a.store.CountBlocksAndTxs(ctx)
	if err != nil {
		return err
	}
	accounts, err := a.store.CountAccounts(ctx)
	if err != nil {
		return err
	}
	_, totalBefore, err := a.store.StartBlockCache(ctx)
	if err != nil {
		return err
	}

	var totalBefore64 int64
	if totalBefore != nil {
		totalBefore64 = *totalBefore
	}

	a.mu.Lock()
	parked := a.parked
	fatal := a.fatal
	a.mu.Unlock()

	status := StatusRunning
	var load *HostLoad
	if parked > 0 {
		status = StatusDegraded
		load = HostLoadSnapshot()
	}
	if fatal {
		status = StatusStopped
		load = HostLoadSnapshot()
	}

	snap := &Snapshot{
		SnapshotID:                  a.nextID.Add(1),
		LatestIndexedBlock:          latest,
		TotalIndexedBlocks:          blocks,
		TotalIndexedTxs:             txs,
		TotalBlockchainTransactions: totalBefore64 + txs,
		TotalAccounts:               accounts,
		Status:                      status,
		ParkedBlocks:                parked,
		ComputedAt:                  time.Now(),
		Load:                        load,
	}
	a.current.Store(snap)

	a.gaugeLatestBlock.Set(float64(latest))
	a.gaugeTotalBlocks.Set(float64(blocks))
	a.gaugeTotalTxs.Set(float64(txs))
	a.gaugeTotalAccts.Set(float64(accounts))
	a.gaugeParkedBlocks.Set(float64(parked))
	return nil
}

// HostLoadSnapshot reads current-process CPU and RSS, best-effort: a
// failure to read either metric leaves it zeroed rather than erroring out,
// since this is operational color, not ingestion-critical data.
func HostLoadSnapshot() *HostLoad {
	load := &HostLoad{}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		load.CPUPercent = pct[0]
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			load.RSSBytes = mem.RSS
		}
	}
	return load
}
