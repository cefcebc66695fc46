package tokens

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/shubhamdubey02/ethindexer/errs"
	"github.com/shubhamdubey02/ethindexer/model"
)

// Pair identifies one (account, token) balance to refresh.
type Pair struct {
	Account common.Address
	Token   common.Address
}

// BalanceStore is the subset of store.Store the refresher writes to.
type BalanceStore interface {
	UpsertTokenBalance(ctx context.Context, tb model.TokenBalance) error
}

// BalanceRefresher schedules ERC-20 balanceOf lookups for touched
// (account,token) pairs after each block commits, bounded by a global
// concurrency cap and a minimum per-pair interval, per spec §4.E.4.
type BalanceRefresher struct {
	client   CallerClient
	store    BalanceStore
	sem      *semaphore.Weighted
	interval time.Duration
	log      log.Logger

	// bgCtx is long-lived, derived from the root context at construction
	// rather than from any one block's job context: the refresh goroutines
	// Schedule launches outlive the caller's per-block deadline, and must
	// not be cancelled the instant the triggering job returns.
	bgCtx context.Context

	mu   sync.Mutex
	last map[Pair]time.Time
}

// NewBalanceRefresher builds a refresher. maxConcurrent is
// MAX_CONCURRENT_BALANCE_FETCHES; interval is TOKEN_BALANCE_UPDATE_INTERVAL_MS.
// bgCtx bounds the refresher's own lifetime (cancel it to stop in-flight and
// future refreshes), independent of any per-block job context.
func NewBalanceRefresher(bgCtx context.Context, client CallerClient, store BalanceStore, maxConcurrent int64, interval time.Duration) *BalanceRefresher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if bgCtx == nil {
		bgCtx = context.Background()
	}
	return &BalanceRefresher{
		client:   client,
		store:    store,
		sem:      semaphore.NewWeighted(maxConcurrent),
		interval: interval,
		log:      log.New("component", "tokens.balances"),
		bgCtx:    bgCtx,
		last:     make(map[Pair]time.Time),
	}
}

// Schedule fires off best-effort balance refreshes for pairs touched at
// blockNumber; it returns immediately, refreshes happen on background
// goroutines gated by the concurrency semaphore and run against the
// refresher's own long-lived context, not the caller's. Failures are
// swallowed with a warning; the pair is re-attempted on its next touch, per
// spec.
func (r *BalanceRefresher) Schedule(_ context.Context, pairs []Pair, blockNumber uint64) {
	for _, p := range pairs {
		if !r.shouldRefresh(p) {
			continue
		}
		go func(p Pair) {
			if err := r.sem.Acquire(r.bgCtx, 1); err != nil {
				return
			}
			defer r.sem.Release(1)
			r.refreshOne(r.bgCtx, p, blockNumber)
		}(p)
	}
}

func (r *BalanceRefresher) shouldRefresh(p Pair) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.last[p]; ok && time.Since(t) < r.interval {
		return false
	}
	r.last[p] = time.Now()
	return true
}

func (r *BalanceRefresher) refreshOne(ctx context.Context, p Pair, blockNumber uint64) {
	data, err := erc20ABI.Pack("balanceOf", p.Account)
	if err != nil {
		r.log.Warn("balance refresh: pack balanceOf", "token", p.Token, "err", err)
		return
	}
	out, err := r.client.Call(ctx, p.Token, data, &blockNumber)
	if err != nil {
		if errs.ClassOf(err) != errs.ClassSemantic {
			r.log.Warn("balance refresh: eth_call failed", "token", p.Token, "account", p.Account, "err", err)
		}
		return
	}
	results, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(results) == 0 {
		r.log.Warn("balance refresh: unpack balanceOf", "token", p.Token, "err", err)
		return
	}
	amount, ok := results[0].(*big.Int)
	if !ok {
		return
	}

	if err := r.store.UpsertTokenBalance(ctx, model.TokenBalance{
		AccountAddress:   p.Account,
		TokenAddress:     p.Token,
		Balance:          amount.String(),
		BlockNumber:      blockNumber,
		LastUpdatedBlock: blockNumber,
	}); err != nil {
		r.log.Warn("balance refresh: store write failed", "token", p.Token, "account", p.Account, "err", err)
	}
}
