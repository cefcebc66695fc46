// Package processor implements the Block Processor (spec.md §4.F): the
// per-block enrichment routine that merges execution and consensus data and
// derives every secondary entity before one atomic Store commit.
//
// Grounded on miner/worker.go almost directly: its `environment` struct,
// which accumulates `txs`/`receipts`/`size` while building a block, becomes
// `blockWork`, which accumulates the same shapes while *ingesting* one; its
// `commit`/`handleResult` pair (assemble the sealed block, log the outcome)
// becomes the Store commit at the end of processOnce plus `logOutcome`
// below; its single-level reorg awareness
// (checking `w.chain.HasBlock` before committing) grounds the parent-hash
// mismatch handling in Process.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/VictoriaMetrics/fastcache"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"golang.org/x/sync/semaphore"

	"github.com/shubhamdubey02/ethindexer/errs"
	"github.com/shubhamdubey02/ethindexer/model"
	"github.com/shubhamdubey02/ethindexer/rpcclient"
	"github.com/shubhamdubey02/ethindexer/tokens"
)

// ExecutionClient is the subset of rpcclient.Client the processor needs.
type ExecutionClient interface {
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	BlockReceipts(ctx context.Context, number uint64, txHashes []common.Hash) ([]*types.Receipt, error)
	Balance(ctx context.Context, addr common.Address, blockNumber *uint64) (*big.Int, error)
	Code(ctx context.Context, addr common.Address, blockNumber *uint64) ([]byte, error)
}

// BeaconClient is the subset of beaconclient.Client the processor needs.
// Beacon enrichment is best-effort: with a nil BeaconClient, or on any error
// from it, Block.Beacon carries only a Slot and Epoch estimated from the
// block timestamp, and its other fields stay zero.
type BeaconClient interface {
	BlockByExecutionHash(ctx context.Context, execHash common.Hash, blockTimestamp uint64) (*model.BeaconInfo, error)
}

// StoreWriter is the subset of store.Store the processor needs.
type StoreWriter interface {
	UpsertBlock(ctx context.Context, batch model.BlockBatch) error
	GetBlock(ctx context.Context, number uint64) (*model.Block, error)
}

// Processor turns block numbers into committed Store rows.
type Processor struct {
	exec   ExecutionClient
	beacon BeaconClient
	store  StoreWriter

	metadata  *tokens.MetadataService
	tokenCode *tokens.CodeCache
	balances  *tokens.BalanceRefresher

	accountFanout    *semaphore.Weighted
	accountTypeCache *fastcache.Cache // address bytes -> 1 (contract) or 0 (EOA)

	log log.Logger
}

// Config bounds the processor's per-block fan-out.
type Config struct {
	MaxConcurrentBalanceFetches int64
	AccountTypeCacheBytes       int
}

// New builds a Processor. beacon may be nil, meaning beacon enrichment is
// disabled entirely.
func New(exec ExecutionClient, beacon BeaconClient, store StoreWriter, metadata *tokens.MetadataService, tokenCode *tokens.CodeCache, balances *tokens.BalanceRefresher, cfg Config) *Processor {
	fanout := cfg.MaxConcurrentBalanceFetches
	if fanout <= 0 {
		fanout = 8
	}
	cacheBytes := cfg.AccountTypeCacheBytes
	if cacheBytes <= 0 {
		cacheBytes = 32 * 1024 * 1024
	}
	return &Processor{
		exec:          exec,
		beacon:        beacon,
		store:         store,
		metadata:      metadata,
		tokenCode:     tokenCode,
		balances:      balances,
		accountFanout:    semaphore.NewWeighted(fanout),
		accountTypeCache: fastcache.New(cacheBytes),
		log:              log.New("component", "processor"),
	}
}

// blockWork accumulates everything derived from one block before the final
// atomic commit, mirroring miner/worker.go's environment struct.
type blockWork struct {
	number   uint64
	block    *types.Block
	receipts []*types.Receipt

	txs            []model.Transaction
	logs           []model.Log
	withdrawals    []model.Withdrawal
	tokenTransfers []model.TokenTransfer
	accounts       []model.AccountUpdate
}

// Process implements workerpool.JobFunc: fetch, derive, commit one block.
func (p *Processor) Process(ctx context.Context, number uint64) error {
	return p.processOnce(ctx, number, false)
}

func (p *Processor) processOnce(ctx context.Context, number uint64, isReorgRetry bool) error {
	block, err := p.exec.BlockByNumber(ctx, number)
	if err != nil {
		if errIsNotFound(err) {
			// Absence right at the tip is typically propagation delay, not
			// a permanent gap: let the worker pool retry.
			return errs.Transient("processor.fetch_block", err)
		}
		return err
	}

	if !isReorgRetry {
		if err := p.checkReorg(ctx, number, block); err != nil {
			return err
		}
	}

	txHashes := make([]common.Hash, len(block.Transactions()))
	for i, tx := range block.Transactions() {
		txHashes[i] = tx.Hash()
	}
	receipts, err := p.exec.BlockReceipts(ctx, number, txHashes)
	if err != nil {
		return err
	}
	if len(receipts) != len(txHashes) {
		return errs.Transient("processor.block_receipts", fmt.Errorf("block %d: got %d receipts for %d txs", number, len(receipts), len(txHashes)))
	}

	w := &blockWork{number: number, block: block, receipts: receipts}
	p.buildTransactionsAndLogs(w)
	p.buildWithdrawals(w)

	beaconInfo := p.fetchBeacon(ctx, block)

	if err := p.deriveTokenTransfers(ctx, w); err != nil {
		return err
	}
	if err := p.deriveAccounts(ctx, w); err != nil {
		return err
	}

	batch := model.BlockBatch{
		Block:          p.buildBlockRow(block, beaconInfo, w),
		Transactions:   w.txs,
		Logs:           w.logs,
		Withdrawals:    w.withdrawals,
		TokenTransfers: w.tokenTransfers,
		AccountUpdates: w.accounts,
	}

	if err := p.store.UpsertBlock(ctx, batch); err != nil {
		return err
	}

	p.logOutcome(w)
	p.scheduleBalanceRefresh(ctx, w)
	return nil
}

// checkReorg implements spec §4.F's single-level reorg handling: if the
// fetched block's parent_hash doesn't match the stored parent, re-ingest
// n-1 once before letting the caller (workerpool) retry n.
func (p *Processor) checkReorg(ctx context.Context, number uint64, block *types.Block) error {
	if number == 0 {
		return nil
	}
	stored, err := p.store.GetBlock(ctx, number-1)
	if err != nil {
		if errs.ClassOf(err) == errs.ClassSemantic {
			return nil // parent not indexed yet, nothing to reconcile against
		}
		return err
	}
	if stored.Hash == block.ParentHash() {
		return nil
	}

	p.log.Warn("reorg detected, re-processing parent", "block", number, "expected_parent", stored.Hash, "got_parent", block.ParentHash())
	if err := p.processOnce(ctx, number-1, true); err != nil {
		return err
	}
	return errs.Reorg("processor.check_reorg", fmt.Errorf("block %d: parent hash mismatch, retry after re-processing %d", number, number-1))
}

func errIsNotFound(err error) bool {
	return errors.Is(err, rpcclient.ErrNotFound)
}

func (p *Processor) buildTransactionsAndLogs(w *blockWork) {
	receiptByHash := make(map[common.Hash]*types.Receipt, len(w.receipts))
	for _, r := range w.receipts {
		receiptByHash[r.TxHash] = r
	}

	globalLogIndex := uint(0)
	for i, tx := range w.block.Transactions() {
		receipt := receiptByHash[tx.Hash()]
		var to *common.Address
		if tx.To() != nil {
			a := *tx.To()
			to = &a
		}
		from, _ := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)

		var status uint8
		var gasUsed uint64
		if receipt != nil {
			status = uint8(receipt.Status)
			gasUsed = receipt.GasUsed
		}

		w.txs = append(w.txs, model.Transaction{
			Hash:             tx.Hash(),
			BlockNumber:      w.number,
			From:             from,
			To:               to,
			Value:            tx.Value().String(),
			GasUsed:          gasUsed,
			GasPrice:         tx.GasPrice().String(),
			Status:           status,
			TransactionIndex: uint(i),
			Input:            tx.Data(),
			Nonce:            tx.Nonce(),
		})

		if receipt == nil {
			continue
		}
		for _, l := range receipt.Logs {
			w.logs = append(w.logs, model.Log{
				ID:              uuid.NewString(),
				TransactionHash: tx.Hash(),
				BlockNumber:     w.number,
				Address:         l.Address,
				Topics:          topicsArray(l.Topics),
				Data:            l.Data,
				LogIndex:        globalLogIndex,
			})
			globalLogIndex++
		}
	}
}

func topicsArray(topics []common.Hash) [4]*common.Hash {
	var out [4]*common.Hash
	for i := 0; i < len(topics) && i < 4; i++ {
		h := topics[i]
		out[i] = &h
	}
	return out
}

func (p *Processor) buildWithdrawals(w *blockWork) {
	withdrawals := w.block.Withdrawals()
	for _, wd := range withdrawals {
		w.withdrawals = append(w.withdrawals, model.Withdrawal{
			ID:              uuid.NewString(),
			BlockNumber:     w.number,
			WithdrawalIndex: wd.Index,
			ValidatorIndex:  wd.Validator,
			Address:         wd.Address,
			AmountGwei:      wd.Amount,
		})
	}
}

func (p *Processor) fetchBeacon(ctx context.Context, block *types.Block) *model.BeaconInfo {
	if p.beacon == nil {
		return nil
	}
	info, err := p.beacon.BlockByExecutionHash(ctx, block.Hash(), block.Time())
	if err != nil {
		p.log.Debug("beacon enrichment unavailable, proceeding execution-only", "block", block.NumberU64(), "err", err)
		return nil
	}
	return info
}

const (
	mainnetGenesisTimestamp = 1606824023
	secondsPerSlot          = 12
	slotsPerEpoch           = 32
)

func (p *Processor) buildBlockRow(block *types.Block, beacon *model.BeaconInfo, w *blockWork) model.Block {
	var baseFee string
	if block.BaseFee() != nil {
		baseFee = block.BaseFee().String()
	}
	var withdrawalsRoot *common.Hash
	if block.Header().WithdrawalsHash != nil {
		h := *block.Header().WithdrawalsHash
		withdrawalsRoot = &h
	}

	b := model.Block{
		Number:          w.number,
		Hash:            block.Hash(),
		ParentHash:      block.ParentHash(),
		Timestamp:       block.Time(),
		GasUsed:         block.GasUsed(),
		GasLimit:        block.GasLimit(),
		TxCount:         len(w.txs),
		Miner:           block.Coinbase(),
		BaseFeePerGas:   baseFee,
		SizeBytes:       block.Size(),
		ExtraData:       block.Extra(),
		StateRoot:       block.Root(),
		Nonce:           block.Nonce(),
		WithdrawalsRoot: withdrawalsRoot,
		WithdrawalCount: len(w.withdrawals),
		BlobGasUsed:     block.BlobGasUsed(),
		ExcessBlobGas:   block.ExcessBlobGas(),
		Beacon:          beacon,
	}
	if beacon == nil {
		slot := (block.Time() - mainnetGenesisTimestamp) / secondsPerSlot
		b.Beacon = &model.BeaconInfo{Slot: slot, Epoch: slot / slotsPerEpoch}
	}
	return b
}

func (p *Processor) deriveTokenTransfers(ctx context.Context, w *blockWork) error {
	hasCode := func(addr common.Address) bool {
		if p.tokenCode == nil {
			return true
		}
		return p.tokenCode.HasCode(ctx, addr)
	}
	w.tokenTransfers = tokens.DeriveTransfers(w.logs, hasCode)

	if p.metadata == nil {
		return nil
	}
	seen := make(map[common.Address]bool)
	for _, tr := range w.tokenTransfers {
		if seen[tr.TokenAddress] {
			continue
		}
		seen[tr.TokenAddress] = true
		p.metadata.Fetch(ctx, tr.TokenAddress, tr.TokenType, w.number)
	}
	return nil
}

func (p *Processor) deriveAccounts(ctx context.Context, w *blockWork) error {
	touched := mapset.NewThreadUnsafeSet[common.Address]()
	newTxByAddr := make(map[common.Address]bool)

	for _, tx := range w.txs {
		touched.Add(tx.From)
		newTxByAddr[tx.From] = true
		if tx.To != nil {
			touched.Add(*tx.To)
			newTxByAddr[*tx.To] = true
		}
	}
	touched.Add(w.block.Coinbase())
	for _, wd := range w.withdrawals {
		touched.Add(wd.Address)
	}

	for addr := range touched.Iter() {
		balance, err := p.fetchBalance(ctx, addr, w.number)
		if err != nil {
			p.log.Warn("account balance fetch failed", "address", addr, "err", err)
			continue
		}
		accType := p.accountType(ctx, addr)
		w.accounts = append(w.accounts, model.AccountUpdate{
			Address:     addr,
			Balance:     balance,
			BlockNumber: w.number,
			IsNewTx:     newTxByAddr[addr],
			AccountType: accType,
		})
	}
	return nil
}

func (p *Processor) fetchBalance(ctx context.Context, addr common.Address, number uint64) (string, error) {
	if err := p.accountFanout.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.accountFanout.Release(1)

	bal, err := p.exec.Balance(ctx, addr, &number)
	if err != nil {
		return "", err
	}
	return bal.String(), nil
}

func (p *Processor) accountType(ctx context.Context, addr common.Address) model.AccountType {
	key := addr.Bytes()
	if v, ok := p.accountTypeCache.HasGet(nil, key); ok {
		if len(v) == 1 && v[0] == 1 {
			return model.AccountTypeContract
		}
		return model.AccountTypeEOA
	}

	code, err := p.exec.Code(ctx, addr, nil)
	isContract := err == nil && len(code) > 0

	var b byte
	if isContract {
		b = 1
	}
	p.accountTypeCache.Set(key, []byte{b})

	if isContract {
		return model.AccountTypeContract
	}
	return model.AccountTypeEOA
}

func (p *Processor) logOutcome(w *blockWork) {
	var totalFees uint256.Int
	for _, tx := range w.txs {
		gasPriceBig, ok := new(big.Int).SetString(tx.GasPrice, 10)
		if !ok {
			continue
		}
		gasPrice, overflow := uint256.FromBig(gasPriceBig)
		if overflow {
			continue
		}
		gasUsed := uint256.NewInt(tx.GasUsed)
		var fee uint256.Int
		fee.Mul(gasUsed, gasPrice)
		totalFees.Add(&totalFees, &fee)
	}
	p.log.Info("indexed block", "number", w.number, "hash", w.block.Hash(), "txs", len(w.txs),
		"logs", len(w.logs), "withdrawals", len(w.withdrawals), "token_transfers", len(w.tokenTransfers),
		"accounts", len(w.accounts), "fees_wei", totalFees.String())
}

func (p *Processor) scheduleBalanceRefresh(ctx context.Context, w *blockWork) {
	if p.balances == nil || len(w.tokenTransfers) == 0 {
		return
	}
	seen := make(map[tokens.Pair]bool)
	var pairs []tokens.Pair
	add := func(acct, token common.Address) {
		pair := tokens.Pair{Account: acct, Token: token}
		if seen[pair] {
			return
		}
		seen[pair] = true
		pairs = append(pairs, pair)
	}
	for _, tr := range w.tokenTransfers {
		add(tr.From, tr.TokenAddress)
		add(tr.To, tr.TokenAddress)
	}
	p.balances.Schedule(ctx, pairs, w.number)
}
