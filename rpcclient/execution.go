// Package rpcclient provides typed access to the Ethereum execution JSON-RPC
// API (spec.md §4.B), layered on go-ethereum's own rpc.Client/ethclient.Client
// rather than reimplementing JSON-RPC framing. Every call is routed through a
// shared ratelimit.Gate and subject to a per-call deadline.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shubhamdubey02/ethindexer/errs"
	"github.com/shubhamdubey02/ethindexer/ratelimit"
)

// ErrNotFound is returned when the requested block does not exist.
var ErrNotFound = errors.New("rpcclient: not found")

// Config bounds a single call's behavior.
type Config struct {
	CallTimeout time.Duration
	BatchSize   int

	// MaxConcurrentReceipts is MAX_CONCURRENT_TX_RECEIPTS: the ceiling on
	// how many eth_getTransactionReceipt batches a single BlockReceipts
	// call may have in flight at once when falling back to per-tx receipts.
	MaxConcurrentReceipts int64
}

// Client is the execution-layer RPC client.
type Client struct {
	raw  *rpc.Client
	eth  *ethclient.Client
	gate *ratelimit.Gate
	cfg  Config
	log  log.Logger

	receiptFanout *semaphore.Weighted
}

// Dial connects to an execution JSON-RPC endpoint (HTTP or WS URL).
func Dial(ctx context.Context, url string, gate *ratelimit.Gate, cfg Config) (*Client, error) {
	raw, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", url, err)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxConcurrentReceipts <= 0 {
		cfg.MaxConcurrentReceipts = 4
	}
	return &Client{
		raw:           raw,
		eth:           ethclient.NewClient(raw),
		gate:          gate,
		cfg:           cfg,
		log:           log.New("component", "rpcclient.execution"),
		receiptFanout: semaphore.NewWeighted(cfg.MaxConcurrentReceipts),
	}, nil
}

func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

func (c *Client) acquire(ctx context.Context) (*ratelimit.Handle, error) {
	return c.gate.Acquire(ctx, ratelimit.ClassExecution)
}

// classify turns a raw transport/RPC error into the errs taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ethereum.NotFound) {
		return errs.Semantic(op, ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Transient(op, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		// Negative codes in the -32000 range are server errors (including
		// "method not found", "missing trie node", rate limiting); treat
		// them as transient so the caller can fall back / retry, except
		// literal "method not found" which callers detect explicitly via
		// IsMethodNotFound.
		return errs.Transient(op, err)
	}
	return errs.Transient(op, err)
}

// IsMethodNotFound reports whether err indicates the endpoint doesn't
// support the called method (used to trigger the get_block_receipts →
// per-tx-receipt fallback).
func IsMethodNotFound(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode() == -32601
	}
	return false
}

// LatestBlockNumber implements eth_blockNumber.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	h, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer h.Release()

	cctx, cancel := c.withDeadline(ctx)
	defer cancel()

	n, err := c.eth.BlockNumber(cctx)
	if err != nil {
		return 0, classify("eth_blockNumber", err)
	}
	return n, nil
}

// BlockByNumber implements eth_getBlockByNumber with fullTx always true: the
// block processor needs full transaction objects, never just hashes.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	h, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	cctx, cancel := c.withDeadline(ctx)
	defer cancel()

	block, err := c.eth.BlockByNumber(cctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, classify("eth_getBlockByNumber", err)
	}
	return block, nil
}

// BlockReceipts implements eth_getBlockReceipts, falling back to per-tx
// eth_getTransactionReceipt whenever the batched call fails, an unsupported
// method included, per spec §4.B.
func (c *Client) BlockReceipts(ctx context.Context, number uint64, txHashes []common.Hash) ([]*types.Receipt, error) {
	receipts, err := c.blockReceiptsBatched(ctx, number)
	if err == nil {
		return receipts, nil
	}
	if !IsMethodNotFound(err) {
		c.log.Debug("eth_getBlockReceipts failed, falling back to per-tx receipts", "number", number, "err", err)
	}
	return c.blockReceiptsPerTx(ctx, txHashes)
}

func (c *Client) blockReceiptsBatched(ctx context.Context, number uint64) ([]*types.Receipt, error) {
	h, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	cctx, cancel := c.withDeadline(ctx)
	defer cancel()

	var raw []*types.Receipt
	err = c.raw.CallContext(cctx, &raw, "eth_getBlockReceipts", toBlockNumArg(number))
	if err != nil {
		return nil, classify("eth_getBlockReceipts", err)
	}
	return raw, nil
}

// blockReceiptsPerTx splits txHashes into RPC_BATCH_SIZE-sized batches and
// issues them concurrently, bounded by MAX_CONCURRENT_TX_RECEIPTS so one
// large block can't monopolize the client's receipt fan-out budget.
func (c *Client) blockReceiptsPerTx(ctx context.Context, txHashes []common.Hash) ([]*types.Receipt, error) {
	receipts := make([]*types.Receipt, len(txHashes))

	batchSize := c.cfg.BatchSize
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(txHashes); start += batchSize {
		start := start
		end := start + batchSize
		if end > len(txHashes) {
			end = len(txHashes)
		}
		if err := c.receiptFanout.Acquire(gctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer c.receiptFanout.Release(1)
			return c.batchReceipts(gctx, txHashes[start:end], receipts[start:end])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return receipts, nil
}

// batchReceipts issues up to RPC_BATCH_SIZE eth_getTransactionReceipt calls
// combined into a single JSON-RPC batch; each sub-result lands in its own
// slot in out, per spec §4.B's batching policy.
func (c *Client) batchReceipts(ctx context.Context, hashes []common.Hash, out []*types.Receipt) error {
	if len(hashes) == 0 {
		return nil
	}
	h, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	cctx, cancel := c.withDeadline(ctx)
	defer cancel()

	elems := make([]rpc.BatchElem, len(hashes))
	for i, hash := range hashes {
		out[i] = new(types.Receipt)
		elems[i] = rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []interface{}{hash},
			Result: out[i],
		}
	}
	if err := c.raw.BatchCallContext(cctx, elems); err != nil {
		return classify("eth_getTransactionReceipt(batch)", err)
	}
	for i, el := range elems {
		if el.Error != nil {
			return classify("eth_getTransactionReceipt", el.Error)
		}
		if out[i] == nil || out[i].TxHash == (common.Hash{}) {
			return errs.Transient("eth_getTransactionReceipt", fmt.Errorf("missing receipt for mined tx %s", hashes[i]))
		}
	}
	return nil
}

// Balance implements eth_getBalance. blockNumber nil means "latest".
func (c *Client) Balance(ctx context.Context, addr common.Address, blockNumber *uint64) (*big.Int, error) {
	h, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	cctx, cancel := c.withDeadline(ctx)
	defer cancel()

	bal, err := c.eth.BalanceAt(cctx, addr, blockBig(blockNumber))
	if err != nil {
		return nil, classify("eth_getBalance", err)
	}
	return bal, nil
}

// Code implements eth_getCode, used to distinguish EOAs from contracts.
func (c *Client) Code(ctx context.Context, addr common.Address, blockNumber *uint64) ([]byte, error) {
	h, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	cctx, cancel := c.withDeadline(ctx)
	defer cancel()

	code, err := c.eth.CodeAt(cctx, addr, blockBig(blockNumber))
	if err != nil {
		return nil, classify("eth_getCode", err)
	}
	return code, nil
}

// Call implements eth_call, used for ERC-20/721/1155 metadata and balance
// reads against a deployed contract.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte, blockNumber *uint64) ([]byte, error) {
	h, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	cctx, cancel := c.withDeadline(ctx)
	defer cancel()

	out, err := c.eth.CallContract(cctx, ethereum.CallMsg{To: &to, Data: data}, blockBig(blockNumber))
	if err != nil {
		return nil, classify("eth_call", err)
	}
	return out, nil
}

func blockBig(n *uint64) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).SetUint64(*n)
}

func toBlockNumArg(number uint64) string {
	return hexutil.EncodeUint64(number)
}
