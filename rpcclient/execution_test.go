package rpcclient

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/shubhamdubey02/ethindexer/ratelimit"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	ID      json.RawMessage `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcErrBody     `json:"error,omitempty"`
}

type rpcErrBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fakeServer answers a fixed set of execution JSON-RPC methods, handling
// both single requests and batches, the same shape go-ethereum's own
// ethclient tests exercise against httptest.Server.
func fakeServer(t *testing.T, handle func(method string, params []json.RawMessage) (interface{}, *rpcErrBody)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var single rpcRequest
		body := json.NewDecoder(r.Body)
		var raw json.RawMessage
		require.NoError(t, body.Decode(&raw))

		var batch []rpcRequest
		if err := json.Unmarshal(raw, &batch); err == nil && len(batch) > 0 && batch[0].Method != "" {
			resps := make([]rpcResponse, 0, len(batch))
			for _, req := range batch {
				result, rpcErr := handle(req.Method, req.Params)
				resps = append(resps, rpcResponse{ID: req.ID, JSONRPC: "2.0", Result: result, Error: rpcErr})
			}
			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(resps))
			return
		}

		require.NoError(t, json.Unmarshal(raw, &single))
		result, rpcErr := handle(single.Method, single.Params)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(rpcResponse{ID: single.ID, JSONRPC: "2.0", Result: result, Error: rpcErr}))
	}))
}

func testGate() *ratelimit.Gate {
	return ratelimit.New(map[ratelimit.Class]ratelimit.Limits{
		ratelimit.ClassExecution: {MaxConcurrent: 4, MinInterval: time.Microsecond},
	})
}

func TestLatestBlockNumber(t *testing.T) {
	srv := fakeServer(t, func(method string, params []json.RawMessage) (interface{}, *rpcErrBody) {
		require.Equal(t, "eth_blockNumber", method)
		return "0x2a", nil
	})
	defer srv.Close()

	c, err := Dial(testCtx(t), srv.URL, testGate(), Config{CallTimeout: time.Second, BatchSize: 10})
	require.NoError(t, err)

	n, err := c.LatestBlockNumber(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, uint64(42), n)
}

func TestBlockReceiptsFallsBackOnMethodNotFound(t *testing.T) {
	receiptJSON := func(hash common.Hash) map[string]interface{} {
		return map[string]interface{}{
			"transactionHash":   hash.Hex(),
			"transactionIndex":  "0x0",
			"blockHash":         common.HexToHash("0xbb").Hex(),
			"blockNumber":       "0x1",
			"cumulativeGasUsed": "0x5208",
			"gasUsed":           "0x5208",
			"contractAddress":   nil,
			"logs":              []interface{}{},
			"logsBloom":         "0x" + common.Bytes2Hex(make([]byte, 256)),
			"status":            "0x1",
			"type":              "0x0",
		}
	}

	srv := fakeServer(t, func(method string, params []json.RawMessage) (interface{}, *rpcErrBody) {
		switch method {
		case "eth_getBlockReceipts":
			return nil, &rpcErrBody{Code: -32601, Message: "method not found"}
		case "eth_getTransactionReceipt":
			var hash common.Hash
			require.NoError(t, json.Unmarshal(params[0], &hash))
			return receiptJSON(hash), nil
		default:
			t.Fatalf("unexpected method %s", method)
			return nil, nil
		}
	})
	defer srv.Close()

	c, err := Dial(testCtx(t), srv.URL, testGate(), Config{CallTimeout: time.Second, BatchSize: 10})
	require.NoError(t, err)

	hashes := []common.Hash{common.HexToHash("0x1"), common.HexToHash("0x2")}
	receipts, err := c.BlockReceipts(testCtx(t), 1, hashes)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	require.Equal(t, hashes[0], receipts[0].TxHash)
	require.Equal(t, hashes[1], receipts[1].TxHash)
}

func TestBlockReceiptsPerTxBoundsFanoutConcurrency(t *testing.T) {
	var inFlight, maxSeen int32
	srv := fakeServer(t, func(method string, params []json.RawMessage) (interface{}, *rpcErrBody) {
		switch method {
		case "eth_getBlockReceipts":
			return nil, &rpcErrBody{Code: -32601, Message: "method not found"}
		case "eth_getTransactionReceipt":
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			var hash common.Hash
			require.NoError(t, json.Unmarshal(params[0], &hash))
			return map[string]interface{}{
				"transactionHash":   hash.Hex(),
				"transactionIndex":  "0x0",
				"blockHash":         common.HexToHash("0xbb").Hex(),
				"blockNumber":       "0x1",
				"cumulativeGasUsed": "0x5208",
				"gasUsed":           "0x5208",
				"contractAddress":   nil,
				"logs":              []interface{}{},
				"logsBloom":         "0x" + common.Bytes2Hex(make([]byte, 256)),
				"status":            "0x1",
				"type":              "0x0",
			}, nil
		default:
			t.Fatalf("unexpected method %s", method)
			return nil, nil
		}
	})
	defer srv.Close()

	c, err := Dial(testCtx(t), srv.URL, testGate(), Config{CallTimeout: 2 * time.Second, BatchSize: 1, MaxConcurrentReceipts: 2})
	require.NoError(t, err)

	hashes := make([]common.Hash, 8)
	for i := range hashes {
		hashes[i] = common.BigToHash(big.NewInt(int64(i + 1)))
	}
	receipts, err := c.BlockReceipts(testCtx(t), 1, hashes)
	require.NoError(t, err)
	require.Len(t, receipts, 8)
	require.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}

func TestBalanceAndCode(t *testing.T) {
	srv := fakeServer(t, func(method string, params []json.RawMessage) (interface{}, *rpcErrBody) {
		switch method {
		case "eth_getBalance":
			return "0x64", nil
		case "eth_getCode":
			return "0x6001600101", nil
		default:
			t.Fatalf("unexpected method %s", method)
			return nil, nil
		}
	})
	defer srv.Close()

	c, err := Dial(testCtx(t), srv.URL, testGate(), Config{CallTimeout: time.Second, BatchSize: 10})
	require.NoError(t, err)

	bal, err := c.Balance(testCtx(t), common.HexToAddress("0xaa"), nil)
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Int64())

	code, err := c.Code(testCtx(t), common.HexToAddress("0xaa"), nil)
	require.NoError(t, err)
	require.NotEmpty(t, code)
}

func TestIsMethodNotFound(t *testing.T) {
	srv := fakeServer(t, func(method string, params []json.RawMessage) (interface{}, *rpcErrBody) {
		return nil, &rpcErrBody{Code: -32601, Message: "the method does not exist"}
	})
	defer srv.Close()

	c, err := Dial(testCtx(t), srv.URL, testGate(), Config{CallTimeout: time.Second, BatchSize: 10})
	require.NoError(t, err)

	_, err = c.blockReceiptsBatched(testCtx(t), 1)
	require.Error(t, err)
	require.True(t, IsMethodNotFound(err))
}
