// Package testutil holds fixtures shared across the ingestion packages'
// test suites: a fake execution client and a fake store, grounded on
// utils/snow.go's "one fully-populated fixture, built once, reused by every
// test file that needs it" idiom (there: TestSnowContext for an
// avalanchego snow.Context; here: a fake JSON-RPC-shaped execution client
// and store).
package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/shubhamdubey02/ethindexer/errs"
	"github.com/shubhamdubey02/ethindexer/model"
)

// FakeExecutionClient implements processor.ExecutionClient over an
// in-memory map of pre-built blocks and receipts.
type FakeExecutionClient struct {
	mu       sync.Mutex
	Blocks   map[uint64]*types.Block
	Receipts map[uint64][]*types.Receipt
	Balance_ *big.Int
	Code_    []byte
	CodeErr  error
}

// NewFakeExecutionClient builds an empty fixture; populate Blocks/Receipts
// directly before use.
func NewFakeExecutionClient() *FakeExecutionClient {
	return &FakeExecutionClient{
		Blocks:   make(map[uint64]*types.Block),
		Receipts: make(map[uint64][]*types.Receipt),
	}
}

func (f *FakeExecutionClient) BlockByNumber(_ context.Context, number uint64) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Blocks[number]
	if !ok {
		return nil, errs.Semantic("testutil.block_by_number", fmt.Errorf("no block %d", number))
	}
	return b, nil
}

func (f *FakeExecutionClient) BlockReceipts(_ context.Context, number uint64, _ []common.Hash) ([]*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Receipts[number], nil
}

func (f *FakeExecutionClient) Balance(_ context.Context, _ common.Address, _ *uint64) (*big.Int, error) {
	if f.Balance_ == nil {
		return big.NewInt(0), nil
	}
	return f.Balance_, nil
}

func (f *FakeExecutionClient) Code(_ context.Context, _ common.Address, _ *uint64) ([]byte, error) {
	return f.Code_, f.CodeErr
}

func (f *FakeExecutionClient) LatestBlockNumber(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max uint64
	for n := range f.Blocks {
		if n > max {
			max = n
		}
	}
	return max, nil
}

// FakeStore implements processor.StoreWriter over an in-memory slice of
// committed batches, for tests that only need to assert on what got
// committed rather than exercise real SQL.
type FakeStore struct {
	mu      sync.Mutex
	Blocks  map[uint64]model.Block
	Batches []model.BlockBatch
}

func NewFakeStore() *FakeStore {
	return &FakeStore{Blocks: make(map[uint64]model.Block)}
}

func (s *FakeStore) UpsertBlock(_ context.Context, batch model.BlockBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Batches = append(s.Batches, batch)
	s.Blocks[batch.Block.Number] = batch.Block
	return nil
}

func (s *FakeStore) GetBlock(_ context.Context, number uint64) (*model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.Blocks[number]
	if !ok {
		return nil, errs.Semantic("testutil.get_block", fmt.Errorf("no block %d", number))
	}
	return &b, nil
}
