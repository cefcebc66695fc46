package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	latest      int64
	blocks      int64
	txs         int64
	accounts    int64
	totalBefore *int64
}

func (f *fakeStore) LatestIndexedBlock(context.Context) (int64, error) { return f.latest, nil }
func (f *fakeStore) CountBlocksAndTxs(context.Context) (int64, int64, error) {
	return f.blocks, f.txs, nil
}
func (f *fakeStore) CountAccounts(context.Context) (int64, error) { return f.accounts, nil }
func (f *fakeStore) StartBlockCache(context.Context) (int64, *int64, error) {
	return 0, f.totalBefore, nil
}

func TestRecomputeProducesConsistentSnapshot(t *testing.T) {
	before := int64(500)
	store := &fakeStore{latest: 100, blocks: 101, txs: 300, accounts: 42, totalBefore: &before}
	a := NewAggregator(store, time.Hour)

	require.NoError(t, a.recompute(context.Background()))
	snap := a.Snapshot()

	require.Equal(t, uint64(1), snap.SnapshotID)
	require.Equal(t, int64(100), snap.LatestIndexedBlock)
	require.Equal(t, int64(101), snap.TotalIndexedBlocks)
	require.Equal(t, int64(300), snap.TotalIndexedTxs)
	require.Equal(t, int64(800), snap.TotalBlockchainTransactions)
	require.Equal(t, int64(42), snap.TotalAccounts)
	require.Equal(t, StatusRunning, snap.Status)
	require.Nil(t, snap.Load)
}

func TestSnapshotIDMonotonicallyIncreases(t *testing.T) {
	store := &fakeStore{}
	a := NewAggregator(store, time.Hour)

	require.NoError(t, a.recompute(context.Background()))
	first := a.Snapshot().SnapshotID
	require.NoError(t, a.recompute(context.Background()))
	second := a.Snapshot().SnapshotID
	require.Greater(t, second, first)
}

func TestRecordParkedDegradesStatus(t *testing.T) {
	store := &fakeStore{}
	a := NewAggregator(store, time.Hour)
	a.RecordParked()

	require.NoError(t, a.recompute(context.Background()))
	snap := a.Snapshot()
	require.Equal(t, StatusDegraded, snap.Status)
	require.Equal(t, int64(1), snap.ParkedBlocks)
	require.NotNil(t, snap.Load)
}

func TestRecordFatalStopsStatusEvenWithoutParking(t *testing.T) {
	store := &fakeStore{}
	a := NewAggregator(store, time.Hour)
	a.RecordFatal()

	require.NoError(t, a.recompute(context.Background()))
	snap := a.Snapshot()
	require.Equal(t, StatusStopped, snap.Status)
	require.NotNil(t, snap.Load)
}

func TestRecordFatalOverridesDegraded(t *testing.T) {
	store := &fakeStore{}
	a := NewAggregator(store, time.Hour)
	a.RecordParked()
	a.RecordFatal()

	require.NoError(t, a.recompute(context.Background()))
	require.Equal(t, StatusStopped, a.Snapshot().Status)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	a := NewAggregator(store, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
