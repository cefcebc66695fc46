package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTip struct {
	mu  sync.Mutex
	tip uint64
}

func (f *fakeTip) LatestBlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *fakeTip) setTip(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tip = n
}

type fakeCheckpointStore struct {
	mu         sync.Mutex
	startBlock int64
	checkpoint int64
	hasRow     bool
	highest    int64
	sets       []int64
}

func (s *fakeCheckpointStore) InitCheckpoint(_ context.Context, startBlock, checkpoint int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasRow {
		return nil
	}
	s.startBlock = startBlock
	s.checkpoint = checkpoint
	s.hasRow = true
	return nil
}

func (s *fakeCheckpointStore) GetCheckpoint(context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint, s.hasRow, nil
}

func (s *fakeCheckpointStore) SetCheckpoint(_ context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = append(s.sets, n)
	if n > s.checkpoint {
		s.checkpoint = n
	}
	return nil
}

func (s *fakeCheckpointStore) HighestContiguousBlock(_ context.Context, from int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.highest < from-1 {
		return from - 1, nil
	}
	return s.highest, nil
}

type fakeSubmitter struct {
	mu        sync.Mutex
	queueCap  int
	submitted []uint64
	accept    bool
}

func newFakeSubmitter(queueCap int) *fakeSubmitter {
	return &fakeSubmitter{queueCap: queueCap, accept: true}
}

func (s *fakeSubmitter) Submit(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accept {
		return false
	}
	s.submitted = append(s.submitted, n)
	return true
}

func (s *fakeSubmitter) QueueCap() int {
	return s.queueCap
}

func (s *fakeSubmitter) submittedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

func TestInitResolvesRelativeStartBlock(t *testing.T) {
	tip := &fakeTip{tip: 1000}
	store := &fakeCheckpointStore{}
	pool := newFakeSubmitter(10)
	o := New(tip, store, pool, Config{StartBlock: -100})

	require.NoError(t, o.Init(context.Background()))
	require.Equal(t, int64(899), o.Checkpoint()) // tip(1000) - 100 - 1
}

func TestInitResolvesAbsoluteStartBlock(t *testing.T) {
	tip := &fakeTip{tip: 1000}
	store := &fakeCheckpointStore{}
	pool := newFakeSubmitter(10)
	o := New(tip, store, pool, Config{StartBlock: 50})

	require.NoError(t, o.Init(context.Background()))
	require.Equal(t, int64(49), o.Checkpoint())
}

func TestInitRecoversGapOnRestart(t *testing.T) {
	tip := &fakeTip{tip: 1000}
	store := &fakeCheckpointStore{hasRow: true, checkpoint: 99, highest: 150}
	pool := newFakeSubmitter(10)
	o := New(tip, store, pool, Config{})

	require.NoError(t, o.Init(context.Background()))
	require.Equal(t, int64(150), o.Checkpoint())
}

func TestCycleEnqueuesUpToTip(t *testing.T) {
	tip := &fakeTip{tip: 103}
	store := &fakeCheckpointStore{hasRow: true, checkpoint: 99, highest: 99}
	pool := newFakeSubmitter(10)
	o := New(tip, store, pool, Config{})
	require.NoError(t, o.Init(context.Background()))

	require.NoError(t, o.cycle(context.Background()))
	require.Equal(t, []uint64{100, 101, 102, 103}, pool.submitted)
}

func TestCycleRespectsQueueCap(t *testing.T) {
	tip := &fakeTip{tip: 1000}
	store := &fakeCheckpointStore{hasRow: true, checkpoint: 99, highest: 99}
	pool := newFakeSubmitter(3)
	o := New(tip, store, pool, Config{})
	require.NoError(t, o.Init(context.Background()))

	require.NoError(t, o.cycle(context.Background()))
	require.Len(t, pool.submitted, 3)
}

func TestCheckpointAdvancesOnlyOverContiguousAcks(t *testing.T) {
	tip := &fakeTip{tip: 1000}
	store := &fakeCheckpointStore{hasRow: true, checkpoint: 99, highest: 99}
	pool := newFakeSubmitter(10)
	o := New(tip, store, pool, Config{})
	require.NoError(t, o.Init(context.Background()))
	require.NoError(t, o.cycle(context.Background()))

	cb := o.Callbacks()
	// Out-of-order acks: 102 and 101 complete before 100.
	cb.OnAck(102)
	require.Eventually(t, func() bool { return o.Checkpoint() == 99 }, time.Second, time.Millisecond)
	cb.OnAck(101)
	require.Eventually(t, func() bool { return o.Checkpoint() == 99 }, time.Second, time.Millisecond)
	cb.OnAck(100)
	require.Eventually(t, func() bool { return o.Checkpoint() == 102 }, time.Second, time.Millisecond)
}

func TestOnFailParksBlockAndClearsInflight(t *testing.T) {
	tip := &fakeTip{tip: 1000}
	store := &fakeCheckpointStore{hasRow: true, checkpoint: 99, highest: 99}
	pool := newFakeSubmitter(10)
	o := New(tip, store, pool, Config{})
	require.NoError(t, o.Init(context.Background()))
	require.NoError(t, o.cycle(context.Background()))

	cb := o.Callbacks()
	cb.OnFail(100, context.DeadlineExceeded)

	o.mu.Lock()
	_, stillInflight := o.inflight[100]
	o.mu.Unlock()
	require.False(t, stillInflight)
	require.Equal(t, int64(99), o.Checkpoint())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tip := &fakeTip{tip: 100}
	store := &fakeCheckpointStore{}
	pool := newFakeSubmitter(10)
	o := New(tip, store, pool, Config{FetchInterval: time.Millisecond})
	require.NoError(t, o.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
