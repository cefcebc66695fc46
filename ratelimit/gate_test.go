package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGateBoundsConcurrency(t *testing.T) {
	g := New(map[Class]Limits{
		ClassExecution: {MaxConcurrent: 2, MinInterval: time.Millisecond},
	})

	var inFlight int32
	var maxSeen int32
	done := make(chan struct{}, 10)

	for i := 0; i < 10; i++ {
		go func() {
			h, err := g.Acquire(context.Background(), ClassExecution)
			require.NoError(t, err)
			defer h.Release()

			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxSeen)
				if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			done <- struct{}{}
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
	require.LessOrEqual(t, int(maxSeen), 2)
}

func TestGateEnforcesMinInterval(t *testing.T) {
	g := New(map[Class]Limits{
		ClassExecution: {MaxConcurrent: 5, MinInterval: 50 * time.Millisecond},
	})

	var last time.Time
	for i := 0; i < 4; i++ {
		h, err := g.Acquire(context.Background(), ClassExecution)
		require.NoError(t, err)
		now := time.Now()
		if i > 0 {
			require.GreaterOrEqual(t, now.Sub(last), 45*time.Millisecond)
		}
		last = now
		h.Release()
	}
}

func TestGateUnconfiguredClassIsNoop(t *testing.T) {
	g := New(nil)
	h, err := g.Acquire(context.Background(), ClassBeacon)
	require.NoError(t, err)
	h.Release()
	h.Release() // safe to call more than once on a no-op handle
}

func TestGateReleasesOnCancel(t *testing.T) {
	g := New(map[Class]Limits{
		ClassExecution: {MaxConcurrent: 1, MinInterval: time.Millisecond},
	})
	h, err := g.Acquire(context.Background(), ClassExecution)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Acquire(ctx, ClassExecution)
	require.Error(t, err)

	h.Release()
	h2, err := g.Acquire(context.Background(), ClassExecution)
	require.NoError(t, err)
	h2.Release()
}
