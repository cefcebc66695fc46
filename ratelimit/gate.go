// Package ratelimit implements the shared throttle used by the execution
// and beacon RPC clients: a per-endpoint-class bound on concurrent in-flight
// requests plus a minimum interval between request starts.
//
// The concurrency bound is a weighted semaphore, the same primitive
// peer/network.go uses for activeAppRequests; the interval bound layers
// golang.org/x/time/rate on top so that acquiring a slot and respecting the
// spacing requirement are two independent, composable waits.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Class identifies an endpoint family sharing one concurrency/interval
// budget. The indexer uses exactly two: execution and beacon.
type Class string

const (
	ClassExecution Class = "execution"
	ClassBeacon    Class = "beacon"
)

// Limits configures one endpoint class.
type Limits struct {
	MaxConcurrent int64
	MinInterval   time.Duration
}

// Handle is returned by Acquire; callers must call Release exactly once,
// typically via defer, regardless of whether the guarded call succeeded.
type Handle struct {
	sem *semaphore.Weighted
}

// Release returns the concurrency slot. Safe to call at most once.
func (h *Handle) Release() {
	if h == nil || h.sem == nil {
		return
	}
	h.sem.Release(1)
}

type endpoint struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu       sync.Mutex
	slowdown time.Time // if non-zero and in the future, interval is doubled
}

// Gate is the process-wide handle constructed once at boot and shared by
// every RPC client. There is no ambient singleton: callers are handed the
// *Gate explicitly.
type Gate struct {
	endpoints map[Class]*endpoint
}

// New builds a Gate with the given per-class limits.
func New(limits map[Class]Limits) *Gate {
	g := &Gate{endpoints: make(map[Class]*endpoint, len(limits))}
	for class, l := range limits {
		interval := l.MinInterval
		if interval <= 0 {
			interval = time.Millisecond
		}
		g.endpoints[class] = &endpoint{
			sem:     semaphore.NewWeighted(maxInt64(l.MaxConcurrent, 1)),
			limiter: rate.NewLimiter(rate.Every(interval), 1),
		}
	}
	return g
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Acquire blocks until a concurrency slot for class is free AND the minimum
// interval since the last request start has elapsed, then returns a Handle
// whose Release gives back the concurrency slot. FIFO among waiters for the
// same class falls out of semaphore.Weighted's own queuing. The concurrency
// slot is taken first; if ctx is cancelled during the rate-limiter wait, the
// slot is released before Acquire returns, so a cancelled wait never leaks
// a slot.
func (g *Gate) Acquire(ctx context.Context, class Class) (*Handle, error) {
	ep, ok := g.endpoints[class]
	if !ok {
		// Unconfigured classes are ungated; callers still get a valid,
		// no-op handle so defer h.Release() is always safe.
		return &Handle{}, nil
	}

	if err := ep.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := ep.limiter.Wait(ctx); err != nil {
		ep.sem.Release(1)
		return nil, err
	}
	return &Handle{sem: ep.sem}, nil
}

// Slowdown doubles the minimum interval for class for the next d. Nothing in
// this module calls it: when an upstream rate-limits a request, the gate's
// interval stays as configured.
func (g *Gate) Slowdown(class Class, d time.Duration) {
	ep, ok := g.endpoints[class]
	if !ok {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	now := time.Now()
	if ep.slowdown.After(now) {
		return // already slowed down; don't stack multiplicatively
	}
	current := ep.limiter.Limit()
	if current <= 0 {
		return
	}
	ep.limiter.SetLimit(current / 2)
	ep.slowdown = now.Add(d)

	go func(ep *endpoint, restore rate.Limit, at time.Time) {
		time.Sleep(time.Until(at))
		ep.mu.Lock()
		defer ep.mu.Unlock()
		if ep.slowdown.Equal(at) {
			ep.limiter.SetLimit(restore)
			ep.slowdown = time.Time{}
		}
	}(ep, current, ep.slowdown)
}
