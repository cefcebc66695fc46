// Package workerpool implements the bounded concurrent block-job executor
// (spec.md §4.G): a fixed number of workers pulling block numbers from a
// bounded channel, each job retried with exponential backoff on transient
// failure and acknowledged or parked on completion.
//
// Grounded on peer/network.go's activeAppRequests/outstandingRequestHandlers
// pattern: a bound on concurrent work, here a fixed worker count. The pool
// keeps no map of in-flight identifiers; each job's outcome is reported
// through the OnAck/OnFail callbacks.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/shubhamdubey02/ethindexer/errs"
)

const (
	backoffBase = 50 * time.Millisecond
	backoffCap  = 5 * time.Second
	maxAttempts = 5
)

// JobFunc processes one block. Implemented by processor.Processor.Process.
type JobFunc func(ctx context.Context, blockNumber uint64) error

// Callbacks lets the orchestrator observe job outcomes without the pool
// importing it back.
type Callbacks struct {
	OnAck  func(blockNumber uint64)
	OnFail func(blockNumber uint64, err error)
}

// Pool is a bounded pool of block-job executors.
type Pool struct {
	size    int
	jobs    chan uint64
	work    JobFunc
	cb      Callbacks
	timeout time.Duration
	log     log.Logger

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New builds a Pool. size is WORKER_POOL_SIZE; queueMultiplier is
// BLOCK_QUEUE_SIZE_MULTIPLIER; timeout is WORKER_TIMEOUT_SECONDS applied
// per attempt.
func New(size, queueMultiplier int, timeout time.Duration, work JobFunc, cb Callbacks) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueMultiplier <= 0 {
		queueMultiplier = 1
	}
	return &Pool{
		size:    size,
		jobs:    make(chan uint64, size*queueMultiplier),
		work:    work,
		cb:      cb,
		timeout: timeout,
		log:     log.New("component", "workerpool"),
	}
}

// Start launches size worker goroutines; it returns immediately.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
}

// QueueCap reports the job channel's capacity, used by the orchestrator to
// bound how far ahead of the checkpoint it enqueues.
func (p *Pool) QueueCap() int {
	return cap(p.jobs)
}

// Submit enqueues blockNumber without blocking. It returns false if the
// queue is full (the orchestrator should retry on its next scheduling
// tick) or the pool is shutting down.
func (p *Pool) Submit(blockNumber uint64) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.jobs <- blockNumber:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting new work and waits up to grace for in-flight
// jobs to finish, then returns regardless (spec §4.H: "wait ... then abort
// and flush").
func (p *Pool) Shutdown(grace time.Duration) {
	p.closed.Store(true)
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.log.Warn("workerpool shutdown grace period exceeded, abandoning in-flight jobs")
	}
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for blockNumber := range p.jobs {
		p.process(ctx, blockNumber)
	}
}

func (p *Pool) process(ctx context.Context, blockNumber uint64) {
	var lastErr error
	backoff := backoffBase

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		jobCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.work(jobCtx, blockNumber)
		cancel()

		if err == nil {
			if p.cb.OnAck != nil {
				p.cb.OnAck(blockNumber)
			}
			return
		}
		lastErr = err

		if !errs.IsRetryable(err) {
			break
		}
		if attempt == maxAttempts {
			break
		}

		p.log.Debug("block job failed, retrying", "number", blockNumber, "attempt", attempt, "err", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = maxAttempts
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}

	if p.cb.OnFail != nil {
		p.cb.OnFail(blockNumber, lastErr)
	}
}
