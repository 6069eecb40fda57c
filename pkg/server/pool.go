package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/fsserver/internal/logger"
	"github.com/marmos91/fsserver/internal/protocol"
	"github.com/marmos91/fsserver/pkg/metrics"
)

// MaxThreads is the hard cap on worker goroutines.
const MaxThreads = 80

// HandlerFunc processes one request on a worker.
type HandlerFunc func(ctx context.Context, req *protocol.Request, worker int)

// Pool runs request handlers on a growable set of workers fed by a Queue.
//
// Workers are started by Start and added one at a time by Grow, which only
// the reader goroutine calls. The worker list is guarded by its own mutex,
// distinct from the queue lock.
type Pool struct {
	queue   *Queue
	handle  HandlerFunc
	limit   int
	metrics metrics.ServerMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers int
	wg      sync.WaitGroup

	busy atomic.Int32
}

// NewPool creates a pool. limit is clamped to [1, MaxThreads].
func NewPool(queue *Queue, limit int, handle HandlerFunc, m metrics.ServerMetrics) *Pool {
	if limit <= 0 {
		limit = 1
	}
	if limit > MaxThreads {
		limit = MaxThreads
	}
	return &Pool{
		queue:   queue,
		handle:  handle,
		limit:   limit,
		metrics: m,
	}
}

// Start launches n workers. The worker context is detached from ctx so a
// cancelled read loop does not abort handlers in flight; Stop cancels it
// once the grace period is over.
func (p *Pool) Start(ctx context.Context, n int) {
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < n; i++ {
		if !p.spawn() {
			break
		}
	}
	logger.Info("Started response workers", logger.KeyWorkers, p.Size())
}

func (p *Pool) spawn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers >= p.limit {
		return false
	}
	no := p.workers
	p.workers++
	p.wg.Add(1)
	go p.run(no)

	if p.metrics != nil {
		p.metrics.SetWorkers(p.workers)
	}
	logger.Debug("Starting worker", logger.KeyWorker, no)
	return true
}

// Grow adds one worker when every current worker is busy and the limit has
// not been reached. Returns true if a worker was started.
func (p *Pool) Grow() bool {
	if int(p.busy.Load()) < p.Size() {
		return false
	}
	return p.spawn()
}

// Size returns the number of started workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Busy returns the number of workers currently running a handler.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

func (p *Pool) run(no int) {
	defer p.wg.Done()
	logger.Debug("Worker started", logger.KeyWorker, no)

	for {
		req, ok := p.queue.Poll()
		if !ok {
			break
		}
		p.setBusy(p.busy.Add(1))
		p.handle(p.ctx, req, no)
		p.setBusy(p.busy.Add(-1))
	}

	logger.Debug("Worker done", logger.KeyWorker, no)
}

func (p *Pool) setBusy(n int32) {
	if p.metrics != nil {
		p.metrics.SetBusyWorkers(int(n))
	}
}

// Stop waits for the workers to exit. The queue must already be shut down.
// After grace the worker context is cancelled and the workers get one more
// grace period to return. Returns true if every worker exited before the
// first deadline.
func (p *Pool) Stop(grace time.Duration) bool {
	if p.cancel == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return true
	case <-timer.C:
		logger.Warn("Workers did not stop in time, cancelling",
			"grace", grace, "busy", p.Busy())
		p.cancel()
	}

	timer.Reset(grace)
	select {
	case <-done:
	case <-timer.C:
		logger.Error("Workers still running after cancel", "busy", p.Busy())
	}
	return false
}
