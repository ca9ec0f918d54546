package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/engageflow/internal/logging"
)

// ErrPoolShutdown is returned when a job is submitted after Shutdown.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolStats is a point-in-time view of a WorkerPool.
type PoolStats struct {
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	// Panicked jobs are also counted as Failed.
	Panicked int64 `json:"panicked"`
}

// WorkerPool runs jobs on at most size goroutines at a time.
type WorkerPool struct {
	handler Handler
	logger  *slog.Logger
	slots   chan struct{}
	stop    chan struct{}

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup

	running, succeeded, failed, panicked atomic.Int64
}

// NewWorkerPool creates a pool with size slots; size below one means one.
func NewWorkerPool(size int, handler Handler, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = logging.Nop()
	}
	return &WorkerPool{
		handler: handler,
		logger:  logger,
		slots:   make(chan struct{}, max(size, 1)),
		stop:    make(chan struct{}),
	}
}

// Submit waits for a free slot, honoring ctx while it waits, and runs job
// under runCtx so the job outlives the caller that submitted it.
func (p *WorkerPool) Submit(ctx, runCtx context.Context, job Job) error {
	if p.isStopped() {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrPoolShutdown
	}

	// Registering under mu keeps Shutdown from waiting before this job counts.
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	p.running.Add(1)
	go p.run(runCtx, job)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.failed.Add(1)
			p.logger.ErrorContext(ctx, "job panicked",
				slog.String("job", job.String()),
				slog.String("panic", fmt.Sprint(r)))
		}
		p.running.Add(-1)
		<-p.slots
		p.inflight.Done()
	}()

	ctx = logging.WithTenantID(ctx, job.TenantID)
	ctx = logging.WithExecutionID(ctx, job.ExecutionID)
	if err := p.handler(ctx, job); err != nil {
		p.failed.Add(1)
		return
	}
	p.succeeded.Add(1)
}

func (p *WorkerPool) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Wait blocks until every submitted job has returned.
func (p *WorkerPool) Wait() {
	p.inflight.Wait()
}

// Shutdown refuses new jobs and waits for running ones. Safe to call twice.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	p.mu.Unlock()

	p.inflight.Wait()
}

// Stats snapshots the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Running:   p.running.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
	}
}
