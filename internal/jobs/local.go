package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/engageflow/internal/logging"
)

// LocalQueue is an in-process Queue on top of a WorkerPool. Delayed jobs
// wait on timers and are lost on restart; the recovery sweep re-enqueues
// executions left running.
type LocalQueue struct {
	pool   *WorkerPool
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	timers map[*time.Timer]Job
	closed bool
}

// NewLocalQueue creates a queue that runs jobs with handler on up to
// workers goroutines.
func NewLocalQueue(workers int, handler Handler, logger *slog.Logger) *LocalQueue {
	if logger == nil {
		logger = logging.Nop()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &LocalQueue{
		pool:   NewWorkerPool(workers, handler, logger),
		logger: logger,
		now:    time.Now,
		runCtx: runCtx,
		cancel: cancel,
		timers: make(map[*time.Timer]Job),
	}
}

// Enqueue submits the job, blocking while every worker is busy.
func (q *LocalQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	runCtx := q.runCtx
	q.mu.Unlock()
	return q.pool.Submit(ctx, runCtx, job)
}

// EnqueueAt arms a timer that submits the job at the given time.
func (q *LocalQueue) EnqueueAt(ctx context.Context, job Job, at time.Time) error {
	d := at.Sub(q.now())
	if d <= 0 {
		return q.Enqueue(ctx, job)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrPoolShutdown
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		q.mu.Lock()
		delete(q.timers, t)
		runCtx := q.runCtx
		q.mu.Unlock()

		if err := q.pool.Submit(runCtx, runCtx, job); err != nil {
			q.logger.Warn("delayed job dropped", "job", job.String(), "error", err)
		}
	})
	q.timers[t] = job
	return nil
}

// Delayed returns the number of jobs waiting on a timer.
func (q *LocalQueue) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Stats returns the worker pool counters.
func (q *LocalQueue) Stats() PoolStats {
	return q.pool.Stats()
}

// Wait blocks until all submitted jobs complete. Delayed jobs that have not
// fired yet are not waited for.
func (q *LocalQueue) Wait() {
	q.pool.Wait()
}

// Shutdown drops delayed jobs, lets running jobs finish within ctx and then
// cancels whatever is still running.
func (q *LocalQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := 0
	for t := range q.timers {
		if t.Stop() {
			dropped++
		}
		delete(q.timers, t)
	}
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("dropped delayed jobs on shutdown", "count", dropped)
	}

	done := make(chan struct{})
	go func() {
		q.pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
	}
	q.cancel()
}
