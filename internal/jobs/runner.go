package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/engageflow/internal/engine"
	"github.com/rendis/engageflow/internal/logging"
	"github.com/rendis/engageflow/pkg/schema"
)

// DefaultTimeout bounds a single interpreter invocation.
const DefaultTimeout = 60 * time.Second

// ExecutionLoader reads an execution; satisfied by store.Store.
type ExecutionLoader interface {
	Load(ctx context.Context, tenantID, id string) (*schema.Execution, error)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Timeout time.Duration
	Backoff engine.BackoffSchedule
	Logger  *slog.Logger
	Now     func() time.Time
}

// Runner is the job Handler that drives the interpreter. Transient failures
// are re-enqueued with backoff; when retries run out the execution is failed.
type Runner struct {
	interp  engine.Interpreter
	loader  ExecutionLoader
	queue   Queue
	timeout time.Duration
	backoff engine.BackoffSchedule
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner creates a Runner. Attach a queue before handling jobs so that
// retries can be scheduled.
func NewRunner(interp engine.Interpreter, loader ExecutionLoader, cfg RunnerConfig) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = engine.DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		interp:  interp,
		loader:  loader,
		timeout: cfg.Timeout,
		backoff: cfg.Backoff,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

// Attach sets the queue retries are scheduled on.
func (r *Runner) Attach(q Queue) {
	r.queue = q
}

// Handle runs one job. It returns the invocation error, after scheduling a
// retry or failing the execution as appropriate.
func (r *Runner) Handle(ctx context.Context, job Job) error {
	log := logging.LogWith(ctx, r.logger).With("job", job.String())

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	switch job.Kind {
	case KindResume:
		_, err = r.interp.Resume(runCtx, job.TenantID, job.ExecutionID, job.StepID)
	default:
		_, err = r.interp.Run(runCtx, job.TenantID, job.ExecutionID)
	}
	if err == nil {
		return nil
	}

	switch {
	case ctx.Err() != nil:
		// Shutdown; the recovery sweep picks the execution up again.
		log.Warn("job interrupted", "error", err)
		return err
	case schema.HasCode(err, schema.ErrCodeNotFound):
		log.Warn("execution not found, dropping job")
		return err
	case !engine.IsRetryableError(err):
		r.fail(ctx, job, err)
		return err
	}

	next := job
	next.Attempt++
	delay, ok := r.backoff.Delay(next.Attempt)
	if !ok || r.queue == nil {
		r.fail(ctx, job, fmt.Errorf("giving up after %d attempts: %w", job.Attempt, err))
		return err
	}
	next.Kind = r.retryKind(ctx, job)
	if next.Kind == KindRun {
		next.StepID = ""
	}
	if qerr := r.queue.EnqueueAt(ctx, next, r.now().Add(delay)); qerr != nil {
		log.Error("schedule retry", "error", qerr)
		r.fail(ctx, job, fmt.Errorf("could not schedule retry: %w", err))
		return err
	}
	log.Warn("job failed, retry scheduled", "attempt", job.Attempt, "delay", delay, "error", err)
	return err
}

// retryKind keeps a resume job a resume only while the execution is still
// parked on its step; once the resume took effect the rest is a plain run.
func (r *Runner) retryKind(ctx context.Context, job Job) Kind {
	if job.Kind != KindResume || r.loader == nil {
		return KindRun
	}
	exec, err := r.loader.Load(ctx, job.TenantID, job.ExecutionID)
	if err != nil || exec.Status.Terminal() || exec.CurrentStepID != job.StepID {
		return KindRun
	}
	return KindResume
}

func (r *Runner) fail(ctx context.Context, job Job, cause error) {
	log := logging.LogWith(ctx, r.logger)
	if err := r.interp.Fail(ctx, job.TenantID, job.ExecutionID, cause); err != nil {
		log.Error("fail execution", "job", job.String(), "error", err)
		return
	}
	log.Error("execution failed by job runner", "job", job.String(), "error", cause)
}
