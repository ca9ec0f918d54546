package actions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/engageflow/internal/logging"
	"github.com/rendis/engageflow/pkg/schema"
)

// Executor runs actions behind per-tenant circuit breakers and normalizes
// their failures.
type Executor struct {
	registry *Registry
	breakers *CircuitBreakerRegistry
	logger   *slog.Logger
}

// NewExecutor creates an Executor. breakers may be nil to disable circuit breaking.
func NewExecutor(registry *Registry, breakers *CircuitBreakerRegistry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{registry: registry, breakers: breakers, logger: logger}
}

// Registry returns the underlying action registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs the action named by input.Config.ActionType.
//
// Unknown action types and invalid configs come back as they are (structural,
// the execution fails). Any other failure is logged with the step and
// execution ids and wrapped as ACTION_FAILED; whether it is retried depends on
// the wrapped cause.
func (e *Executor) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if input.Config == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "action step has no config").WithStep(input.StepID)
	}
	name := input.Config.ActionType

	action, err := e.registry.Get(name)
	if err != nil {
		return nil, withStep(err, input)
	}
	if err := action.Validate(input.Config); err != nil {
		return nil, withStep(err, input)
	}

	if e.breakers != nil {
		if err := e.breakers.AllowRequest(input.TenantID, name); err != nil {
			return nil, e.fail(ctx, input, name, err, 0)
		}
	}

	start := time.Now()
	out, err := action.Execute(ctx, input)
	elapsed := time.Since(start)

	if err != nil {
		if isPermanent(err) {
			return nil, withStep(err, input)
		}
		if e.breakers != nil && e.breakers.RecordFailure(input.TenantID, name) == CircuitOpen {
			snap := e.breakers.Snapshot(input.TenantID, name)
			logging.LogWith(ctx, e.logger).Warn("circuit opened",
				"action", name, "consecutive_failures", snap.Failures, "cooldown", snap.Cooldown)
		}
		return nil, e.fail(ctx, input, name, err, elapsed)
	}

	if e.breakers != nil {
		e.breakers.RecordSuccess(input.TenantID, name)
	}
	if out == nil {
		out = Completed(nil)
	}
	if out.Effect == "" {
		out.Effect = EffectCompleted
	}
	if out.Effect == EffectSuspended && out.FireAt.IsZero() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "action %q suspended without a fire time", name).
			WithStep(input.StepID)
	}

	logging.LogWith(ctx, e.logger).Debug("action completed",
		"action", name, "effect", string(out.Effect), "duration", elapsed)
	return out, nil
}

func (e *Executor) fail(ctx context.Context, input ActionInput, name string, cause error, elapsed time.Duration) error {
	logging.LogWith(ctx, e.logger).Error("action failed",
		"action", name,
		"tenant_id", input.TenantID,
		"execution_id", input.ExecutionID,
		"step_id", input.StepID,
		"duration", elapsed,
		"error", cause,
	)
	if schema.HasCode(cause, schema.ErrCodeActionFailed) {
		return withStep(cause, input)
	}
	return schema.NewErrorf(schema.ErrCodeActionFailed, "action %q failed: %s", name, cause.Error()).
		WithStep(input.StepID).
		WithExecution(input.ExecutionID).
		WithCause(cause)
}

// isPermanent reports errors that retrying cannot fix.
func isPermanent(err error) bool {
	var ee *schema.EngineError
	return errors.As(err, &ee) && ee.IsStructural()
}

func withStep(err error, input ActionInput) error {
	var ee *schema.EngineError
	if errors.As(err, &ee) && ee.StepID == "" {
		ee.WithStep(input.StepID)
		if ee.ExecutionID == "" {
			ee.WithExecution(input.ExecutionID)
		}
	}
	return err
}
