package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/engageflow/internal/actions"
	"github.com/rendis/engageflow/internal/logging"
	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/internal/streaming"
	"github.com/rendis/engageflow/pkg/schema"
)

// DefaultStepLimit bounds the steps run by a single invocation.
const DefaultStepLimit = 500

// maxCommandAttempts bounds Cancel/Fail retries on version conflicts.
const maxCommandAttempts = 5

const tracerName = "github.com/rendis/engageflow/internal/engine"

// Interpreter advances executions through their workflow graph.
// All methods are safe to call concurrently and repeatedly; a call that finds
// nothing to do returns a result with NoOp set.
type Interpreter interface {
	// Run starts a pending execution or continues a running one.
	Run(ctx context.Context, tenantID, executionID string) (*RunResult, error)
	// Resume continues a suspended execution past stepID. It is a no-op unless
	// the execution is still parked on stepID.
	Resume(ctx context.Context, tenantID, executionID, stepID string) (*RunResult, error)
	// Cancel terminates a non-terminal execution and drops its pending
	// resumptions.
	Cancel(ctx context.Context, tenantID, executionID, reason string) error
	// Fail terminates a non-terminal execution with cause. Terminal executions
	// are left untouched.
	Fail(ctx context.Context, tenantID, executionID string, cause error) error
	// Status returns the execution, its step trace and pending resumptions.
	Status(ctx context.Context, tenantID, executionID string) (*StatusReport, error)
}

// RunResult summarizes one interpreter invocation.
type RunResult struct {
	ExecutionID   string                 `json:"execution_id"`
	Status        schema.ExecutionStatus `json:"status"`
	CurrentStepID string                 `json:"current_step_id,omitempty"`
	StepsExecuted int                    `json:"steps_executed"`
	Suspended     bool                   `json:"suspended,omitempty"`
	FireAt        *time.Time             `json:"fire_at,omitempty"`
	NoOp          bool                   `json:"no_op,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// StatusReport is the read model returned by Status.
type StatusReport struct {
	Execution *schema.Execution             `json:"execution"`
	Trace     []store.StepVisit             `json:"trace"`
	Pending   []*schema.ScheduledResumption `json:"pending_resumptions,omitempty"`
}

// Config holds the optional collaborators of the interpreter.
type Config struct {
	StepLimit int
	Hub       streaming.EventHub
	Tracer    trace.Tracer
	Logger    *slog.Logger
	Now       func() time.Time
}

type interpreter struct {
	store     store.Store
	events    *store.EventLog
	steps     *StepRegistry
	actions   *actions.Executor
	fsm       *ExecutionFSM
	hub       streaming.EventHub
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
	stepLimit int
}

// NewInterpreter creates an Interpreter over a store, the step registry and
// the action executor.
func NewInterpreter(s store.Store, steps *StepRegistry, exec *actions.Executor, cfg Config) Interpreter {
	if cfg.StepLimit <= 0 {
		cfg.StepLimit = DefaultStepLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	events := store.NewEventLog(s)
	fsm := NewExecutionFSM(events)
	fsm.now = cfg.Now

	return &interpreter{
		store:     s,
		events:    events,
		steps:     steps,
		actions:   exec,
		fsm:       fsm,
		hub:       cfg.Hub,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
		now:       cfg.Now,
		stepLimit: cfg.StepLimit,
	}
}

// --- Run / Resume ---

func (i *interpreter) Run(ctx context.Context, tenantID, executionID string) (*RunResult, error) {
	exec, err := i.store.Load(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithExecution(ctx, exec.TenantID, exec.ID, exec.WorkflowID)
	ctx, span := i.tracer.Start(ctx, "engine.run", trace.WithAttributes(execAttrs(exec)...))
	defer span.End()

	res := &RunResult{ExecutionID: exec.ID}
	if exec.Status.Terminal() {
		return noop(exec, res), nil
	}

	g, err := i.graphOf(ctx, exec)
	if err != nil {
		return i.fail(ctx, exec, res, err)
	}

	if exec.Status == schema.ExecutionPending {
		from, err := i.fsm.Transition(exec, schema.ExecutionRunning)
		if err != nil {
			return nil, err
		}
		if exec.CurrentStepID == "" {
			exec.CurrentStepID = g.Entry
		}
		if err := i.store.Save(ctx, exec); err != nil {
			return i.saveFailed(ctx, exec, res, err)
		}
		i.commit(ctx, exec, from, "", map[string]any{"entry_step_id": exec.CurrentStepID})
	} else {
		parked, err := i.hasPendingResumption(ctx, exec)
		if err != nil {
			return nil, err
		}
		if parked {
			res.Suspended = true
			return noop(exec, res), nil
		}
		// A claimed resumption whose resume job never ran: the delay has
		// already elapsed, so continue past the step instead of re-parking.
		fired, err := i.firedResumption(ctx, exec)
		if err != nil {
			return nil, err
		}
		if fired {
			return i.Resume(ctx, exec.TenantID, exec.ID, exec.CurrentStepID)
		}
	}

	res, err = i.advance(ctx, exec, g, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (i *interpreter) Resume(ctx context.Context, tenantID, executionID, stepID string) (*RunResult, error) {
	exec, err := i.store.Load(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithExecution(ctx, exec.TenantID, exec.ID, exec.WorkflowID)
	log := logging.LogWith(ctx, i.logger)

	res := &RunResult{ExecutionID: exec.ID}
	if exec.Status.Terminal() || exec.CurrentStepID != stepID {
		log.Debug("stale resume ignored", "step_id", stepID, "current_step_id", exec.CurrentStepID, "status", exec.Status)
		return noop(exec, res), nil
	}
	if exec.Status == schema.ExecutionPending {
		return i.Run(ctx, tenantID, executionID)
	}

	ctx, span := i.tracer.Start(ctx, "engine.resume", trace.WithAttributes(execAttrs(exec)...))
	defer span.End()

	g, err := i.graphOf(ctx, exec)
	if err != nil {
		return i.fail(ctx, exec, res, err)
	}
	node, ok := g.Node(stepID)
	if !ok {
		return i.fail(ctx, exec, res, stepNotFound(exec, stepID))
	}

	exec.CurrentStepID = node.Next
	if err := i.store.Save(ctx, exec); err != nil {
		return i.saveFailed(ctx, exec, res, err)
	}
	// A manual resume leaves the timer behind; drop it so it cannot re-park us.
	i.cancelResumptions(ctx, exec)
	i.record(ctx, exec, stepID, schema.EventExecutionResumed, map[string]any{"next_step_id": node.Next})
	i.publish(ctx, exec, stepID, schema.EventExecutionResumed, nil)

	res, err = i.advance(ctx, exec, g, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// stepOutcome is what a single step decided.
type stepOutcome struct {
	next      string
	suspended bool
	fireAt    time.Time
}

// advance walks the graph from exec.CurrentStepID, persisting after every
// step, until the execution completes, fails, suspends or loses a race.
func (i *interpreter) advance(ctx context.Context, exec *schema.Execution, g *schema.Graph, res *RunResult) (*RunResult, error) {
	for {
		if exec.CurrentStepID == "" {
			return i.complete(ctx, exec, res)
		}
		if res.StepsExecuted >= i.stepLimit {
			err := schema.NewErrorf(schema.ErrCodeStepLimitExceeded,
				"more than %d steps in a single invocation", i.stepLimit).
				WithStep(exec.CurrentStepID).WithExecution(exec.ID)
			return i.fail(ctx, exec, res, err)
		}
		node, ok := g.Node(exec.CurrentStepID)
		if !ok {
			return i.fail(ctx, exec, res, stepNotFound(exec, exec.CurrentStepID))
		}

		if res.StepsExecuted > 0 {
			current, err := i.stillOwned(ctx, exec)
			if err != nil {
				return res, err
			}
			if !current {
				return noop(exec, res), nil
			}
		}

		out, err := i.runStep(ctx, exec, node)
		if err != nil {
			return i.stepFailed(ctx, exec, res, err)
		}
		res.StepsExecuted++
		exec.StepsExecuted++

		if out.suspended {
			return i.suspend(ctx, exec, res, node.Step.ID, out.fireAt)
		}

		exec.CurrentStepID = out.next
		if err := i.store.Save(ctx, exec); err != nil {
			return i.saveFailed(ctx, exec, res, err)
		}
	}
}

func (i *interpreter) runStep(ctx context.Context, exec *schema.Execution, node *schema.GraphNode) (stepOutcome, error) {
	stepID := node.Step.ID
	ctx = logging.WithStepID(ctx, stepID)
	ctx, span := i.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.String("engageflow.step_id", stepID),
		attribute.String("engageflow.step_type", string(node.Step.StepType)),
	))
	defer span.End()

	i.record(ctx, exec, stepID, schema.EventStepStarted, map[string]any{"step_type": node.Step.StepType})

	out, err := i.dispatchStep(ctx, exec, node)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	span.SetAttributes(attribute.Bool("engageflow.suspended", out.suspended))
	return out, nil
}

func (i *interpreter) dispatchStep(ctx context.Context, exec *schema.Execution, node *schema.GraphNode) (stepOutcome, error) {
	stepID := node.Step.ID
	h, err := i.steps.Resolve(node)
	if err != nil {
		return stepOutcome{}, err
	}

	switch h.Kind {
	case HandlerCondition:
		r, err := h.Condition.Evaluate(ctx, h.CondCfg, exec.Context)
		if err != nil {
			return stepOutcome{}, stepErr(err, stepID)
		}
		mergeInto(exec, r.Enriched)
		i.record(ctx, exec, stepID, schema.EventConditionEvaluated, map[string]any{
			"condition_type": h.CondCfg.ConditionType,
			"outcome":        r.Outcome,
		})
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("engageflow.outcome", r.Outcome))
		return stepOutcome{next: node.Successor(r.Outcome)}, nil

	case HandlerAction:
		out, err := i.actions.Execute(ctx, actions.ActionInput{
			TenantID:       exec.TenantID,
			ExecutionID:    exec.ID,
			WorkflowID:     exec.WorkflowID,
			StepID:         stepID,
			ConversationID: exec.ConversationID,
			CustomerID:     exec.CustomerID,
			Config:         h.ActionCfg,
			Context:        exec.Context,
			IdempotencyKey: actions.IdempotencyKey(exec.ID, stepID),
		})
		if err != nil {
			return stepOutcome{}, err
		}
		mergeInto(exec, out.Context)
		if out.Effect == actions.EffectSuspended {
			return stepOutcome{next: stepID, suspended: true, fireAt: out.FireAt}, nil
		}
		i.record(ctx, exec, stepID, schema.EventStepCompleted, map[string]any{"action_type": h.ActionCfg.ActionType})
		return stepOutcome{next: node.Next}, nil

	default:
		i.record(ctx, exec, stepID, schema.EventStepCompleted, nil)
		return stepOutcome{next: node.Next}, nil
	}
}

// suspend parks the execution on stepID until fireAt.
func (i *interpreter) suspend(ctx context.Context, exec *schema.Execution, res *RunResult, stepID string, fireAt time.Time) (*RunResult, error) {
	if err := i.store.Save(ctx, exec); err != nil {
		return i.saveFailed(ctx, exec, res, err)
	}
	r := &schema.ScheduledResumption{
		ID:          uuid.NewString(),
		TenantID:    exec.TenantID,
		Kind:        schema.ResumptionResumeStep,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepID:      stepID,
		FireAt:      fireAt.UTC(),
		Status:      schema.ResumptionPending,
	}
	if err := i.store.ScheduleResumption(ctx, r); err != nil {
		// The step is still current, so re-running the execution re-parks it.
		return res, schema.NewErrorf(schema.ErrCodeStore, "schedule resumption: %s", err.Error()).
			WithStep(stepID).WithExecution(exec.ID).WithCause(err)
	}

	payload := map[string]any{"fire_at": r.FireAt, "resumption_id": r.ID}
	i.record(ctx, exec, stepID, schema.EventStepSuspended, payload)
	i.publish(ctx, exec, stepID, schema.EventStepSuspended, payload)
	logging.LogWith(ctx, i.logger).Info("execution suspended", "step_id", stepID, "fire_at", r.FireAt)

	res.Suspended = true
	res.FireAt = &r.FireAt
	return finish(exec, res), nil
}

func (i *interpreter) complete(ctx context.Context, exec *schema.Execution, res *RunResult) (*RunResult, error) {
	from, err := i.fsm.Transition(exec, schema.ExecutionCompleted)
	if err != nil {
		return res, err
	}
	if err := i.store.Save(ctx, exec); err != nil {
		return i.saveFailed(ctx, exec, res, err)
	}
	i.commit(ctx, exec, from, "", map[string]any{"steps_executed": exec.StepsExecuted})
	logging.LogWith(ctx, i.logger).Info("execution completed", "steps_executed", exec.StepsExecuted)
	return finish(exec, res), nil
}

// stepFailed routes a step error: transient errors go back to the job layer
// for a retry of the whole invocation, anything else fails the execution.
func (i *interpreter) stepFailed(ctx context.Context, exec *schema.Execution, res *RunResult, err error) (*RunResult, error) {
	if errors.Is(err, context.Canceled) {
		return res, err
	}
	if IsRetryableError(err) {
		i.record(ctx, exec, exec.CurrentStepID, schema.EventActionRetrying, map[string]any{
			"error": err.Error(),
			"code":  schema.CodeOf(err),
		})
		logging.LogWith(ctx, i.logger).Warn("step failed, will retry", "step_id", exec.CurrentStepID, "error", err)
		return finish(exec, res), err
	}
	return i.fail(ctx, exec, res, err)
}

// fail moves the execution to failed. current_step_id keeps the last
// attempted step.
func (i *interpreter) fail(ctx context.Context, exec *schema.Execution, res *RunResult, cause error) (*RunResult, error) {
	from, err := i.fsm.Transition(exec, schema.ExecutionFailed)
	if err != nil {
		return res, err
	}
	exec.ErrorMessage = cause.Error()
	if err := i.store.Save(ctx, exec); err != nil {
		return i.saveFailed(ctx, exec, res, err)
	}
	i.cancelResumptions(ctx, exec)
	i.commit(ctx, exec, from, exec.CurrentStepID, map[string]any{
		"error": exec.ErrorMessage,
		"code":  schema.CodeOf(cause),
	})
	logging.LogWith(ctx, i.logger).Error("execution failed",
		"step_id", exec.CurrentStepID,
		"code", schema.CodeOf(cause),
		"error", cause,
	)
	return finish(exec, res), nil
}

// saveFailed treats losing an optimistic-concurrency race as a no-op: the
// winner owns the execution now.
func (i *interpreter) saveFailed(ctx context.Context, exec *schema.Execution, res *RunResult, err error) (*RunResult, error) {
	if !schema.HasCode(err, schema.ErrCodeConflict) && !schema.HasCode(err, schema.ErrCodeAlreadyTerminal) {
		return finish(exec, res), err
	}
	logging.LogWith(ctx, i.logger).Debug("execution changed underneath, stopping", "error", err)
	if fresh, lerr := i.store.Load(ctx, exec.TenantID, exec.ID); lerr == nil {
		exec = fresh
	}
	return noop(exec, res), nil
}

// stillOwned reports whether the persisted execution is still the one this
// invocation last wrote.
func (i *interpreter) stillOwned(ctx context.Context, exec *schema.Execution) (bool, error) {
	fresh, err := i.store.Load(ctx, exec.TenantID, exec.ID)
	if err != nil {
		return false, err
	}
	return !fresh.Status.Terminal() &&
		fresh.Version == exec.Version &&
		fresh.CurrentStepID == exec.CurrentStepID, nil
}

func (i *interpreter) hasPendingResumption(ctx context.Context, exec *schema.Execution) (bool, error) {
	pending := schema.ResumptionPending
	rs, err := i.store.ListResumptions(ctx, store.ResumptionFilter{
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		Kind:        schema.ResumptionResumeStep,
		Status:      &pending,
		Limit:       1,
	})
	if err != nil {
		return false, err
	}
	return len(rs) > 0, nil
}

// firedResumption reports whether the current step has a resumption that
// was claimed but not yet consumed by a resume. Resumptions older than the
// execution's last save belong to an earlier visit of the step.
func (i *interpreter) firedResumption(ctx context.Context, exec *schema.Execution) (bool, error) {
	if exec.CurrentStepID == "" {
		return false, nil
	}
	fired := schema.ResumptionFired
	rs, err := i.store.ListResumptions(ctx, store.ResumptionFilter{
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		Kind:        schema.ResumptionResumeStep,
		Status:      &fired,
	})
	if err != nil {
		return false, err
	}
	for _, r := range rs {
		if r.StepID == exec.CurrentStepID && !r.CreatedAt.Before(exec.UpdatedAt) {
			return true, nil
		}
	}
	return false, nil
}

// graphOf returns the execution's graph snapshot, rebuilding it from the
// workflow for executions created without one.
func (i *interpreter) graphOf(ctx context.Context, exec *schema.Execution) (*schema.Graph, error) {
	if exec.Graph != nil {
		return exec.Graph, nil
	}
	wf, err := i.store.GetWorkflow(ctx, exec.TenantID, exec.WorkflowID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s no longer exists", exec.WorkflowID).
				WithExecution(exec.ID).WithCause(err)
		}
		return nil, err
	}
	g, err := schema.BuildGraph(wf)
	if err != nil {
		return nil, err
	}
	exec.Graph = g
	return g, nil
}

// --- Cancel / Fail ---

func (i *interpreter) Cancel(ctx context.Context, tenantID, executionID, reason string) error {
	return i.terminate(ctx, tenantID, executionID, schema.ExecutionCancelled, func(exec *schema.Execution) (any, error) {
		if exec.Status.Terminal() {
			return nil, schema.NewErrorf(schema.ErrCodeAlreadyTerminal, "execution %q is already %s", exec.ID, exec.Status).
				WithExecution(exec.ID)
		}
		return map[string]any{"reason": reason}, nil
	})
}

func (i *interpreter) Fail(ctx context.Context, tenantID, executionID string, cause error) error {
	if cause == nil {
		cause = schema.NewError(schema.ErrCodeExecution, "execution failed")
	}
	return i.terminate(ctx, tenantID, executionID, schema.ExecutionFailed, func(exec *schema.Execution) (any, error) {
		if exec.Status.Terminal() {
			return nil, errNothingToDo
		}
		exec.ErrorMessage = cause.Error()
		return map[string]any{"error": exec.ErrorMessage, "code": schema.CodeOf(cause)}, nil
	})
}

var errNothingToDo = errors.New("nothing to do")

// terminate applies an externally requested terminal transition, retrying
// when it races with a running invocation.
func (i *interpreter) terminate(ctx context.Context, tenantID, executionID string, to schema.ExecutionStatus,
	prepare func(*schema.Execution) (any, error),
) error {
	for attempt := 0; attempt < maxCommandAttempts; attempt++ {
		exec, err := i.store.Load(ctx, tenantID, executionID)
		if err != nil {
			return err
		}
		ctx := logging.WithExecution(ctx, exec.TenantID, exec.ID, exec.WorkflowID)

		payload, err := prepare(exec)
		if errors.Is(err, errNothingToDo) {
			return nil
		}
		if err != nil {
			return err
		}
		from, err := i.fsm.Transition(exec, to)
		if err != nil {
			return err
		}
		if err := i.store.Save(ctx, exec); err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) || schema.HasCode(err, schema.ErrCodeAlreadyTerminal) {
				continue
			}
			return err
		}
		i.cancelResumptions(ctx, exec)
		i.commit(ctx, exec, from, exec.CurrentStepID, payload)
		logging.LogWith(ctx, i.logger).Info("execution terminated", "status", to)
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q kept changing; gave up after %d attempts",
		executionID, maxCommandAttempts).WithExecution(executionID)
}

// --- Status ---

func (i *interpreter) Status(ctx context.Context, tenantID, executionID string) (*StatusReport, error) {
	exec, err := i.store.Load(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	visits, err := i.events.Trace(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	pending := schema.ResumptionPending
	rs, err := i.store.ListResumptions(ctx, store.ResumptionFilter{
		TenantID:    tenantID,
		ExecutionID: executionID,
		Status:      &pending,
	})
	if err != nil {
		return nil, err
	}
	return &StatusReport{Execution: exec, Trace: visits, Pending: rs}, nil
}

// --- helpers ---

func (i *interpreter) commit(ctx context.Context, exec *schema.Execution, from schema.ExecutionStatus, stepID string, payload any) {
	if err := i.fsm.Commit(ctx, exec, from, stepID, payload); err != nil {
		logging.LogWith(ctx, i.logger).Warn("commit transition", "from", from, "to", exec.Status, "error", err)
	}
	if eventType := lifecycleEventType(exec.Status); eventType != "" {
		i.publish(ctx, exec, stepID, eventType, payload)
	}
}

// record appends to the execution history. History is best effort once the
// state change it describes has been persisted.
func (i *interpreter) record(ctx context.Context, exec *schema.Execution, stepID, eventType string, payload any) {
	if err := i.events.Record(ctx, exec, stepID, eventType, payload); err != nil {
		logging.LogWith(ctx, i.logger).Warn("record event", "event_type", eventType, "step_id", stepID, "error", err)
	}
}

func (i *interpreter) publish(ctx context.Context, exec *schema.Execution, stepID, eventType string, payload any) {
	if i.hub == nil {
		return
	}
	err := i.hub.Publish(ctx, streaming.StreamEvent{
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepID:      stepID,
		EventType:   eventType,
		Payload:     payload,
	})
	if err != nil {
		logging.LogWith(ctx, i.logger).Debug("publish event", "event_type", eventType, "error", err)
	}
}

func (i *interpreter) cancelResumptions(ctx context.Context, exec *schema.Execution) {
	if _, err := i.store.CancelResumptions(ctx, exec.TenantID, exec.ID); err != nil {
		logging.LogWith(ctx, i.logger).Warn("cancel resumptions", "error", err)
	}
}

// mergeInto applies a context delta. nil values delete keys.
func mergeInto(exec *schema.Execution, delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	if exec.Context == nil {
		exec.Context = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		if v == nil {
			delete(exec.Context, k)
			continue
		}
		exec.Context[k] = v
	}
}

func stepNotFound(exec *schema.Execution, stepID string) error {
	return schema.NewErrorf(schema.ErrCodeStepNotFound, "step %s is not in the workflow graph", stepID).
		WithStep(stepID).WithExecution(exec.ID)
}

func execAttrs(exec *schema.Execution) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("engageflow.tenant_id", exec.TenantID),
		attribute.String("engageflow.execution_id", exec.ID),
		attribute.String("engageflow.workflow_id", exec.WorkflowID),
	}
}

func finish(exec *schema.Execution, res *RunResult) *RunResult {
	res.Status = exec.Status
	res.CurrentStepID = exec.CurrentStepID
	res.Error = exec.ErrorMessage
	return res
}

func noop(exec *schema.Execution, res *RunResult) *RunResult {
	res.NoOp = true
	return finish(exec, res)
}
