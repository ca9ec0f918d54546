// Package dispatch turns inbound domain events into workflow executions.
package dispatch

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/engageflow/internal/engine"
	"github.com/rendis/engageflow/internal/expressions"
	"github.com/rendis/engageflow/internal/jobs"
	"github.com/rendis/engageflow/internal/logging"
	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/pkg/schema"
)

// Fallback answers a message when no message_received workflow applies.
// *providers.DirectResponder satisfies it.
type Fallback interface {
	Respond(ctx context.Context, ev schema.DomainEvent) error
}

// GraphChecker validates a workflow graph before an execution is started
// on it. *engine.StepRegistry satisfies it.
type GraphChecker interface {
	Check(g *schema.Graph) error
}

// Config holds the optional collaborators of a Dispatcher.
type Config struct {
	// Steps rejects graphs with unknown or misconfigured steps. Nil skips
	// the check and leaves it to the interpreter.
	Steps    GraphChecker
	// When evaluates trigger_config.when predicates. Nil disables them:
	// workflows with a predicate then never match.
	When     expressions.Engine
	Fallback Fallback
	Logger   *slog.Logger
	Now      func() time.Time
}

// Dispatcher matches events against active workflows and starts executions.
type Dispatcher struct {
	store    store.Store
	queue    jobs.Queue
	interp   engine.Interpreter
	when     expressions.Engine
	fallback Fallback
	steps    GraphChecker
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Dispatcher. Executions are handed to queue as run jobs.
func New(s store.Store, q jobs.Queue, interp engine.Interpreter, cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		store:    s,
		queue:    q,
		interp:   interp,
		when:     cfg.When,
		fallback: cfg.Fallback,
		steps:    cfg.Steps,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// OnEvent starts one execution per matching workflow and returns their ids.
// Per-workflow failures are logged and skipped; only an invalid event or a
// failed workflow lookup is returned as an error.
func (d *Dispatcher) OnEvent(ctx context.Context, ev schema.DomainEvent) ([]string, error) {
	if ev.TenantID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event has no tenant_id")
	}
	trigger, ok := ev.Type.Trigger()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown event type %q", ev.Type)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.now().UTC()
	}
	ctx = logging.WithTenantID(ctx, ev.TenantID)
	log := logging.LogWith(ctx, d.logger)

	workflows, err := d.candidates(ctx, ev, trigger)
	if err != nil {
		return nil, err
	}

	var started []string
	matched := 0
	for _, wf := range workflows {
		ok, err := d.matches(ctx, wf, ev)
		if err != nil {
			log.Warn("trigger predicate failed", "workflow_id", wf.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		matched++

		id, err := d.start(ctx, wf, ev, trigger)
		if err != nil {
			log.Error("failed to start execution", "workflow_id", wf.ID, "error", err)
			continue
		}
		if id != "" {
			started = append(started, id)
		}
	}

	if matched == 0 && trigger == schema.TriggerMessageReceived && d.fallback != nil {
		if err := d.fallback.Respond(ctx, ev); err != nil {
			log.Error("direct response failed", "conversation_id", ev.ConversationID, "error", err)
		}
	}

	log.Debug("event dispatched", "event_type", ev.Type, "candidates", len(workflows),
		"matched", matched, "started", len(started))
	return started, nil
}

// Cancel stops a running or pending execution.
func (d *Dispatcher) Cancel(ctx context.Context, tenantID, executionID, reason string) error {
	return d.interp.Cancel(ctx, tenantID, executionID, reason)
}

func (d *Dispatcher) candidates(ctx context.Context, ev schema.DomainEvent, trigger schema.TriggerType) ([]*schema.Workflow, error) {
	if ev.WorkflowID != "" {
		wf, err := d.store.GetWorkflow(ctx, ev.TenantID, ev.WorkflowID)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if wf.TriggerType != trigger || !wf.Dispatchable() {
			return nil, nil
		}
		return []*schema.Workflow{wf}, nil
	}

	active := schema.WorkflowStatusActive
	return d.store.ListWorkflows(ctx, store.WorkflowFilter{
		TenantID:    ev.TenantID,
		TriggerType: trigger,
		Status:      &active,
	})
}

// matches applies the trigger_config predicates to the event payload.
func (d *Dispatcher) matches(ctx context.Context, wf *schema.Workflow, ev schema.DomainEvent) (bool, error) {
	ts, err := wf.Trigger()
	if err != nil {
		return false, err
	}
	if wf.TriggerType == schema.TriggerMessageReceived {
		messageType, _ := ev.Payload["message_type"].(string)
		if !ts.AllowsMessageType(messageType) {
			return false, nil
		}
		channel, _ := ev.Payload["channel"].(string)
		if !ts.AllowsChannel(channel) {
			return false, nil
		}
	}
	if ts.When == "" {
		return true, nil
	}
	if d.when == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "trigger predicate configured but no evaluator")
	}
	return expressions.EvaluateBool(ctx, d.when, ts.When, predicateEnv(ev))
}

// start creates the execution under the one-active-execution guard and
// enqueues it. An empty id means another execution already holds the guard.
func (d *Dispatcher) start(ctx context.Context, wf *schema.Workflow, ev schema.DomainEvent, trigger schema.TriggerType) (string, error) {
	g, err := schema.BuildGraph(wf)
	if err != nil {
		return "", err
	}
	if d.steps != nil {
		if err := d.steps.Check(g); err != nil {
			return "", err
		}
	}

	exec := &schema.Execution{
		ID:             uuid.NewString(),
		TenantID:       ev.TenantID,
		WorkflowID:     wf.ID,
		CustomerID:     ev.CustomerID,
		ConversationID: ev.ConversationID,
		TriggerSource:  schema.TriggerSourceFor(wf.ID, trigger),
		Status:         schema.ExecutionPending,
		Context:        InitialContext(ev, trigger),
		Graph:          g,
		CreatedAt:      d.now().UTC(),
	}

	created, err := d.store.CreateExecutionIfNoActive(ctx, exec)
	if err != nil {
		return "", err
	}
	if !created {
		logging.LogWith(ctx, d.logger).Debug("execution already active, skipping",
			"workflow_id", wf.ID, "conversation_id", ev.ConversationID)
		return "", nil
	}

	if err := d.queue.Enqueue(ctx, jobs.RunJob(exec.TenantID, exec.ID)); err != nil {
		// Release the guard rather than leave a pending execution nobody runs.
		if ferr := d.interp.Fail(ctx, exec.TenantID, exec.ID, err); ferr != nil {
			logging.LogWith(ctx, d.logger).Error("failed to release unqueued execution",
				"execution_id", exec.ID, "error", ferr)
		}
		return "", err
	}
	return exec.ID, nil
}

// InitialContext builds the execution context of a new execution: the event
// payload plus the identity of the trigger occurrence.
func InitialContext(ev schema.DomainEvent, trigger schema.TriggerType) map[string]any {
	out := make(map[string]any, len(ev.Payload)+8)
	maps.Copy(out, ev.Payload)

	out["tenant_id"] = ev.TenantID
	out["trigger_type"] = string(trigger)
	out["event_type"] = string(ev.Type)
	out["triggered_at"] = ev.OccurredAt.UTC().Format(time.RFC3339)
	if ev.EntityID != "" {
		out["entity_id"] = ev.EntityID
	}
	if ev.ConversationID != "" {
		out["conversation_id"] = ev.ConversationID
		out["conversation"] = withID(out["conversation"], ev.ConversationID)
	}
	if ev.CustomerID != "" {
		out["customer_id"] = ev.CustomerID
		out["customer"] = withID(out["customer"], ev.CustomerID)
	}
	return out
}

// withID returns a copy of the attribute map v carrying id.
func withID(v any, id string) map[string]any {
	attrs, _ := v.(map[string]any)
	out := maps.Clone(attrs)
	if out == nil {
		out = map[string]any{}
	}
	if _, ok := out["id"]; !ok {
		out["id"] = id
	}
	return out
}

func predicateEnv(ev schema.DomainEvent) map[string]any {
	return map[string]any{
		"event":           string(ev.Type),
		"tenant_id":       ev.TenantID,
		"conversation_id": ev.ConversationID,
		"customer_id":     ev.CustomerID,
		"payload":         ev.Payload,
	}
}
