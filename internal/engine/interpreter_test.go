package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rendis/engageflow/internal/actions"
	"github.com/rendis/engageflow/internal/conditions"
	"github.com/rendis/engageflow/internal/expressions"
	"github.com/rendis/engageflow/internal/providers/providerstest"
	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/internal/streaming"
	"github.com/rendis/engageflow/pkg/schema"
)

const tenant = "tenant-1"

type harness struct {
	store  *store.MemoryStore
	interp Interpreter
	ai     *providerstest.AI
	msgr   *providerstest.Messenger
	convs  *providerstest.Conversations
	hub    *streaming.MemoryHub
	spans  *tracetest.SpanRecorder
	now    time.Time
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemoryStore(),
		ai:    &providerstest.AI{Reply: "Hello there!"},
		msgr:  &providerstest.Messenger{},
		convs: &providerstest.Conversations{},
		hub:   streaming.NewMemoryHub(),
		spans: tracetest.NewSpanRecorder(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }

	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	conds := conditions.NewRegistry()
	require.NoError(t, conditions.RegisterBuiltins(conds, conditions.Deps{AI: h.ai, Engines: engines}))

	acts := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(acts, actions.Deps{
		AI:            h.ai,
		Messenger:     h.msgr,
		Conversations: h.convs,
		Now:           clock,
	}))

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	cfg := Config{
		Hub:    h.hub,
		Tracer: tp.Tracer("test"),
		Now:    clock,
	}
	for _, c := range configure {
		c(&cfg)
	}
	h.interp = NewInterpreter(h.store, NewStepRegistry(conds, acts), actions.NewExecutor(acts, nil, nil), cfg)
	return h
}

// start stores a workflow and a pending execution of it with a graph snapshot.
func (h *harness) start(t *testing.T, steps []schema.WorkflowStep, execCtx map[string]any) *schema.Execution {
	t.Helper()
	wf := &schema.Workflow{
		ID:          "wf-1",
		TenantID:    tenant,
		Name:        "test",
		TriggerType: schema.TriggerMessageReceived,
		Status:      schema.WorkflowStatusActive,
		Steps:       steps,
	}
	require.NoError(t, h.store.CreateWorkflow(context.Background(), wf))
	g, err := schema.BuildGraph(wf)
	require.NoError(t, err)

	exec := &schema.Execution{
		ID:             "exec-1",
		TenantID:       tenant,
		WorkflowID:     wf.ID,
		ConversationID: "conv-1",
		CustomerID:     "cust-1",
		TriggerSource:  schema.TriggerSourceFor(wf.ID, wf.TriggerType),
		Status:         schema.ExecutionPending,
		Context:        execCtx,
		Graph:          g,
	}
	require.NoError(t, h.store.CreateExecution(context.Background(), exec))
	return exec
}

func (h *harness) load(t *testing.T, id string) *schema.Execution {
	t.Helper()
	exec, err := h.store.Load(context.Background(), tenant, id)
	require.NoError(t, err)
	return exec
}

func (h *harness) pendingResumptions(t *testing.T, execID string) []*schema.ScheduledResumption {
	t.Helper()
	pending := schema.ResumptionPending
	rs, err := h.store.ListResumptions(context.Background(), store.ResumptionFilter{
		TenantID: tenant, ExecutionID: execID, Status: &pending,
	})
	require.NoError(t, err)
	return rs
}

// --- step builders ---

func cond(id string, cfg map[string]any, onTrue, onFalse string) schema.WorkflowStep {
	s := schema.WorkflowStep{ID: id, StepType: schema.StepTypeCondition, Config: cfg}
	if onTrue != "" {
		s.NextSteps = append(s.NextSteps, schema.NextStep{StepID: onTrue, Condition: schema.BranchTrue})
	}
	if onFalse != "" {
		s.NextSteps = append(s.NextSteps, schema.NextStep{StepID: onFalse, Condition: schema.BranchFalse})
	}
	return s
}

func step(id string, typ schema.StepType, cfg map[string]any, next string) schema.WorkflowStep {
	s := schema.WorkflowStep{ID: id, StepType: typ, Config: cfg}
	if next != "" {
		s.NextSteps = []schema.NextStep{{StepID: next}}
	}
	return s
}

func customerAttr(field string, value any) map[string]any {
	return map[string]any{"condition_type": "customer_attribute", "field": field, "operator": "equals", "value": value}
}

func vipWorkflow() []schema.WorkflowStep {
	return []schema.WorkflowStep{
		cond("check_new", customerAttr("is_new", true), "send_welcome", "check_vip"),
		cond("check_vip", customerAttr("tier", "vip"), "send_vip", "send_default"),
		step("send_welcome", schema.StepTypeAction, map[string]any{"action_type": "send_ai_response", "system_prompt": "Welcome {customer_name}"}, ""),
		step("send_vip", schema.StepTypeAction, map[string]any{"action_type": "send_ai_response", "personality": "warm concierge"}, ""),
		step("send_default", schema.StepTypeAction, map[string]any{"action_type": "send_ai_response"}, ""),
	}
}

func delayWorkflow() []schema.WorkflowStep {
	return []schema.WorkflowStep{
		step("tag", schema.StepTypeAction, map[string]any{"action_type": "add_tag", "tag": "lead"}, "wait"),
		step("wait", schema.StepTypeDelay, map[string]any{"duration": 5, "unit": "minutes"}, "note"),
		step("note", schema.StepTypeAction, map[string]any{"action_type": "add_note", "note": "followed up"}, ""),
	}
}

// --- scenarios ---

func TestInterpreter_VIPBranch(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, vipWorkflow(), map[string]any{
		"message":  "hi, where is my order?",
		"customer": map[string]any{"is_new": false, "tier": "vip", "name": "Ana"},
	})

	res, err := h.interp.Run(context.Background(), tenant, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, 3, res.StepsExecuted)
	assert.Empty(t, res.CurrentStepID)

	got := h.load(t, exec.ID)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Empty(t, got.CurrentStepID)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "Hello there!", got.Context[actions.KeyLastAIResponse])

	report, err := h.interp.Status(context.Background(), tenant, exec.ID)
	require.NoError(t, err)
	require.Len(t, report.Trace, 3)
	assert.Equal(t, "check_new", report.Trace[0].StepID)
	require.NotNil(t, report.Trace[0].Outcome)
	assert.False(t, *report.Trace[0].Outcome)
	assert.Equal(t, "check_vip", report.Trace[1].StepID)
	require.NotNil(t, report.Trace[1].Outcome)
	assert.True(t, *report.Trace[1].Outcome)
	assert.Equal(t, "send_vip", report.Trace[2].StepID)

	sent := h.msgr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "conv-1", sent[0].ConversationID)
	assert.Equal(t, actions.IdempotencyKey(exec.ID, "send_vip"), sent[0].IdempotencyKey)

	calls := h.ai.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].SystemPrompt, "warm concierge")
	assert.Equal(t, "hi, where is my order?", calls[0].UserMessage)
}

func TestInterpreter_DeadEndBranchCompletes(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, []schema.WorkflowStep{
		cond("check_vip", customerAttr("tier", "vip"), "", "tag"),
		step("tag", schema.StepTypeAction, map[string]any{"action_type": "add_tag", "tag": "regular"}, ""),
	}, map[string]any{"customer": map[string]any{"tier": "vip"}})

	res, err := h.interp.Run(context.Background(), tenant, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, 1, res.StepsExecuted)
	assert.Empty(t, h.convs.Ops())
}

func TestInterpreter_DelaySuspendsAndResumesOnce(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, delayWorkflow(), nil)
	ctx := context.Background()

	res, err := h.interp.Run(ctx, tenant, exec.ID)
	require.NoError(t, err)
	assert.True(t, res.Suspended)
	assert.Equal(t, schema.ExecutionRunning, res.Status)
	assert.Equal(t, "wait", res.CurrentStepID)
	require.NotNil(t, res.FireAt)
	assert.Equal(t, h.now.Add(5*time.Minute), *res.FireAt)

	rs := h.pendingResumptions(t, exec.ID)
	require.Len(t, rs, 1)
	assert.Equal(t, schema.ResumptionResumeStep, rs[0].Kind)
	assert.Equal(t, "wait", rs[0].StepID)

	// Running a parked execution does nothing.
	res, err = h.interp.Run(ctx, tenant, exec.ID)
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.True(t, res.Suspended)

	claimed, err := h.store.ClaimResumption(ctx, rs[0].ID)
	require.NoError(t, err)
	require.True(t, claimed)

	res, err = h.interp.Resume(ctx, tenant, exec.ID, "wait")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)

	// A duplicate resume is a no-op.
	res, err = h.interp.Resume(ctx, tenant, exec.ID, "wait")
	require.NoError(t, err)
	assert.True(t, res.NoOp)

	ops := h.convs.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, "add_tag", ops[0].Op)
	assert.Equal(t, "add_note", ops[1].Op)
	assert.Equal(t, 3, h.load(t, exec.ID).StepsExecuted)
}

func TestInterpreter_ManualResumeDropsTimer(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, delayWorkflow(), nil)
	ctx := context.Background()

	_, err := h.interp.Run(ctx, tenant, exec.ID)
	require.NoError(t, err)
	require.Len(t, h.pendingResumptions(t, exec.ID), 1)

	res, err := h.interp.Resume(ctx, tenant, exec.ID, "wait")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Empty(t, h.pendingResumptions(t, exec.ID))
}

func TestInterpreter_RunAfterClaimedResumptionContinues(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, delayWorkflow(), nil)
	ctx := context.Background()

	_, err := h.interp.Run(ctx, tenant, exec.ID)
	require.NoError(t, err)
	rs := h.pendingResumptions(t, exec.ID)
	require.Len(t, rs, 1)

	// The timer was claimed but its resume never ran; a recovery run
	// must not wait out the delay a second time.
	claimed, err := h.store.ClaimResumption(ctx, rs[0].ID)
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := h.interp.Run(ctx, tenant, exec.ID)
	require.NoError(t, err)
	assert.False(t, res.Suspended)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Empty(t, h.pendingResumptions(t, exec.ID))

	ops := h.convs.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, "add_note", ops[1].Op)
	assert.Equal(t, 3, h.load(t, exec.ID).StepsExecuted)
}

func TestInterpreter_ResumeStaleStep(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, delayWorkflow(), nil)

	_, err := h.interp.Run(context.Background(), tenant, exec.ID)
	require.NoError(t, err)

	res, err := h.interp.Resume(context.Background(), tenant, exec.ID, "tag")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, "wait", h.load(t, exec.ID).CurrentStepID)
}

func TestInterpreter_SelfLoopHitsStepLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StepLimit = 10 })
	exec := h.start(t, []schema.WorkflowStep{
		cond("spin", map[string]any{"condition_type": "expression", "expression": "true"}, "spin", ""),
	}, nil)

	res, err := h.interp.Run(context.Background(), tenant, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, 10, res.StepsExecuted)

	got := h.load(t, exec.ID)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Equal(t, "spin", got.CurrentStepID)
	assert.Contains(t, got.ErrorMessage, schema.ErrCodeStepLimitExceeded)
	assert.NotNil(t, got.FailedAt)
}

func TestInterpreter_UnknownActionFailsAtStep(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, []schema.WorkflowStep{
		step("tag", schema.StepTypeAction, map[string]any{"action_type": "add_tag", "tag": "x"}, "fax"),
		step("fax", schema.StepTypeAction, map[string]any{"action_type": "send_fax"}, ""),
	}, nil)

	res, err := h.interp.Run(context.Background(), tenant, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, "fax", res.CurrentStepID)
	assert.Contains(t, res.Error, schema.ErrCodeUnknownStepType)

	report, err := h.interp.Status(context.Background(), tenant, exec.ID)
	require.NoError(t, err)
	require.Len(t, report.Trace, 2)
	assert.Equal(t, "fax", report.Trace[1].StepID)
	assert.NotEmpty(t, report.Trace[1].Error)
}

func TestInterpreter_MissingStepFails(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, delayWorkflow(), nil)

	// Simulate a graph snapshot that no longer contains the current step.
	got := h.load(t, exec.ID)
	got.Status = schema.ExecutionRunning
	got.CurrentStepID = "gone"
	require.NoError(t, h.store.Save(context.Background(), got))

	res, err := h.interp.Run(context.Background(), tenant, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, "gone", res.CurrentStepID)
	assert.Contains(t, res.Error, schema.ErrCodeStepNotFound)
}

func TestInterpreter_TransientFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.ai.Err = errors.New("connection reset by peer")
	exec := h.start(t, []schema.WorkflowStep{
		step("tag", schema.StepTypeAction, map[string]any{"action_type": "add_tag", "tag": "x"}, "reply"),
		step("reply", schema.StepTypeAction, map[string]any{"action_type": "send_ai_response"}, ""),
	}, map[string]any{"message": "hello"})
	ctx := context.Background()

	res, err := h.interp.Run(ctx, tenant, exec.ID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeActionFailed, schema.CodeOf(err))
	assert.True(t, IsRetryableError(err))
	assert.Equal(t, schema.ExecutionRunning, res.Status)
	assert.Equal(t, "reply", h.load(t, exec.ID).CurrentStepID)

	events, err := h.store.ListEvents(ctx, tenant, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EventActionRetrying, events[len(events)-1].Type)

	h.ai.Err = nil
	res, err = h.interp.Run(ctx, tenant, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Len(t, h.msgr.Sent(), 1)
	assert.Len(t, h.convs.Ops(), 1, "completed steps are not repeated")
}

func TestInterpreter_PermanentProviderErrorFails(t *testing.T) {
	h := newHarness(t)
	h.convs.Err = schema.NewError(schema.ErrCodeValidation, "conversation is archived")
	exec := h.start(t, []schema.WorkflowStep{
		step("tag", schema.StepTypeAction, map[string]any{"action_type": "add_tag", "tag": "x"}, ""),
	}, nil)

	res, err := h.interp.Run(context.Background(), tenant, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, "tag", res.CurrentStepID)
}

func TestInterpreter_Cancel(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, delayWorkflow(), nil)
	ctx := context.Background()

	_, err := h.interp.Run(ctx, tenant, exec.ID)
	require.NoError(t, err)

	require.NoError(t, h.interp.Cancel(ctx, tenant, exec.ID, "customer opted out"))
	got := h.load(t, exec.ID)
	assert.Equal(t, schema.ExecutionCancelled, got.Status)
	assert.Empty(t, h.pendingResumptions(t, exec.ID))

	err = h.interp.Cancel(ctx, tenant, exec.ID, "again")
	assert.Equal(t, schema.ErrCodeAlreadyTerminal, schema.CodeOf(err))

	res, err := h.interp.Resume(ctx, tenant, exec.ID, "wait")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Len(t, h.convs.Ops(), 1)
}

func TestInterpreter_CancelPending(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, delayWorkflow(), nil)

	require.NoError(t, h.interp.Cancel(context.Background(), tenant, exec.ID, ""))
	res, err := h.interp.Run(context.Background(), tenant, exec.ID)
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, schema.ExecutionCancelled, res.Status)
	assert.Empty(t, h.convs.Ops())
}

func TestInterpreter_Fail(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, delayWorkflow(), nil)
	ctx := context.Background()

	_, err := h.interp.Run(ctx, tenant, exec.ID)
	require.NoError(t, err)

	require.NoError(t, h.interp.Fail(ctx, tenant, exec.ID, errors.New("retries exhausted")))
	got := h.load(t, exec.ID)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Equal(t, "retries exhausted", got.ErrorMessage)
	assert.Equal(t, "wait", got.CurrentStepID)
	assert.Empty(t, h.pendingResumptions(t, exec.ID))

	// Terminal executions are left alone.
	require.NoError(t, h.interp.Fail(ctx, tenant, exec.ID, errors.New("again")))
	assert.Equal(t, "retries exhausted", h.load(t, exec.ID).ErrorMessage)
}

func TestInterpreter_UnknownExecution(t *testing.T) {
	h := newHarness(t)
	_, err := h.interp.Run(context.Background(), tenant, "nope")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestInterpreter_RebuildsMissingGraph(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, vipWorkflow(), nil)

	bare := &schema.Execution{
		ID:             "exec-2",
		TenantID:       tenant,
		WorkflowID:     exec.WorkflowID,
		ConversationID: "conv-2",
		TriggerSource:  "manual",
		Status:         schema.ExecutionPending,
		Context:        map[string]any{"customer": map[string]any{"is_new": true, "name": "Ana"}},
	}
	require.NoError(t, h.store.CreateExecution(context.Background(), bare))

	res, err := h.interp.Run(context.Background(), tenant, bare.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, 2, res.StepsExecuted)
}

func TestInterpreter_ConcurrentRunsDeliverOnce(t *testing.T) {
	h := newHarness(t)
	exec := h.start(t, vipWorkflow(), map[string]any{
		"customer": map[string]any{"is_new": false, "tier": "vip"},
	})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.interp.Run(context.Background(), tenant, exec.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, schema.ExecutionCompleted, h.load(t, exec.ID).Status)
	assert.Len(t, h.msgr.Sent(), 1)
}

func TestInterpreter_PublishesAndTraces(t *testing.T) {
	h := newHarness(t)
	ch, cancel, err := h.hub.Subscribe(context.Background(), streaming.EventFilter{
		TenantID:   tenant,
		EventTypes: []string{schema.EventExecutionStarted, schema.EventExecutionCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	exec := h.start(t, vipWorkflow(), map[string]any{"customer": map[string]any{"tier": "basic"}})
	_, err = h.interp.Run(context.Background(), tenant, exec.ID)
	require.NoError(t, err)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			assert.Equal(t, exec.ID, ev.ExecutionID)
			types = append(types, ev.EventType)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for lifecycle events")
		}
	}
	assert.Equal(t, []string{schema.EventExecutionStarted, schema.EventExecutionCompleted}, types)

	var runSpans, stepSpans int
	for _, s := range h.spans.Ended() {
		switch s.Name() {
		case "engine.run":
			runSpans++
		case "engine.step":
			stepSpans++
		}
	}
	assert.Equal(t, 1, runSpans)
	assert.Equal(t, 3, stepSpans)
}

func TestStepRegistry_Check(t *testing.T) {
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	conds := conditions.NewRegistry()
	require.NoError(t, conditions.RegisterBuiltins(conds, conditions.Deps{Engines: engines}))
	acts := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(acts, actions.Deps{}))
	reg := NewStepRegistry(conds, acts)

	build := func(steps ...schema.WorkflowStep) *schema.Graph {
		g, err := schema.BuildGraph(&schema.Workflow{ID: "wf", Steps: steps})
		require.NoError(t, err)
		return g
	}

	assert.NoError(t, reg.Check(build(delayWorkflow()...)))
	assert.NoError(t, reg.Check(build(vipWorkflow()...)))

	err = reg.Check(build(step("fax", schema.StepTypeAction, map[string]any{"action_type": "send_fax"}, "")))
	assert.Equal(t, schema.ErrCodeUnknownStepType, schema.CodeOf(err))

	err = reg.Check(build(step("tag", schema.StepTypeAction, map[string]any{"action_type": "add_tag"}, "")))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = reg.Check(build(cond("c", map[string]any{"condition_type": "horoscope"}, "", "")))
	assert.Equal(t, schema.ErrCodeUnknownStepType, schema.CodeOf(err))

	h, err := reg.Resolve(&schema.GraphNode{Step: step("t", schema.StepTypeTrigger, nil, "")})
	require.NoError(t, err)
	assert.Equal(t, HandlerPassThrough, h.Kind)
}
