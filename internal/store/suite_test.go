package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/engageflow/pkg/schema"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("WorkflowRoundTrip", func(t *testing.T) { testWorkflowRoundTrip(t, newStore(t)) })
	t.Run("WorkflowTenantScope", func(t *testing.T) { testWorkflowTenantScope(t, newStore(t)) })
	t.Run("ListWorkflowsFilters", func(t *testing.T) { testListWorkflowsFilters(t, newStore(t)) })
	t.Run("ExecutionLoadSave", func(t *testing.T) { testExecutionLoadSave(t, newStore(t)) })
	t.Run("SaveStaleVersion", func(t *testing.T) { testSaveStaleVersion(t, newStore(t)) })
	t.Run("SaveTerminal", func(t *testing.T) { testSaveTerminal(t, newStore(t)) })
	t.Run("LoadNotFound", func(t *testing.T) { testLoadNotFound(t, newStore(t)) })
	t.Run("OneActivePerSubject", func(t *testing.T) { testOneActivePerSubject(t, newStore(t)) })
	t.Run("AppendContext", func(t *testing.T) { testAppendContext(t, newStore(t)) })
	t.Run("ResumptionClaim", func(t *testing.T) { testResumptionClaim(t, newStore(t)) })
	t.Run("CancelResumptions", func(t *testing.T) { testCancelResumptions(t, newStore(t)) })
	t.Run("InactiveConversations", func(t *testing.T) { testInactiveConversations(t, newStore(t)) })
	t.Run("EventSequence", func(t *testing.T) { testEventSequence(t, newStore(t)) })
}

func newWorkflow(tenant string, trigger schema.TriggerType) *schema.Workflow {
	id := uuid.New().String()
	return &schema.Workflow{
		ID:          id,
		TenantID:    tenant,
		Name:        "wf-" + id[:8],
		TriggerType: trigger,
		TriggerConfig: map[string]any{
			"channels": []any{"whatsapp"},
		},
		Status:     schema.WorkflowStatusActive,
		Definition: schema.Definition{EntryStepID: "s1"},
		Steps: []schema.WorkflowStep{
			{ID: "s1", StepType: schema.StepTypeAction, Config: map[string]any{"action_type": "add_tag", "tag": "vip"}},
		},
	}
}

func newExecution(tenant, workflowID, conversationID string) *schema.Execution {
	return &schema.Execution{
		ID:             uuid.New().String(),
		TenantID:       tenant,
		WorkflowID:     workflowID,
		ConversationID: conversationID,
		TriggerSource:  schema.TriggerSourceFor(workflowID, schema.TriggerMessageReceived),
		Status:         schema.ExecutionPending,
		CurrentStepID:  "s1",
		Context:        map[string]any{"message": "hi"},
		Graph: &schema.Graph{
			WorkflowID: workflowID,
			Entry:      "s1",
			Nodes:      map[string]*schema.GraphNode{"s1": {Step: schema.WorkflowStep{ID: "s1", StepType: schema.StepTypeAction}}},
		},
	}
}

func testWorkflowRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	wf := newWorkflow("t1", schema.TriggerMessageReceived)
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "t1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.Name, got.Name)
	assert.Equal(t, schema.TriggerMessageReceived, got.TriggerType)
	assert.Equal(t, "s1", got.Definition.EntryStepID)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "add_tag", got.Steps[0].Config["action_type"])
	assert.Equal(t, []any{"whatsapp"}, got.TriggerConfig["channels"])
	assert.Nil(t, got.DeletedAt)

	require.NoError(t, s.SoftDeleteWorkflow(ctx, "t1", wf.ID))
	got, err = s.GetWorkflow(ctx, "t1", wf.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
	assert.False(t, got.Dispatchable())
}

func testWorkflowTenantScope(t *testing.T, s Store) {
	ctx := context.Background()
	wf := newWorkflow("t1", schema.TriggerMessageReceived)
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	_, err := s.GetWorkflow(ctx, "t2", wf.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	err = s.UpdateWorkflowStatus(ctx, "t2", wf.ID, schema.WorkflowStatusInactive)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func testListWorkflowsFilters(t *testing.T, s Store) {
	ctx := context.Background()
	a := newWorkflow("t1", schema.TriggerMessageReceived)
	b := newWorkflow("t1", schema.TriggerConversationCreated)
	c := newWorkflow("t1", schema.TriggerMessageReceived)
	c.Status = schema.WorkflowStatusDraft
	d := newWorkflow("t2", schema.TriggerMessageReceived)
	for _, wf := range []*schema.Workflow{a, b, c, d} {
		require.NoError(t, s.CreateWorkflow(ctx, wf))
	}

	active := schema.WorkflowStatusActive
	got, err := s.ListWorkflows(ctx, WorkflowFilter{TenantID: "t1", TriggerType: schema.TriggerMessageReceived, Status: &active})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	all, err := s.ListWorkflows(ctx, WorkflowFilter{TriggerType: schema.TriggerMessageReceived})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testExecutionLoadSave(t *testing.T, s Store) {
	ctx := context.Background()
	exec := newExecution("t1", "wf1", "c1")
	require.NoError(t, s.CreateExecution(ctx, exec))
	assert.Equal(t, int64(1), exec.Version)

	loaded, err := s.Load(ctx, "t1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, loaded.Status)
	assert.Equal(t, "hi", loaded.Context["message"])
	require.NotNil(t, loaded.Graph)
	assert.Equal(t, "s1", loaded.Graph.Entry)

	now := time.Now().UTC()
	loaded.Status = schema.ExecutionRunning
	loaded.StartedAt = &now
	loaded.StepsExecuted = 2
	loaded.Context["intent"] = "pricing"
	require.NoError(t, s.Save(ctx, loaded))
	assert.Equal(t, int64(2), loaded.Version)

	again, err := s.Load(ctx, "t1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, again.Status)
	assert.Equal(t, 2, again.StepsExecuted)
	assert.Equal(t, "pricing", again.Context["intent"])
	assert.NotNil(t, again.StartedAt)
	assert.Equal(t, int64(2), again.Version)
}

func testSaveStaleVersion(t *testing.T, s Store) {
	ctx := context.Background()
	exec := newExecution("t1", "wf1", "c1")
	require.NoError(t, s.CreateExecution(ctx, exec))

	first, err := s.Load(ctx, "t1", exec.ID)
	require.NoError(t, err)
	second, err := s.Load(ctx, "t1", exec.ID)
	require.NoError(t, err)

	first.CurrentStepID = "s2"
	require.NoError(t, s.Save(ctx, first))

	second.CurrentStepID = "s3"
	err = s.Save(ctx, second)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "got %v", err)
}

func testSaveTerminal(t *testing.T, s Store) {
	ctx := context.Background()
	exec := newExecution("t1", "wf1", "c1")
	require.NoError(t, s.CreateExecution(ctx, exec))

	exec.Status = schema.ExecutionCompleted
	require.NoError(t, s.Save(ctx, exec))

	exec.Status = schema.ExecutionRunning
	err := s.Save(ctx, exec)
	assert.True(t, schema.HasCode(err, schema.ErrCodeAlreadyTerminal), "got %v", err)

	err = s.AppendContext(ctx, "t1", exec.ID, map[string]any{"x": 1})
	assert.True(t, schema.HasCode(err, schema.ErrCodeAlreadyTerminal), "got %v", err)
}

func testLoadNotFound(t *testing.T, s Store) {
	_, err := s.Load(context.Background(), "t1", "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func testOneActivePerSubject(t *testing.T, s Store) {
	ctx := context.Background()

	first := newExecution("t1", "wf1", "c1")
	ok, err := s.CreateExecutionIfNoActive(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := newExecution("t1", "wf1", "c1")
	ok, err = s.CreateExecutionIfNoActive(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok, "second active execution for the same conversation must be rejected")

	otherConv := newExecution("t1", "wf1", "c2")
	ok, err = s.CreateExecutionIfNoActive(ctx, otherConv)
	require.NoError(t, err)
	assert.True(t, ok)

	otherTenant := newExecution("t2", "wf1", "c1")
	ok, err = s.CreateExecutionIfNoActive(ctx, otherTenant)
	require.NoError(t, err)
	assert.True(t, ok)

	first.Status = schema.ExecutionCompleted
	require.NoError(t, s.Save(ctx, first))

	next := newExecution("t1", "wf1", "c1")
	ok, err = s.CreateExecutionIfNoActive(ctx, next)
	require.NoError(t, err)
	assert.True(t, ok, "a terminal execution no longer blocks the subject")

	// Only the subject guard is absorbed; reusing an id is a conflict.
	clash := newExecution("t1", "wf1", "c3")
	clash.ID = next.ID
	ok, err = s.CreateExecutionIfNoActive(ctx, clash)
	assert.False(t, ok)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "got %v", err)
}

func testAppendContext(t *testing.T, s Store) {
	ctx := context.Background()
	exec := newExecution("t1", "wf1", "c1")
	require.NoError(t, s.CreateExecution(ctx, exec))

	require.NoError(t, s.AppendContext(ctx, "t1", exec.ID, map[string]any{"intent": "billing", "message": nil}))

	got, err := s.Load(ctx, "t1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "billing", got.Context["intent"])
	_, has := got.Context["message"]
	assert.False(t, has)
	assert.Equal(t, int64(2), got.Version)
}

func testResumptionClaim(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	due := &schema.ScheduledResumption{
		ID: uuid.New().String(), TenantID: "t1", Kind: schema.ResumptionResumeStep,
		ExecutionID: "e1", WorkflowID: "wf1", StepID: "s2", FireAt: now.Add(-time.Minute),
	}
	later := &schema.ScheduledResumption{
		ID: uuid.New().String(), TenantID: "t1", Kind: schema.ResumptionResumeStep,
		ExecutionID: "e2", WorkflowID: "wf1", StepID: "s2", FireAt: now.Add(time.Hour),
	}
	require.NoError(t, s.ScheduleResumption(ctx, due))
	require.NoError(t, s.ScheduleResumption(ctx, later))

	got, err := s.DueResumptions(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimResumption(ctx, due.ID)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims, "exactly one claimer wins")

	got, err = s.DueResumptions(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.FailResumption(ctx, later.ID, "boom"))
	failed := schema.ResumptionFailed
	list, err := s.ListResumptions(ctx, ResumptionFilter{TenantID: "t1", Status: &failed})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "boom", list[0].LastError)
}

func testCancelResumptions(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, s.ScheduleResumption(ctx, &schema.ScheduledResumption{
			ID: uuid.New().String(), TenantID: "t1", Kind: schema.ResumptionResumeStep,
			ExecutionID: "e1", WorkflowID: "wf1", FireAt: time.Now().Add(time.Minute),
		}))
	}
	n, err := s.CancelResumptions(ctx, "t1", "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := s.ListResumptions(ctx, ResumptionFilter{ExecutionID: "e1"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testInactiveConversations(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.UpsertConversation(ctx, &schema.Conversation{
		ID: "idle", TenantID: "t1", CustomerID: "cu1", LastActivityAt: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, s.UpsertConversation(ctx, &schema.Conversation{
		ID: "fresh", TenantID: "t1", LastActivityAt: now,
	}))
	require.NoError(t, s.UpsertConversation(ctx, &schema.Conversation{
		ID: "closed", TenantID: "t1", Status: schema.ConversationClosed, LastActivityAt: now.Add(-2 * time.Hour),
	}))

	got, err := s.ListInactiveConversations(ctx, "t1", now.Add(-time.Hour), 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "idle", got[0].ID)
	assert.Equal(t, 0, got[0].FollowUpCount())

	n, err := s.IncrementFollowUpCount(ctx, "t1", "idle")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementFollowUpCount(ctx, "t1", "idle")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err = s.ListInactiveConversations(ctx, "t1", now.Add(-time.Hour), 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].FollowUpCount())

	// A capped conversation no longer occupies a slot of the page.
	require.NoError(t, s.UpsertConversation(ctx, &schema.Conversation{
		ID: "newer", TenantID: "t1", LastActivityAt: now.Add(-90 * time.Minute),
	}))
	got, err = s.ListInactiveConversations(ctx, "t1", now.Add(-time.Hour), 2, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "newer", got[0].ID)

	got, err = s.ListInactiveConversations(ctx, "t1", now.Add(-time.Hour), 3, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func testEventSequence(t *testing.T, s Store) {
	ctx := context.Background()
	exec := newExecution("t1", "wf1", "c1")
	el := NewEventLog(s)

	require.NoError(t, el.Record(ctx, exec, "", schema.EventExecutionStarted, nil))
	require.NoError(t, el.Record(ctx, exec, "s1", schema.EventStepStarted, nil))
	require.NoError(t, el.Record(ctx, exec, "s1", schema.EventConditionEvaluated, map[string]any{"outcome": true}))
	require.NoError(t, el.Record(ctx, exec, "s2", schema.EventStepStarted, nil))
	require.NoError(t, el.Record(ctx, exec, "s2", schema.EventStepSuspended, nil))

	events, err := s.ListEvents(ctx, "t1", exec.ID)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	trace, err := el.Trace(ctx, "t1", exec.ID)
	require.NoError(t, err)
	require.Len(t, trace, 2)
	assert.Equal(t, "s1", trace[0].StepID)
	require.NotNil(t, trace[0].Outcome)
	assert.True(t, *trace[0].Outcome)
	assert.True(t, trace[1].Suspended)

	other, err := s.ListEvents(ctx, "t2", exec.ID)
	require.NoError(t, err)
	assert.Empty(t, other)
}
