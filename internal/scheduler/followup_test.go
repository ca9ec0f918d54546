package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/pkg/schema"
)

func newFollowUpHarness(t *testing.T, batch int) (*harness, *FollowUpScanner) {
	t.Helper()
	h := newHarness(t)
	scanner := NewFollowUpScanner(h.store, h.disp, FollowUpConfig{
		BatchSize:     batch,
		RatePerSecond: 1000,
		Concurrency:   2,
		Now:           func() time.Time { return h.now },
	})
	return h, scanner
}

func (h *harness) conversation(t *testing.T, id string, quietFor time.Duration, followUps int, status string) {
	t.Helper()
	var meta map[string]any
	if followUps > 0 {
		meta = map[string]any{schema.MetaFollowUpCount: followUps}
	}
	require.NoError(t, h.store.UpsertConversation(context.Background(), &schema.Conversation{
		ID: id, TenantID: "t1", CustomerID: "cust-" + id, Status: status,
		LastActivityAt: h.now.Add(-quietFor), Metadata: meta,
	}))
}

func followUpCount(t *testing.T, s *store.MemoryStore, id string) int {
	t.Helper()
	convs, err := s.ListInactiveConversations(context.Background(), "t1", time.Now().Add(24*time.Hour), 0, 0)
	require.NoError(t, err)
	for _, c := range convs {
		if c.ID == id {
			return c.FollowUpCount()
		}
	}
	t.Fatalf("conversation %s not found", id)
	return 0
}

func TestFollowUpScanner_StartsForQuietConversations(t *testing.T) {
	h, scanner := newFollowUpHarness(t, 0)
	h.workflow(t, "nudge", schema.TriggerNoResponse, map[string]any{"inactivity_minutes": 30})
	h.conversation(t, "quiet", 45*time.Minute, 0, schema.ConversationOpen)
	h.conversation(t, "chatty", 5*time.Minute, 0, schema.ConversationOpen)
	h.conversation(t, "gone", 3*time.Hour, 0, schema.ConversationClosed)

	n, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events := h.disp.snapshot()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, schema.EventNoResponse, ev.Type)
	assert.Equal(t, "nudge", ev.WorkflowID)
	assert.Equal(t, "quiet", ev.ConversationID)
	assert.Equal(t, "cust-quiet", ev.CustomerID)
	assert.Equal(t, 0, ev.Payload["follow_up_count"])

	assert.Equal(t, 1, followUpCount(t, h.store, "quiet"))
}

func TestFollowUpScanner_RespectsMaxFollowUps(t *testing.T) {
	h, scanner := newFollowUpHarness(t, 0)
	h.workflow(t, "chase", schema.TriggerAutoFollowUp, map[string]any{"inactivity_minutes": 10, "max_follow_ups": 2})
	h.conversation(t, "once", time.Hour, 1, schema.ConversationOpen)
	h.conversation(t, "done", time.Hour, 2, schema.ConversationOpen)

	n, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events := h.disp.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventAutoFollowUp, events[0].Type)
	assert.Equal(t, "once", events[0].ConversationID)
	assert.Equal(t, 2, followUpCount(t, h.store, "once"))

	// The counter now sits at the cap, so a second pass is a no-op.
	n, err = scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFollowUpScanner_CappedConversationsDoNotStarveBatch(t *testing.T) {
	h, scanner := newFollowUpHarness(t, 3)
	h.workflow(t, "chase", schema.TriggerAutoFollowUp, map[string]any{"inactivity_minutes": 30, "max_follow_ups": 2})
	for _, id := range []string{"old-1", "old-2", "old-3"} {
		h.conversation(t, id, 5*time.Hour, 2, schema.ConversationOpen)
	}
	h.conversation(t, "recent", time.Hour, 0, schema.ConversationOpen)

	n, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	events := h.disp.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "recent", events[0].ConversationID)
	assert.Equal(t, 1, followUpCount(t, h.store, "recent"))
	for _, id := range []string{"old-1", "old-2", "old-3"} {
		assert.Equal(t, 2, followUpCount(t, h.store, id), id)
	}
}

func TestFollowUpScanner_DefaultInactivityAndCap(t *testing.T) {
	h, scanner := newFollowUpHarness(t, 0)
	h.workflow(t, "nudge", schema.TriggerNoResponse, nil)
	h.conversation(t, "under-hour", 59*time.Minute, 0, schema.ConversationOpen)
	h.conversation(t, "capped", 2*time.Hour, DefaultMaxFollowUps, schema.ConversationOpen)
	h.conversation(t, "eligible", 2*time.Hour, 0, schema.ConversationOpen)

	n, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "eligible", h.disp.snapshot()[0].ConversationID)
}

func TestFollowUpScanner_NoExecutionLeavesCounter(t *testing.T) {
	h, scanner := newFollowUpHarness(t, 0)
	h.disp.skip = func(schema.DomainEvent) bool { return true }
	h.workflow(t, "nudge", schema.TriggerNoResponse, map[string]any{"inactivity_minutes": 30})
	h.conversation(t, "busy", time.Hour, 0, schema.ConversationOpen)

	n, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.disp.snapshot(), 1)
	assert.Zero(t, followUpCount(t, h.store, "busy"))
}

func TestFollowUpScanner_BatchBudgetSpansWorkflows(t *testing.T) {
	h, scanner := newFollowUpHarness(t, 3)
	h.workflow(t, "a", schema.TriggerNoResponse, map[string]any{"inactivity_minutes": 10})
	h.workflow(t, "b", schema.TriggerAutoFollowUp, map[string]any{"inactivity_minutes": 10})
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		h.conversation(t, id, time.Hour, 0, schema.ConversationOpen)
	}

	n, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, h.disp.snapshot(), 3)
}

func TestFollowUpScanner_SkipsInactiveWorkflows(t *testing.T) {
	h, scanner := newFollowUpHarness(t, 0)
	h.workflow(t, "nudge", schema.TriggerNoResponse, map[string]any{"inactivity_minutes": 10})
	require.NoError(t, h.store.UpdateWorkflowStatus(context.Background(), "t1", "nudge", schema.WorkflowStatusInactive))
	h.conversation(t, "quiet", time.Hour, 0, schema.ConversationOpen)

	n, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.disp.snapshot())
}

func TestScheduler_DrivesFollowUps(t *testing.T) {
	h := newHarness(t)
	scanner := NewFollowUpScanner(h.store, h.disp, FollowUpConfig{RatePerSecond: 1000, Now: func() time.Time { return h.now }})
	h.sched = New(h.store, h.queue, h.disp, scanner, Config{
		PollInterval:     time.Hour,
		FollowUpInterval: 10 * time.Millisecond,
		Now:              func() time.Time { return h.now },
	})
	h.workflow(t, "nudge", schema.TriggerNoResponse, map[string]any{"inactivity_minutes": 10, "max_follow_ups": 1})
	h.conversation(t, "quiet", time.Hour, 0, schema.ConversationOpen)

	require.NoError(t, h.sched.Start(context.Background()))
	defer func() { _ = h.sched.Stop() }()

	require.Eventually(t, func() bool { return len(h.disp.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}
