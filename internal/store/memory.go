package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/engageflow/pkg/schema"
)

// MemoryStore is an in-process Store for tests and single-node development.
// A single mutex serializes all writes, which trivially satisfies the
// per-execution single-writer rule.
type MemoryStore struct {
	mu            sync.Mutex
	workflows     map[string]*schema.Workflow
	executions    map[string]*schema.Execution
	resumptions   map[string]*schema.ScheduledResumption
	conversations map[string]*schema.Conversation
	events        map[string][]*schema.ExecutionEvent
	eventSeq      int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:     make(map[string]*schema.Workflow),
		executions:    make(map[string]*schema.Execution),
		resumptions:   make(map[string]*schema.ScheduledResumption),
		conversations: make(map[string]*schema.Conversation),
		events:        make(map[string][]*schema.ExecutionEvent),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Workflows ---

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workflows[wf.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	now := time.Now().UTC()
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = now
	}
	m.workflows[wf.ID] = deepCopy(wf)
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, tenantID, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.TenantID != tenantID {
		return nil, notFound("workflow", id)
	}
	return deepCopy(wf), nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Workflow
	for _, wf := range m.workflows {
		if filter.TenantID != "" && wf.TenantID != filter.TenantID {
			continue
		}
		if filter.TriggerType != "" && wf.TriggerType != filter.TriggerType {
			continue
		}
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		if !filter.IncludeDeleted && wf.DeletedAt != nil {
			continue
		}
		out = append(out, deepCopy(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateWorkflowStatus(_ context.Context, tenantID, id string, status schema.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.TenantID != tenantID {
		return notFound("workflow", id)
	}
	wf.Status = status
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SoftDeleteWorkflow(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.TenantID != tenantID {
		return notFound("workflow", id)
	}
	now := time.Now().UTC()
	wf.DeletedAt = &now
	wf.Status = schema.WorkflowStatusInactive
	wf.UpdatedAt = now
	return nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *schema.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertExecution(exec)
}

func (m *MemoryStore) CreateExecutionIfNoActive(_ context.Context, exec *schema.Execution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key := subjectKey(exec); key != "" {
		for _, other := range m.executions {
			if other.TenantID == exec.TenantID &&
				other.TriggerSource == exec.TriggerSource &&
				subjectKey(other) == key &&
				!other.Status.Terminal() {
				return false, nil
			}
		}
	}
	if err := m.insertExecution(exec); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) insertExecution(exec *schema.Execution) error {
	if _, exists := m.executions[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	prepareInsert(exec)
	m.executions[exec.ID] = deepCopy(exec)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, tenantID, id string) (*schema.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok || exec.TenantID != tenantID {
		return nil, notFound("execution", id)
	}
	return deepCopy(exec), nil
}

func (m *MemoryStore) Save(_ context.Context, exec *schema.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.executions[exec.ID]
	if !ok || cur.TenantID != exec.TenantID {
		return notFound("execution", exec.ID)
	}
	if cur.Status.Terminal() || cur.Version != exec.Version {
		return saveConflict(exec, cur.Status, cur.Version)
	}
	exec.Version++
	exec.UpdatedAt = time.Now().UTC()
	m.executions[exec.ID] = deepCopy(exec)
	return nil
}

func (m *MemoryStore) AppendContext(_ context.Context, tenantID, id string, delta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.executions[id]
	if !ok || cur.TenantID != tenantID {
		return notFound("execution", id)
	}
	if cur.Status.Terminal() {
		return alreadyTerminal(id, cur.Status)
	}
	cur.Context = mergeContext(cur.Context, deepCopy(delta))
	cur.Version++
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Execution
	for _, exec := range m.executions {
		if exec.TenantID != filter.TenantID {
			continue
		}
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.ConversationID != "" && exec.ConversationID != filter.ConversationID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		out = append(out, deepCopy(exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Scheduled resumptions ---

func (m *MemoryStore) ScheduleResumption(_ context.Context, r *schema.ScheduledResumption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prepareResumption(r)
	cp := *r
	m.resumptions[r.ID] = &cp
	return nil
}

func (m *MemoryStore) DueResumptions(_ context.Context, now time.Time, limit int) ([]*schema.ScheduledResumption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.ScheduledResumption
	for _, r := range m.resumptions {
		if r.Status == schema.ResumptionPending && !r.FireAt.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimResumption(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resumptions[id]
	if !ok {
		return false, notFound("resumption", id)
	}
	if r.Status != schema.ResumptionPending {
		return false, nil
	}
	r.Status = schema.ResumptionFired
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) FailResumption(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resumptions[id]
	if !ok {
		return notFound("resumption", id)
	}
	r.Status = schema.ResumptionFailed
	r.LastError = errMsg
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CancelResumptions(_ context.Context, tenantID, executionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.resumptions {
		if r.TenantID == tenantID && r.ExecutionID == executionID && r.Status == schema.ResumptionPending {
			delete(m.resumptions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListResumptions(_ context.Context, filter ResumptionFilter) ([]*schema.ScheduledResumption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.ScheduledResumption
	for _, r := range m.resumptions {
		if filter.TenantID != "" && r.TenantID != filter.TenantID {
			continue
		}
		if filter.ExecutionID != "" && r.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Conversations ---

func (m *MemoryStore) UpsertConversation(_ context.Context, c *schema.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := deepCopy(c)
	if cp.Status == "" {
		cp.Status = schema.ConversationOpen
	}
	cp.LastActivityAt = timeOrNow(cp.LastActivityAt)
	m.conversations[c.TenantID+"/"+c.ID] = cp
	return nil
}

func (m *MemoryStore) ListInactiveConversations(_ context.Context, tenantID string, inactiveSince time.Time, maxFollowUps, limit int) ([]*schema.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Conversation
	for _, c := range m.conversations {
		if c.TenantID != tenantID || c.Status == schema.ConversationClosed {
			continue
		}
		if c.LastActivityAt.After(inactiveSince) {
			continue
		}
		if maxFollowUps > 0 && c.FollowUpCount() >= maxFollowUps {
			continue
		}
		out = append(out, deepCopy(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) IncrementFollowUpCount(_ context.Context, tenantID, conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[tenantID+"/"+conversationID]
	if !ok {
		return 0, notFound("conversation", conversationID)
	}
	var n int
	c.Metadata, n = setFollowUpCount(c.Metadata)
	return n, nil
}

// --- History ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *schema.ExecutionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSeq++
	event.ID = m.eventSeq
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, tenantID, executionID string) ([]*schema.ExecutionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.ExecutionEvent
	for _, e := range m.events[executionID] {
		if e.TenantID != tenantID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
