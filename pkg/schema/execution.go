package schema

import (
	"maps"
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal executions are immutable.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Execution is one run of a workflow against a specific trigger occurrence.
// A delayed execution stays running with a pending ScheduledResumption.
type Execution struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	WorkflowID     string          `json:"workflow_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	TriggerSource  string          `json:"trigger_source"`
	Status         ExecutionStatus `json:"status"`
	CurrentStepID  string          `json:"current_step_id,omitempty"`
	Context        map[string]any  `json:"execution_context"`
	Graph          *Graph          `json:"graph,omitempty"`
	StepsExecuted  int             `json:"steps_executed"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// Version is bumped by every successful Save; stores reject stale writes.
	Version int64 `json:"version"`
}

// Clone returns a copy whose Context map can be mutated independently.
// The graph snapshot is immutable and shared.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.Context = maps.Clone(e.Context)
	if cp.Context == nil {
		cp.Context = map[string]any{}
	}
	return &cp
}

// TriggerSourceFor builds the key used by the one-active-execution guard.
func TriggerSourceFor(workflowID string, trigger TriggerType) string {
	return string(trigger) + ":" + workflowID
}

// ResumptionKind distinguishes delayed-step resumptions from scheduled workflow triggers.
type ResumptionKind string

const (
	ResumptionResumeStep       ResumptionKind = "resume_step"
	ResumptionScheduledTrigger ResumptionKind = "scheduled_trigger"
)

// ResumptionStatus is the consumption state of a ScheduledResumption.
type ResumptionStatus string

const (
	ResumptionPending ResumptionStatus = "pending"
	ResumptionFired   ResumptionStatus = "fired"
	ResumptionFailed  ResumptionStatus = "failed"
)

// ScheduledResumption backs delayed steps and scheduled workflow triggers.
// It is consumed exactly once: pending -> fired is a compare-and-set in the store.
type ScheduledResumption struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	Kind        ResumptionKind   `json:"kind"`
	ExecutionID string           `json:"execution_id,omitempty"`
	WorkflowID  string           `json:"workflow_id"`
	StepID      string           `json:"step_id,omitempty"`
	FireAt      time.Time        `json:"fire_at"`
	Status      ResumptionStatus `json:"status"`
	LastError   string           `json:"last_error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Conversation is the slice of conversation state the follow-up scanner needs.
type Conversation struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	CustomerID     string         `json:"customer_id,omitempty"`
	Status         string         `json:"status"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Conversation metadata keys.
const (
	MetaFollowUpCount = "follow_up_count"
)

// Conversation statuses the engine cares about.
const (
	ConversationOpen   = "open"
	ConversationClosed = "closed"
)

// FollowUpCount reads the per-conversation follow-up counter from metadata.
func (c *Conversation) FollowUpCount() int {
	n, _ := ToFloat(c.Metadata[MetaFollowUpCount])
	return int(n)
}
