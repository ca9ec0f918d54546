package schema

import "time"

// TriggerType is the class of domain event that makes a workflow eligible to start.
type TriggerType string

const (
	TriggerMessageReceived     TriggerType = "message_received"
	TriggerConversationCreated TriggerType = "conversation_created"
	TriggerConversationClosed  TriggerType = "conversation_closed"
	TriggerCustomerCreated     TriggerType = "customer_created"
	TriggerCustomerReturning   TriggerType = "customer_returning"
	TriggerAutoFollowUp        TriggerType = "auto_follow_up"
	TriggerNoResponse          TriggerType = "no_response"
	TriggerScheduled           TriggerType = "scheduled"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerMessageReceived, TriggerConversationCreated, TriggerConversationClosed,
		TriggerCustomerCreated, TriggerCustomerReturning, TriggerAutoFollowUp,
		TriggerNoResponse, TriggerScheduled:
		return true
	}
	return false
}

// WorkflowStatus is the authoring status of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusInactive WorkflowStatus = "inactive"
)

// ExecutionMode is accepted on workflows but only sequential traversal is interpreted.
type ExecutionMode string

const (
	ExecutionModeSequential ExecutionMode = "sequential"
	ExecutionModeParallel   ExecutionMode = "parallel"
	ExecutionModeMixed      ExecutionMode = "mixed"
)

// StepType enumerates the kinds of steps in a workflow graph.
type StepType string

const (
	StepTypeCondition StepType = "condition"
	StepTypeAction    StepType = "action"
	StepTypeDelay     StepType = "delay"
	StepTypeTrigger   StepType = "trigger"
	StepTypeParallel  StepType = "parallel"
	StepTypeLoop      StepType = "loop"
	StepTypeMerge     StepType = "merge"
)

// Branch tags used in NextStep.Condition.
const (
	BranchTrue          = "true"
	BranchFalse         = "false"
	BranchUnconditional = ""
)

// Definition names the entry step and the ordered step ids of a workflow.
type Definition struct {
	EntryStepID string   `json:"entry_step_id"`
	StepIDs     []string `json:"step_ids,omitempty"`
}

// Workflow is a tenant-defined automation.
type Workflow struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Name          string         `json:"name"`
	TriggerType   TriggerType    `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	Status        WorkflowStatus `json:"status"`
	ExecutionMode ExecutionMode  `json:"execution_mode,omitempty"`
	Definition    Definition     `json:"definition"`
	Steps         []WorkflowStep `json:"steps"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     *time.Time     `json:"deleted_at,omitempty"`
}

// Dispatchable reports whether the workflow may be started by the dispatcher.
func (w *Workflow) Dispatchable() bool {
	return w.Status == WorkflowStatusActive && w.DeletedAt == nil
}

// WorkflowStep is one node in a workflow graph.
type WorkflowStep struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	StepType   StepType       `json:"step_type"`
	Config     map[string]any `json:"config,omitempty"`
	NextSteps  []NextStep     `json:"next_steps,omitempty"`
}

// NextStep is one entry of a step's branch table.
type NextStep struct {
	StepID    string `json:"step_id"`
	Condition string `json:"condition,omitempty"` // "true" | "false" | "" (unconditional)
}
