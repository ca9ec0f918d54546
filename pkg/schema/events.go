package schema

import (
	"encoding/json"
	"time"
)

// DomainEventType names an inbound event consumed from the platform event bus.
type DomainEventType string

const (
	EventMessageReceived     DomainEventType = "MessageReceived"
	EventConversationCreated DomainEventType = "ConversationCreated"
	EventConversationClosed  DomainEventType = "ConversationClosed"
	EventCustomerCreated     DomainEventType = "CustomerCreated"
	EventCustomerReturning   DomainEventType = "CustomerReturning"

	// Emitted internally by the scanners.
	EventNoResponse   DomainEventType = "NoResponse"
	EventAutoFollowUp DomainEventType = "AutoFollowUp"
	EventScheduled    DomainEventType = "Scheduled"
)

// eventTriggers maps each event type to the trigger type it activates.
var eventTriggers = map[DomainEventType]TriggerType{
	EventMessageReceived:     TriggerMessageReceived,
	EventConversationCreated: TriggerConversationCreated,
	EventConversationClosed:  TriggerConversationClosed,
	EventCustomerCreated:     TriggerCustomerCreated,
	EventCustomerReturning:   TriggerCustomerReturning,
	EventNoResponse:          TriggerNoResponse,
	EventAutoFollowUp:        TriggerAutoFollowUp,
	EventScheduled:           TriggerScheduled,
}

// Trigger returns the trigger type for the event, or false if unknown.
func (t DomainEventType) Trigger() (TriggerType, bool) {
	tt, ok := eventTriggers[t]
	return tt, ok
}

// ParseDomainEventType accepts either an event name ("MessageReceived") or a
// trigger name ("message_received").
func ParseDomainEventType(s string) (DomainEventType, bool) {
	if _, ok := eventTriggers[DomainEventType(s)]; ok {
		return DomainEventType(s), true
	}
	for ev, tt := range eventTriggers {
		if string(tt) == s {
			return ev, true
		}
	}
	return "", false
}

// DomainEvent is an inbound event carrying tenant and entity identity.
type DomainEvent struct {
	Type           DomainEventType `json:"type"`
	TenantID       string          `json:"tenant_id"`
	EntityID       string          `json:"entity_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	CustomerID     string          `json:"customer_id,omitempty"`
	WorkflowID     string          `json:"workflow_id,omitempty"` // set by scheduled triggers only
	Payload        map[string]any  `json:"payload,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// Execution history event types.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventStepStarted        = "step_started"
	EventStepCompleted      = "step_completed"
	EventStepSuspended      = "step_suspended"
	EventConditionEvaluated = "condition_evaluated"
	EventActionRetrying     = "action_retrying"
)

// ExecutionEvent is an immutable entry in an execution's history.
type ExecutionEvent struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	TenantID    string          `json:"tenant_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}
