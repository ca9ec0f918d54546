package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/engageflow/pkg/schema"
)

// Action is the side effect behind one action step kind.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(cfg *schema.ActionConfig) error
}

// ActionRegistry resolves action kinds to actions. *Registry implements it.
type ActionRegistry interface {
	Register(action Action) error
	Get(kind string) (Action, error)
	Kinds() []string
}

// ActionSchema describes the config contract of an action.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Effect tells the interpreter what happened to the step.
type Effect string

const (
	// EffectCompleted advances along the unconditional successor.
	EffectCompleted Effect = "completed"
	// EffectSuspended parks the execution until FireAt.
	EffectSuspended Effect = "suspended"
)

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	TenantID       string               `json:"tenant_id"`
	ExecutionID    string               `json:"execution_id"`
	WorkflowID     string               `json:"workflow_id"`
	StepID         string               `json:"step_id"`
	ConversationID string               `json:"conversation_id,omitempty"`
	CustomerID     string               `json:"customer_id,omitempty"`
	Config         *schema.ActionConfig `json:"config"`
	Context        map[string]any       `json:"context,omitempty"`
	// IdempotencyKey is stable across retries of the same step.
	IdempotencyKey string `json:"idempotency_key"`
}

// IdempotencyKey derives the dedup key for a step of an execution.
func IdempotencyKey(executionID, stepID string) string {
	return executionID + ":" + stepID
}

// ActionOutput is the result of an action execution.
type ActionOutput struct {
	Effect Effect `json:"effect"`
	// Context is merged into the execution context. nil values delete keys.
	Context map[string]any `json:"context,omitempty"`
	// FireAt is set when Effect is EffectSuspended.
	FireAt time.Time `json:"fire_at,omitempty"`
}

// Completed builds a completed output with an optional context delta.
func Completed(delta map[string]any) *ActionOutput {
	return &ActionOutput{Effect: EffectCompleted, Context: delta}
}
