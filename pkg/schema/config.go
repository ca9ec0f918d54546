package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Condition kinds.
const (
	ConditionConversationAttribute = "conversation_attribute"
	ConditionCustomerAttribute     = "customer_attribute"
	ConditionIntentValue           = "intent_value"
	ConditionAI                    = "ai_condition"
	ConditionExpression            = "expression"
)

// Action kinds.
const (
	ActionSendAIResponse = "send_ai_response"
	ActionAssignAgent    = "assign_agent"
	ActionAssignTeam     = "assign_team"
	ActionAddTag         = "add_tag"
	ActionRemoveTag      = "remove_tag"
	ActionSetStatus      = "set_status"
	ActionSetPriority    = "set_priority"
	ActionHumanHandoff   = "human_handoff"
	ActionAddNote        = "add_note"
	ActionDelay          = "delay"
	ActionWait           = "wait"
)

// ConditionConfig is the typed config of a condition step.
type ConditionConfig struct {
	ConditionType string  `json:"condition_type"`
	Field         string  `json:"field,omitempty"`
	Operator      string  `json:"operator,omitempty"`
	Value         any     `json:"value,omitempty"`
	Intent        string  `json:"intent,omitempty"`
	Prompt        string  `json:"prompt,omitempty"`
	SystemPrompt  string  `json:"system_prompt,omitempty"`
	ResultPath    string  `json:"result_path,omitempty"` // jq path into the AI JSON result
	Expression    string  `json:"expression,omitempty"`  // CEL
	Model         string  `json:"model,omitempty"`
	Threshold     float64 `json:"threshold,omitempty"`
}

// ActionConfig is the typed config of an action step.
type ActionConfig struct {
	ActionType   string   `json:"action_type"`
	AIAgentID    string   `json:"ai_agent_id,omitempty"`
	AgentID      string   `json:"agent_id,omitempty"`
	TeamID       string   `json:"team_id,omitempty"`
	Tag          string   `json:"tag,omitempty"`
	Status       string   `json:"status,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Note         string   `json:"note,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Personality  string   `json:"personality,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Message      string   `json:"message,omitempty"` // user-message template, defaults to {message}
	Model        string   `json:"model,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MediaURLs    []string `json:"media_urls,omitempty"`
	DelaySpec
}

// DelayConfig is the typed config of a delay step.
type DelayConfig struct {
	DelaySpec
}

// DelaySpec describes a suspension length. Duration is either a Go duration
// string ("5m") or a number interpreted in Unit (default minutes).
type DelaySpec struct {
	Duration any    `json:"duration,omitempty"`
	Unit     string `json:"unit,omitempty"`
}

// Delay resolves duration and unit to a positive time.Duration.
func (d DelaySpec) Delay() (time.Duration, error) {
	switch v := d.Duration.(type) {
	case nil:
		return 0, NewError(ErrCodeValidation, "delay duration is required")
	case string:
		dur, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			n, ok := ToFloat(v)
			if !ok {
				return 0, NewErrorf(ErrCodeValidation, "invalid delay duration %q", v)
			}
			return scaleUnit(n, d.Unit)
		}
		if dur <= 0 {
			return 0, NewErrorf(ErrCodeValidation, "delay duration must be positive, got %s", dur)
		}
		return dur, nil
	default:
		n, ok := ToFloat(v)
		if !ok {
			return 0, NewErrorf(ErrCodeValidation, "invalid delay duration %v", v)
		}
		return scaleUnit(n, d.Unit)
	}
}

func scaleUnit(n float64, unit string) (time.Duration, error) {
	if n <= 0 {
		return 0, NewErrorf(ErrCodeValidation, "delay duration must be positive, got %v", n)
	}
	var base time.Duration
	switch strings.ToLower(unit) {
	case "", "minute", "minutes", "m":
		base = time.Minute
	case "second", "seconds", "s":
		base = time.Second
	case "hour", "hours", "h":
		base = time.Hour
	case "day", "days", "d":
		base = 24 * time.Hour
	default:
		return 0, NewErrorf(ErrCodeValidation, "unknown delay unit %q", unit)
	}
	return time.Duration(n * float64(base)), nil
}

// DecodeConfig converts an untyped step config into its typed variant:
// *ConditionConfig, *ActionConfig or *DelayConfig. Structural step types
// (trigger, parallel, loop, merge) decode to nil.
func DecodeConfig(step *WorkflowStep) (any, error) {
	switch step.StepType {
	case StepTypeCondition:
		cfg := &ConditionConfig{}
		if err := decodeInto(step.Config, cfg); err != nil {
			return nil, configError(step, err)
		}
		if cfg.ConditionType == "" {
			return nil, NewErrorf(ErrCodeValidation, "condition step %s has no condition_type", step.ID).WithStep(step.ID)
		}
		return cfg, nil
	case StepTypeAction:
		cfg := &ActionConfig{}
		if err := decodeInto(step.Config, cfg); err != nil {
			return nil, configError(step, err)
		}
		if cfg.ActionType == "" {
			return nil, NewErrorf(ErrCodeValidation, "action step %s has no action_type", step.ID).WithStep(step.ID)
		}
		if cfg.ActionType == ActionDelay || cfg.ActionType == ActionWait {
			if _, err := cfg.Delay(); err != nil {
				return nil, configError(step, err)
			}
		}
		return cfg, nil
	case StepTypeDelay:
		cfg := &DelayConfig{}
		if err := decodeInto(step.Config, cfg); err != nil {
			return nil, configError(step, err)
		}
		if _, err := cfg.Delay(); err != nil {
			return nil, configError(step, err)
		}
		return cfg, nil
	case StepTypeTrigger, StepTypeParallel, StepTypeLoop, StepTypeMerge:
		return nil, nil
	default:
		return nil, NewErrorf(ErrCodeUnknownStepType, "unknown step type %q", step.StepType).WithStep(step.ID)
	}
}

func decodeInto(raw map[string]any, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func configError(step *WorkflowStep, err error) *EngineError {
	return NewErrorf(ErrCodeValidation, "invalid config for step %s: %s", step.ID, err.Error()).
		WithStep(step.ID).WithCause(err)
}

// String renders the config kind for logs.
func (c *ConditionConfig) String() string {
	return fmt.Sprintf("condition(%s)", c.ConditionType)
}

// String renders the config kind for logs.
func (c *ActionConfig) String() string {
	return fmt.Sprintf("action(%s)", c.ActionType)
}
