package actions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/engageflow/internal/expressions"
	"github.com/rendis/engageflow/internal/providers"
	"github.com/rendis/engageflow/pkg/schema"
)

// Context keys recorded by conversation actions.
const (
	KeyAssignedAgent   = "assigned_agent_id"
	KeyAssignedTeam    = "assigned_team_id"
	KeyConversationSt  = "conversation_status"
	KeyPriority        = "conversation_priority"
	KeyHandoff         = "handoff_requested"
	KeyHandoffReason   = "handoff_reason"
	KeyLastActionTaken = "last_action"
)

// conversationAction adapts one ConversationService mutation to an Action.
type conversationAction struct {
	name        string
	description string
	field       string
	required    bool
	inputSchema string
	param       func(cfg *schema.ActionConfig) string
	call        func(ctx context.Context, svc providers.ConversationService, ref providers.ConversationRef, value string) error
	delta       func(value string) map[string]any
	svc         providers.ConversationService
}

func (a *conversationAction) Name() string { return a.name }

func (a *conversationAction) Schema() ActionSchema {
	return ActionSchema{
		Description: a.description,
		InputSchema: json.RawMessage(a.inputSchema),
	}
}

func (a *conversationAction) Validate(cfg *schema.ActionConfig) error {
	if a.required && strings.TrimSpace(a.param(cfg)) == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required field %q", a.name, a.field)
	}
	return nil
}

func (a *conversationAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if input.ConversationID == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: execution has no conversation", a.name)
	}
	if a.svc == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: no conversation service configured", a.name)
	}

	value := expressions.Render(a.param(input.Config), input.Context)
	ref := providers.ConversationRef{
		TenantID:       input.TenantID,
		ConversationID: input.ConversationID,
		IdempotencyKey: input.IdempotencyKey,
	}
	if err := a.call(ctx, a.svc, ref, value); err != nil {
		return nil, err
	}

	delta := map[string]any{KeyLastActionTaken: a.name}
	if a.delta != nil {
		for k, v := range a.delta(value) {
			delta[k] = v
		}
	}
	return Completed(delta), nil
}

// ConversationActions returns the actions backed by the ConversationService.
func ConversationActions(svc providers.ConversationService) []Action {
	return []Action{
		&conversationAction{
			name:        schema.ActionAssignAgent,
			description: "Assign the conversation to an agent.",
			field:       "agent_id",
			required:    true,
			inputSchema: requiredFieldSchema("agent_id"),
			param:       func(c *schema.ActionConfig) string { return c.AgentID },
			call: func(ctx context.Context, s providers.ConversationService, r providers.ConversationRef, v string) error {
				return s.AssignAgent(ctx, r, v)
			},
			delta: func(v string) map[string]any { return map[string]any{KeyAssignedAgent: v} },
			svc:   svc,
		},
		&conversationAction{
			name:        schema.ActionAssignTeam,
			description: "Assign the conversation to a team.",
			field:       "team_id",
			required:    true,
			inputSchema: requiredFieldSchema("team_id"),
			param:       func(c *schema.ActionConfig) string { return c.TeamID },
			call: func(ctx context.Context, s providers.ConversationService, r providers.ConversationRef, v string) error {
				return s.AssignTeam(ctx, r, v)
			},
			delta: func(v string) map[string]any { return map[string]any{KeyAssignedTeam: v} },
			svc:   svc,
		},
		&conversationAction{
			name:        schema.ActionAddTag,
			description: "Add a tag to the conversation.",
			field:       "tag",
			required:    true,
			inputSchema: requiredFieldSchema("tag"),
			param:       func(c *schema.ActionConfig) string { return c.Tag },
			call: func(ctx context.Context, s providers.ConversationService, r providers.ConversationRef, v string) error {
				return s.AddTag(ctx, r, v)
			},
			svc: svc,
		},
		&conversationAction{
			name:        schema.ActionRemoveTag,
			description: "Remove a tag from the conversation.",
			field:       "tag",
			required:    true,
			inputSchema: requiredFieldSchema("tag"),
			param:       func(c *schema.ActionConfig) string { return c.Tag },
			call: func(ctx context.Context, s providers.ConversationService, r providers.ConversationRef, v string) error {
				return s.RemoveTag(ctx, r, v)
			},
			svc: svc,
		},
		&conversationAction{
			name:        schema.ActionSetStatus,
			description: "Change the conversation status.",
			field:       "status",
			required:    true,
			inputSchema: requiredFieldSchema("status"),
			param:       func(c *schema.ActionConfig) string { return c.Status },
			call: func(ctx context.Context, s providers.ConversationService, r providers.ConversationRef, v string) error {
				return s.SetStatus(ctx, r, v)
			},
			delta: func(v string) map[string]any { return map[string]any{KeyConversationSt: v} },
			svc:   svc,
		},
		&conversationAction{
			name:        schema.ActionSetPriority,
			description: "Change the conversation priority.",
			field:       "priority",
			required:    true,
			inputSchema: requiredFieldSchema("priority"),
			param:       func(c *schema.ActionConfig) string { return c.Priority },
			call: func(ctx context.Context, s providers.ConversationService, r providers.ConversationRef, v string) error {
				return s.SetPriority(ctx, r, v)
			},
			delta: func(v string) map[string]any { return map[string]any{KeyPriority: v} },
			svc:   svc,
		},
		&conversationAction{
			name:        schema.ActionHumanHandoff,
			description: "Hand the conversation over to a human agent.",
			field:       "reason",
			inputSchema: optionalFieldSchema("reason"),
			param:       func(c *schema.ActionConfig) string { return c.Reason },
			call: func(ctx context.Context, s providers.ConversationService, r providers.ConversationRef, v string) error {
				return s.Handoff(ctx, r, v)
			},
			delta: func(v string) map[string]any {
				return map[string]any{KeyHandoff: true, KeyHandoffReason: v}
			},
			svc: svc,
		},
		&conversationAction{
			name:        schema.ActionAddNote,
			description: "Attach an internal note to the conversation. Supports {placeholders}.",
			field:       "note",
			required:    true,
			inputSchema: requiredFieldSchema("note"),
			param:       func(c *schema.ActionConfig) string { return c.Note },
			call: func(ctx context.Context, s providers.ConversationService, r providers.ConversationRef, v string) error {
				return s.AddNote(ctx, r, v)
			},
			svc: svc,
		},
	}
}
