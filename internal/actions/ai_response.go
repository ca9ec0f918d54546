package actions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/engageflow/internal/expressions"
	"github.com/rendis/engageflow/internal/providers"
	"github.com/rendis/engageflow/pkg/schema"
)

// Context keys recorded by send_ai_response.
const (
	KeyLastAIResponse = "last_ai_response"
	KeyLastMessageID  = "last_message_id"
)

// DefaultAgentPrompt is the system prompt when a step sets neither
// system_prompt nor personality.
const DefaultAgentPrompt = "You are a friendly customer support agent. Keep replies short and helpful."

// DefaultFollowUpMessage is the user turn when the execution carries no
// inbound message (follow-ups, scheduled runs).
const DefaultFollowUpMessage = "Write a short, friendly follow-up message to re-engage the customer."

// SendAIResponseAction generates a reply with the AIProvider and delivers it
// with the Messenger. Delivery carries the step's idempotency key so a retried
// step does not message the customer twice.
type SendAIResponseAction struct {
	ai        providers.AIProvider
	messenger providers.Messenger
	defaults  providers.Options
}

// NewSendAIResponseAction creates the send_ai_response action.
func NewSendAIResponseAction(ai providers.AIProvider, messenger providers.Messenger, defaults providers.Options) *SendAIResponseAction {
	return &SendAIResponseAction{ai: ai, messenger: messenger, defaults: defaults}
}

func (a *SendAIResponseAction) Name() string { return schema.ActionSendAIResponse }

func (a *SendAIResponseAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Generate a reply with the AI provider and send it to the conversation.",
		InputSchema: json.RawMessage(sendAIResponseInputSchema),
	}
}

func (a *SendAIResponseAction) Validate(cfg *schema.ActionConfig) error {
	if cfg.MaxTokens < 0 {
		return schema.NewError(schema.ErrCodeValidation, "send_ai_response: max_tokens must be positive")
	}
	if t := cfg.Temperature; t != nil && (*t < 0 || *t > 2) {
		return schema.NewErrorf(schema.ErrCodeValidation, "send_ai_response: temperature %v outside [0,2]", *t)
	}
	return nil
}

func (a *SendAIResponseAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if a.ai == nil || a.messenger == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "send_ai_response: AI provider or messenger not configured")
	}
	if input.ConversationID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "send_ai_response: execution has no conversation")
	}
	cfg := input.Config

	completion, err := a.ai.GenerateResponse(ctx, systemPrompt(cfg, input.Context), userMessage(cfg, input.Context), a.options(cfg))
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(completion.Content)
	if content == "" {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "send_ai_response: provider returned an empty reply")
	}

	res, err := a.messenger.Send(ctx, providers.DeliveryRequest{
		TenantID:       input.TenantID,
		ConversationID: input.ConversationID,
		Content:        content,
		MediaURLs:      cfg.MediaURLs,
		IdempotencyKey: input.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	delta := map[string]any{
		KeyLastAIResponse:  content,
		KeyLastActionTaken: a.Name(),
	}
	if res != nil && res.MessageID != "" {
		delta[KeyLastMessageID] = res.MessageID
	}
	return Completed(delta), nil
}

func (a *SendAIResponseAction) options(cfg *schema.ActionConfig) providers.Options {
	opts := a.defaults
	if cfg.Model != "" {
		opts.Model = cfg.Model
	}
	if cfg.MaxTokens > 0 {
		opts.MaxTokens = cfg.MaxTokens
	}
	if cfg.Temperature != nil {
		opts.Temperature = cfg.Temperature
	}
	return opts
}

func systemPrompt(cfg *schema.ActionConfig, execCtx map[string]any) string {
	var parts []string
	if cfg.SystemPrompt != "" {
		parts = append(parts, expressions.Render(cfg.SystemPrompt, execCtx))
	}
	if cfg.Personality != "" {
		parts = append(parts, "Personality: "+cfg.Personality)
	}
	if len(parts) == 0 {
		return DefaultAgentPrompt
	}
	return strings.Join(parts, "\n\n")
}

func userMessage(cfg *schema.ActionConfig, execCtx map[string]any) string {
	if cfg.Message != "" {
		return expressions.Render(cfg.Message, execCtx)
	}
	if msg, ok := execCtx["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return msg
	}
	return DefaultFollowUpMessage
}
