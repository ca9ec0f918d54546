// Package providers defines the collaborators the engine calls out to (AI
// completion, message delivery, conversation mutations) and ships HTTP
// reference implementations of each.
package providers

import (
	"context"
)

// Options tunes a single completion request.
type Options struct {
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the text returned by an AI provider.
type Completion struct {
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// AIProvider produces a completion for a system prompt and a user message.
type AIProvider interface {
	GenerateResponse(ctx context.Context, systemPrompt, userMessage string, opts Options) (*Completion, error)
}

// DeliveryRequest is an outbound message on a conversation's channel.
// IdempotencyKey lets the messaging service drop duplicates when a step is retried.
type DeliveryRequest struct {
	TenantID       string   `json:"tenant_id"`
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	MediaURLs      []string `json:"media_urls,omitempty"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// DeliveryResult acknowledges an outbound message.
type DeliveryResult struct {
	MessageID string `json:"message_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Messenger delivers outbound messages.
type Messenger interface {
	Send(ctx context.Context, req DeliveryRequest) (*DeliveryResult, error)
}

// ConversationRef identifies the conversation a mutation applies to.
type ConversationRef struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	// IdempotencyKey is execution id + step id.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ConversationService applies conversation mutations owned by the platform.
type ConversationService interface {
	AssignAgent(ctx context.Context, ref ConversationRef, agentID string) error
	AssignTeam(ctx context.Context, ref ConversationRef, teamID string) error
	AddTag(ctx context.Context, ref ConversationRef, tag string) error
	RemoveTag(ctx context.Context, ref ConversationRef, tag string) error
	SetStatus(ctx context.Context, ref ConversationRef, status string) error
	SetPriority(ctx context.Context, ref ConversationRef, priority string) error
	Handoff(ctx context.Context, ref ConversationRef, reason string) error
	AddNote(ctx context.Context, ref ConversationRef, note string) error
}
