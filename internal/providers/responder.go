package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/engageflow/pkg/schema"
)

// DefaultResponderPrompt is used when the responder has no system prompt.
const DefaultResponderPrompt = "You are a helpful customer support assistant. Answer briefly."

// DirectResponder answers an inbound message with a single AI reply, without
// any workflow. The dispatcher calls it when no message_received workflow matched.
type DirectResponder struct {
	AI           AIProvider
	Messenger    Messenger
	SystemPrompt string
	Options      Options
}

// Respond generates and delivers a reply to the event's message.
func (r *DirectResponder) Respond(ctx context.Context, ev schema.DomainEvent) error {
	if ev.ConversationID == "" {
		return nil
	}
	message, _ := ev.Payload["message"].(string)
	if strings.TrimSpace(message) == "" {
		return nil
	}

	prompt := r.SystemPrompt
	if prompt == "" {
		prompt = DefaultResponderPrompt
	}
	completion, err := r.AI.GenerateResponse(ctx, prompt, message, r.Options)
	if err != nil {
		return fmt.Errorf("direct response: %w", err)
	}

	_, err = r.Messenger.Send(ctx, DeliveryRequest{
		TenantID:       ev.TenantID,
		ConversationID: ev.ConversationID,
		Content:        completion.Content,
		IdempotencyKey: responderKey(ev),
	})
	if err != nil {
		return fmt.Errorf("deliver direct response: %w", err)
	}
	return nil
}

func responderKey(ev schema.DomainEvent) string {
	if id, ok := ev.Payload["message_id"].(string); ok && id != "" {
		return "direct:" + id
	}
	if ev.EntityID != "" {
		return "direct:" + ev.EntityID
	}
	return fmt.Sprintf("direct:%s:%d", ev.ConversationID, ev.OccurredAt.UnixNano())
}
