package providers

import (
	"context"
	"net/url"

	"github.com/rendis/engageflow/pkg/schema"
)

// IdempotencyHeader carries the per-step dedup key on outbound calls.
const IdempotencyHeader = "Idempotency-Key"

// WebhookMessenger posts outbound messages to the messaging service.
type WebhookMessenger struct {
	http *httpClient
}

// NewWebhookMessenger creates a messenger that posts to cfg.BaseURL + "/messages".
func NewWebhookMessenger(cfg HTTPConfig) *WebhookMessenger {
	return &WebhookMessenger{http: newHTTPClient(cfg)}
}

// Send implements Messenger.
func (m *WebhookMessenger) Send(ctx context.Context, req DeliveryRequest) (*DeliveryResult, error) {
	if req.ConversationID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "messenger: conversation_id is required")
	}
	var res DeliveryResult
	headers := map[string]string{IdempotencyHeader: req.IdempotencyKey}
	if err := m.http.postJSON(ctx, "/messages", headers, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// WebhookConversations forwards conversation mutations as
// POST /conversations/{id}/{operation}.
type WebhookConversations struct {
	http *httpClient
}

// NewWebhookConversations creates a ConversationService over HTTP.
func NewWebhookConversations(cfg HTTPConfig) *WebhookConversations {
	return &WebhookConversations{http: newHTTPClient(cfg)}
}

func (w *WebhookConversations) post(ctx context.Context, ref ConversationRef, op string, body map[string]any) error {
	if ref.ConversationID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: conversation_id is required", op)
	}
	body["tenant_id"] = ref.TenantID
	path := "/conversations/" + url.PathEscape(ref.ConversationID) + "/" + op
	return w.http.postJSON(ctx, path, map[string]string{IdempotencyHeader: ref.IdempotencyKey}, body, nil)
}

func (w *WebhookConversations) AssignAgent(ctx context.Context, ref ConversationRef, agentID string) error {
	return w.post(ctx, ref, "assign_agent", map[string]any{"agent_id": agentID})
}

func (w *WebhookConversations) AssignTeam(ctx context.Context, ref ConversationRef, teamID string) error {
	return w.post(ctx, ref, "assign_team", map[string]any{"team_id": teamID})
}

func (w *WebhookConversations) AddTag(ctx context.Context, ref ConversationRef, tag string) error {
	return w.post(ctx, ref, "add_tag", map[string]any{"tag": tag})
}

func (w *WebhookConversations) RemoveTag(ctx context.Context, ref ConversationRef, tag string) error {
	return w.post(ctx, ref, "remove_tag", map[string]any{"tag": tag})
}

func (w *WebhookConversations) SetStatus(ctx context.Context, ref ConversationRef, status string) error {
	return w.post(ctx, ref, "set_status", map[string]any{"status": status})
}

func (w *WebhookConversations) SetPriority(ctx context.Context, ref ConversationRef, priority string) error {
	return w.post(ctx, ref, "set_priority", map[string]any{"priority": priority})
}

func (w *WebhookConversations) Handoff(ctx context.Context, ref ConversationRef, reason string) error {
	return w.post(ctx, ref, "handoff", map[string]any{"reason": reason})
}

func (w *WebhookConversations) AddNote(ctx context.Context, ref ConversationRef, note string) error {
	return w.post(ctx, ref, "add_note", map[string]any{"note": note})
}

var (
	_ Messenger           = (*WebhookMessenger)(nil)
	_ ConversationService = (*WebhookConversations)(nil)
)
