package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/engageflow/internal/streaming"
)

// notificationMethod is the MCP method used for lifecycle pushes.
const notificationMethod = "notifications/message"

// sender is the subset of *server.MCPServer the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// MCPNotifier pushes execution lifecycle events to the sessions watching
// the event's tenant.
type MCPNotifier struct {
	sender   sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewMCPNotifier creates a notifier that pushes via the MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	return &MCPNotifier{sender: mcpServer, sessions: sessions, logger: logger}
}

// Notify sends one event to every session of its tenant.
// Best-effort: disconnected sessions are dropped silently.
func (n *MCPNotifier) Notify(ev streaming.StreamEvent) error {
	payload := map[string]any{
		"level":  "info",
		"logger": "engageflow",
		"data":   ev,
	}
	var errs []error
	for _, sid := range n.sessions.SessionsFor(ev.TenantID) {
		err := n.sender.SendNotificationToSpecificClient(sid, notificationMethod, payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session expired between lookup and send.
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forward subscribes to the hub and notifies until ctx ends or the returned
// stop function is called.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.EventHub) (func(), error) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := n.Notify(ev); err != nil {
					n.logger.Warn("lifecycle notification failed",
						slog.String("tenant_id", ev.TenantID),
						slog.String("execution_id", ev.ExecutionID),
						slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}
