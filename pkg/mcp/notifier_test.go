package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/engageflow/internal/logging"
	"github.com/rendis/engageflow/internal/streaming"
)

type sent struct {
	session string
	params  map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	errs map[string]error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[sessionID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{session: sessionID, params: params})
	return nil
}

func (f *fakeSender) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func newTestNotifier(sender *fakeSender) (*MCPNotifier, *SessionRegistry) {
	sessions := NewSessionRegistry()
	return &MCPNotifier{sender: sender, sessions: sessions, logger: logging.Nop()}, sessions
}

func TestMCPNotifier_TenantScoped(t *testing.T) {
	sender := &fakeSender{}
	n, sessions := newTestNotifier(sender)
	sessions.Register("t1", "s1")
	sessions.Register("t2", "s2")

	ev := streaming.StreamEvent{TenantID: "t1", ExecutionID: "e1", EventType: "execution_completed"}
	require.NoError(t, n.Notify(ev))

	got := sender.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].session)
	assert.Equal(t, ev, got[0].params["data"])
}

func TestMCPNotifier_DropsExpiredSessions(t *testing.T) {
	sender := &fakeSender{errs: map[string]error{
		"gone":   server.ErrSessionNotFound,
		"broken": errors.New("write failed"),
	}}
	n, sessions := newTestNotifier(sender)
	sessions.Register("t1", "gone")
	sessions.Register("t1", "broken")
	sessions.Register("t1", "ok")

	err := n.Notify(streaming.StreamEvent{TenantID: "t1", ExecutionID: "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write failed")

	assert.ElementsMatch(t, []string{"broken", "ok"}, sessions.SessionsFor("t1"))
	assert.Len(t, sender.snapshot(), 1)
}

func TestMCPNotifier_Forward(t *testing.T) {
	sender := &fakeSender{}
	n, sessions := newTestNotifier(sender)
	sessions.Register("t1", "s1")
	hub := streaming.NewMemoryHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := n.Forward(ctx, hub)
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{TenantID: "t1", ExecutionID: "e1", EventType: "step_completed"}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{TenantID: "t9", ExecutionID: "e2", EventType: "step_completed"}))

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	stop()
}
