// Package providerstest provides in-memory providers for tests.
package providerstest

import (
	"context"
	"strconv"
	"sync"

	"github.com/rendis/engageflow/internal/providers"
)

// AICall is one recorded GenerateResponse call.
type AICall struct {
	SystemPrompt string
	UserMessage  string
	Options      providers.Options
}

// AI replies with Reply, or with Replies in order when set. Err, when set,
// is returned instead.
type AI struct {
	mu      sync.Mutex
	Reply   string
	Replies []string
	Err     error
	calls   []AICall
}

func (a *AI) GenerateResponse(_ context.Context, systemPrompt, userMessage string, opts providers.Options) (*providers.Completion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, AICall{systemPrompt, userMessage, opts})
	if a.Err != nil {
		return nil, a.Err
	}
	reply := a.Reply
	if len(a.Replies) > 0 {
		reply = a.Replies[0]
		a.Replies = a.Replies[1:]
	}
	return &providers.Completion{Content: reply, Model: opts.Model, FinishReason: "stop"}, nil
}

// Calls returns a copy of the recorded calls.
func (a *AI) Calls() []AICall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AICall(nil), a.calls...)
}

// Messenger records deliveries and drops repeats of an idempotency key,
// like the real messaging service.
type Messenger struct {
	mu   sync.Mutex
	Err  error
	sent []providers.DeliveryRequest
	seen map[string]string
}

func (m *Messenger) Send(_ context.Context, req providers.DeliveryRequest) (*providers.DeliveryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.seen == nil {
		m.seen = make(map[string]string)
	}
	if id, dup := m.seen[req.IdempotencyKey]; dup && req.IdempotencyKey != "" {
		return &providers.DeliveryResult{MessageID: id, Duplicate: true}, nil
	}
	m.sent = append(m.sent, req)
	id := "msg-" + strconv.Itoa(len(m.sent))
	m.seen[req.IdempotencyKey] = id
	return &providers.DeliveryResult{MessageID: id}, nil
}

// Sent returns the delivered (non-duplicate) messages.
func (m *Messenger) Sent() []providers.DeliveryRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]providers.DeliveryRequest(nil), m.sent...)
}

// ConversationOp is one recorded conversation mutation.
type ConversationOp struct {
	Op    string
	Ref   providers.ConversationRef
	Value string
}

// Conversations records every mutation.
type Conversations struct {
	mu  sync.Mutex
	Err error
	ops []ConversationOp
}

func (c *Conversations) record(op string, ref providers.ConversationRef, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.ops = append(c.ops, ConversationOp{op, ref, value})
	return nil
}

// Ops returns the recorded mutations.
func (c *Conversations) Ops() []ConversationOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConversationOp(nil), c.ops...)
}

func (c *Conversations) AssignAgent(_ context.Context, ref providers.ConversationRef, v string) error {
	return c.record("assign_agent", ref, v)
}

func (c *Conversations) AssignTeam(_ context.Context, ref providers.ConversationRef, v string) error {
	return c.record("assign_team", ref, v)
}

func (c *Conversations) AddTag(_ context.Context, ref providers.ConversationRef, v string) error {
	return c.record("add_tag", ref, v)
}

func (c *Conversations) RemoveTag(_ context.Context, ref providers.ConversationRef, v string) error {
	return c.record("remove_tag", ref, v)
}

func (c *Conversations) SetStatus(_ context.Context, ref providers.ConversationRef, v string) error {
	return c.record("set_status", ref, v)
}

func (c *Conversations) SetPriority(_ context.Context, ref providers.ConversationRef, v string) error {
	return c.record("set_priority", ref, v)
}

func (c *Conversations) Handoff(_ context.Context, ref providers.ConversationRef, v string) error {
	return c.record("human_handoff", ref, v)
}

func (c *Conversations) AddNote(_ context.Context, ref providers.ConversationRef, v string) error {
	return c.record("add_note", ref, v)
}

var (
	_ providers.AIProvider          = (*AI)(nil)
	_ providers.Messenger           = (*Messenger)(nil)
	_ providers.ConversationService = (*Conversations)(nil)
)
