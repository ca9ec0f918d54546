package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is how many undelivered events a subscriber may lag.
const subscriberBuffer = 64

// anyTenant buckets subscriptions whose filter names no tenant.
const anyTenant = ""

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

func (s *subscription) wants(e StreamEvent) bool {
	f := s.filter
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

// MemoryHub fans lifecycle events out to in-process subscribers.
// Subscriptions are bucketed by tenant so a publish only visits the
// subscribers of its own tenant plus the tenant-agnostic ones. A subscriber
// whose buffer is full misses the event; Dropped counts those misses.
type MemoryHub struct {
	mu       sync.RWMutex
	byTenant map[string]map[uint64]*subscription
	closed   bool
	nextID   atomic.Uint64
	dropped  atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{byTenant: make(map[string]map[uint64]*subscription)}
}

// Publish delivers event without blocking on slow subscribers.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.deliver(h.byTenant[event.TenantID], event)
	if event.TenantID != anyTenant {
		h.deliver(h.byTenant[anyTenant], event)
	}
	return nil
}

func (h *MemoryHub) deliver(bucket map[uint64]*subscription, event StreamEvent) {
	for _, sub := range bucket {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a filtered subscription. The returned cancel function
// closes the channel and may be called more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{ch: make(chan StreamEvent, subscriberBuffer), filter: filter}
	id := h.nextID.Add(1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}, nil
	}
	bucket, ok := h.byTenant[filter.TenantID]
	if !ok {
		bucket = make(map[uint64]*subscription)
		h.byTenant[filter.TenantID] = bucket
	}
	bucket[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.unsubscribe(filter.TenantID, id) })
	}
	return sub.ch, cancel, nil
}

func (h *MemoryHub) unsubscribe(tenantID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bucket := h.byTenant[tenantID]
	sub, ok := bucket[id]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(h.byTenant, tenantID)
	}
	close(sub.ch)
}

// Close ends every subscription. Later subscriptions receive a closed
// channel and publishes reach nobody.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for tenant, bucket := range h.byTenant {
		for _, sub := range bucket {
			close(sub.ch)
		}
		delete(h.byTenant, tenant)
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// buffer was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

// subscribers counts live subscriptions.
func (h *MemoryHub) subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, bucket := range h.byTenant {
		n += len(bucket)
	}
	return n
}
