package mcp

import "sync"

// SessionRegistry maps tenant IDs to the MCP sessions watching them.
// Populated automatically when a client calls any tenant-scoped tool.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{} // tenantID → sessionIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]map[string]struct{})}
}

// Register subscribes a session to a tenant's lifecycle notifications.
func (r *SessionRegistry) Register(tenantID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[tenantID]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[tenantID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions watching the given tenant.
func (r *SessionRegistry) SessionsFor(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sessions[tenantID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// Remove deletes a session from every tenant.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tenant, set := range r.sessions {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.sessions, tenant)
		}
	}
}
