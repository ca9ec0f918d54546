package actions

import (
	"sync"
	"time"

	"github.com/rendis/engageflow/pkg/schema"
)

// CircuitState is the position of one tenant's circuit for one action kind.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half_open",
}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreakerConfig tunes when circuits trip and recover.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive transient failures open the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	// HalfOpenMax probes may run while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig trips after five failures and probes once
// after thirty seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerSnapshot describes one circuit at a point in time.
type BreakerSnapshot struct {
	TenantID string        `json:"tenant_id"`
	Action   string        `json:"action"`
	State    string        `json:"state"`
	Failures int           `json:"consecutive_failures"`
	Since    time.Time     `json:"last_failure_at,omitzero"`
	Cooldown time.Duration `json:"cooldown"`
}

type circuitKey struct{ tenantID, action string }

// circuit is the state machine of a single key. Callers hold mu.
type circuit struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	failedAt time.Time
	probes   int
}

// cooled moves an open circuit to half-open once the cooldown has passed.
func (c *circuit) cooled(now time.Time, cfg CircuitBreakerConfig) {
	if c.state == CircuitOpen && now.Sub(c.failedAt) >= cfg.Cooldown {
		c.state = CircuitHalfOpen
		c.probes = 0
	}
}

// CircuitBreakerRegistry holds one circuit per tenant and action kind, so a
// tenant whose integration keeps failing never blocks another tenant.
type CircuitBreakerRegistry struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	circuits map[circuitKey]*circuit
}

// NewCircuitBreakerRegistry creates a registry with every circuit closed.
func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		now:      time.Now,
		circuits: make(map[circuitKey]*circuit),
	}
}

func (r *CircuitBreakerRegistry) circuit(tenantID, action string) *circuit {
	k := circuitKey{tenantID, action}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[k]
	if !ok {
		c = &circuit{}
		r.circuits[k] = c
	}
	return c
}

// AllowRequest admits a call or returns CIRCUIT_OPEN. Admitting a call on a
// half-open circuit uses up one probe.
func (r *CircuitBreakerRegistry) AllowRequest(tenantID, action string) error {
	c := r.circuit(tenantID, action)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := r.now()
	c.cooled(now, r.cfg)
	switch c.state {
	case CircuitOpen:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for action %q: %d consecutive failures", action, c.failures).
			WithDetails(map[string]any{
				"tenant_id":            tenantID,
				"action":               action,
				"consecutive_failures": c.failures,
				"cooldown_remaining":   (r.cfg.Cooldown - now.Sub(c.failedAt)).String(),
			})
	case CircuitHalfOpen:
		if c.probes >= r.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for action %q: probe already running", action)
		}
		c.probes++
	}
	return nil
}

// RecordSuccess closes the circuit and forgets past failures.
func (r *CircuitBreakerRegistry) RecordSuccess(tenantID, action string) {
	c := r.circuit(tenantID, action)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.failures = 0
	c.failedAt = time.Time{}
	c.probes = 0
}

// RecordFailure counts a transient failure and returns the resulting state.
// A failed probe reopens the circuit immediately.
func (r *CircuitBreakerRegistry) RecordFailure(tenantID, action string) CircuitState {
	c := r.circuit(tenantID, action)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.failedAt = r.now()
	if c.state == CircuitHalfOpen || c.failures >= r.cfg.FailureThreshold {
		c.state = CircuitOpen
	}
	return c.state
}

// GetState reports the current state after applying any elapsed cooldown.
func (r *CircuitBreakerRegistry) GetState(tenantID, action string) CircuitState {
	return r.Snapshot(tenantID, action).state()
}

// Snapshot describes the circuit of tenantID and action.
func (r *CircuitBreakerRegistry) Snapshot(tenantID, action string) BreakerSnapshot {
	c := r.circuit(tenantID, action)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cooled(r.now(), r.cfg)
	return BreakerSnapshot{
		TenantID: tenantID,
		Action:   action,
		State:    c.state.String(),
		Failures: c.failures,
		Since:    c.failedAt,
		Cooldown: r.cfg.Cooldown,
	}
}

func (s BreakerSnapshot) state() CircuitState {
	for i, name := range circuitStateNames {
		if name == s.State {
			return CircuitState(i)
		}
	}
	return CircuitClosed
}
