package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/engageflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(exec *schema.Execution, from, to schema.ExecutionStatus) error

// EventRecorder is satisfied by *store.EventLog; used by the FSM to record
// lifecycle events once a transition is persisted.
type EventRecorder interface {
	Record(ctx context.Context, exec *schema.Execution, stepID, eventType string, payload any) error
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution lifecycle transitions.
//
// A transition has two halves. Transition checks the move, runs the before
// hooks and mutates the execution in memory; the caller then persists it and
// calls Commit, which records the history event and runs the after hooks.
// A transition whose Save fails is therefore never recorded.
type ExecutionFSM struct {
	mu       sync.Mutex
	recorder EventRecorder
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
	now      func() time.Time
}

// NewExecutionFSM creates an FSM that records events via recorder.
func NewExecutionFSM(recorder EventRecorder) *ExecutionFSM {
	return &ExecutionFSM{
		recorder: recorder,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
		now:      time.Now,
	}
}

// OnBefore registers a hook called before a transition is applied.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition is committed.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to and applies it to exec in memory: status,
// started/completed/failed timestamps, and clearing current_step_id on
// completion. It returns the previous status.
func (f *ExecutionFSM) Transition(exec *schema.Execution, to schema.ExecutionStatus) (schema.ExecutionStatus, error) {
	f.mu.Lock()
	hooks := slices.Clone(f.before[hookKey{exec.Status, to}])
	f.mu.Unlock()

	from := exec.Status
	if !IsValidTransition(from, to) {
		return from, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithExecution(exec.ID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	for _, hook := range hooks {
		if err := hook(exec, from, to); err != nil {
			return from, err
		}
	}

	now := f.now().UTC()
	exec.Status = to
	switch to {
	case schema.ExecutionRunning:
		if exec.StartedAt == nil {
			exec.StartedAt = &now
		}
	case schema.ExecutionCompleted:
		exec.CompletedAt = &now
		exec.CurrentStepID = ""
	case schema.ExecutionFailed:
		exec.FailedAt = &now
	case schema.ExecutionCancelled:
		exec.CompletedAt = &now
	}
	return from, nil
}

// Commit records the lifecycle event for a persisted transition and runs the
// after hooks.
func (f *ExecutionFSM) Commit(ctx context.Context, exec *schema.Execution, from schema.ExecutionStatus, stepID string, payload any) error {
	to := exec.Status
	if eventType := lifecycleEventType(to); eventType != "" && f.recorder != nil {
		if err := f.recorder.Record(ctx, exec, stepID, eventType, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "record %s event: %s", eventType, err.Error()).
				WithExecution(exec.ID).WithCause(err)
		}
	}

	f.mu.Lock()
	hooks := slices.Clone(f.after[hookKey{from, to}])
	f.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(exec, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether the lifecycle allows from -> to.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidTransitions[from], to)
}

func lifecycleEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// ValidTransitions defines the allowed execution status transitions.
// A suspended execution stays running; terminal states have no exits.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}
