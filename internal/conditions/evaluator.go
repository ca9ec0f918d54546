// Package conditions evaluates condition steps against an execution context.
package conditions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/engageflow/pkg/schema"
)

// Result is the outcome of a condition plus any keys to merge into the
// execution context.
type Result struct {
	Outcome  bool
	Enriched map[string]any
}

// Evaluator decides the branch of one condition kind.
// Evaluate never fails on missing or mistyped data: that yields false.
// Errors are reserved for collaborator failures and misconfiguration.
type Evaluator interface {
	Kind() string
	Validate(cfg *schema.ConditionConfig) error
	Evaluate(ctx context.Context, cfg *schema.ConditionConfig, execCtx map[string]any) (Result, error)
}

// Registry maps condition kinds to evaluators. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{evaluators: make(map[string]Evaluator)}
}

// Register adds an evaluator. Returns CONFLICT on a duplicate kind.
func (r *Registry) Register(e Evaluator) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "evaluator is nil")
	}
	kind := e.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "evaluator kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.evaluators[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "condition %q already registered", kind)
	}
	r.evaluators[kind] = e
	return nil
}

// Get returns the evaluator for kind, or UNKNOWN_STEP_TYPE.
func (r *Registry) Get(kind string) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.evaluators[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownStepType, "condition type %q not registered", kind)
	}
	return e, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.evaluators))
	for k := range r.evaluators {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks a condition config against its evaluator.
func (r *Registry) Validate(cfg *schema.ConditionConfig) error {
	e, err := r.Get(cfg.ConditionType)
	if err != nil {
		return err
	}
	return e.Validate(cfg)
}
