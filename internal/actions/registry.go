package actions

import (
	"slices"
	"strings"
	"sync"

	"github.com/rendis/engageflow/pkg/schema"
)

// Registry maps action_type values to the actions that run them.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Action)}
}

// Register binds an action to its kind. A kind can be bound once.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	kind := action.Name()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "action kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.kinds[kind]; taken {
		return schema.NewErrorf(schema.ErrCodeConflict, "action kind %q already registered", kind)
	}
	r.kinds[kind] = action
	return nil
}

// RegisterAll registers acts in order and stops at the first failure.
func (r *Registry) RegisterAll(acts ...Action) error {
	for _, a := range acts {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// Get resolves an action kind. A workflow naming an unknown kind is
// structurally broken, so the error carries UNKNOWN_STEP_TYPE and the
// kinds that do exist.
func (r *Registry) Get(kind string) (Action, error) {
	r.mu.RLock()
	action, ok := r.kinds[kind]
	r.mu.RUnlock()
	if ok {
		return action, nil
	}
	known := r.Kinds()
	if len(known) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownStepType, "action type %q not registered", kind)
	}
	return nil, schema.NewErrorf(schema.ErrCodeUnknownStepType,
		"action type %q not registered (known: %s)", kind, strings.Join(known, ", "))
}

// Kinds lists the registered action kinds in lexical order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for kind := range r.kinds {
		out = append(out, kind)
	}
	slices.Sort(out)
	return out
}

// Validate checks an action config against the action of its kind.
func (r *Registry) Validate(cfg *schema.ActionConfig) error {
	a, err := r.Get(cfg.ActionType)
	if err != nil {
		return err
	}
	return a.Validate(cfg)
}
