package engine

import (
	"github.com/rendis/engageflow/internal/actions"
	"github.com/rendis/engageflow/internal/conditions"
	"github.com/rendis/engageflow/pkg/schema"
)

// HandlerKind says how the interpreter runs a step.
type HandlerKind int

const (
	// HandlerCondition evaluates and follows the true/false edge.
	HandlerCondition HandlerKind = iota
	// HandlerAction performs a side effect and follows the unconditional edge.
	HandlerAction
	// HandlerPassThrough does nothing and follows the unconditional edge
	// (trigger, parallel, loop and merge nodes).
	HandlerPassThrough
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerCondition:
		return "condition"
	case HandlerAction:
		return "action"
	default:
		return "pass_through"
	}
}

// Handler is a resolved step: what runs it and its typed config.
type Handler struct {
	Kind      HandlerKind
	Condition conditions.Evaluator
	CondCfg   *schema.ConditionConfig
	Action    actions.Action
	ActionCfg *schema.ActionConfig
}

// StepRegistry resolves graph nodes to handlers. It is stateless and shared
// by every worker.
type StepRegistry struct {
	conditions *conditions.Registry
	actions    *actions.Registry
}

// NewStepRegistry creates a registry over the condition and action registries.
func NewStepRegistry(conds *conditions.Registry, acts *actions.Registry) *StepRegistry {
	return &StepRegistry{conditions: conds, actions: acts}
}

// Resolve returns the handler for a node. An unknown step type, condition
// type or action type is UNKNOWN_STEP_TYPE.
func (r *StepRegistry) Resolve(node *schema.GraphNode) (*Handler, error) {
	cfg, err := node.TypedConfig()
	if err != nil {
		return nil, err
	}
	stepID := node.Step.ID

	switch c := cfg.(type) {
	case *schema.ConditionConfig:
		ev, err := r.conditions.Get(c.ConditionType)
		if err != nil {
			return nil, stepErr(err, stepID)
		}
		return &Handler{Kind: HandlerCondition, Condition: ev, CondCfg: c}, nil

	case *schema.ActionConfig:
		a, err := r.actions.Get(c.ActionType)
		if err != nil {
			return nil, stepErr(err, stepID)
		}
		return &Handler{Kind: HandlerAction, Action: a, ActionCfg: c}, nil

	case *schema.DelayConfig:
		ac := &schema.ActionConfig{ActionType: schema.ActionDelay, DelaySpec: c.DelaySpec}
		a, err := r.actions.Get(schema.ActionDelay)
		if err != nil {
			return nil, stepErr(err, stepID)
		}
		return &Handler{Kind: HandlerAction, Action: a, ActionCfg: ac}, nil

	case nil:
		return &Handler{Kind: HandlerPassThrough}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeUnknownStepType, "unsupported config %T", cfg).WithStep(stepID)
}

// Check resolves every node of a graph and validates its config, so a
// workflow that would fail at its first unknown or malformed step is
// rejected before an execution is created.
func (r *StepRegistry) Check(g *schema.Graph) error {
	for id, node := range g.Nodes {
		h, err := r.Resolve(node)
		if err != nil {
			return err
		}
		switch h.Kind {
		case HandlerCondition:
			err = h.Condition.Validate(h.CondCfg)
		case HandlerAction:
			err = h.Action.Validate(h.ActionCfg)
		}
		if err != nil {
			return stepErr(err, id)
		}
	}
	return nil
}

func stepErr(err error, stepID string) error {
	if ee, ok := err.(*schema.EngineError); ok && ee.StepID == "" {
		return ee.WithStep(stepID)
	}
	return err
}
