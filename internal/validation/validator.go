// Package validation checks workflow definitions before they are activated.
package validation

import (
	"github.com/rendis/engageflow/internal/actions"
	"github.com/rendis/engageflow/internal/conditions"
	"github.com/rendis/engageflow/pkg/schema"
)

// Validator checks workflow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for document and step config validation.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ActionLookup resolves action kinds. *actions.Registry satisfies it.
type ActionLookup interface {
	Get(name string) (actions.Action, error)
}

// ConditionLookup resolves condition kinds. *conditions.Registry satisfies it.
type ConditionLookup interface {
	Get(kind string) (conditions.Evaluator, error)
}

// WhenChecker compiles trigger predicates without running them.
// *expressions.ExprEngine satisfies it.
type WhenChecker interface {
	Check(expression string) error
}
