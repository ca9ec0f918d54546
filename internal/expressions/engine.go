package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/engageflow/pkg/schema"
)

// Engine evaluates expressions embedded in workflow definitions.
// Three implementations: CEL (expression conditions), Expr (trigger
// predicates) and GoJQ (extraction from AI results).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Check compiles the expression without evaluating it.
	Check(expression string) error
}

// EvaluateBool evaluates an expression that must produce a boolean.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q must evaluate to a boolean, got %s", e.Name(), expression, typeName(out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

// Engines bundles one instance of each engine. Instances are safe to share.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines builds all three engines.
func NewEngines() (*Engines, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{CEL: cel, Expr: NewExprEngine(), JQ: NewGoJQEngine()}, nil
}
