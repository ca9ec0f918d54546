package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates trigger `when` predicates with expr-lang. The
// environment holds the event payload keys at top level plus `event`,
// `tenant_id`, `conversation_id` and `customer_id`; unknown names are nil.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

// NewExprEngine creates an Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newPrograms("expr", compileExpr)}
}

// compileExpr targets an untyped map environment so one program serves
// payloads of any shape.
func compileExpr(source string) (*vm.Program, error) {
	prg, err := expr.Compile(source, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError("expr", source, err)
	}
	return prg, nil
}

func (e *ExprEngine) Name() string { return "expr" }

// Check compiles the predicate without running it.
func (e *ExprEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs the predicate with data as its environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, runtimeError("expr", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
