package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// celVariables are the top-level names visible to condition expressions:
//   - context:      map(string, dyn), the execution context
//   - customer:     map(string, dyn), context["customer"] when it is a map
//   - conversation: map(string, dyn), context["conversation"] when it is a map
var celVariables = []string{"context", "customer", "conversation"}

// CELEngine evaluates `expression` conditions in a sandboxed CEL environment.
type CELEngine struct {
	env      *cel.Env
	programs *programs[cel.Program]
}

// NewCELEngine declares the condition variables and returns the engine.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newPrograms("CEL", e.compile)
	return e, nil
}

func (e *CELEngine) compile(source string) (cel.Program, error) {
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", source, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("CEL", source, err)
	}
	return prg, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Check type-checks the expression against the condition variables.
func (e *CELEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs the expression; data is the execution context.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, runtimeError("CEL", expression, err)
	}
	return out.Value(), nil
}

// activation binds the context and its namespaced maps. Absent namespaces
// bind to empty maps so `customer.tier` is a missing key, not a nil error.
func activation(data map[string]any) map[string]any {
	if data == nil {
		data = map[string]any{}
	}
	vars := map[string]any{"context": data}
	for _, ns := range celVariables[1:] {
		m, ok := data[ns].(map[string]any)
		if !ok {
			m = map[string]any{}
		}
		vars[ns] = m
	}
	return vars
}

var _ Engine = (*CELEngine)(nil)
