package expressions

import (
	"context"
	"time"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq queries. It backs `result_path` on ai_condition steps,
// pulling a value out of the provider's JSON reply.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

// NewGoJQEngine creates a jq engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newPrograms("jq", compileJQ)}
}

func compileJQ(source string) (*gojq.Code, error) {
	query, err := gojq.Parse(source)
	if err != nil {
		return nil, compileError("jq", source, err)
	}
	// No environment: $ENV and env are empty inside queries.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", source, err)
	}
	return code, nil
}

func (e *GoJQEngine) Name() string { return "jq" }

// Check parses and compiles the query.
func (e *GoJQEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs a query with data as its input object.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	return e.Extract(ctx, expression, data)
}

// Extract runs a query against any decoded JSON value. No output yields nil,
// one output is returned as is and several are collected into []any.
func (e *GoJQEngine) Extract(ctx context.Context, expression string, input any) (any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, jqValue(input))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, runtimeError("jq", expression, err)
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

// jqValue rewrites Go-built values into the shapes gojq accepts. Decoded
// JSON passes through untouched; typed slices and sized numbers do not.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
