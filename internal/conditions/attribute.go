package conditions

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/engageflow/pkg/schema"
)

// Attribute comparison operators.
const (
	OpEquals       = "equals"
	OpNotEquals    = "not_equals"
	OpLessEqual    = "less_equal"
	OpGreaterEqual = "greater_equal"
	OpLessThan     = "less_than"
	OpGreaterThan  = "greater_than"
	OpContains     = "contains"
	OpNotContains  = "not_contains"
	OpIn           = "in"
	OpIsEmpty      = "is_empty"
	OpIsNotEmpty   = "is_not_empty"
)

var knownOperators = map[string]bool{
	OpEquals: true, OpNotEquals: true,
	OpLessEqual: true, OpGreaterEqual: true, OpLessThan: true, OpGreaterThan: true,
	OpContains: true, OpNotContains: true, OpIn: true,
	OpIsEmpty: true, OpIsNotEmpty: true,
}

// AttributeEvaluator compares a context attribute with a configured value.
// It serves both conversation_attribute and customer_attribute; namespace is
// the nested context map consulted when the field is not a top-level key.
type AttributeEvaluator struct {
	kind      string
	namespace string
}

// NewConversationAttribute creates the conversation_attribute evaluator.
func NewConversationAttribute() *AttributeEvaluator {
	return &AttributeEvaluator{kind: schema.ConditionConversationAttribute, namespace: "conversation"}
}

// NewCustomerAttribute creates the customer_attribute evaluator.
func NewCustomerAttribute() *AttributeEvaluator {
	return &AttributeEvaluator{kind: schema.ConditionCustomerAttribute, namespace: "customer"}
}

func (a *AttributeEvaluator) Kind() string { return a.kind }

func (a *AttributeEvaluator) Validate(cfg *schema.ConditionConfig) error {
	if strings.TrimSpace(cfg.Field) == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: field is required", a.kind)
	}
	op := cfg.Operator
	if op == "" {
		op = OpEquals
	}
	if !knownOperators[op] {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: unknown operator %q", a.kind, cfg.Operator)
	}
	return nil
}

func (a *AttributeEvaluator) Evaluate(_ context.Context, cfg *schema.ConditionConfig, execCtx map[string]any) (Result, error) {
	if err := a.Validate(cfg); err != nil {
		return Result{}, err
	}
	actual := a.lookup(execCtx, cfg.Field)
	op := cfg.Operator
	if op == "" {
		op = OpEquals
	}
	return Result{Outcome: Compare(op, actual, cfg.Value)}, nil
}

func (a *AttributeEvaluator) lookup(execCtx map[string]any, field string) any {
	if v, ok := schema.Lookup(execCtx, field); ok {
		return v
	}
	if ns, ok := execCtx[a.namespace].(map[string]any); ok {
		if v, ok := schema.Lookup(ns, strings.TrimPrefix(field, a.namespace+".")); ok {
			return v
		}
	}
	return nil
}

// Compare applies op to actual and expected. Numeric operators are false
// unless both sides are numeric; unknown operators are false.
func Compare(op string, actual, expected any) bool {
	switch op {
	case OpEquals:
		return looseEqual(actual, expected)
	case OpNotEquals:
		return !looseEqual(actual, expected)
	case OpLessEqual, OpGreaterEqual, OpLessThan, OpGreaterThan:
		if actual == nil || expected == nil {
			return false
		}
		x, ok1 := schema.ToFloat(actual)
		y, ok2 := schema.ToFloat(expected)
		if !ok1 || !ok2 {
			return false
		}
		switch op {
		case OpLessEqual:
			return x <= y
		case OpGreaterEqual:
			return x >= y
		case OpLessThan:
			return x < y
		default:
			return x > y
		}
	case OpContains:
		return contains(actual, expected)
	case OpNotContains:
		return !contains(actual, expected)
	case OpIn:
		return contains(expected, actual)
	case OpIsEmpty:
		return isEmpty(actual)
	case OpIsNotEmpty:
		return !isEmpty(actual)
	}
	return false
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := schema.ToFloat(a); ok {
		if y, ok := schema.ToFloat(b); ok {
			return x == y
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// contains reports whether haystack (string, slice or map) holds needle.
func contains(haystack, needle any) bool {
	if haystack == nil || needle == nil {
		return false
	}
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprint(needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := h[fmt.Sprint(needle)]
		return ok
	}
	return false
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}
