package conditions

import (
	"context"
	"log/slog"

	"github.com/rendis/engageflow/internal/expressions"
	"github.com/rendis/engageflow/internal/logging"
	"github.com/rendis/engageflow/pkg/schema"
)

// ExpressionEvaluator runs a CEL expression over the execution context.
// Runtime errors (missing keys, type mismatches) yield false and a warning.
type ExpressionEvaluator struct {
	cel    expressions.Engine
	logger *slog.Logger
}

// NewExpressionEvaluator creates the expression evaluator.
func NewExpressionEvaluator(cel expressions.Engine, logger *slog.Logger) *ExpressionEvaluator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ExpressionEvaluator{cel: cel, logger: logger}
}

func (e *ExpressionEvaluator) Kind() string { return schema.ConditionExpression }

func (e *ExpressionEvaluator) Validate(cfg *schema.ConditionConfig) error {
	if cfg.Expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "expression: expression is required")
	}
	return e.cel.Check(cfg.Expression)
}

func (e *ExpressionEvaluator) Evaluate(ctx context.Context, cfg *schema.ConditionConfig, execCtx map[string]any) (Result, error) {
	if cfg.Expression == "" {
		return Result{}, schema.NewError(schema.ErrCodeValidation, "expression: expression is required")
	}
	ok, err := expressions.EvaluateBool(ctx, e.cel, cfg.Expression, execCtx)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeValidation) && e.cel.Check(cfg.Expression) != nil {
			return Result{}, err
		}
		logging.LogWith(ctx, e.logger).Warn("expression condition evaluated to false after error",
			"expression", cfg.Expression, "error", err)
		return Result{}, nil
	}
	return Result{Outcome: ok}, nil
}
