package conditions

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/engageflow/pkg/schema"
)

// IntentEvaluator matches context["intent"] against the configured intent.
// Comparison ignores case and surrounding whitespace.
type IntentEvaluator struct{}

func (IntentEvaluator) Kind() string { return schema.ConditionIntentValue }

func (IntentEvaluator) Validate(cfg *schema.ConditionConfig) error {
	if strings.TrimSpace(intentOf(cfg)) == "" {
		return schema.NewError(schema.ErrCodeValidation, "intent_value: intent is required")
	}
	return nil
}

func (e IntentEvaluator) Evaluate(_ context.Context, cfg *schema.ConditionConfig, execCtx map[string]any) (Result, error) {
	if err := e.Validate(cfg); err != nil {
		return Result{}, err
	}
	got, ok := execCtx["intent"]
	if !ok || got == nil {
		return Result{}, nil
	}
	return Result{Outcome: sameIntent(fmt.Sprint(got), intentOf(cfg))}, nil
}

// intentOf accepts either `intent` or a string `value` in the config.
func intentOf(cfg *schema.ConditionConfig) string {
	if cfg.Intent != "" {
		return cfg.Intent
	}
	if s, ok := cfg.Value.(string); ok {
		return s
	}
	return ""
}

func sameIntent(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
