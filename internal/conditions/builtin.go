package conditions

import (
	"log/slog"

	"github.com/rendis/engageflow/internal/expressions"
	"github.com/rendis/engageflow/internal/providers"
)

// Deps carries the collaborators of the built-in evaluators.
type Deps struct {
	AI      providers.AIProvider
	Engines *expressions.Engines
	Logger  *slog.Logger
}

// RegisterBuiltins registers every built-in condition kind.
func RegisterBuiltins(r *Registry, deps Deps) error {
	evaluators := []Evaluator{
		NewConversationAttribute(),
		NewCustomerAttribute(),
		IntentEvaluator{},
		NewAIEvaluator(deps.AI, deps.Engines.JQ, deps.Logger),
		NewExpressionEvaluator(deps.Engines.CEL, deps.Logger),
	}
	for _, e := range evaluators {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}
