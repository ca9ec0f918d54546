package actions

import (
	"time"

	"github.com/rendis/engageflow/internal/providers"
	"github.com/rendis/engageflow/pkg/schema"
)

// Deps carries the collaborators of the built-in actions.
type Deps struct {
	AI            providers.AIProvider
	Messenger     providers.Messenger
	Conversations providers.ConversationService
	AIDefaults    providers.Options
	Now           func() time.Time
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	all := make([]Action, 0, 16)

	all = append(all, NewSendAIResponseAction(deps.AI, deps.Messenger, deps.AIDefaults))
	all = append(all, ConversationActions(deps.Conversations)...)
	all = append(all,
		NewDelayAction(schema.ActionDelay, deps.Now),
		NewDelayAction(schema.ActionWait, deps.Now),
	)

	return reg.RegisterAll(all...)
}
