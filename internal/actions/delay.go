package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/engageflow/pkg/schema"
)

// DelayAction suspends the execution. It never blocks: it reports the
// wake-up time and the interpreter persists a resumption for it.
type DelayAction struct {
	name string
	now  func() time.Time
}

// NewDelayAction creates a delay action under the given name (delay or wait).
func NewDelayAction(name string, now func() time.Time) *DelayAction {
	if now == nil {
		now = time.Now
	}
	return &DelayAction{name: name, now: now}
}

func (a *DelayAction) Name() string { return a.name }

func (a *DelayAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Pause the workflow for a duration, then continue with the next step.",
		InputSchema: json.RawMessage(delayInputSchema),
	}
}

func (a *DelayAction) Validate(cfg *schema.ActionConfig) error {
	_, err := cfg.Delay()
	return err
}

func (a *DelayAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	d, err := input.Config.Delay()
	if err != nil {
		return nil, err
	}
	fireAt := a.now().UTC().Add(d)
	return &ActionOutput{
		Effect:  EffectSuspended,
		FireAt:  fireAt,
		Context: map[string]any{"delayed_until": fireAt.Format(time.RFC3339)},
	}, nil
}
