package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/engageflow/internal/actions"
	"github.com/rendis/engageflow/internal/conditions"
	"github.com/rendis/engageflow/internal/expressions"
	"github.com/rendis/engageflow/pkg/schema"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)

	conds := conditions.NewRegistry()
	require.NoError(t, conditions.RegisterBuiltins(conds, conditions.Deps{Engines: engines}))
	acts := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(acts, actions.Deps{}))

	wv, err := NewWorkflowValidator(Deps{Actions: acts, Conditions: conds, When: engines.Expr})
	require.NoError(t, err)
	return wv
}

func vipWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:          "wf-vip",
		TenantID:    "t1",
		Name:        "VIP routing",
		TriggerType: schema.TriggerMessageReceived,
		TriggerConfig: map[string]any{
			"message_types": []any{"text"},
			"when":          `payload.channel == "whatsapp"`,
		},
		Status:     schema.WorkflowStatusActive,
		Definition: schema.Definition{EntryStepID: "is-vip"},
		Steps: []schema.WorkflowStep{
			{
				ID: "is-vip", StepType: schema.StepTypeCondition,
				Config: map[string]any{"condition_type": "customer_attribute", "field": "tier", "operator": "equals", "value": "vip"},
				NextSteps: []schema.NextStep{
					{StepID: "assign", Condition: schema.BranchTrue},
					{StepID: "reply", Condition: schema.BranchFalse},
				},
			},
			{
				ID: "assign", StepType: schema.StepTypeAction,
				Config:    map[string]any{"action_type": "assign_agent", "agent_id": "agent-7"},
				NextSteps: []schema.NextStep{{StepID: "wait"}},
			},
			{
				ID: "wait", StepType: schema.StepTypeDelay,
				Config: map[string]any{"duration": 5, "unit": "minutes"},
			},
			{
				ID: "reply", StepType: schema.StepTypeAction,
				Config: map[string]any{"action_type": "send_ai_response", "max_tokens": 200},
			},
		},
	}
}

func issueAt(issues []schema.Issue, path string) *schema.Issue {
	for i := range issues {
		if issues[i].Path == path {
			return &issues[i]
		}
	}
	return nil
}

func TestWorkflowValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*WorkflowValidator)(nil)
}

func TestWorkflowValidator_FullValid(t *testing.T) {
	wv := newValidator(t)

	report := wv.Validate(vipWorkflow())
	assert.True(t, report.Valid(), "errors: %v", report.Errors)
	assert.Empty(t, report.Warnings)
	assert.NoError(t, wv.ValidateWorkflow(vipWorkflow()))
}

func TestWorkflowValidator_Nil(t *testing.T) {
	wv := newValidator(t)
	report := wv.Validate(nil)
	require.False(t, report.Valid())
	assert.Contains(t, report.Errors[0].Message, "nil")
}

func TestWorkflowValidator_StructuralFailShortCircuits(t *testing.T) {
	wv := newValidator(t)
	wf := vipWorkflow()
	wf.Name = ""
	wf.Steps[1].Config = map[string]any{"action_type": "teleport"}

	report := wv.Validate(wf)
	require.False(t, report.Valid())
	for _, issue := range report.Errors {
		assert.Equal(t, "/", issue.Path, "only structural issues are reported")
	}
}

func TestWorkflowValidator_StepErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.Workflow)
		path   string
		code   string
	}{
		{
			name:   "unknown action",
			mutate: func(wf *schema.Workflow) { wf.Steps[1].Config = map[string]any{"action_type": "teleport"} },
			path:   "steps[1].config.action_type",
			code:   schema.ErrCodeUnknownStepType,
		},
		{
			name:   "unknown condition",
			mutate: func(wf *schema.Workflow) { wf.Steps[0].Config = map[string]any{"condition_type": "horoscope"} },
			path:   "steps[0].config.condition_type",
			code:   schema.ErrCodeUnknownStepType,
		},
		{
			name:   "missing agent id",
			mutate: func(wf *schema.Workflow) { wf.Steps[1].Config = map[string]any{"action_type": "assign_agent"} },
			path:   "steps[1].config",
			code:   schema.ErrCodeValidation,
		},
		{
			name: "bad operator",
			mutate: func(wf *schema.Workflow) {
				wf.Steps[0].Config["operator"] = "roughly"
			},
			path: "steps[0].config",
			code: schema.ErrCodeValidation,
		},
		{
			name: "invalid CEL",
			mutate: func(wf *schema.Workflow) {
				wf.Steps[0].Config = map[string]any{"condition_type": "expression", "expression": "customer.tier ==="}
			},
			path: "steps[0].config",
			code: schema.ErrCodeValidation,
		},
		{
			name:   "bad delay",
			mutate: func(wf *schema.Workflow) { wf.Steps[2].Config = map[string]any{"duration": -5} },
			path:   "steps[2].config",
			code:   schema.ErrCodeValidation,
		},
		{
			name: "dangling successor",
			mutate: func(wf *schema.Workflow) {
				wf.Steps[2].NextSteps = []schema.NextStep{{StepID: "ghost"}}
			},
			path: "steps[2].next_steps[0]",
			code: schema.ErrCodeStepNotFound,
		},
		{
			name:   "missing entry",
			mutate: func(wf *schema.Workflow) { wf.Definition.EntryStepID = "ghost" },
			path:   "definition.entry_step_id",
			code:   schema.ErrCodeStepNotFound,
		},
		{
			name:   "duplicate id",
			mutate: func(wf *schema.Workflow) { wf.Steps[3].ID = "assign" },
			path:   "steps[3].id",
			code:   schema.ErrCodeValidation,
		},
		{
			name: "two unconditional successors",
			mutate: func(wf *schema.Workflow) {
				wf.Steps[1].NextSteps = append(wf.Steps[1].NextSteps, schema.NextStep{StepID: "reply"})
			},
			path: "steps[1].next_steps",
			code: schema.ErrCodeValidation,
		},
	}

	wv := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := vipWorkflow()
			tt.mutate(wf)

			report := wv.Validate(wf)
			require.False(t, report.Valid())
			issue := issueAt(report.Errors, tt.path)
			require.NotNil(t, issue, "errors: %v", report.Errors)
			assert.Equal(t, tt.code, issue.Code)
		})
	}
}

func TestWorkflowValidator_TriggerConfig(t *testing.T) {
	wv := newValidator(t)

	t.Run("bad when", func(t *testing.T) {
		wf := vipWorkflow()
		wf.TriggerConfig["when"] = "payload.channel =="
		report := wv.Validate(wf)
		assert.NotNil(t, issueAt(report.Errors, "trigger_config.when"))
	})

	t.Run("scheduled without cron", func(t *testing.T) {
		wf := vipWorkflow()
		wf.TriggerType = schema.TriggerScheduled
		wf.TriggerConfig = nil
		report := wv.Validate(wf)
		assert.NotNil(t, issueAt(report.Errors, "trigger_config.cron"))
	})

	t.Run("scheduled with bad cron", func(t *testing.T) {
		wf := vipWorkflow()
		wf.TriggerType = schema.TriggerScheduled
		wf.TriggerConfig = map[string]any{"cron": "every tuesday"}
		report := wv.Validate(wf)
		assert.NotNil(t, issueAt(report.Errors, "trigger_config.cron"))
	})

	t.Run("scheduled with bad timezone", func(t *testing.T) {
		wf := vipWorkflow()
		wf.TriggerType = schema.TriggerScheduled
		wf.TriggerConfig = map[string]any{"cron": "0 9 * * 1-5", "timezone": "Mars/Olympus"}
		report := wv.Validate(wf)
		assert.NotNil(t, issueAt(report.Errors, "trigger_config.timezone"))
	})

	t.Run("scheduled ok", func(t *testing.T) {
		wf := vipWorkflow()
		wf.TriggerType = schema.TriggerScheduled
		wf.TriggerConfig = map[string]any{"cron": "@daily", "timezone": "UTC"}
		report := wv.Validate(wf)
		assert.True(t, report.Valid(), "errors: %v", report.Errors)
	})

	t.Run("message filters on other trigger warn", func(t *testing.T) {
		wf := vipWorkflow()
		wf.TriggerType = schema.TriggerConversationCreated
		report := wv.Validate(wf)
		assert.True(t, report.Valid())
		assert.NotNil(t, issueAt(report.Warnings, "trigger_config"))
	})
}

func TestWorkflowValidator_Warnings(t *testing.T) {
	wv := newValidator(t)

	t.Run("missing false branch", func(t *testing.T) {
		wf := vipWorkflow()
		wf.Steps[0].NextSteps = wf.Steps[0].NextSteps[:1]
		report := wv.Validate(wf)
		assert.True(t, report.Valid())
		require.NotNil(t, issueAt(report.Warnings, "steps[0].next_steps"))
		// reply is no longer reachable
		assert.NotNil(t, issueAt(report.Warnings, "steps[3]"))
	})

	t.Run("cycle", func(t *testing.T) {
		wf := vipWorkflow()
		wf.Steps[2].NextSteps = []schema.NextStep{{StepID: "is-vip"}}
		report := wv.Validate(wf)
		assert.True(t, report.Valid(), "cycles are allowed")
		w := issueAt(report.Warnings, "steps")
		require.NotNil(t, w)
		assert.Contains(t, w.Message, "[assign, is-vip, reply, wait]")
	})

	t.Run("structural step types", func(t *testing.T) {
		wf := vipWorkflow()
		wf.Steps[2] = schema.WorkflowStep{ID: "wait", StepType: schema.StepTypeParallel}
		report := wv.Validate(wf)
		assert.True(t, report.Valid())
		assert.NotNil(t, issueAt(report.Warnings, "steps[2].step_type"))
	})
}

func TestWorkflowValidator_NilDepsSkipsKindChecks(t *testing.T) {
	wv, err := NewWorkflowValidator(Deps{})
	require.NoError(t, err)

	wf := vipWorkflow()
	wf.Steps[1].Config = map[string]any{"action_type": "teleport"}
	assert.True(t, wv.Validate(wf).Valid())
}

func TestWorkflowValidator_ValidateWorkflowError(t *testing.T) {
	wv := newValidator(t)
	wf := vipWorkflow()
	wf.Steps[1].Config = map[string]any{"action_type": "teleport"}

	err := wv.ValidateWorkflow(wf)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestWorkflowValidator_ValidateInput(t *testing.T) {
	wv := newValidator(t)
	s := []byte(`{"type": "object", "required": ["tag"]}`)
	assert.NoError(t, wv.ValidateInput(map[string]any{"tag": "vip"}, s))
	assert.Error(t, wv.ValidateInput(map[string]any{}, s))
}

func TestWorkflowValidator_Concurrent(t *testing.T) {
	wv := newValidator(t)

	var wg sync.WaitGroup
	valid := make([]bool, 20)
	for i := range 20 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			valid[idx] = wv.Validate(vipWorkflow()).Valid()
		}(i)
	}
	wg.Wait()

	for i, ok := range valid {
		assert.True(t, ok, "goroutine %d", i)
	}
}
