package validation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/engageflow/pkg/schema"
)

// Config schemas for condition kinds. Action schemas come from the actions
// themselves.
var conditionSchemas = map[string]string{
	schema.ConditionConversationAttribute: attributeConditionSchema,
	schema.ConditionCustomerAttribute:     attributeConditionSchema,
	schema.ConditionIntentValue: `{
  "type": "object",
  "properties": {
    "condition_type": {"type": "string"},
    "intent": {"type": "string"},
    "value":  {"type": "string"}
  },
  "anyOf": [{"required": ["intent"]}, {"required": ["value"]}]
}`,
	schema.ConditionAI: `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "condition_type": {"type": "string"},
    "prompt":         {"type": "string", "minLength": 1},
    "system_prompt":  {"type": "string"},
    "result_path":    {"type": "string"},
    "model":          {"type": "string"},
    "threshold":      {"type": "number", "minimum": 0, "maximum": 1}
  }
}`,
	schema.ConditionExpression: `{
  "type": "object",
  "required": ["expression"],
  "properties": {
    "condition_type": {"type": "string"},
    "expression":     {"type": "string", "minLength": 1}
  }
}`,
}

const attributeConditionSchema = `{
  "type": "object",
  "required": ["field"],
  "properties": {
    "condition_type": {"type": "string"},
    "field":    {"type": "string", "minLength": 1},
    "operator": {"type": "string", "enum": ["", "equals", "not_equals", "less_equal", "greater_equal", "less_than",
                 "greater_than", "contains", "not_contains", "in", "is_empty", "is_not_empty"]}
  }
}`

// cronParser accepts the standard five-field syntax plus descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type semanticChecker struct {
	jsonSchema *JSONSchemaValidator
	deps       Deps
	report     *schema.Report
}

// validateSemantic checks step configs against their kinds and the trigger
// config against the trigger type.
func validateSemantic(v *JSONSchemaValidator, wf *schema.Workflow, deps Deps) *schema.Report {
	c := &semanticChecker{jsonSchema: v, deps: deps, report: &schema.Report{}}

	ids := make(map[string]int, len(wf.Steps))
	for i, step := range wf.Steps {
		if j, dup := ids[step.ID]; dup {
			c.report.AddError(schema.StepPath(i, "id"), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first at steps[%d])", step.ID, j))
			continue
		}
		ids[step.ID] = i
	}

	for i := range wf.Steps {
		c.checkStep(i, &wf.Steps[i], ids)
	}
	if entry := wf.Definition.EntryStepID; entry != "" {
		if _, ok := ids[entry]; !ok {
			c.report.AddError("definition.entry_step_id", schema.ErrCodeStepNotFound,
				fmt.Sprintf("entry step %q does not exist", entry))
		}
	}
	for j, id := range wf.Definition.StepIDs {
		if _, ok := ids[id]; !ok {
			c.report.AddError(fmt.Sprintf("definition.step_ids[%d]", j), schema.ErrCodeStepNotFound,
				fmt.Sprintf("references non-existent step %q", id))
		}
	}

	c.checkTrigger(wf)
	return c.report
}

func (c *semanticChecker) checkStep(i int, step *schema.WorkflowStep, ids map[string]int) {
	for j, next := range step.NextSteps {
		if _, ok := ids[next.StepID]; !ok {
			c.report.AddError(schema.StepPath(i, fmt.Sprintf("next_steps[%d]", j)), schema.ErrCodeStepNotFound,
				fmt.Sprintf("references non-existent step %q", next.StepID))
		}
		if next.Condition != schema.BranchUnconditional && step.StepType != schema.StepTypeCondition {
			c.report.AddWarning(schema.StepPath(i, fmt.Sprintf("next_steps[%d].condition", j)), schema.ErrCodeValidation,
				fmt.Sprintf("branch tag %q is ignored on %s steps", next.Condition, step.StepType))
		}
	}

	cfg, err := schema.DecodeConfig(step)
	if err != nil {
		c.report.AddError(schema.StepPath(i, "config"), issueCode(err), err.Error())
		return
	}

	switch typed := cfg.(type) {
	case *schema.ConditionConfig:
		c.checkCondition(i, step, typed)
	case *schema.ActionConfig:
		c.checkAction(i, step, typed.ActionType, typed)
	case *schema.DelayConfig:
		c.checkAction(i, step, schema.ActionDelay, &schema.ActionConfig{ActionType: schema.ActionDelay, DelaySpec: typed.DelaySpec})
	case nil:
		if step.StepType != schema.StepTypeTrigger {
			c.report.AddWarning(schema.StepPath(i, "step_type"), schema.ErrCodeValidation,
				fmt.Sprintf("%s steps run as pass-through; execution is sequential", step.StepType))
		}
	}
}

func (c *semanticChecker) checkCondition(i int, step *schema.WorkflowStep, cfg *schema.ConditionConfig) {
	path := schema.StepPath(i, "config")

	if raw, ok := conditionSchemas[cfg.ConditionType]; ok {
		c.schemaViolations(path, step.Config, []byte(raw))
	}

	if c.deps.Conditions != nil {
		ev, err := c.deps.Conditions.Get(cfg.ConditionType)
		if err != nil {
			c.report.AddError(path+".condition_type", issueCode(err), err.Error())
			return
		}
		if err := ev.Validate(cfg); err != nil {
			c.report.AddError(path, issueCode(err), err.Error())
		}
	}

	var hasTrue, hasFalse bool
	for _, next := range step.NextSteps {
		hasTrue = hasTrue || next.Condition == schema.BranchTrue
		hasFalse = hasFalse || next.Condition == schema.BranchFalse
	}
	if !hasTrue {
		c.report.AddWarning(schema.StepPath(i, "next_steps"), schema.ErrCodeValidation,
			"no true branch; the execution completes when the condition holds")
	}
	if !hasFalse {
		c.report.AddWarning(schema.StepPath(i, "next_steps"), schema.ErrCodeValidation,
			"no false branch; the execution completes when the condition fails")
	}
}

func (c *semanticChecker) checkAction(i int, step *schema.WorkflowStep, kind string, cfg *schema.ActionConfig) {
	path := schema.StepPath(i, "config")
	if c.deps.Actions == nil {
		return
	}
	action, err := c.deps.Actions.Get(kind)
	if err != nil {
		c.report.AddError(path+".action_type", issueCode(err), err.Error())
		return
	}
	c.schemaViolations(path, step.Config, action.Schema().InputSchema)
	if err := action.Validate(cfg); err != nil {
		c.report.AddError(path, issueCode(err), err.Error())
	}

	unconditional := 0
	for _, next := range step.NextSteps {
		if next.Condition == schema.BranchUnconditional {
			unconditional++
		}
	}
	if unconditional > 1 {
		c.report.AddError(schema.StepPath(i, "next_steps"), schema.ErrCodeValidation,
			fmt.Sprintf("%d unconditional successors; at most one is allowed", unconditional))
	}
}

func (c *semanticChecker) schemaViolations(path string, input map[string]any, raw []byte) {
	if err := c.jsonSchema.ValidateInput(input, raw); err != nil {
		for _, v := range violationsOf(err) {
			c.report.AddError(path, schema.ErrCodeValidation, v)
		}
	}
}

func (c *semanticChecker) checkTrigger(wf *schema.Workflow) {
	ts, err := wf.Trigger()
	if err != nil {
		c.report.AddError("trigger_config", schema.ErrCodeValidation, err.Error())
		return
	}

	if ts.When != "" && c.deps.When != nil {
		if err := c.deps.When.Check(ts.When); err != nil {
			c.report.AddError("trigger_config.when", schema.ErrCodeValidation, err.Error())
		}
	}

	if (len(ts.MessageTypes) > 0 || len(ts.Channels) > 0) && wf.TriggerType != schema.TriggerMessageReceived {
		c.report.AddWarning("trigger_config", schema.ErrCodeValidation,
			fmt.Sprintf("message_types and channels only apply to %s workflows", schema.TriggerMessageReceived))
	}

	switch wf.TriggerType {
	case schema.TriggerScheduled:
		if ts.Cron == "" {
			c.report.AddError("trigger_config.cron", schema.ErrCodeValidation, "scheduled workflows require a cron expression")
		} else if _, err := cronParser.Parse(ts.Cron); err != nil {
			c.report.AddError("trigger_config.cron", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %s", ts.Cron, err.Error()))
		}
		if ts.Timezone != "" {
			if _, err := time.LoadLocation(ts.Timezone); err != nil {
				c.report.AddError("trigger_config.timezone", schema.ErrCodeValidation,
					fmt.Sprintf("unknown timezone %q", ts.Timezone))
			}
		}
	default:
		if ts.Cron != "" {
			c.report.AddWarning("trigger_config.cron", schema.ErrCodeValidation,
				fmt.Sprintf("cron is ignored for %s workflows", wf.TriggerType))
		}
	}
}

func issueCode(err error) string {
	if code := schema.CodeOf(err); code != "" {
		return code
	}
	return schema.ErrCodeValidation
}
