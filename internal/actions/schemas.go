package actions

import "fmt"

// JSON Schemas (draft 2020-12) for action step configs. They are checked by
// the validation package when a workflow is defined.

func requiredFieldSchema(field string) string {
	return fmt.Sprintf(`{
  "type": "object",
  "required": ["action_type", %q],
  "properties": {
    "action_type": {"type": "string"},
    %q: {"type": "string", "minLength": 1}
  }
}`, field, field)
}

func optionalFieldSchema(field string) string {
	return fmt.Sprintf(`{
  "type": "object",
  "required": ["action_type"],
  "properties": {
    "action_type": {"type": "string"},
    %q: {"type": "string"}
  }
}`, field)
}

const sendAIResponseInputSchema = `{
  "type": "object",
  "required": ["action_type"],
  "properties": {
    "action_type":   {"type": "string"},
    "ai_agent_id":   {"type": "string"},
    "personality":   {"type": "string"},
    "system_prompt": {"type": "string"},
    "message":       {"type": "string"},
    "model":         {"type": "string"},
    "max_tokens":    {"type": "integer", "minimum": 1},
    "temperature":   {"type": "number", "minimum": 0, "maximum": 2},
    "media_urls":    {"type": "array", "items": {"type": "string"}}
  }
}`

const delayInputSchema = `{
  "type": "object",
  "required": ["duration"],
  "properties": {
    "action_type": {"type": "string"},
    "duration":    {"type": ["string", "number"]},
    "unit":        {"type": "string", "enum": ["", "s", "second", "seconds", "m", "minute", "minutes", "h", "hour", "hours", "d", "day", "days"]}
  }
}`
