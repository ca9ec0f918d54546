package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/engageflow/pkg/schema"
)

const workflowSchemaURL = "https://engageflow.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for workflow documents.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://engageflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "trigger_type", "steps"],
  "properties": {
    "id": { "type": "string" },
    "tenant_id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "trigger_type": {
      "type": "string",
      "enum": ["message_received", "conversation_created", "conversation_closed", "customer_created",
               "customer_returning", "auto_follow_up", "no_response", "scheduled"]
    },
    "trigger_config": { "$ref": "#/$defs/trigger_config" },
    "status": { "type": "string", "enum": ["", "draft", "active", "inactive"] },
    "execution_mode": { "type": "string", "enum": ["sequential", "parallel", "mixed"] },
    "definition": {
      "type": "object",
      "properties": {
        "entry_step_id": { "type": "string" },
        "step_ids": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "created_at": {},
    "updated_at": {},
    "deleted_at": {}
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "step_type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "workflow_id": { "type": "string" },
        "tenant_id": { "type": "string" },
        "name": { "type": "string" },
        "step_type": {
          "type": "string",
          "enum": ["condition", "action", "delay", "trigger", "parallel", "loop", "merge"]
        },
        "config": { "type": "object" },
        "next_steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/next_step" }
        }
      },
      "additionalProperties": false
    },
    "next_step": {
      "type": "object",
      "required": ["step_id"],
      "properties": {
        "step_id": { "type": "string", "minLength": 1 },
        "condition": { "type": "string", "enum": ["", "true", "false"] }
      },
      "additionalProperties": false
    },
    "trigger_config": {
      "type": "object",
      "properties": {
        "message_types": { "type": "array", "items": { "type": "string" } },
        "channels": { "type": "array", "items": { "type": "string" } },
        "when": { "type": "string" },
        "cron": { "type": "string" },
        "timezone": { "type": "string" },
        "inactivity_minutes": { "type": "integer", "minimum": 1 },
        "max_follow_ups": { "type": "integer", "minimum": 0 }
      }
    }
  }
}`

// JSONSchemaValidator validates workflow documents and step configs against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of compiled config schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a workflow against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDocument(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateInput validates data against a JSON Schema given as raw bytes.
// Compiled schemas are cached by their text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid config schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize config").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler and URL per schema keeps resources from colliding.
	url := fmt.Sprintf("engageflow://config-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError flattens a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every violated location.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

// violationsOf returns the per-location messages of a validation error.
func violationsOf(err error) []string {
	var ee *schema.EngineError
	if e, ok := err.(*schema.EngineError); ok {
		ee = e
	}
	if ee != nil && ee.Details != nil {
		if v, ok := ee.Details["violations"].([]string); ok {
			return v
		}
	}
	return []string{err.Error()}
}
