package validation

import (
	"github.com/rendis/engageflow/pkg/schema"
)

// Deps are the registries a WorkflowValidator checks step kinds against.
// Any of them may be nil to skip the corresponding checks.
type Deps struct {
	Actions    ActionLookup
	Conditions ConditionLookup
	When       WhenChecker
}

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step kinds, configs, references, trigger)
// 3. Graph (reachability, cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	deps       Deps
}

var _ Validator = (*WorkflowValidator)(nil)

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator(deps Deps) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, deps: deps}, nil
}

// Validate runs the full pipeline and returns an aggregated report.
// Structural errors short-circuit; the graph stage only runs on a
// semantically valid workflow.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.Report {
	if wf == nil {
		r := &schema.Report{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, wf)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(wv.jsonSchema, wf, wv.deps))
	if !result.Valid() {
		return result
	}

	g, err := schema.BuildGraph(wf)
	if err != nil {
		result.AddError("steps", issueCode(err), err.Error())
		return result
	}
	result.Merge(validateGraph(g, wf))
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

func validateStructural(v *JSONSchemaValidator, wf *schema.Workflow) *schema.Report {
	result := &schema.Report{}
	if err := v.ValidateDocument(wf); err != nil {
		for _, msg := range violationsOf(err) {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
	}
	return result
}
