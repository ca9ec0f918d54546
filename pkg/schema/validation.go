package schema

import "fmt"

// IssueSeverity indicates whether a workflow issue blocks activation.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// Issue is a single authoring problem located by a JSON-pointer-like path
// (e.g. "steps[2].config.operator").
type Issue struct {
	Path     string        `json:"path"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Severity IssueSeverity `json:"severity"`
}

// Report aggregates the issues found while validating a workflow.
type Report struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings never block a workflow.
func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *Report) AddError(path, code, message string) {
	r.Errors = append(r.Errors, Issue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

// AddWarning appends a warning-severity issue.
func (r *Report) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, Issue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge combines another report into this one.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// StepPath renders the path of the i-th step, optionally suffixed.
func StepPath(i int, suffix string) string {
	if suffix == "" {
		return fmt.Sprintf("steps[%d]", i)
	}
	return fmt.Sprintf("steps[%d].%s", i, suffix)
}

// ToError converts the report to an EngineError if invalid, nil if valid.
func (r *Report) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Path + ": " + r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("workflow has %d validation errors; first: %s", len(r.Errors), msg)
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
