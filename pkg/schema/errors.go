package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	// Structural / authoring errors. Always terminal, never retried.
	ErrCodeUnknownStepType   = "UNKNOWN_STEP_TYPE"
	ErrCodeStepNotFound      = "STEP_NOT_FOUND"
	ErrCodeStepLimitExceeded = "STEP_LIMIT_EXCEEDED"

	// Wraps a provider/network failure inside an action.
	ErrCodeActionFailed = "ACTION_FAILED"

	// Store contract violations.
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyTerminal = "ALREADY_TERMINAL"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeExecution         = "EXECUTION_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Cause       error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.StepID = stepID
	return e
}

// WithExecution attaches an execution ID to the error.
func (e *EngineError) WithExecution(executionID string) *EngineError {
	e.ExecutionID = executionID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// IsRetryable reports whether the outer job layer may re-invoke the
// operation that produced this error.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeActionFailed:
		// Wrapped validation problems stay permanent.
		var inner *EngineError
		if errors.As(e.Cause, &inner) {
			return inner.IsRetryable()
		}
		return true
	case ErrCodeTimeout, ErrCodeCircuitOpen, ErrCodeStore, ErrCodeConflict:
		return true
	default:
		return false
	}
}

// IsStructural reports whether the error is an authoring error that must
// terminate the execution.
func (e *EngineError) IsStructural() bool {
	switch e.Code {
	case ErrCodeUnknownStepType, ErrCodeStepNotFound, ErrCodeStepLimitExceeded, ErrCodeValidation:
		return true
	}
	return false
}

// CodeOf returns the code of the first EngineError in err's chain, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
