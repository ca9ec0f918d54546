package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReport_EmptyIsValid(t *testing.T) {
	r := &Report{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestReport_AddError(t *testing.T) {
	r := &Report{}
	r.AddError(StepPath(0, "config.operator"), ErrCodeValidation, "unknown operator")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].config.operator", r.Errors[0].Path)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestReport_WarningsDoNotInvalidate(t *testing.T) {
	r := &Report{}
	r.AddWarning(StepPath(1, ""), ErrCodeValidation, "step is unreachable")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, "steps[1]", r.Warnings[0].Path)
}

func TestReport_Merge(t *testing.T) {
	r1 := &Report{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r2 := &Report{}
	r2.AddError("steps[0]", ErrCodeValidation, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestReport_ToError(t *testing.T) {
	r := &Report{}
	r.AddError("steps[0]", ErrCodeValidation, "first")
	r.AddError("steps[1]", ErrCodeValidation, "second")

	err := r.ToError()
	require.Error(t, err)
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, ErrCodeValidation, engErr.Code)
	assert.Contains(t, engErr.Message, "2 validation errors")
	assert.Equal(t, 2, engErr.Details["error_count"])
}
