package graph

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CircularDependencyError is returned when the step graph contains a cycle.
// StepIDs lists the steps participating in the cycle.
type CircularDependencyError struct {
	StepIDs   []uuid.UUID
	StepNames []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("graph: circular dependency involving steps [%s]", strings.Join(e.StepNames, ", "))
}

// Validation error codes. Errors are blocking; warnings are advisory.
const (
	CodeUnknownOperation     = "unknown_operation"
	CodeUnboundRequiredField = "unbound_required_field"
	CodeUnknownOutputField   = "unknown_output_field"
	CodeInvalidCondition     = "invalid_condition"
	CodeInvalidExpression    = "invalid_expression"
	CodeInvalidKind          = "invalid_kind"
	CodeDanglingEdge         = "dangling_edge"
	CodeNoTrigger            = "no_trigger"
	CodeEmptyBranch          = "empty_branch"
	CodeAmbiguousBinding     = "ambiguous_binding"
)

// ValidationError describes one structural problem found by the validator.
// Problems are collected into a report, never raised as exceptions, so the
// caller always sees the complete list.
type ValidationError struct {
	Code    string    `json:"code"`
	StepID  uuid.UUID `json:"step_id,omitempty"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
}

func (e ValidationError) Error() string { return e.Message }

// ValidationReport is the full outcome of validating a workflow. Errors block
// the workflow from being marked validated; warnings do not.
type ValidationReport struct {
	Errors   []ValidationError `json:"errors"`
	Warnings []ValidationError `json:"warnings"`
}

// Valid reports whether the workflow passed with no blocking errors.
func (r *ValidationReport) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationReport) addError(code string, stepID uuid.UUID, field, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{
		Code:    code,
		StepID:  stepID,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

func (r *ValidationReport) addWarning(code string, stepID uuid.UUID, field, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationError{
		Code:    code,
		StepID:  stepID,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}
