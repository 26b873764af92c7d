package workflow

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every failure the engine surfaces.
type ErrorCode string

const (
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeInvalidInput          ErrorCode = "INVALID_INPUT"
	CodeInvalidPath           ErrorCode = "INVALID_PATH"
	CodeVersionConflict       ErrorCode = "VERSION_CONFLICT"
	CodeCircularDependency    ErrorCode = "CIRCULAR_DEPENDENCY"
	CodeMaxIterationsExceeded ErrorCode = "MAX_ITERATIONS_EXCEEDED"
	CodeConstraintViolation   ErrorCode = "CONSTRAINT_VIOLATION"
	CodeTimeout               ErrorCode = "TIMEOUT"
	CodeExpressionError       ErrorCode = "EXPRESSION_ERROR"
	CodeControlFlowError      ErrorCode = "CONTROL_FLOW_ERROR"
	CodeTypeError             ErrorCode = "TYPE_ERROR"
	CodeSubAgentTaskNotFound  ErrorCode = "SUBAGENT_TASK_NOT_FOUND"
	CodeSubAgentFailed        ErrorCode = "SUBAGENT_FAILED"
	CodeSubAgentTimeout       ErrorCode = "SUBAGENT_TIMEOUT"
	CodeCircuitBreakerOpen    ErrorCode = "CIRCUIT_BREAKER_OPEN"
)

// Error is the typed failure value carried through the engine and across the
// API boundary as {code, message, step_id?, path?}.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	StepID  string    `json:"step_id,omitempty"`
	Path    string    `json:"path,omitempty"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s: %s (step %s)", e.Code, e.Message, e.StepID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a typed engine error.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep returns a copy annotated with the failing step ID.
func (e *Error) WithStep(stepID string) *Error {
	clone := *e
	clone.StepID = stepID
	return &clone
}

// WithPath returns a copy annotated with the offending state path.
func (e *Error) WithPath(path string) *Error {
	clone := *e
	clone.Path = path
	return &clone
}

// AsError extracts a *Error from an error chain, wrapping foreign errors
// under the given default code.
func AsError(err error, fallback ErrorCode) *Error {
	if err == nil {
		return nil
	}
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	return &Error{Code: fallback, Message: err.Error()}
}

// CodeOf returns the error code of err, or empty when err carries none.
func CodeOf(err error) ErrorCode {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}
