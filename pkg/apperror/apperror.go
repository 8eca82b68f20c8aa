// Package apperror defines the error taxonomy for merge operations and maps
// it onto the transport error type used across the service.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

// Stable machine-readable codes returned in API error bodies.
const (
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeInvalidState       = "invalid_state"
	CodeExecutionError     = "execution_error"
	CodeExternalDependency = "external_dependency_error"
	CodeInternal           = "internal"
)

// NotFound indicates a missing entity, proposal, or merge record.
func NotFound(format string, args ...any) error {
	return newWithCode(http.StatusNotFound, CodeNotFound, fmt.Sprintf(format, args...))
}

// Conflict indicates a pair that already has a non-terminal proposal, or an
// undo that was already applied.
func Conflict(format string, args ...any) error {
	return newWithCode(http.StatusConflict, CodeConflict, fmt.Sprintf(format, args...))
}

// InvalidState indicates an operation that is not legal from the current
// proposal or family state.
func InvalidState(format string, args ...any) error {
	return newWithCode(http.StatusUnprocessableEntity, CodeInvalidState, fmt.Sprintf(format, args...))
}

// ExternalDependency indicates the signal store or audit sink is unreachable.
func ExternalDependency(format string, args ...any) error {
	return newWithCode(http.StatusBadGateway, CodeExternalDependency, fmt.Sprintf(format, args...))
}

// Internal indicates an unexpected server-side failure.
func Internal(format string, args ...any) error {
	return newWithCode(http.StatusInternalServerError, CodeInternal, fmt.Sprintf(format, args...))
}

func newWithCode(status int, code, message string) error {
	err := httperror.NewHTTPError(status, message)
	he := httperror.ToHTTPError(err)
	if he.Meta == nil {
		he.Meta = map[string]any{}
	}
	he.Meta["code"] = code
	return he
}

// ExecutionError is a transactional mutation failure. Stage identifies the
// executor step that failed so a reviewer can decide what to do next.
type ExecutionError struct {
	Stage string
	Cause error
}

func (e *ExecutionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("merge execution failed at stage %q", e.Stage)
	}
	return fmt.Sprintf("merge execution failed at stage %q: %v", e.Stage, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// NewExecutionError wraps a failure with its executor stage tag.
func NewExecutionError(stage string, cause error) error {
	return &ExecutionError{Stage: stage, Cause: cause}
}

// AsExecutionError unwraps err to an ExecutionError when there is one.
func AsExecutionError(err error) (*ExecutionError, bool) {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// Code extracts the taxonomy code from an error, defaulting to internal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if _, ok := AsExecutionError(err); ok {
		return CodeExecutionError
	}
	if httperror.IsHTTPError(err) {
		he := httperror.ToHTTPError(err)
		if code, ok := he.Meta["code"].(string); ok && code != "" {
			return code
		}
		switch httperror.GetStatusCode(err) {
		case http.StatusNotFound:
			return CodeNotFound
		case http.StatusConflict:
			return CodeConflict
		case http.StatusUnprocessableEntity:
			return CodeInvalidState
		case http.StatusBadGateway:
			return CodeExternalDependency
		}
		return CodeInternal
	}
	return CodeInternal
}

func IsNotFound(err error) bool {
	return Code(err) == CodeNotFound
}

func IsConflict(err error) bool {
	return Code(err) == CodeConflict
}

func IsInvalidState(err error) bool {
	return Code(err) == CodeInvalidState
}
