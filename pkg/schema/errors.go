package schema

import "fmt"

// Error codes for operational errors raised outside a command tree.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// OpError is the structured error returned by the blueprint loader, the
// registries, the store and the executor. It never drives retry or recovery:
// when it escapes a work function it is an unclassified fault.
type OpError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Command string         `json:"command,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OpError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("[%s] command %s: %s", e.Code, e.Command, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OpError) Unwrap() error {
	return e.Cause
}

// NewOpError creates a new OpError.
func NewOpError(code, message string) *OpError {
	return &OpError{Code: code, Message: message}
}

// NewOpErrorf creates a new OpError with a formatted message.
func NewOpErrorf(code, format string, args ...any) *OpError {
	return &OpError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCommand attaches the name of the command the error refers to.
func (e *OpError) WithCommand(name string) *OpError {
	e.Command = name
	return e
}

// WithCause attaches an underlying cause.
func (e *OpError) WithCause(err error) *OpError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OpError) WithDetails(details map[string]any) *OpError {
	e.Details = details
	return e
}
