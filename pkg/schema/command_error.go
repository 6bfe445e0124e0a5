package schema

import (
	"errors"
	"fmt"
	"time"
)

// Tier is the capability level of a classified command error. Each tier
// includes the capabilities of the ones below it.
type Tier int

const (
	// TierBase fails the command; no decorator retries or recovers it.
	TierBase Tier = iota
	// TierRecoverable may be handled by a Recoverable decorator.
	TierRecoverable
	// TierRetryable may be re-attempted by a Retry decorator and is also recoverable.
	TierRetryable
)

// String returns the tier name used in logs and blueprints.
func (t Tier) String() string {
	switch t {
	case TierBase:
		return "base"
	case TierRecoverable:
		return "recoverable"
	case TierRetryable:
		return "retryable"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier maps a tier name to its Tier. Empty means base.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "", "base":
		return TierBase, nil
	case "recoverable":
		return TierRecoverable, nil
	case "retryable":
		return TierRetryable, nil
	default:
		return TierBase, NewOpErrorf(ErrCodeValidation, "unknown error tier %q", s)
	}
}

// CommandError is a classified failure understood by the command engine.
// Returning one (possibly wrapped) from a work function marks the command
// Failed without aborting the enclosing run.
type CommandError struct {
	Code      int       `json:"code"`
	Text      string    `json:"text"`
	Tier      Tier      `json:"tier"`
	Timestamp time.Time `json:"timestamp"`
	Cause     error     `json:"-"`
}

func newCommandError(tier Tier, code int, text string) *CommandError {
	return &CommandError{Code: code, Text: text, Tier: tier, Timestamp: time.Now()}
}

// NewError creates a base-tier classified error.
func NewError(code int, text string) *CommandError {
	return newCommandError(TierBase, code, text)
}

// NewErrorf creates a base-tier classified error with a formatted text.
func NewErrorf(code int, format string, args ...any) *CommandError {
	return newCommandError(TierBase, code, fmt.Sprintf(format, args...))
}

// NewRecoverableError creates a classified error a Recoverable decorator may handle.
func NewRecoverableError(code int, text string) *CommandError {
	return newCommandError(TierRecoverable, code, text)
}

// NewRecoverableErrorf is NewRecoverableError with a formatted text.
func NewRecoverableErrorf(code int, format string, args ...any) *CommandError {
	return newCommandError(TierRecoverable, code, fmt.Sprintf(format, args...))
}

// NewRetryableError creates a classified error a Retry decorator may re-attempt.
func NewRetryableError(code int, text string) *CommandError {
	return newCommandError(TierRetryable, code, text)
}

// NewRetryableErrorf is NewRetryableError with a formatted text.
func NewRetryableErrorf(code int, format string, args ...any) *CommandError {
	return newCommandError(TierRetryable, code, fmt.Sprintf(format, args...))
}

// NewTieredError creates a classified error of the given tier.
func NewTieredError(tier Tier, code int, text string) *CommandError {
	return newCommandError(tier, code, text)
}

func (e *CommandError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Text, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s (code %d)", e.Text, e.Code)
}

func (e *CommandError) Unwrap() error {
	return e.Cause
}

// WithCause attaches an underlying cause.
func (e *CommandError) WithCause(err error) *CommandError {
	e.Cause = err
	return e
}

// AllowsRecovery reports whether a Recoverable decorator may handle the error.
func (e *CommandError) AllowsRecovery() bool {
	return e != nil && e.Tier >= TierRecoverable
}

// AllowsRetry reports whether a Retry decorator may re-attempt after the error.
func (e *CommandError) AllowsRetry() bool {
	return e != nil && e.Tier >= TierRetryable
}

// AsCommandError returns the classified error in err's chain, if any.
func AsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsRecoverable reports whether err carries a recovery-tier (or higher) classified error.
func IsRecoverable(err error) bool {
	ce, ok := AsCommandError(err)
	return ok && ce.AllowsRecovery()
}

// IsRetryable reports whether err carries a retry-tier classified error.
func IsRetryable(err error) bool {
	ce, ok := AsCommandError(err)
	return ok && ce.AllowsRetry()
}
