package shared

import (
	"errors"
	"fmt"
)

// Error codes surfaced to API clients in the problem-details envelope.
const (
	CodePeriodLocked           = "PERIOD_LOCKED"
	CodeCostingMethodNotSet    = "COSTING_METHOD_NOT_SET"
	CodeCostingMethodImmutable = "COSTING_METHOD_IMMUTABLE"
	CodeOverrideInvalid        = "OVERRIDE_INVALID"
	CodeOverrideExpired        = "OVERRIDE_EXPIRED"
	CodeOverrideAlreadyUsed    = "OVERRIDE_ALREADY_USED"
	CodeOverridePeriodMismatch = "OVERRIDE_PERIOD_MISMATCH"
	CodeInsufficientStock      = "INSUFFICIENT_STOCK"
	CodeConcurrencyConflict    = "CONCURRENCY_CONFLICT"
	CodeValidation             = "VALIDATION_ERROR"
	CodeNotFound               = "NOT_FOUND"
)

// DomainError is a typed error carrying a stable machine code. Domain packages
// declare their sentinels as *DomainError values so errors.Is keeps working
// through wrapping while handlers can still read the code.
type DomainError struct {
	Code      string
	Message   string
	Retryable bool
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	return e.Message
}

// Wrap annotates err with context while preserving the sentinel for errors.Is.
func Wrap(err error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// ErrorCode extracts the machine code from err, or empty string.
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsRetryable reports whether err represents a transient condition the caller
// may retry.
func IsRetryable(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// ErrNotFound indicates resource not found.
var ErrNotFound = &DomainError{Code: CodeNotFound, Message: "not found"}

// ErrValidation indicates malformed input.
var ErrValidation = &DomainError{Code: CodeValidation, Message: "validation failed"}
