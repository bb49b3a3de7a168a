package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors of the governance taxonomy. Callers branch with errors.Is;
// the richer typed errors below unwrap to these.
var (
	// ErrHardConstraintViolation is fatal and non-retryable. It always
	// carries the violated rules' human-readable text via HardViolationError.
	ErrHardConstraintViolation = errors.New("hard constraint violation")

	// ErrAuditWriteFailure aborts an action before execution: the
	// fail-closed contract. Fatal for the current action only.
	ErrAuditWriteFailure = errors.New("audit write failure")

	// ErrApprovalExpired is the terminal rejection of a ticket whose
	// expiry passed before a decision landed.
	ErrApprovalExpired = errors.New("approval expired")

	// ErrApprovalAlreadyResolved is the idempotent answer to a resolver
	// that lost the race. Not an error condition for the caller; surfaced
	// as a sentinel so transports can map it to a benign response.
	ErrApprovalAlreadyResolved = errors.New("approval already resolved")

	// ErrUnknownActionType means no executor is registered for the type.
	ErrUnknownActionType = errors.New("unknown action type")

	// ErrNotFound is the generic missing-row answer from stores.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes a malformed request. Recoverable: the caller
// retries with corrected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// HardViolationError carries the violated hard rules. User-visible messages
// include only the rules' descriptions and the action id, never payloads.
type HardViolationError struct {
	ActionID string
	Rules    []string
}

func (e *HardViolationError) Error() string {
	return fmt.Sprintf("hard constraint violation: %s", strings.Join(e.Rules, "; "))
}

func (e *HardViolationError) Unwrap() error { return ErrHardConstraintViolation }

// ExecutorError classifies an execution failure. Transient failures are
// retried per policy when the executor is idempotent; permanent failures
// surface immediately.
type ExecutorError struct {
	Transient bool
	Err       error
}

func (e *ExecutorError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("executor error (%s): %v", kind, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// Transientf builds a retryable ExecutorError.
func Transientf(format string, args ...any) *ExecutorError {
	return &ExecutorError{Transient: true, Err: fmt.Errorf(format, args...)}
}

// Permanentf builds a non-retryable ExecutorError.
func Permanentf(format string, args ...any) *ExecutorError {
	return &ExecutorError{Transient: false, Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is a retryable executor failure.
func IsTransient(err error) bool {
	var ee *ExecutorError
	return errors.As(err, &ee) && ee.Transient
}
