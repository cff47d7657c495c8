package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/nestdoc/internal/schema"
)

var (
	// ErrContextClosed is returned when work is scheduled on a context that
	// has been closed or collected, or when a save's target is gone.
	ErrContextClosed = errors.New("context closed")

	// ErrEntityNotFound is returned when an identifier resolves to nothing
	// in the context chain or the store.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrUnresolvableTemporaryIdentifier is returned when a temporary
	// identifier is used outside the context chain that minted it.
	ErrUnresolvableTemporaryIdentifier = errors.New("temporary identifier cannot be resolved in another context")

	// ErrTxDone is returned when a Tx is used after its op has returned.
	ErrTxDone = errors.New("transaction used outside its operation")

	// ErrOperationPanicked wraps a panic recovered from a scheduled op.
	ErrOperationPanicked = errors.New("operation panicked")
)

// SaveError reports why a save did not take effect.
//
// A VALIDATION_FAILED save leaves the context exactly as it was. A
// COMMIT_FAILED save (root only) leaves the pending changes in place so the
// caller can retry or roll back.
type SaveError struct {
	// Code identifies the error category.
	Code SaveErrorCode

	// Context is the name of the context whose save failed.
	Context string

	// Violations lists validation failures (VALIDATION_FAILED only).
	Violations []schema.Violation

	// Err is the store error (COMMIT_FAILED only).
	Err error
}

// SaveErrorCode categorizes save errors.
type SaveErrorCode string

const (
	// ErrCodeValidationFailed indicates the pending set violates the model.
	ErrCodeValidationFailed SaveErrorCode = "VALIDATION_FAILED"

	// ErrCodeCommitFailed indicates the store rejected the changeset.
	ErrCodeCommitFailed SaveErrorCode = "COMMIT_FAILED"
)

// Error implements the error interface.
func (e *SaveError) Error() string {
	switch {
	case len(e.Violations) > 0:
		return fmt.Sprintf("%s: save %s: %s", e.Code, e.Context, schema.FormatViolations(e.Violations))
	case e.Err != nil:
		return fmt.Sprintf("%s: save %s: %v", e.Code, e.Context, e.Err)
	default:
		return fmt.Sprintf("%s: save %s", e.Code, e.Context)
	}
}

// Unwrap returns the underlying store error.
func (e *SaveError) Unwrap() error {
	return e.Err
}

// IsValidationFailed returns true if err is a VALIDATION_FAILED save error.
// Uses errors.As to handle wrapped errors.
func IsValidationFailed(err error) bool {
	var se *SaveError
	if errors.As(err, &se) {
		return se.Code == ErrCodeValidationFailed
	}
	return false
}

// IsCommitFailed returns true if err is a COMMIT_FAILED save error.
func IsCommitFailed(err error) bool {
	var se *SaveError
	if errors.As(err, &se) {
		return se.Code == ErrCodeCommitFailed
	}
	return false
}
