package queryir

import (
	"errors"
	"fmt"
)

// QueryErrorCode categorizes query failures.
type QueryErrorCode string

const (
	// ErrCodeMalformedPredicate indicates a request or predicate that cannot
	// be compiled or evaluated.
	ErrCodeMalformedPredicate QueryErrorCode = "MALFORMED_PREDICATE"

	// ErrCodeBackingFailure indicates the store failed while answering.
	ErrCodeBackingFailure QueryErrorCode = "BACKING_FAILURE"
)

// QueryError is returned by finds and resolves. Queries never degrade to an
// empty result on failure.
type QueryError struct {
	Code    QueryErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// Malformed builds a MALFORMED_PREDICATE error.
func Malformed(err error, format string, args ...any) *QueryError {
	return &QueryError{Code: ErrCodeMalformedPredicate, Message: fmt.Sprintf(format, args...), Err: err}
}

// BackingFailure wraps a store error. An existing QueryError is returned
// unchanged.
func BackingFailure(err error, format string, args ...any) error {
	var qe *QueryError
	if errors.As(err, &qe) {
		return err
	}
	return &QueryError{Code: ErrCodeBackingFailure, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsMalformedPredicate reports whether err is a MALFORMED_PREDICATE error.
func IsMalformedPredicate(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Code == ErrCodeMalformedPredicate
}

// IsBackingFailure reports whether err is a BACKING_FAILURE error.
func IsBackingFailure(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Code == ErrCodeBackingFailure
}
