package document

import (
	"errors"
	"fmt"
)

// OpenErrorCode categorizes Open failures.
type OpenErrorCode string

const (
	// ErrCodeSchemaUnreadable indicates the model could not be loaded.
	ErrCodeSchemaUnreadable OpenErrorCode = "SCHEMA_UNREADABLE"

	// ErrCodeStoreAttachFailed indicates the backing could not be attached
	// at the resolved location.
	ErrCodeStoreAttachFailed OpenErrorCode = "STORE_ATTACH_FAILED"
)

// OpenError is returned by Open. No coordinator accompanies it.
type OpenError struct {
	Code     OpenErrorCode
	Location string
	Err      error
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Location, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpenError) Unwrap() error {
	return e.Err
}

// IsSchemaUnreadable reports whether err is a SCHEMA_UNREADABLE open error.
func IsSchemaUnreadable(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe) && oe.Code == ErrCodeSchemaUnreadable
}

// IsStoreAttachFailed reports whether err is a STORE_ATTACH_FAILED open
// error.
func IsStoreAttachFailed(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe) && oe.Code == ErrCodeStoreAttachFailed
}
