// Package errs defines the error kinds surfaced by the query compiler.
//
// Only two kinds exist. Forbidden means the identity lacks a permission rule
// for a collection or field it asked for. InvalidQuery means the request is
// malformed. Both are raised before any SQL runs. Database errors are never
// converted into either kind.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden is the sentinel every *ForbiddenError unwraps to.
	ErrForbidden = errors.New("veil: forbidden")

	// ErrInvalidQuery is the sentinel every *InvalidQueryError unwraps to.
	ErrInvalidQuery = errors.New("veil: invalid query")
)

// ForbiddenError reports a missing permission. Field is empty when the whole
// collection is inaccessible.
type ForbiddenError struct {
	Action     string
	Collection string
	Field      string
}

func (e *ForbiddenError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: no %q permission for field %q in collection %q",
			ErrForbidden, e.Action, e.Field, e.Collection)
	}
	return fmt.Sprintf("%s: no %q permission for collection %q", ErrForbidden, e.Action, e.Collection)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// InvalidQueryError reports a malformed query, filter or field path.
type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidQuery, e.Reason)
}

func (e *InvalidQueryError) Unwrap() error { return ErrInvalidQuery }

// Forbidden returns a ForbiddenError for a collection or a single field.
func Forbidden(action, collection, field string) error {
	return &ForbiddenError{Action: action, Collection: collection, Field: field}
}

// InvalidQuery returns an InvalidQueryError with a formatted reason.
func InvalidQuery(format string, args ...any) error {
	return &InvalidQueryError{Reason: fmt.Sprintf(format, args...)}
}

// IsForbiddenErr returns true if err is or wraps ErrForbidden.
func IsForbiddenErr(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsInvalidQueryErr returns true if err is or wraps ErrInvalidQuery.
func IsInvalidQueryErr(err error) bool {
	return errors.Is(err, ErrInvalidQuery)
}
