package veil

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/pthm/veil/pkg/errs"
)

// Error kinds raised during compilation. Both are returned before any SQL
// runs; database errors are never converted into either.
var (
	ErrForbidden    = errs.ErrForbidden
	ErrInvalidQuery = errs.ErrInvalidQuery
)

type (
	ForbiddenError    = errs.ForbiddenError
	InvalidQueryError = errs.InvalidQueryError
)

// IsForbiddenErr returns true if err is or wraps ErrForbidden.
func IsForbiddenErr(err error) bool {
	return errs.IsForbiddenErr(err)
}

// IsInvalidQueryErr returns true if err is or wraps ErrInvalidQuery.
func IsInvalidQueryErr(err error) bool {
	return errs.IsInvalidQueryErr(err)
}

// SQLState extracts the SQLSTATE code from a database error.
// Works with both postgres drivers:
//   - pgx: *pgconn.PgError
//   - lib/pq: *pq.Error
//
// Returns empty string if the error doesn't carry a SQLSTATE.
func SQLState(err error) string {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	type sqlStateErr interface{ SQLState() string }
	var se sqlStateErr
	if errors.As(err, &se) {
		return se.SQLState()
	}

	// Last resort for drivers that only format the code into the message:
	// "... (SQLSTATE 42P01)".
	msg := err.Error()
	if idx := strings.Index(msg, "SQLSTATE "); idx >= 0 {
		start := idx + len("SQLSTATE ")
		if start+5 <= len(msg) {
			return msg[start : start+5]
		}
	}
	return ""
}
