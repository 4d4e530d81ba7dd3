// Package cli provides shared configuration and utilities for the veil CLI.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/pthm/veil/pkg/errs"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitGeneral      = 1
	ExitConfig       = 2
	ExitSchemaParse  = 3
	ExitDBConnect    = 4
	ExitForbidden    = 5
	ExitInvalidQuery = 6
)

var errNoAccessStore = errors.New("set access to a fixture file or configure a database")

// ExitError wraps an error with an exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitWithError prints the error and exits with the appropriate code.
func ExitWithError(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(ExitCode(err))
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitGeneral
}

// ConfigError creates an ExitError with ExitConfig code.
func ConfigError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Err: err}
}

// SchemaParseError creates an ExitError with ExitSchemaParse code.
func SchemaParseError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitSchemaParse, Message: msg, Err: err}
}

// DBConnectError creates an ExitError with ExitDBConnect code.
func DBConnectError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitDBConnect, Message: msg, Err: err}
}

// GeneralError creates an ExitError with ExitGeneral code.
func GeneralError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitGeneral, Message: msg, Err: err}
}

// QueryError classifies an error raised while compiling or running a query.
func QueryError(msg string, err error) *ExitError {
	switch {
	case errs.IsForbiddenErr(err):
		return &ExitError{Code: ExitForbidden, Message: msg, Err: err}
	case errs.IsInvalidQueryErr(err):
		return &ExitError{Code: ExitInvalidQuery, Message: msg, Err: err}
	}
	return GeneralError(msg, err)
}
