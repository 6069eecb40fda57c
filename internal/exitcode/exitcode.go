// Package exitcode defines the process exit statuses of fatal startup
// failures and an error type that carries one up to main.
package exitcode

import (
	"errors"
	"fmt"
)

// Exit statuses.
const (
	OK                          = 0
	WrongArgument               = 1
	FailedChdir                 = 2
	FailureOpeningLockFile      = 3
	FailureLockingLockFile      = 4
	FailureSettingSignalHandler = 5
	FailureInitPersistence      = 6
	FailureOpeningLog           = 7
	FailureStartingRefresh      = 8
	FailureServing              = 9
)

// Error is a fatal error with the exit status main should use.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with code.
func New(code int, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Newf formats an error and wraps it with code.
func Newf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Code returns the exit status for err: OK for nil, the carried code for
// an *Error anywhere in the chain, WrongArgument otherwise.
func Code(err error) int {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return WrongArgument
}
