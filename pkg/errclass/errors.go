// Package errclass defines the stable, machine-readable error classes used by
// cassnap. Every class is either fatal (the run stops and the process exits
// non-zero) or recoverable (retried, then demoted to a per-item failure).
package errclass

import (
	"errors"
	"fmt"
)

// Error is a stable error class with an optional specific message.
type Error struct {
	Code    string
	Message string
	fatal   bool
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any Error carrying the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// Fatal reports whether the class terminates the whole run.
func (e *Error) Fatal() bool {
	return e.fatal
}

// WithMessage returns a new Error with the same class but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg, fatal: e.fatal}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...), fatal: e.fatal}
}

// Fatal classes.
var (
	ErrAuthExhausted   = &Error{Code: "E_AUTH_EXHAUSTED", fatal: true}
	ErrAuthFailed      = &Error{Code: "E_AUTH_FAILED", fatal: true}
	ErrTagNotFound     = &Error{Code: "E_TAG_NOT_FOUND", fatal: true}
	ErrTriggerFailed   = &Error{Code: "E_TRIGGER_FAILED", fatal: true}
	ErrListingCorrupt  = &Error{Code: "E_LISTING_CORRUPT", fatal: true}
	ErrLocalUnreadable = &Error{Code: "E_LOCAL_UNREADABLE", fatal: true}
	ErrConfigInvalid   = &Error{Code: "E_CONFIG_INVALID", fatal: true}
	ErrNameInvalid     = &Error{Code: "E_NAME_INVALID", fatal: true}
	ErrJournalBroken   = &Error{Code: "E_JOURNAL_CHAIN_BROKEN", fatal: true}
	ErrRunLocked       = &Error{Code: "E_RUN_LOCKED", fatal: true}
)

// Recoverable classes.
var (
	ErrTransport        = &Error{Code: "E_TRANSPORT"}
	ErrGatewayRejected  = &Error{Code: "E_GATEWAY_REJECTED"}
	ErrRetriesExhausted = &Error{Code: "E_RETRIES_EXHAUSTED"}
)

// IsFatal reports whether err (or anything it wraps) is a fatal class.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal()
	}
	return false
}

// Code returns the class code of err, or "" if err carries none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
