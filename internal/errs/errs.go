// Package errs defines the stable error codes shared by the core services
// and the sentinel errors they surface. The transport layer translates codes
// to HTTP statuses but must preserve them in the response envelope.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error class with a stable wire representation.
type Code string

const (
	CodeNotFound          Code = "NotFound"
	CodeConflict          Code = "Conflict"
	CodeDuplicate         Code = "Duplicate"
	CodeForbidden         Code = "Forbidden"
	CodeMaterialLocked    Code = "MaterialLocked"
	CodeNotAvailable      Code = "NotAvailable"
	CodeAlreadyInProgress Code = "AlreadyInProgress"
	CodeAlreadySubmitted  Code = "AlreadySubmitted"
	CodeExpired           Code = "Expired"
	CodeNoAttemptsLeft    Code = "NoAttemptsLeft"
	CodeTooFrequent       Code = "TooFrequent"
	CodeTooManyParallel   Code = "TooManyParallel"
	CodeArchiveFirst      Code = "ArchiveFirst"
	CodeNoQuestions       Code = "NoQuestions"
	CodeInternal          Code = "Internal"
)

// Sentinel errors for the common cases. Services return these directly or
// wrap them with context via fmt.Errorf("...: %w", err).
var (
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "entity not found"}
	ErrConflict          = &Error{Code: CodeConflict, Message: "conflicting concurrent update"}
	ErrDuplicate         = &Error{Code: CodeDuplicate, Message: "row already exists"}
	ErrForbidden         = &Error{Code: CodeForbidden, Message: "access denied"}
	ErrMaterialLocked    = &Error{Code: CodeMaterialLocked, Message: "material locked by an active test attempt"}
	ErrNotAvailable      = &Error{Code: CodeNotAvailable, Message: "not available yet"}
	ErrAlreadyInProgress = &Error{Code: CodeAlreadyInProgress, Message: "an attempt is already in progress"}
	ErrAlreadySubmitted  = &Error{Code: CodeAlreadySubmitted, Message: "attempt already submitted"}
	ErrExpired           = &Error{Code: CodeExpired, Message: "deadline passed"}
	ErrNoAttemptsLeft    = &Error{Code: CodeNoAttemptsLeft, Message: "no attempts left"}
	ErrTooFrequent       = &Error{Code: CodeTooFrequent, Message: "heartbeat too frequent"}
	ErrTooManyParallel   = &Error{Code: CodeTooManyParallel, Message: "too many parallel sessions"}
	ErrArchiveFirst      = &Error{Code: CodeArchiveFirst, Message: "entity must be archived before permanent delete"}
	ErrNoQuestions       = &Error{Code: CodeNoQuestions, Message: "question pool is empty"}
)

// Error carries a stable code, a human-readable message and optional details
// for the wire envelope.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code, so wrapped
// errors still match the package sentinels via errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// E builds an error with the given code and message.
func E(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Ef builds an error with the given code and a formatted message.
func Ef(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of the error carrying the given details map.
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details}
}

// CodeOf extracts the stable code from err, walking the wrap chain.
// Unclassified errors report CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Internal wraps an unclassified error so it surfaces generically while the
// original stays reachable for logging via errors.Unwrap.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", &Error{Code: CodeInternal, Message: "internal error"}, err)
}
