package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes store errors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates an unresolvable id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeConflict indicates an optimistic-concurrency violation.
	// The caller should re-read and retry.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeBusy indicates index contention beyond the bounded wait.
	// The write against the source of truth already succeeded.
	ErrCodeBusy ErrorCode = "BUSY"

	// ErrCodeCorrupt indicates an unreadable or malformed record.
	ErrCodeCorrupt ErrorCode = "CORRUPT"

	// ErrCodeInvalidReference indicates an edge to a nonexistent node.
	ErrCodeInvalidReference ErrorCode = "INVALID_REFERENCE"

	// ErrCodeInvalidArgument indicates input rejected at construction.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
)

// Error is the typed error surfaced by NodeStore, EventLog and the index.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op names the failing operation, e.g. "nodestore.Update".
	Op string

	// ID is the node, event or session id involved, if any.
	ID string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.ID != "" {
		msg += fmt.Sprintf(" (id=%s)", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error.
func NewError(code ErrorCode, op, id, message string) *Error {
	return &Error{Code: code, Op: op, ID: id, Message: message}
}

// WrapError builds an Error around a cause.
func WrapError(code ErrorCode, op, id string, err error) *Error {
	return &Error{Code: code, Op: op, ID: id, Err: err}
}

// CodeOf returns the code of the first Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound returns true if err is a NOT_FOUND error.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsConflict returns true if err is a CONFLICT error.
func IsConflict(err error) bool { return CodeOf(err) == ErrCodeConflict }

// IsBusy returns true if err is a BUSY error.
func IsBusy(err error) bool { return CodeOf(err) == ErrCodeBusy }

// IsCorrupt returns true if err is a CORRUPT error.
func IsCorrupt(err error) bool { return CodeOf(err) == ErrCodeCorrupt }

// IsInvalidReference returns true if err is an INVALID_REFERENCE error.
func IsInvalidReference(err error) bool { return CodeOf(err) == ErrCodeInvalidReference }

// IsInvalidArgument returns true if err is an INVALID_ARGUMENT error.
func IsInvalidArgument(err error) bool { return CodeOf(err) == ErrCodeInvalidArgument }
