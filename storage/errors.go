package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the session does not exist or is deleted.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned when a session is created with an ID already in use.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrExpired is returned when an expired session is touched or appended to.
	ErrExpired = errors.New("session expired")
	// ErrIO is returned when the underlying medium fails.
	ErrIO = errors.New("storage io failure")
	// ErrSerialization is returned when a record cannot be encoded or decoded.
	ErrSerialization = errors.New("storage serialization failure")
)

// Error describes a failed storage operation.
type Error struct {
	// Op is the name of the SessionStorage method that failed.
	Op        string
	SessionID string
	// Kind is one of the sentinel errors of this package.
	Kind error
	// Err is the underlying cause, if any.
	Err error
}

// NewError returns an *Error for the operation op on session id.
func NewError(op, id string, kind, err error) *Error {
	return &Error{Op: op, SessionID: id, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("storage %s", e.Op)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" session %s", e.SessionID)
	}
	msg += fmt.Sprintf(": %v", e.Kind)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
