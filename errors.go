package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is the SessionError kind for unknown or deleted sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is the SessionError kind for sessions past their expiry.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionAlreadyInitialized is the SessionError kind for a repeated initialization.
	ErrSessionAlreadyInitialized = errors.New("session already initialized")

	// ErrStreamSessionNotFound is the StreamError kind for subscriptions to a session that is not live.
	ErrStreamSessionNotFound = errors.New("stream session not found")
	// ErrChannelClosed is the StreamError kind for use of a connection that is already closed.
	ErrChannelClosed = errors.New("stream channel closed")

	// ErrConnectionLagged is the close reason of a connection whose consumer fell behind the
	// live event stream by more than the configured queue size. The consumer can recover the
	// missed events by subscribing again from the last sequence it received.
	ErrConnectionLagged = errors.New("connection lagged behind the event stream")
)

// SessionError describes a session lifecycle violation.
type SessionError struct {
	SessionID string
	// Kind is ErrSessionNotFound, ErrSessionExpired or ErrSessionAlreadyInitialized.
	Kind error
	Err  error
}

// StreamError describes a failed stream operation.
type StreamError struct {
	SessionID    string
	ConnectionID string
	// Kind is ErrStreamSessionNotFound or ErrChannelClosed.
	Kind error
	Err  error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("session %s: %v", e.SessionID, e.Kind)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *StreamError) Error() string {
	msg := fmt.Sprintf("stream of session %s", e.SessionID)
	if e.ConnectionID != "" {
		msg += fmt.Sprintf(" connection %s", e.ConnectionID)
	}
	msg += fmt.Sprintf(": %v", e.Kind)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *StreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
