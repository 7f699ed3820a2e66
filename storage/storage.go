// Package storage defines the persistence contract for sessions, their state and their
// sequenced event logs, and ships MemoryStorage as the reference implementation.
//
// Durable implementations live in the sqlite and bolt subpackages. Every implementation
// is validated by the same suite in storagetest, so the delivery guarantees built on top
// of a SessionStorage hold regardless of the backend.
package storage

import (
	"context"
	"encoding/json"
	"time"
)

// SessionStorage persists sessions, per-session key/value state and per-session event logs.
//
// Implementations must be safe for concurrent use. All methods return *Error values whose
// Kind is one of the sentinel errors of this package, so callers can branch with errors.Is.
type SessionStorage interface {
	// CreateSession stores a new session record. It returns ErrAlreadyExists if a session
	// with the same ID was stored before, including one that is deleted but not yet purged.
	CreateSession(ctx context.Context, sess Session) error

	// GetSession returns the session record. Deleted sessions are reported as ErrNotFound.
	GetSession(ctx context.Context, id string) (Session, error)

	// TouchSession records an access at now and moves ExpiresAt forward to expiresAt. The
	// expiry never moves backward. It returns ErrExpired if the session already expired at
	// now, and the record is left untouched in that case.
	TouchSession(ctx context.Context, id string, now, expiresAt time.Time) (Session, error)

	// SetInitialized flags the session as initialized and reports whether it already was.
	SetInitialized(ctx context.Context, id string) (bool, error)

	// DeleteSession terminates the session. Afterwards the session is invisible to every
	// accessor and is reported by ListExpired until PurgeSession removes it.
	DeleteSession(ctx context.Context, id string) error

	// ListExpired returns the IDs of sessions that are deleted or whose ExpiresAt is not
	// after now.
	ListExpired(ctx context.Context, now time.Time) ([]string, error)

	// SetState stores value under key for the session, replacing any previous value.
	SetState(ctx context.Context, id, key string, value json.RawMessage) error

	// GetState returns the value stored under key, or nil if the key was never set.
	GetState(ctx context.Context, id, key string) (json.RawMessage, error)

	// AppendEvent appends ev to the session's log and returns the sequence assigned to it.
	// Sequences start at 1 and are gapless and strictly increasing per session, even
	// under concurrent callers. The SessionID and Sequence fields of ev are ignored.
	// An event whose Timestamp is at or past the session's ExpiresAt fails with ErrExpired.
	AppendEvent(ctx context.Context, id string, ev Event) (uint64, error)

	// GetEventsSince returns every event of the session with a sequence greater than
	// lastSequence, in ascending order.
	GetEventsSince(ctx context.Context, id string, lastSequence uint64) ([]Event, error)

	// PurgeSession removes the session record, its state and its event log.
	PurgeSession(ctx context.Context, id string) error

	// Close releases the resources held by the storage.
	Close() error
}

// Session is the persisted record of a client session.
type Session struct {
	ID              string
	ProtocolVersion string
	Initialized     bool

	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time

	// LastSequence is the sequence of the newest event in the session's log, zero if the
	// log is empty.
	LastSequence uint64
}

// Event is a single entry of a session's event log. Events are immutable once appended.
type Event struct {
	SessionID string
	Sequence  uint64
	Method    string
	// Payload holds the complete JSON-RPC notification envelope.
	Payload   json.RawMessage
	Timestamp time.Time
}

// Expired reports whether the session is expired at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// RejectsEventAt reports whether an event stamped at ts can no longer be appended to the
// session. Events without a timestamp are always accepted.
func (s Session) RejectsEventAt(ts time.Time) bool {
	return !ts.IsZero() && s.Expired(ts)
}
