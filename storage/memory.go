package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// MemoryStorage is a SessionStorage that keeps everything in process memory.
//
// It is the reference implementation: every other backend must behave like it. Nothing
// survives a restart, so it suits tests and single-process deployments that accept losing
// their sessions.
type MemoryStorage struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	closed   bool
}

type memorySession struct {
	session Session
	deleted bool
	state   map[string]json.RawMessage
	events  []Event
}

var errClosed = errors.New("storage is closed")

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*memorySession),
	}
}

// CreateSession implements SessionStorage.
func (m *MemoryStorage) CreateSession(_ context.Context, sess Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewError("CreateSession", sess.ID, ErrIO, errClosed)
	}
	if _, ok := m.sessions[sess.ID]; ok {
		return NewError("CreateSession", sess.ID, ErrAlreadyExists, nil)
	}
	sess.LastSequence = 0
	m.sessions[sess.ID] = &memorySession{
		session: sess,
		state:   make(map[string]json.RawMessage),
	}
	return nil
}

// GetSession implements SessionStorage.
func (m *MemoryStorage) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, err := m.live("GetSession", id)
	if err != nil {
		return Session{}, err
	}
	return ms.session, nil
}

// TouchSession implements SessionStorage.
func (m *MemoryStorage) TouchSession(_ context.Context, id string, now, expiresAt time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.live("TouchSession", id)
	if err != nil {
		return Session{}, err
	}
	if ms.session.Expired(now) {
		return Session{}, NewError("TouchSession", id, ErrExpired, nil)
	}
	ms.session.LastAccessedAt = now
	if expiresAt.After(ms.session.ExpiresAt) {
		ms.session.ExpiresAt = expiresAt
	}
	return ms.session, nil
}

// SetInitialized implements SessionStorage.
func (m *MemoryStorage) SetInitialized(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.live("SetInitialized", id)
	if err != nil {
		return false, err
	}
	was := ms.session.Initialized
	ms.session.Initialized = true
	return was, nil
}

// DeleteSession implements SessionStorage.
func (m *MemoryStorage) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.live("DeleteSession", id)
	if err != nil {
		return err
	}
	ms.deleted = true
	return nil
}

// ListExpired implements SessionStorage.
func (m *MemoryStorage) ListExpired(_ context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewError("ListExpired", "", ErrIO, errClosed)
	}
	var ids []string
	for id, ms := range m.sessions {
		if ms.deleted || ms.session.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// SetState implements SessionStorage.
func (m *MemoryStorage) SetState(_ context.Context, id, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return NewError("SetState", id, ErrSerialization, errors.New("value is not valid JSON"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.live("SetState", id)
	if err != nil {
		return err
	}
	ms.state[key] = cloneBytes(value)
	return nil
}

// GetState implements SessionStorage.
func (m *MemoryStorage) GetState(_ context.Context, id, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, err := m.live("GetState", id)
	if err != nil {
		return nil, err
	}
	v, ok := ms.state[key]
	if !ok {
		return nil, nil
	}
	return cloneBytes(v), nil
}

// AppendEvent implements SessionStorage.
func (m *MemoryStorage) AppendEvent(_ context.Context, id string, ev Event) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.live("AppendEvent", id)
	if err != nil {
		return 0, err
	}
	if ms.session.RejectsEventAt(ev.Timestamp) {
		return 0, NewError("AppendEvent", id, ErrExpired, nil)
	}
	ms.session.LastSequence++
	ev.SessionID = id
	ev.Sequence = ms.session.LastSequence
	ev.Payload = cloneBytes(ev.Payload)
	ms.events = append(ms.events, ev)
	return ev.Sequence, nil
}

// GetEventsSince implements SessionStorage.
func (m *MemoryStorage) GetEventsSince(_ context.Context, id string, lastSequence uint64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, err := m.live("GetEventsSince", id)
	if err != nil {
		return nil, err
	}
	// Sequences are contiguous from 1, so the event with sequence n sits at index n-1.
	if lastSequence >= uint64(len(ms.events)) {
		return nil, nil
	}
	tail := ms.events[lastSequence:]
	events := make([]Event, len(tail))
	for i, ev := range tail {
		ev.Payload = cloneBytes(ev.Payload)
		events[i] = ev
	}
	return events, nil
}

// PurgeSession implements SessionStorage.
func (m *MemoryStorage) PurgeSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewError("PurgeSession", id, ErrIO, errClosed)
	}
	if _, ok := m.sessions[id]; !ok {
		return NewError("PurgeSession", id, ErrNotFound, nil)
	}
	delete(m.sessions, id)
	return nil
}

// Close implements SessionStorage. Every later call fails with ErrIO.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.sessions = nil
	return nil
}

// live returns the session if it exists and is not deleted. Callers hold m.mu.
func (m *MemoryStorage) live(op, id string) (*memorySession, error) {
	if m.closed {
		return nil, NewError(op, id, ErrIO, errClosed)
	}
	ms, ok := m.sessions[id]
	if !ok || ms.deleted {
		return nil, NewError(op, id, ErrNotFound, nil)
	}
	return ms, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
