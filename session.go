package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TangGee/go-mcp-stream/storage"
)

// SessionOption represents the options for the SessionManager.
type SessionOption func(*SessionManager)

// SessionManager owns the lifecycle of client sessions: creation with time-ordered IDs,
// validation, sliding expiry, explicit deletion and the periodic sweep of expired sessions.
//
// A session moves from created to active on every touch, and ends either expired or deleted.
// Both ends are terminal. Observers registered with Observe are told when a session opens and
// when it is gone, which is how the StreamManager learns to drop the session's connections.
type SessionManager struct {
	store storage.SessionStorage

	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	ids *idGenerator

	observersMu sync.RWMutex
	observers   []SessionObserver
}

// SessionHandle is a validated view of a live session, bound to its storage.
type SessionHandle struct {
	session storage.Session
	store   storage.SessionStorage
}

type idGenerator struct {
	mu   sync.Mutex
	last uuid.UUID
}

var (
	defaultSessionTTL           = 30 * time.Minute
	defaultSessionSweepInterval = 60 * time.Second
)

// NewSessionManager creates a SessionManager persisting its sessions in store.
func NewSessionManager(store storage.SessionStorage, options ...SessionOption) *SessionManager {
	m := &SessionManager{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
		ids:    &idGenerator{},
	}
	for _, opt := range options {
		opt(m)
	}
	if m.ttl <= 0 {
		m.ttl = defaultSessionTTL
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = defaultSessionSweepInterval
	}
	return m
}

// WithSessionTTL sets the sliding expiry window of sessions.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		m.ttl = ttl
	}
}

// WithSessionSweepInterval sets how often Run sweeps expired sessions.
func WithSessionSweepInterval(interval time.Duration) SessionOption {
	return func(m *SessionManager) {
		m.sweepInterval = interval
	}
}

// WithSessionClock replaces the clock used for expiry decisions.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		m.now = now
	}
}

// WithSessionLogger sets the logger for the SessionManager.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(m *SessionManager) {
		m.logger = logger.With(
			slog.String("package", "go-mcp-stream"),
			slog.String("component", "session"),
		)
	}
}

// Observe registers o to be told about session lifecycle transitions.
func (m *SessionManager) Observe(o SessionObserver) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()

	m.observers = append(m.observers, o)
}

// Create creates and persists a new session. Session IDs are UUIDv7 strings, so IDs created
// in sequence compare in creation order.
func (m *SessionManager) Create(ctx context.Context, protocolVersion string) (SessionHandle, error) {
	id, err := m.ids.next()
	if err != nil {
		return SessionHandle{}, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := m.now()
	sess := storage.Session{
		ID:              id,
		ProtocolVersion: protocolVersion,
		CreatedAt:       now,
		LastAccessedAt:  now,
		ExpiresAt:       now.Add(m.ttl),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		m.logger.Error("failed to create session", slog.String("sessionID", id), slog.String("err", err.Error()))
		return SessionHandle{}, fmt.Errorf("failed to create session: %w", err)
	}

	m.logger.Debug("session created", slog.String("sessionID", id))
	m.forEachObserver(func(o SessionObserver) { o.SessionOpened(id) })

	return SessionHandle{session: sess, store: m.store}, nil
}

// Validate returns the session if it exists and has not expired. It fails with a
// *SessionError of kind ErrSessionNotFound or ErrSessionExpired otherwise.
func (m *SessionManager) Validate(ctx context.Context, id string) (SessionHandle, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return SessionHandle{}, m.sessionError(id, err)
	}
	if sess.Expired(m.now()) {
		return SessionHandle{}, &SessionError{SessionID: id, Kind: ErrSessionExpired}
	}
	return SessionHandle{session: sess, store: m.store}, nil
}

// Touch validates the session and slides its expiry to now plus the TTL.
func (m *SessionManager) Touch(ctx context.Context, id string) (SessionHandle, error) {
	now := m.now()
	sess, err := m.store.TouchSession(ctx, id, now, now.Add(m.ttl))
	if err != nil {
		return SessionHandle{}, m.sessionError(id, err)
	}
	return SessionHandle{session: sess, store: m.store}, nil
}

// MarkInitialized records that the client finished the initialization handshake. A second
// call fails with ErrSessionAlreadyInitialized.
func (m *SessionManager) MarkInitialized(ctx context.Context, id string) error {
	if _, err := m.Validate(ctx, id); err != nil {
		return err
	}
	was, err := m.store.SetInitialized(ctx, id)
	if err != nil {
		return m.sessionError(id, err)
	}
	if was {
		return &SessionError{SessionID: id, Kind: ErrSessionAlreadyInitialized}
	}
	return nil
}

// Delete terminates the session. Observers are told right away, and the next sweep purges
// the session's storage.
func (m *SessionManager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return m.sessionError(id, err)
	}

	m.logger.Debug("session deleted", slog.String("sessionID", id))
	m.forEachObserver(func(o SessionObserver) { o.SessionClosed(id) })
	return nil
}

// Sweep purges every expired or deleted session and tells the observers about each one.
// It returns the number of purged sessions.
func (m *SessionManager) Sweep(ctx context.Context) (int, error) {
	ids, err := m.store.ListExpired(ctx, m.now())
	if err != nil {
		m.logger.Error("failed to list expired sessions", slog.String("err", err.Error()))
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	var (
		purged int
		errs   []error
	)
	for _, id := range ids {
		// A session purged concurrently by another sweeper is not an error.
		if err := m.store.PurgeSession(ctx, id); err != nil && !storage.IsNotFound(err) {
			m.logger.Error("failed to purge session", slog.String("sessionID", id), slog.String("err", err.Error()))
			errs = append(errs, err)
			continue
		}
		purged++
		m.forEachObserver(func(o SessionObserver) { o.SessionClosed(id) })
	}

	if purged > 0 {
		m.logger.Info("swept expired sessions", slog.Int("count", purged))
	}
	if len(errs) > 0 {
		return purged, fmt.Errorf("failed to purge sessions: %w", errors.Join(errs...))
	}
	return purged, nil
}

// Run sweeps expired sessions every sweep interval until ctx is cancelled.
func (m *SessionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are already logged by Sweep.
			_, _ = m.Sweep(ctx)
		}
	}
}

func (m *SessionManager) forEachObserver(fn func(SessionObserver)) {
	m.observersMu.RLock()
	observers := make([]SessionObserver, len(m.observers))
	copy(observers, m.observers)
	m.observersMu.RUnlock()

	for _, o := range observers {
		fn(o)
	}
}

func (m *SessionManager) sessionError(id string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &SessionError{SessionID: id, Kind: ErrSessionNotFound, Err: err}
	case errors.Is(err, storage.ErrExpired):
		return &SessionError{SessionID: id, Kind: ErrSessionExpired, Err: err}
	default:
		m.logger.Error("session storage failure", slog.String("sessionID", id), slog.String("err", err.Error()))
		return fmt.Errorf("failed to access session %s: %w", id, err)
	}
}

// ID returns the session ID.
func (h SessionHandle) ID() string { return h.session.ID }

// Session returns the session record as read when the handle was created.
func (h SessionHandle) Session() storage.Session { return h.session }

// SetState stores the JSON encoding of v under key.
func (h SessionHandle) SetState(ctx context.Context, key string, v any) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return storage.NewError("SetState", h.session.ID, storage.ErrSerialization, err)
	}
	return h.store.SetState(ctx, h.session.ID, key, bs)
}

// State decodes the value stored under key into v. It reports false, and leaves v untouched,
// when nothing is stored under key.
func (h SessionHandle) State(ctx context.Context, key string, v any) (bool, error) {
	bs, err := h.store.GetState(ctx, h.session.ID, key)
	if err != nil {
		return false, err
	}
	if bs == nil {
		return false, nil
	}
	if err := json.Unmarshal(bs, v); err != nil {
		return false, storage.NewError("GetState", h.session.ID, storage.ErrSerialization, err)
	}
	return true, nil
}

// next returns a UUIDv7 string strictly greater than every ID it returned before.
func (g *idGenerator) next() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if bytes.Compare(id[:], g.last[:]) <= 0 {
		id = g.last
		// Bump the random tail, leaving the version and variant bits alone.
		for i := len(id) - 1; i > 8; i-- {
			id[i]++
			if id[i] != 0 {
				break
			}
		}
	}
	g.last = id
	return id.String(), nil
}
