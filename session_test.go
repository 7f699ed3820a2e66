package mcp_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	mcp "github.com/TangGee/go-mcp-stream"
	"github.com/TangGee/go-mcp-stream/storage"
)

type recordingObserver struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (o *recordingObserver) SessionOpened(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, id)
}

func (o *recordingObserver) SessionClosed(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, id)
}

func (o *recordingObserver) closedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.closed)
}

func newTestSessionManager(t *testing.T) (*mcp.SessionManager, *fakeClock, *recordingObserver) {
	t.Helper()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	clock := newFakeClock()
	sessions := mcp.NewSessionManager(store,
		mcp.WithSessionTTL(10*time.Minute),
		mcp.WithSessionClock(clock.Now),
	)
	observer := &recordingObserver{}
	sessions.Observe(observer)
	return sessions, clock, observer
}

func TestSessionIDsAreOrdered(t *testing.T) {
	sessions, _, observer := newTestSessionManager(t)

	var prev string
	for i := 0; i < 100; i++ {
		h, err := sessions.Create(context.Background(), mcp.ProtocolVersionLatest)
		if err != nil {
			t.Fatalf("failed to create session: %v", err)
		}
		if h.ID() <= prev {
			t.Fatalf("session id %s is not greater than %s", h.ID(), prev)
		}
		prev = h.ID()
	}

	if len(observer.opened) != 100 {
		t.Errorf("expected 100 opened sessions, got %d", len(observer.opened))
	}
}

func TestCreateRecordsSession(t *testing.T) {
	sessions, clock, _ := newTestSessionManager(t)

	h, err := sessions.Create(context.Background(), mcp.ProtocolVersionLegacy)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	sess := h.Session()
	if sess.ProtocolVersion != mcp.ProtocolVersionLegacy {
		t.Errorf("expected protocol version %s, got %s", mcp.ProtocolVersionLegacy, sess.ProtocolVersion)
	}
	if !sess.CreatedAt.Equal(clock.Now()) {
		t.Errorf("expected creation time %s, got %s", clock.Now(), sess.CreatedAt)
	}
	if want := clock.Now().Add(10 * time.Minute); !sess.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %s, got %s", want, sess.ExpiresAt)
	}
	if sess.Initialized {
		t.Error("expected a new session to be uninitialized")
	}
}

func TestSessionSlidingExpiry(t *testing.T) {
	sessions, clock, _ := newTestSessionManager(t)
	ctx := context.Background()

	h, err := sessions.Create(ctx, mcp.ProtocolVersionLatest)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	clock.Advance(5 * time.Minute)
	if _, err := sessions.Touch(ctx, h.ID()); err != nil {
		t.Fatalf("failed to touch session: %v", err)
	}

	// Past the original expiry, within the slid window.
	clock.Advance(9 * time.Minute)
	if _, err := sessions.Validate(ctx, h.ID()); err != nil {
		t.Fatalf("expected session to be valid after touch, got %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := sessions.Validate(ctx, h.ID()); !errors.Is(err, mcp.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired from Validate, got %v", err)
	}
	if _, err := sessions.Touch(ctx, h.ID()); !errors.Is(err, mcp.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired from Touch, got %v", err)
	}
	var sessErr *mcp.SessionError
	if _, err := sessions.Touch(ctx, h.ID()); !errors.As(err, &sessErr) || sessErr.SessionID != h.ID() {
		t.Errorf("expected a *SessionError for %s, got %v", h.ID(), err)
	}
}

func TestSweepPurgesExpiredSessions(t *testing.T) {
	sessions, clock, observer := newTestSessionManager(t)
	ctx := context.Background()

	expired, err := sessions.Create(ctx, mcp.ProtocolVersionLatest)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	clock.Advance(8 * time.Minute)
	live, err := sessions.Create(ctx, mcp.ProtocolVersionLatest)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	clock.Advance(3 * time.Minute)

	purged, err := sessions.Sweep(ctx)
	if err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged session, got %d", purged)
	}
	if got := observer.closedIDs(); !slices.Equal(got, []string{expired.ID()}) {
		t.Errorf("expected closed sessions [%s], got %v", expired.ID(), got)
	}

	if _, err := sessions.Validate(ctx, expired.ID()); !errors.Is(err, mcp.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for the purged session, got %v", err)
	}
	if _, err := sessions.Validate(ctx, live.ID()); err != nil {
		t.Errorf("expected the live session to survive the sweep, got %v", err)
	}

	purged, err = sessions.Sweep(ctx)
	if err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if purged != 0 {
		t.Errorf("expected a second sweep to purge nothing, got %d", purged)
	}
}

func TestSweepClosesStreamConnections(t *testing.T) {
	f := newStreamFixture(t)
	sessionID := f.newSession(t)
	conn := f.subscribe(t, sessionID, nil)

	f.clock.Advance(11 * time.Minute)
	if _, err := f.sessions.Sweep(context.Background()); err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}

	waitClosed(t, conn)
	if !errors.Is(conn.Err(), mcp.ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", conn.Err())
	}
	if slices.Contains(f.streams.SessionIDs(), sessionID) {
		t.Errorf("expected the swept session to be forgotten by the stream manager")
	}
}

func TestMarkInitialized(t *testing.T) {
	sessions, _, _ := newTestSessionManager(t)
	ctx := context.Background()

	h, err := sessions.Create(ctx, mcp.ProtocolVersionLatest)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if err := sessions.MarkInitialized(ctx, h.ID()); err != nil {
		t.Fatalf("failed to mark session initialized: %v", err)
	}
	got, err := sessions.Validate(ctx, h.ID())
	if err != nil {
		t.Fatalf("failed to validate session: %v", err)
	}
	if !got.Session().Initialized {
		t.Error("expected session to be initialized")
	}

	if err := sessions.MarkInitialized(ctx, h.ID()); !errors.Is(err, mcp.ErrSessionAlreadyInitialized) {
		t.Errorf("expected ErrSessionAlreadyInitialized, got %v", err)
	}
	if err := sessions.MarkInitialized(ctx, "missing"); !errors.Is(err, mcp.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDeleteIsTerminal(t *testing.T) {
	sessions, _, observer := newTestSessionManager(t)
	ctx := context.Background()

	h, err := sessions.Create(ctx, mcp.ProtocolVersionLatest)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := sessions.Delete(ctx, h.ID()); err != nil {
		t.Fatalf("failed to delete session: %v", err)
	}

	type testCase struct {
		name string
		op   func() error
	}

	testCases := []testCase{
		{name: "validate", op: func() error { _, err := sessions.Validate(ctx, h.ID()); return err }},
		{name: "touch", op: func() error { _, err := sessions.Touch(ctx, h.ID()); return err }},
		{name: "mark initialized", op: func() error { return sessions.MarkInitialized(ctx, h.ID()) }},
		{name: "delete", op: func() error { return sessions.Delete(ctx, h.ID()) }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.op(); !errors.Is(err, mcp.ErrSessionNotFound) {
				t.Errorf("expected ErrSessionNotFound, got %v", err)
			}
		})
	}

	if got := observer.closedIDs(); !slices.Equal(got, []string{h.ID()}) {
		t.Errorf("expected closed sessions [%s], got %v", h.ID(), got)
	}

	// The tombstone is purged by the next sweep.
	purged, err := sessions.Sweep(ctx)
	if err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected the deleted session to be purged, got %d", purged)
	}
}

func TestSessionState(t *testing.T) {
	sessions, _, _ := newTestSessionManager(t)
	ctx := context.Background()

	h, err := sessions.Create(ctx, mcp.ProtocolVersionLatest)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	var level mcp.LogLevel
	found, err := h.State(ctx, "logLevel", &level)
	if err != nil {
		t.Fatalf("failed to read state: %v", err)
	}
	if found {
		t.Fatal("expected no state for a new session")
	}

	if err := h.SetState(ctx, "logLevel", mcp.LogLevelWarning); err != nil {
		t.Fatalf("failed to set state: %v", err)
	}

	// A fresh handle reads what the first one wrote.
	other, err := sessions.Validate(ctx, h.ID())
	if err != nil {
		t.Fatalf("failed to validate session: %v", err)
	}
	found, err = other.State(ctx, "logLevel", &level)
	if err != nil {
		t.Fatalf("failed to read state: %v", err)
	}
	if !found || level != mcp.LogLevelWarning {
		t.Errorf("expected state %v, got %v (found %t)", mcp.LogLevelWarning, level, found)
	}
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	sessions := mcp.NewSessionManager(store,
		mcp.WithSessionTTL(20*time.Millisecond),
		mcp.WithSessionSweepInterval(5*time.Millisecond),
	)
	observer := &recordingObserver{}
	sessions.Observe(observer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sessions.Run(ctx)
	}()

	h, err := sessions.Create(ctx, mcp.ProtocolVersionLatest)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	eventually(t, func() error {
		if !slices.Contains(observer.closedIDs(), h.ID()) {
			return errors.New("session not swept yet")
		}
		return nil
	})

	cancel()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancellation")
	}
}
