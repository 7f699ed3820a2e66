package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/TangGee/go-mcp-stream/storage"
)

// StreamOption represents the options for the StreamManager.
type StreamOption func(*StreamManager)

// StreamManager fans session events out to live connections.
//
// Every broadcast is first appended to the session's event log in storage, which assigns its
// sequence, and then handed to each live connection of that session. A connection that
// subscribes with a cursor is replayed the stored events after the cursor before it joins the
// live stream, so a reconnecting client sees every event exactly once and in order.
//
// One StreamManager is shared by the whole process. It implements SessionObserver so a
// SessionManager can tell it when sessions open and close.
type StreamManager struct {
	store  storage.SessionStorage
	logger *slog.Logger
	now    func() time.Time

	queueSize            int
	broadcastConcurrency int
	metrics              *streamMetrics

	mu          sync.RWMutex
	sessions    map[string]*sessionStreams
	connections map[string]*Connection
}

type sessionStreams struct {
	// publishMu serializes append and fan-out of this session only, so every connection
	// observes the session's events in sequence order.
	publishMu sync.Mutex
	conns     map[string]*Connection
}

const (
	subscriptionModeLive   = "live"
	subscriptionModeResume = "resume"
)

var (
	defaultStreamQueueSize            = 256
	defaultStreamBroadcastConcurrency = 16
)

// NewStreamManager creates a StreamManager that persists events in store.
func NewStreamManager(store storage.SessionStorage, options ...StreamOption) *StreamManager {
	m := &StreamManager{
		store:       store,
		logger:      slog.Default(),
		now:         time.Now,
		metrics:     newStreamMetrics(),
		sessions:    make(map[string]*sessionStreams),
		connections: make(map[string]*Connection),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.queueSize <= 0 {
		m.queueSize = defaultStreamQueueSize
	}
	if m.broadcastConcurrency <= 0 {
		m.broadcastConcurrency = defaultStreamBroadcastConcurrency
	}
	return m
}

// WithStreamQueueSize bounds the live events buffered per connection. A connection whose
// consumer falls further behind is closed with ErrConnectionLagged.
func WithStreamQueueSize(size int) StreamOption {
	return func(m *StreamManager) {
		m.queueSize = size
	}
}

// WithStreamBroadcastConcurrency bounds how many sessions BroadcastToAllSessions writes in
// parallel.
func WithStreamBroadcastConcurrency(n int) StreamOption {
	return func(m *StreamManager) {
		m.broadcastConcurrency = n
	}
}

// WithStreamClock replaces the clock used for event timestamps and expiry checks.
func WithStreamClock(now func() time.Time) StreamOption {
	return func(m *StreamManager) {
		m.now = now
	}
}

// WithStreamMetrics registers the stream metrics on reg.
func WithStreamMetrics(reg prometheus.Registerer) StreamOption {
	return func(m *StreamManager) {
		m.metrics.register(reg)
	}
}

// WithStreamLogger sets the logger for the StreamManager.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(m *StreamManager) {
		m.logger = logger.With(
			slog.String("package", "go-mcp-stream"),
			slog.String("component", "stream"),
		)
	}
}

// Subscribe opens a connection to the session's event stream.
//
// With a nil lastEventID, or one ahead of the newest stored event, the connection starts at
// the live tail and only receives events broadcast from now on. Otherwise it first receives
// every stored event with a greater sequence, then the live events, with no gap and no
// duplicate in between. Subscribing to a session that is missing or expired fails with a
// *StreamError of kind ErrStreamSessionNotFound.
func (m *StreamManager) Subscribe(ctx context.Context, sessionID string, lastEventID *uint64) (*Connection, error) {
	mode := subscriptionModeLive
	if lastEventID != nil {
		mode = subscriptionModeResume
	}

	// The connection is registered before the session head is read, so an event is either
	// part of the stored log this connection replays or arrives through its live queue.
	// The replay cursor is only known after the read, which is why the starting sequence is
	// fixed up below before the delivery goroutine starts.
	conn := newConnection(sessionID, 0, m.queueSize, mode)
	m.register(conn)

	sess, err := m.store.GetSession(ctx, sessionID)
	if err == nil && sess.Expired(m.now()) {
		err = storage.NewError("GetSession", sessionID, storage.ErrExpired, nil)
	}
	if err != nil {
		m.remove(conn)
		conn.close(ErrChannelClosed)
		// register may have recreated the entry of a session closed in the meantime.
		m.mu.RLock()
		ss := m.sessions[sessionID]
		m.mu.RUnlock()
		m.forgetIfIdle(sessionID, ss)
		if storage.IsNotFound(err) || errors.Is(err, storage.ErrExpired) {
			return nil, &StreamError{SessionID: sessionID, Kind: ErrStreamSessionNotFound, Err: err}
		}
		m.logger.Error("failed to read session",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	since := sess.LastSequence
	if lastEventID != nil && *lastEventID <= since {
		since = *lastEventID
	}
	conn.since = since
	conn.delivered.Store(since)

	m.metrics.connections.WithLabelValues(mode).Inc()
	m.logger.Debug("connection subscribed",
		slog.String("sessionID", sessionID),
		slog.String("connectionID", conn.id),
		slog.Uint64("since", since))

	go conn.run(ctx, m.store, m)

	return conn, nil
}

// Unsubscribe closes and forgets the connection. Unknown or already closed connections are
// ignored.
func (m *StreamManager) Unsubscribe(connectionID string) {
	m.mu.RLock()
	conn, ok := m.connections[connectionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.drop(conn, ErrChannelClosed, closeReasonUnsubscribed)
}

// BroadcastToSession persists msg in the session's event log and delivers it to every live
// connection of the session. It returns the sequence assigned to the event.
//
// Broadcasting to a session that is missing or expired is a no-op that returns zero and a nil
// error. A connection that cannot keep up is closed with ErrConnectionLagged without affecting
// the broadcast or the other connections.
func (m *StreamManager) BroadcastToSession(ctx context.Context, sessionID string, msg JSONRPCMessage) (uint64, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, storage.NewError("AppendEvent", sessionID, storage.ErrSerialization, err)
	}

	ss := m.streams(sessionID)
	ss.publishMu.Lock()
	defer ss.publishMu.Unlock()

	ev := storage.Event{
		SessionID: sessionID,
		Method:    msg.Method,
		Payload:   payload,
		Timestamp: m.now(),
	}
	seq, err := m.store.AppendEvent(ctx, sessionID, ev)
	if err != nil {
		if storage.IsNotFound(err) {
			m.logger.Debug("dropped broadcast to missing session",
				slog.String("sessionID", sessionID),
				slog.String("method", msg.Method))
			m.forgetIfIdle(sessionID, ss)
			return 0, nil
		}
		// The sweep closes the connections of an expired session.
		if errors.Is(err, storage.ErrExpired) {
			m.logger.Debug("dropped broadcast to expired session",
				slog.String("sessionID", sessionID),
				slog.String("method", msg.Method))
			return 0, nil
		}
		m.metrics.publishErrs.Inc()
		m.logger.Error("failed to append event",
			slog.String("sessionID", sessionID),
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	ev.Sequence = seq
	m.metrics.published.Inc()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(ss.conns))
	for _, conn := range ss.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if !conn.enqueue(ev) {
			m.logger.Warn("closing lagging connection",
				slog.String("sessionID", sessionID),
				slog.String("connectionID", conn.id),
				slog.Uint64("lastDelivered", conn.LastDelivered()))
			m.drop(conn, ErrConnectionLagged, closeReasonLagged)
		}
	}

	return seq, nil
}

// BroadcastToAllSessions broadcasts msg to every session known to the manager, with bounded
// parallelism. Sessions without live connections still record the event, so they receive it
// when they reconnect with a cursor.
func (m *StreamManager) BroadcastToAllSessions(ctx context.Context, msg JSONRPCMessage) error {
	return m.broadcastEach(ctx, func(context.Context, string) (JSONRPCMessage, bool) {
		return msg, true
	})
}

// broadcastEach broadcasts the message returned by build to every known session for which it
// reports true.
func (m *StreamManager) broadcastEach(
	ctx context.Context,
	build func(ctx context.Context, sessionID string) (JSONRPCMessage, bool),
) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(m.broadcastConcurrency)

	for _, sessionID := range m.SessionIDs() {
		g.Go(func() error {
			msg, ok := build(ctx, sessionID)
			if !ok {
				return nil
			}
			if _, err := m.BroadcastToSession(ctx, sessionID, msg); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("failed to broadcast to %d sessions: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// CloseSession closes every connection of the session and forgets the session.
func (m *StreamManager) CloseSession(sessionID string) {
	m.mu.Lock()
	ss, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	conns := make([]*Connection, 0, len(ss.conns))
	for id, conn := range ss.conns {
		delete(m.connections, id)
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		m.closed(conn, ErrChannelClosed, closeReasonSessionClosed)
	}

	if len(conns) > 0 {
		m.logger.Debug("closed session connections",
			slog.String("sessionID", sessionID),
			slog.Int("count", len(conns)))
	}
}

// Close closes every connection of every session.
func (m *StreamManager) Close() {
	m.mu.Lock()
	var conns []*Connection
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.sessions = make(map[string]*sessionStreams)
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		m.closed(conn, ErrChannelClosed, closeReasonShutdown)
	}
}

// SessionIDs returns the sessions currently known to the manager.
func (m *StreamManager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionCount returns the number of live connections of the session.
func (m *StreamManager) ConnectionCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ss, ok := m.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(ss.conns)
}

// SessionOpened implements SessionObserver.
func (m *StreamManager) SessionOpened(sessionID string) {
	m.streams(sessionID)
}

// SessionClosed implements SessionObserver.
func (m *StreamManager) SessionClosed(sessionID string) {
	m.CloseSession(sessionID)
}

func (m *StreamManager) streams(sessionID string) *sessionStreams {
	m.mu.RLock()
	ss, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return ss
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ss, ok := m.sessions[sessionID]; ok {
		return ss
	}
	ss = &sessionStreams{conns: make(map[string]*Connection)}
	m.sessions[sessionID] = ss
	return ss
}

func (m *StreamManager) register(conn *Connection) {
	ss := m.streams(conn.sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	// The entry may have been closed between the lookup and the lock.
	if cur, ok := m.sessions[conn.sessionID]; ok {
		ss = cur
	} else {
		m.sessions[conn.sessionID] = ss
	}
	ss.conns[conn.id] = conn
	m.connections[conn.id] = conn
}

// remove forgets the connection and reports whether it was still registered.
func (m *StreamManager) remove(conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[conn.id]; !ok {
		return false
	}
	delete(m.connections, conn.id)
	if ss, ok := m.sessions[conn.sessionID]; ok {
		delete(ss.conns, conn.id)
	}
	return true
}

// drop removes and closes the connection.
func (m *StreamManager) drop(conn *Connection, reason error, label string) {
	if m.remove(conn) {
		m.closed(conn, reason, label)
	}
}

func (m *StreamManager) closed(conn *Connection, reason error, label string) {
	if !conn.close(reason) {
		return
	}
	m.metrics.connections.WithLabelValues(conn.mode).Dec()
	m.metrics.closed.WithLabelValues(label).Inc()
}

// forgetIfIdle drops the entry of a session that turned out not to exist, unless it gained
// connections in the meantime.
func (m *StreamManager) forgetIfIdle(sessionID string, ss *sessionStreams) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.sessions[sessionID]; ok && cur == ss && len(ss.conns) == 0 {
		delete(m.sessions, sessionID)
	}
}
