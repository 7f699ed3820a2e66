package mcp

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/TangGee/go-mcp-stream/storage"
)

// Connection is one live subscription to a session's event stream.
//
// Events are read from the Events channel in strictly increasing sequence order. The channel
// is closed when the connection ends, after which Err reports why. Connections are created by
// StreamManager.Subscribe and must be released with StreamManager.Unsubscribe.
type Connection struct {
	id        string
	sessionID string
	since     uint64
	mode      string

	events chan storage.Event

	mu        sync.Mutex
	pending   *queue.Queue
	limit     int
	closed    bool
	closeErr  error
	notify    chan struct{}
	done      chan struct{}
	delivered atomic.Uint64
}

func newConnection(sessionID string, since uint64, limit int, mode string) *Connection {
	c := &Connection{
		id:        uuid.New().String(),
		sessionID: sessionID,
		since:     since,
		mode:      mode,
		events:    make(chan storage.Event),
		pending:   queue.New(),
		limit:     limit,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.delivered.Store(since)
	return c
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() string { return c.id }

// SessionID returns the session the connection is subscribed to.
func (c *Connection) SessionID() string { return c.sessionID }

// SubscribedFrom returns the sequence after which the connection started delivering.
func (c *Connection) SubscribedFrom() uint64 { return c.since }

// Events returns the channel of delivered events.
func (c *Connection) Events() <-chan storage.Event { return c.events }

// Done returns a channel that is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// LastDelivered returns the sequence of the last event received from Events, or the starting
// sequence if nothing was delivered yet.
func (c *Connection) LastDelivered() uint64 { return c.delivered.Load() }

// Err returns the reason the connection was closed: ErrConnectionLagged when the consumer
// fell behind, ErrChannelClosed when the session ended or the connection was unsubscribed, or
// the storage error that interrupted the replay. It returns nil while the connection is open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeErr
}

// enqueue buffers a live event for delivery. It reports false when the queue is full, in
// which case the caller must close the connection.
func (c *Connection) enqueue(ev storage.Event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return true
	}
	if c.pending.Length() >= c.limit {
		c.mu.Unlock()
		return false
	}
	// Every connection keeps its own copy of the payload.
	ev.Payload = append([]byte(nil), ev.Payload...)
	c.pending.Add(ev)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// close ends the connection with reason. It reports whether this call closed it.
func (c *Connection) close(reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	c.closeErr = reason
	close(c.done)
	return true
}

func (c *Connection) dequeue() (storage.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending.Length() == 0 {
		return storage.Event{}, false
	}
	return c.pending.Remove().(storage.Event), true
}

// run delivers the replayed events after since, then the live events buffered by enqueue.
// Events at or below the last delivered sequence are skipped, which removes the overlap
// between the replay and the live queue.
func (c *Connection) run(ctx context.Context, store storage.SessionStorage, m *StreamManager) {
	defer close(c.events)

	replay, err := store.GetEventsSince(ctx, c.sessionID, c.since)
	if err != nil {
		m.logger.Warn("failed to replay events",
			slog.String("sessionID", c.sessionID),
			slog.String("connectionID", c.id),
			slog.String("err", err.Error()))
		m.drop(c, err, closeReasonFailed)
		return
	}
	for _, ev := range replay {
		if !c.deliver(ev, m) {
			return
		}
	}

	for {
		for {
			ev, ok := c.dequeue()
			if !ok {
				break
			}
			if !c.deliver(ev, m) {
				return
			}
		}

		select {
		case <-c.notify:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) deliver(ev storage.Event, m *StreamManager) bool {
	prev := c.delivered.Load()
	if ev.Sequence <= prev {
		return true
	}
	// Stored ahead of the send so a receiver never observes the previous sequence.
	c.delivered.Store(ev.Sequence)
	select {
	case c.events <- ev:
		m.metrics.delivered.Inc()
		return true
	case <-c.done:
		c.delivered.Store(prev)
		return false
	}
}
