package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/TangGee/go-mcp-stream/storage"
)

const (
	sseEventMessage = "message"
	sseEventResync  = "resync"
)

// Handler returns the http.Handler of the server's single MCP endpoint. It can be mounted on
// any HTTP framework.
//
// POST carries one JSON-RPC message. An initialize request creates a session, returned in the
// Mcp-Session-Id header, and every other message must present that header. Requests are
// answered with an application/json body, or with a single SSE event when the client only
// accepts text/event-stream. Notifications and responses are answered with 202 Accepted.
//
// GET opens the session's notification stream. A Last-Event-ID header resumes the stream
// after that event. A consumer that falls too far behind receives a final "resync" event
// whose data is the last event ID it was sent, and should reconnect with it.
//
// DELETE terminates the session.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handlePost(w, r)
		case http.MethodGet:
			s.handleStream(w, r)
		case http.MethodDelete:
			s.handleDelete(w, r)
		default:
			w.Header().Set("Allow", "GET, POST, DELETE")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var msg JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		nErr := fmt.Errorf("failed to decode message: %w", err)
		s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse("", JSONRPCError{
			Code:    jsonRPCParseErrorCode,
			Message: nErr.Error(),
		}))
		return
	}
	if msg.JSONRPC != JSONRPCVersion {
		writeJSON(w, http.StatusBadRequest, errorResponse(msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: errInvalidJSON.Error(),
		}))
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)

	if msg.Method == MethodInitialize {
		if sessionID != "" {
			if _, err := s.sessions.Validate(ctx, sessionID); err == nil {
				writeJSON(w, http.StatusBadRequest, errorResponse(msg.ID, JSONRPCError{
					Code:    jsonRPCInvalidRequestCode,
					Message: ErrSessionAlreadyInitialized.Error(),
				}))
				return
			}
		}
		res, newSessionID := s.initialize(ctx, msg)
		if newSessionID != "" {
			w.Header().Set(SessionIDHeader, newSessionID)
		}
		s.writeResult(w, r, res)
		return
	}

	handle, ok := s.touchSession(w, r, msg.ID)
	if !ok {
		return
	}

	// Notifications carry no ID and responses carry no method.
	if msg.ID == "" || msg.Method == "" {
		s.handleNotification(ctx, handle, msg)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.writeResult(w, r, s.handleRequest(ctx, handle, msg))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.touchSession(w, r, ""); !ok {
		return
	}
	sessionID := r.Header.Get(SessionIDHeader)
	logger := s.logger.With(slog.String("sessionID", sessionID))

	lastEventID := ParseLastEventID(r.Header.Get(LastEventIDHeader))
	conn, err := s.streams.Subscribe(r.Context(), sessionID, lastEventID)
	if err != nil {
		if errors.Is(err, ErrStreamSessionNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse("", JSONRPCError{
				Code:    JSONRPCSessionErrorCode,
				Message: err.Error(),
			}))
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer s.streams.Unsubscribe(conn.ID())

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	// The opening comment commits the response headers, so the client knows the stream is
	// subscribed before the first event.
	opening := &sse.Message{}
	opening.AppendComment("stream " + conn.ID())
	if err := s.writeSSE(sess, opening); err != nil {
		logger.Warn("failed to open stream", slog.String("err", err.Error()))
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				s.endStream(sess, conn, logger)
				return
			}
			if err := s.writeSSE(sess, eventMessage(ev)); err != nil {
				logger.Warn("failed to write event",
					slog.Uint64("sequence", ev.Sequence),
					slog.String("err", err.Error()))
				return
			}
			heartbeat.Reset(s.heartbeat)
		case <-heartbeat.C:
			ping := &sse.Message{}
			ping.AppendComment("heartbeat")
			if err := s.writeSSE(sess, ping); err != nil {
				logger.Debug("stream heartbeat failed", slog.String("err", err.Error()))
				return
			}
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

// endStream writes the resync signal when the connection was closed for lagging.
func (s *Server) endStream(sess *sse.Session, conn *Connection, logger *slog.Logger) {
	if !errors.Is(conn.Err(), ErrConnectionLagged) {
		return
	}
	resync := &sse.Message{Type: sse.Type(sseEventResync)}
	resync.AppendData(FormatEventID(conn.LastDelivered()))
	if err := s.writeSSE(sess, resync); err != nil {
		logger.Debug("failed to write resync", slog.String("err", err.Error()))
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("", JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: fmt.Sprintf("missing %s header", SessionIDHeader),
		}))
		return
	}

	if err := s.sessions.Delete(r.Context(), sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired) {
			writeJSON(w, http.StatusNotFound, errorResponse("", JSONRPCError{
				Code:    JSONRPCSessionErrorCode,
				Message: err.Error(),
			}))
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// touchSession validates the session header of the request and slides the session's expiry.
// It writes the error response and reports false when the session is unusable.
func (s *Server) touchSession(w http.ResponseWriter, r *http.Request, id MustString) (SessionHandle, bool) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(id, JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: fmt.Sprintf("missing %s header", SessionIDHeader),
		}))
		return SessionHandle{}, false
	}

	handle, err := s.sessions.Touch(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired) {
			writeJSON(w, http.StatusNotFound, errorResponse(id, JSONRPCError{
				Code:    JSONRPCSessionErrorCode,
				Message: err.Error(),
				Data:    map[string]any{"sessionId": sessionID},
			}))
			return SessionHandle{}, false
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse(id, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: err.Error(),
		}))
		return SessionHandle{}, false
	}
	return handle, true
}

// writeResult answers a request with a JSON body, or with a single SSE event when the client
// only accepts event streams.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, msg JSONRPCMessage) {
	if !prefersEventStream(r.Header.Get("Accept")) {
		writeJSON(w, http.StatusOK, msg)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("failed to upgrade response", slog.String("err", err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	msgBs, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal response", slog.String("err", err.Error()))
		return
	}
	sseMsg := &sse.Message{Type: sse.Type(sseEventMessage)}
	sseMsg.AppendData(string(msgBs))
	if err := s.writeSSE(sess, sseMsg); err != nil {
		s.logger.Warn("failed to write response", slog.String("err", err.Error()))
	}
}

func (s *Server) writeSSE(sess *sse.Session, msg *sse.Message) error {
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

func eventMessage(ev storage.Event) *sse.Message {
	msg := &sse.Message{
		ID:   sse.ID(FormatEventID(ev.Sequence)),
		Type: sse.Type(sseEventMessage),
	}
	msg.AppendData(string(ev.Payload))
	return msg
}

// prefersEventStream reports whether the Accept header asks for text/event-stream without
// also accepting application/json.
func prefersEventStream(accept string) bool {
	var stream, plain bool
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.TrimSpace(mediaType) {
		case "text/event-stream":
			stream = true
		case "application/json", "application/*", "*/*":
			plain = true
		}
	}
	return stream && !plain
}

func writeJSON(w http.ResponseWriter, status int, msg JSONRPCMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}
