package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// HTTPClientOption represents the options for the HTTPClient.
type HTTPClientOption func(*HTTPClient)

// HTTPClient talks to a Server's HTTP endpoint. It keeps the session ID returned by
// Initialize and presents it on every later call.
//
// Instances should be created using NewHTTPClient.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	maxPayloadSize int

	mu              sync.RWMutex
	sessionID       string
	protocolVersion string
}

// StreamEvent is one event read from a session's notification stream.
type StreamEvent struct {
	// ID is the sequence of the event. For a resync event it is the last sequence the server
	// sent on the stream, which the client should resume from.
	ID uint64
	// Type is "message" for notifications and "resync" when the server dropped the stream
	// because the client fell behind.
	Type string
	// Message is the notification. It is empty for resync events.
	Message JSONRPCMessage
}

var errNoSession = errors.New("client has no session, call Initialize first")

// NewHTTPClient creates a client for the MCP endpoint at url. A nil httpClient uses
// http.DefaultClient.
func NewHTTPClient(url string, httpClient *http.Client, options ...HTTPClientOption) *HTTPClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &HTTPClient{
		url:        url,
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithHTTPClientMaxPayloadSize sets the maximum size of a single event read from the server.
func WithHTTPClientMaxPayloadSize(size int) HTTPClientOption {
	return func(c *HTTPClient) {
		c.maxPayloadSize = size
	}
}

// WithHTTPClientSession makes the client use an existing session, for instance to reconnect
// after a restart.
func WithHTTPClientSession(sessionID string) HTTPClientOption {
	return func(c *HTTPClient) {
		c.sessionID = sessionID
	}
}

// WithHTTPClientLogger sets the logger for the HTTPClient.
func WithHTTPClientLogger(logger *slog.Logger) HTTPClientOption {
	return func(c *HTTPClient) {
		c.logger = logger.With(
			slog.String("package", "go-mcp-stream"),
			slog.String("component", "client"),
		)
	}
}

// SessionID returns the session the client uses, empty before Initialize.
func (c *HTTPClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.sessionID
}

// ProtocolVersion returns the protocol version the server agreed to.
func (c *HTTPClient) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.protocolVersion
}

// Initialize opens a session: it sends the initialize request, keeps the returned session ID
// and completes the handshake with notifications/initialized.
func (c *HTTPClient) Initialize(ctx context.Context, info Info) (InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersionLatest,
		ClientInfo:      info,
	}
	msg, err := newRequest(MethodInitialize, params)
	if err != nil {
		return InitializeResult{}, err
	}

	res, header, err := c.roundTrip(ctx, msg)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("failed to initialize: %w", err)
	}
	var result InitializeResult
	if err := decodeResult(res, &result); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to initialize: %w", err)
	}
	sessionID := header.Get(SessionIDHeader)
	if sessionID == "" {
		return InitializeResult{}, fmt.Errorf("server did not return the %s header", SessionIDHeader)
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.protocolVersion = result.ProtocolVersion
	c.mu.Unlock()

	if err := c.Notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to send initialized notification: %w", err)
	}
	return result, nil
}

// Ping checks that the server still knows the session.
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, MethodPing, nil)
	return err
}

// ListTools lists the tools of the server.
func (c *HTTPClient) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	if err := c.callInto(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to list tools: %w", err)
	}
	return result, nil
}

// CallTool calls a tool. The ID of the request is requestID when it is not empty, so the
// call can be cancelled with Cancel.
func (c *HTTPClient) CallTool(ctx context.Context, requestID MustString, params CallToolParams) (CallToolResult, error) {
	msg, err := newRequest(MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}
	if requestID != "" {
		msg.ID = requestID
	}

	res, _, err := c.roundTrip(ctx, msg)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to call tool: %w", err)
	}
	var result CallToolResult
	if err := decodeResult(res, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to call tool: %w", err)
	}
	return result, nil
}

// Cancel asks the server to cancel the request with requestID.
func (c *HTTPClient) Cancel(ctx context.Context, requestID MustString, reason string) error {
	return c.Notify(ctx, MethodNotificationsCancelled, CancelledParams{
		RequestID: requestID,
		Reason:    reason,
	})
}

// SetLogLevel sets the minimum level of the log messages sent to the session.
func (c *HTTPClient) SetLogLevel(ctx context.Context, level LogLevel) error {
	_, err := c.Call(ctx, MethodLoggingSetLevel, SetLogLevelParams{Level: level})
	return err
}

// SubscribeResource subscribes the session to updates of the resource, or of every resource
// matching the URI when it contains '*'.
func (c *HTTPClient) SubscribeResource(ctx context.Context, uri string) error {
	_, err := c.Call(ctx, MethodResourcesSubscribe, SubscribeResourceParams{URI: uri})
	return err
}

// UnsubscribeResource removes a subscription made with SubscribeResource.
func (c *HTTPClient) UnsubscribeResource(ctx context.Context, uri string) error {
	_, err := c.Call(ctx, MethodResourcesUnsubscribe, UnsubscribeResourceParams{URI: uri})
	return err
}

// Call sends a request and returns its raw result. A JSON-RPC error response is returned as
// a JSONRPCError.
func (c *HTTPClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg, err := newRequest(method, params)
	if err != nil {
		return nil, err
	}
	res, _, err := c.roundTrip(ctx, msg)
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, *res.Error
	}
	return res.Result, nil
}

// Notify sends a notification.
func (c *HTTPClient) Notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}

	resp, err := c.post(ctx, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return responseError(resp)
	}
	return nil
}

// Subscribe opens the session's notification stream. A non-nil lastEventID resumes the stream
// after that event. The returned iterator yields events until the stream ends, the context is
// cancelled or reading fails. When the server dropped the stream for lagging, the last event
// yielded has Type "resync".
func (c *HTTPClient) Subscribe(ctx context.Context, lastEventID *uint64) (iter.Seq2[StreamEvent, error], error) {
	sessionID := c.SessionID()
	if sessionID == "" {
		return nil, errNoSession
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionIDHeader, sessionID)
	if lastEventID != nil {
		req.Header.Set(LastEventIDHeader, FormatEventID(*lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}

	return c.readStream(ctx, resp.Body), nil
}

// Delete terminates the session.
func (c *HTTPClient) Delete(ctx context.Context) error {
	sessionID := c.SessionID()
	if sessionID == "" {
		return errNoSession
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(SessionIDHeader, sessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

func (c *HTTPClient) readStream(ctx context.Context, body io.ReadCloser) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		defer body.Close()

		var config *sse.ReadConfig
		if c.maxPayloadSize > 0 {
			config = &sse.ReadConfig{
				MaxEventSize: c.maxPayloadSize,
			}
		}

		for ev, err := range sse.Read(body, config) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(StreamEvent{}, fmt.Errorf("failed to read stream: %w", err))
				return
			}

			switch ev.Type {
			case sseEventMessage:
				seq := ParseLastEventID(ev.LastEventID)
				if seq == nil {
					c.logger.Warn("dropped stream event without id", slog.String("data", ev.Data))
					continue
				}
				var msg JSONRPCMessage
				if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
					c.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
					continue
				}
				if !yield(StreamEvent{ID: *seq, Type: ev.Type, Message: msg}, nil) {
					return
				}
			case sseEventResync:
				seq := ParseLastEventID(ev.Data)
				if seq == nil {
					seq = new(uint64)
				}
				yield(StreamEvent{ID: *seq, Type: ev.Type}, nil)
				return
			default:
				c.logger.Warn("unhandled event type", slog.String("type", ev.Type))
			}
		}
	}
}

func (c *HTTPClient) callInto(ctx context.Context, method string, params, result any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// roundTrip posts a request and reads the response, either a JSON body or a single SSE event.
func (c *HTTPClient) roundTrip(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, http.Header, error) {
	resp, err := c.post(ctx, msg)
	if err != nil {
		return JSONRPCMessage{}, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return JSONRPCMessage{}, resp.Header, responseError(resp)
	}

	var res JSONRPCMessage
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		found := false
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return JSONRPCMessage{}, resp.Header, fmt.Errorf("failed to read response event: %w", err)
			}
			if ev.Type != sseEventMessage {
				continue
			}
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				return JSONRPCMessage{}, resp.Header, fmt.Errorf("failed to unmarshal response: %w", err)
			}
			found = true
			break
		}
		if !found {
			return JSONRPCMessage{}, resp.Header, errors.New("response stream ended without a message")
		}
	} else if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return JSONRPCMessage{}, resp.Header, fmt.Errorf("failed to decode response: %w", err)
	}

	if res.ID != msg.ID {
		return JSONRPCMessage{}, resp.Header, fmt.Errorf("response id %q does not match request id %q", res.ID, msg.ID)
	}
	return res, resp.Header, nil
}

func (c *HTTPClient) post(ctx context.Context, msg JSONRPCMessage) (*http.Response, error) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(msgBs))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID := c.SessionID(); sessionID != "" {
		req.Header.Set(SessionIDHeader, sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return resp, nil
}

func newRequest(method string, params any) (JSONRPCMessage, error) {
	msg, err := NewNotification(method, params)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	msg.ID = MustString(uuid.New().String())
	return msg, nil
}

func decodeResult(res JSONRPCMessage, v any) error {
	if res.Error != nil {
		return *res.Error
	}
	if err := json.Unmarshal(res.Result, v); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// responseError turns a non-success response into an error. A JSON-RPC error body is
// returned as a JSONRPCError.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err == nil && msg.Error != nil {
		return *msg.Error
	}
	return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
