package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"

	mcp "github.com/TangGee/go-mcp-stream"
	"github.com/TangGee/go-mcp-stream/storage"
)

type testServer struct {
	srv      *mcp.Server
	sessions *mcp.SessionManager
	streams  *mcp.StreamManager
	clock    *fakeClock
	httpSrv  *httptest.Server

	mu           sync.Mutex
	connected    map[string]mcp.Info
	disconnected []string
}

type mockToolServer struct {
	started chan string
}

type mockToolListUpdater struct {
	ch   chan struct{}
	done chan struct{}
}

type mockResourceSubscriptionHandler struct {
	ch   chan string
	done chan struct{}

	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
}

type mockLogHandler struct {
	ch   chan mcp.LogParams
	done chan struct{}
}

type mockRootsListWatcher struct {
	changed chan string
}

var testServerInfo = mcp.Info{Name: "test-server", Version: "1.0"}

func newTestServer(t *testing.T, options ...mcp.ServerOption) *testServer {
	t.Helper()

	store := storage.NewMemoryStorage()
	ts := &testServer{
		clock:     newFakeClock(),
		connected: make(map[string]mcp.Info),
	}
	ts.sessions = mcp.NewSessionManager(store,
		mcp.WithSessionTTL(10*time.Minute),
		mcp.WithSessionClock(ts.clock.Now),
	)
	ts.streams = mcp.NewStreamManager(store, mcp.WithStreamClock(ts.clock.Now))

	options = append([]mcp.ServerOption{
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			ts.connected[id] = info
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			ts.disconnected = append(ts.disconnected, id)
		}),
	}, options...)
	ts.srv = mcp.NewServer(testServerInfo, ts.sessions, ts.streams, options...)
	ts.httpSrv = httptest.NewServer(ts.srv.Handler())

	go ts.srv.Serve()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := ts.srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		ts.httpSrv.Close()
		_ = store.Close()
	})
	return ts
}

func (ts *testServer) newClient(t *testing.T) *mcp.HTTPClient {
	t.Helper()

	cli := mcp.NewHTTPClient(ts.httpSrv.URL, ts.httpSrv.Client())
	if _, err := cli.Initialize(context.Background(), mcp.Info{Name: "test-client", Version: "1.0"}); err != nil {
		t.Fatalf("failed to initialize client: %v", err)
	}
	return cli
}

func (ts *testServer) disconnectedIDs() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.disconnected...)
}

func (ts *testServer) post(t *testing.T, sessionID, accept, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, ts.httpSrv.URL, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if sessionID != "" {
		req.Header.Set(mcp.SessionIDHeader, sessionID)
	}

	resp, err := ts.httpSrv.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// initializeRaw opens a session without sending notifications/initialized.
func (ts *testServer) initializeRaw(t *testing.T, protocolVersion string) (string, mcp.InitializeResult) {
	t.Helper()

	resp := ts.post(t, "", "application/json", fmt.Sprintf(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":%q,"clientInfo":{"name":"raw","version":"0.1"}}}`,
		protocolVersion))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	sessionID := resp.Header.Get(mcp.SessionIDHeader)
	if sessionID == "" {
		t.Fatalf("expected the %s header", mcp.SessionIDHeader)
	}

	msg := decodeMessage(t, resp)
	if msg.Error != nil {
		t.Fatalf("unexpected initialize error: %+v", msg.Error)
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal initialize result: %v", err)
	}
	return sessionID, result
}

func decodeMessage(t *testing.T, resp *http.Response) mcp.JSONRPCMessage {
	t.Helper()

	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return msg
}

func requireJSONRPCError(t *testing.T, err error, code int) mcp.JSONRPCError {
	t.Helper()

	var jsonErr mcp.JSONRPCError
	if !errors.As(err, &jsonErr) {
		t.Fatalf("expected a JSONRPCError with code %d, got %v", code, err)
	}
	if jsonErr.Code != code {
		t.Fatalf("expected error code %d, got %d: %s", code, jsonErr.Code, jsonErr.Message)
	}
	return jsonErr
}

func newMockToolServer() *mockToolServer {
	return &mockToolServer{started: make(chan string, 1)}
}

func (m *mockToolServer) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{Name: "echo", Description: "Echoes back the arguments"},
			{Name: "progress", Description: "Reports three progress steps"},
			{Name: "log", Description: "Emits a debug and an error log message"},
			{Name: "block", Description: "Blocks until cancelled"},
		},
	}, nil
}

func (m *mockToolServer) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	switch params.Name {
	case "echo":
		return mcp.CallToolResult{
			Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: string(params.Arguments)}},
		}, nil
	case "progress":
		total := 3.0
		for i := 1; i <= 3; i++ {
			if err := mcp.NotifyProgress(ctx, float64(i), &total, fmt.Sprintf("step %d", i)); err != nil {
				return mcp.CallToolResult{}, err
			}
		}
		return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "done"}}}, nil
	case "log":
		if err := mcp.NotifyLog(ctx, mcp.LogLevelDebug, "mock", "debug message"); err != nil {
			return mcp.CallToolResult{}, err
		}
		if err := mcp.NotifyLog(ctx, mcp.LogLevelError, "mock", "error message"); err != nil {
			return mcp.CallToolResult{}, err
		}
		return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "logged"}}}, nil
	case "block":
		m.started <- params.Name
		<-ctx.Done()
		return mcp.CallToolResult{}, fmt.Errorf("tool interrupted: %w", ctx.Err())
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

func newMockToolListUpdater() *mockToolListUpdater {
	return &mockToolListUpdater{
		ch:   make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (m *mockToolListUpdater) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-m.done:
				return
			case v := <-m.ch:
				if !yield(v) {
					return
				}
			}
		}
	}
}

func (m *mockToolListUpdater) close() { close(m.done) }

func newMockResourceSubscriptionHandler() *mockResourceSubscriptionHandler {
	return &mockResourceSubscriptionHandler{
		ch:   make(chan string),
		done: make(chan struct{}),
	}
}

func (m *mockResourceSubscriptionHandler) SubscribeResource(sessionID string, params mcp.SubscribeResourceParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = append(m.subscribed, sessionID+" "+params.URI)
}

func (m *mockResourceSubscriptionHandler) UnsubscribeResource(sessionID string, params mcp.UnsubscribeResourceParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, sessionID+" "+params.URI)
}

func (m *mockResourceSubscriptionHandler) SubscribedResourceUpdates() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			select {
			case <-m.done:
				return
			case uri := <-m.ch:
				if !yield(uri) {
					return
				}
			}
		}
	}
}

func (m *mockResourceSubscriptionHandler) close() { close(m.done) }

func newMockLogHandler() *mockLogHandler {
	return &mockLogHandler{
		ch:   make(chan mcp.LogParams),
		done: make(chan struct{}),
	}
}

func (m *mockLogHandler) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-m.done:
				return
			case params := <-m.ch:
				if !yield(params) {
					return
				}
			}
		}
	}
}

func (m *mockLogHandler) close() { close(m.done) }

func (m *mockRootsListWatcher) OnRootsListChanged(sessionID string) {
	m.changed <- sessionID
}

func TestInitialize(t *testing.T) {
	ts := newTestServer(t,
		mcp.WithToolServer(newMockToolServer()),
		mcp.WithInstructions("use the tools"),
	)

	cli := mcp.NewHTTPClient(ts.httpSrv.URL, ts.httpSrv.Client())
	result, err := cli.Initialize(context.Background(), mcp.Info{Name: "test-client", Version: "2.0"})
	if err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}

	if result.ProtocolVersion != mcp.ProtocolVersionLatest {
		t.Errorf("expected protocol version %s, got %s", mcp.ProtocolVersionLatest, result.ProtocolVersion)
	}
	if result.ServerInfo != testServerInfo {
		t.Errorf("expected server info %+v, got %+v", testServerInfo, result.ServerInfo)
	}
	if result.Instructions != "use the tools" {
		t.Errorf("expected instructions, got %q", result.Instructions)
	}
	if result.Capabilities.Tools == nil || result.Capabilities.Tools.ListChanged {
		t.Errorf("expected tools capability without listChanged, got %+v", result.Capabilities.Tools)
	}
	if result.Capabilities.Logging == nil {
		t.Error("expected logging capability")
	}
	if result.Capabilities.Resources != nil || result.Capabilities.Prompts != nil {
		t.Errorf("expected no resources or prompts capability, got %+v", result.Capabilities)
	}

	ts.mu.Lock()
	info, ok := ts.connected[cli.SessionID()]
	ts.mu.Unlock()
	if !ok || info.Name != "test-client" {
		t.Errorf("expected connected callback for %s, got %+v", cli.SessionID(), ts.connected)
	}

	// The handshake is complete, so requests are served.
	if err := cli.Ping(context.Background()); err != nil {
		t.Errorf("failed to ping: %v", err)
	}
}

func TestInitializeAssignsOrderedSessionIDs(t *testing.T) {
	ts := newTestServer(t)

	var prev string
	for i := 0; i < 5; i++ {
		cli := ts.newClient(t)
		if cli.SessionID() <= prev {
			t.Fatalf("session id %s is not greater than %s", cli.SessionID(), prev)
		}
		prev = cli.SessionID()
	}
}

func TestInitializeNegotiatesProtocolVersion(t *testing.T) {
	type testCase struct {
		name      string
		requested string
		want      string
	}

	testCases := []testCase{
		{name: "latest", requested: mcp.ProtocolVersionLatest, want: mcp.ProtocolVersionLatest},
		{name: "legacy", requested: mcp.ProtocolVersionLegacy, want: mcp.ProtocolVersionLegacy},
		{name: "unknown", requested: "1999-01-01", want: mcp.ProtocolVersionLatest},
	}

	ts := newTestServer(t)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sessionID, result := ts.initializeRaw(t, tc.requested)
			if result.ProtocolVersion != tc.want {
				t.Errorf("expected protocol version %s, got %s", tc.want, result.ProtocolVersion)
			}
			h, err := ts.sessions.Validate(context.Background(), sessionID)
			if err != nil {
				t.Fatalf("failed to validate session: %v", err)
			}
			if h.Session().ProtocolVersion != tc.want {
				t.Errorf("expected stored protocol version %s, got %s", tc.want, h.Session().ProtocolVersion)
			}
		})
	}
}

func TestReinitializeIsRejected(t *testing.T) {
	ts := newTestServer(t)
	cli := ts.newClient(t)

	resp := ts.post(t, cli.SessionID(), "application/json",
		`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"again","version":"1"}}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.StatusCode)
	}
	msg := decodeMessage(t, resp)
	if msg.Error == nil || msg.Error.Code != -32600 {
		t.Errorf("expected invalid request error, got %+v", msg.Error)
	}
	if resp.Header.Get(mcp.SessionIDHeader) != "" {
		t.Errorf("expected no new session, got %s", resp.Header.Get(mcp.SessionIDHeader))
	}
}

func TestRequestsRequireSession(t *testing.T) {
	ts := newTestServer(t)

	deleted := ts.newClient(t)
	if err := deleted.Delete(context.Background()); err != nil {
		t.Fatalf("failed to delete session: %v", err)
	}

	type testCase struct {
		name       string
		sessionID  string
		wantStatus int
		wantCode   int
	}

	testCases := []testCase{
		{name: "missing header", sessionID: "", wantStatus: http.StatusBadRequest, wantCode: -32600},
		{name: "unknown session", sessionID: "unknown", wantStatus: http.StatusNotFound, wantCode: mcp.JSONRPCSessionErrorCode},
		{name: "deleted session", sessionID: deleted.SessionID(), wantStatus: http.StatusNotFound, wantCode: mcp.JSONRPCSessionErrorCode},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.post(t, tc.sessionID, "application/json", `{"jsonrpc":"2.0","id":"a","method":"ping"}`)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, resp.StatusCode)
			}
			msg := decodeMessage(t, resp)
			if msg.Error == nil || msg.Error.Code != tc.wantCode {
				t.Fatalf("expected error code %d, got %+v", tc.wantCode, msg.Error)
			}
			if msg.ID != "a" {
				t.Errorf("expected the error to answer request a, got %q", msg.ID)
			}
			if tc.wantCode == mcp.JSONRPCSessionErrorCode && msg.Error.Data["sessionId"] != tc.sessionID {
				t.Errorf("expected sessionId %s in error data, got %v", tc.sessionID, msg.Error.Data)
			}
		})
	}
}

func TestRequestBeforeInitialized(t *testing.T) {
	ts := newTestServer(t, mcp.WithToolServer(newMockToolServer()))
	sessionID, _ := ts.initializeRaw(t, mcp.ProtocolVersionLatest)

	resp := ts.post(t, sessionID, "application/json", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if msg := decodeMessage(t, resp); msg.Error == nil || msg.Error.Code != mcp.JSONRPCNotInitializedCode {
		t.Fatalf("expected not initialized error, got %+v", msg.Error)
	}

	// Ping is allowed during the handshake.
	resp = ts.post(t, sessionID, "application/json", `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	if msg := decodeMessage(t, resp); msg.Error != nil || string(msg.Result) != "{}" {
		t.Fatalf("expected an empty ping result, got %+v", msg)
	}

	resp = ts.post(t, sessionID, "application/json", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", resp.StatusCode)
	}

	resp = ts.post(t, sessionID, "application/json", `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`)
	msg := decodeMessage(t, resp)
	if msg.Error != nil {
		t.Fatalf("unexpected error after initialization: %+v", msg.Error)
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(result.Tools) != 4 {
		t.Errorf("expected 4 tools, got %d", len(result.Tools))
	}
}

func TestMalformedMessages(t *testing.T) {
	type testCase struct {
		name     string
		body     string
		wantCode int
	}

	testCases := []testCase{
		{name: "invalid json", body: `{"jsonrpc":`, wantCode: -32700},
		{name: "wrong version", body: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, wantCode: -32600},
	}

	ts := newTestServer(t)
	cli := ts.newClient(t)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.post(t, cli.SessionID(), "application/json", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", resp.StatusCode)
			}
			if msg := decodeMessage(t, resp); msg.Error == nil || msg.Error.Code != tc.wantCode {
				t.Errorf("expected error code %d, got %+v", tc.wantCode, msg.Error)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, ts.httpSrv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := ts.httpSrv.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", resp.StatusCode)
	}
}

func TestUnknownMethod(t *testing.T) {
	ts := newTestServer(t)
	cli := ts.newClient(t)

	_, err := cli.Call(context.Background(), "prompts/list", nil)
	requireJSONRPCError(t, err, -32601)
}

func TestEventStreamResponse(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "", "text/event-stream",
		`{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"sse","version":"1"}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected an event stream, got %s", ct)
	}
	if resp.Header.Get(mcp.SessionIDHeader) == "" {
		t.Fatalf("expected the %s header", mcp.SessionIDHeader)
	}

	var messages []mcp.JSONRPCMessage
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			t.Fatalf("failed to read event: %v", err)
		}
		if ev.Type != "message" {
			t.Errorf("expected a message event, got %s", ev.Type)
		}
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			t.Fatalf("failed to unmarshal event data: %v", err)
		}
		messages = append(messages, msg)
	}

	if len(messages) != 1 {
		t.Fatalf("expected exactly one response event, got %d", len(messages))
	}
	if messages[0].ID != "init" || messages[0].Error != nil {
		t.Errorf("unexpected response %+v", messages[0])
	}
}

func TestToolCalls(t *testing.T) {
	ts := newTestServer(t, mcp.WithToolServer(newMockToolServer()))
	cli := ts.newClient(t)
	ctx := context.Background()

	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools.Tools) != 4 || tools.Tools[0].Name != "echo" {
		t.Errorf("unexpected tools %+v", tools.Tools)
	}

	type testCase struct {
		name        string
		params      mcp.CallToolParams
		wantText    string
		wantIsError bool
	}

	testCases := []testCase{
		{
			name:     "echo",
			params:   mcp.CallToolParams{Name: "echo", Arguments: json.RawMessage(`{"message":"hi"}`)},
			wantText: `{"message":"hi"}`,
		},
		{
			name:        "unknown tool",
			params:      mcp.CallToolParams{Name: "missing"},
			wantText:    "tool not found: missing",
			wantIsError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := cli.CallTool(ctx, "", tc.params)
			if err != nil {
				t.Fatalf("failed to call tool: %v", err)
			}
			if result.IsError != tc.wantIsError {
				t.Errorf("expected isError %t, got %t", tc.wantIsError, result.IsError)
			}
			if len(result.Content) != 1 || result.Content[0].Text != tc.wantText {
				t.Errorf("expected text %q, got %+v", tc.wantText, result.Content)
			}
		})
	}
}

func TestToolsNotSupported(t *testing.T) {
	ts := newTestServer(t)
	cli := ts.newClient(t)

	_, err := cli.ListTools(context.Background(), mcp.ListToolsParams{})
	requireJSONRPCError(t, err, -32601)
}

func TestDeleteSession(t *testing.T) {
	ts := newTestServer(t)
	cli := ts.newClient(t)
	ctx := context.Background()

	if err := cli.Delete(ctx); err != nil {
		t.Fatalf("failed to delete session: %v", err)
	}

	requireJSONRPCError(t, cli.Delete(ctx), mcp.JSONRPCSessionErrorCode)
	requireJSONRPCError(t, cli.Ping(ctx), mcp.JSONRPCSessionErrorCode)

	_, err := cli.Subscribe(ctx, nil)
	requireJSONRPCError(t, err, mcp.JSONRPCSessionErrorCode)

	if got := ts.disconnectedIDs(); len(got) != 1 || got[0] != cli.SessionID() {
		t.Errorf("expected one disconnect for %s, got %v", cli.SessionID(), got)
	}

	// The sweep purges the tombstone without reporting the client twice.
	if _, err := ts.sessions.Sweep(ctx); err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if got := ts.disconnectedIDs(); len(got) != 1 {
		t.Errorf("expected one disconnect after the sweep, got %v", got)
	}
}

func TestDeleteRequiresSessionHeader(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.httpSrv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := ts.httpSrv.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestExpiredSessionIsRejected(t *testing.T) {
	ts := newTestServer(t)
	cli := ts.newClient(t)
	ctx := context.Background()

	ts.clock.Advance(11 * time.Minute)

	jsonErr := requireJSONRPCError(t, cli.Ping(ctx), mcp.JSONRPCSessionErrorCode)
	if jsonErr.Data["sessionId"] != cli.SessionID() {
		t.Errorf("expected sessionId %s in error data, got %v", cli.SessionID(), jsonErr.Data)
	}

	if _, err := ts.sessions.Sweep(ctx); err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if got := ts.disconnectedIDs(); len(got) != 1 || got[0] != cli.SessionID() {
		t.Errorf("expected one disconnect for %s, got %v", cli.SessionID(), got)
	}
}

func TestRequestsSlideSessionExpiry(t *testing.T) {
	ts := newTestServer(t)
	cli := ts.newClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ts.clock.Advance(8 * time.Minute)
		if err := cli.Ping(ctx); err != nil {
			t.Fatalf("ping %d failed: %v", i, err)
		}
	}
}
