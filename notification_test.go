package mcp_test

import (
	"context"
	"encoding/json"
	"testing"

	mcp "github.com/TangGee/go-mcp-stream"
	"github.com/TangGee/go-mcp-stream/storage"
)

func decodeEnvelope(t *testing.T, ev storage.Event) map[string]any {
	t.Helper()

	var envelope map[string]any
	if err := json.Unmarshal(ev.Payload, &envelope); err != nil {
		t.Fatalf("failed to unmarshal envelope: %v", err)
	}
	return envelope
}

func envelopeParams(t *testing.T, envelope map[string]any) map[string]any {
	t.Helper()

	params, ok := envelope["params"].(map[string]any)
	if !ok {
		t.Fatalf("expected params object, got %v", envelope["params"])
	}
	return params
}

func TestProgressEnvelope(t *testing.T) {
	f := newStreamFixture(t)
	sessionID := f.newSession(t)
	conn := f.subscribe(t, sessionID, nil)
	b := mcp.NewNotificationBroadcaster(f.streams)

	total := 100.0
	seq, err := b.Progress(context.Background(), sessionID, mcp.ProgressParams{
		ProgressToken: "t1",
		Progress:      50,
		Total:         &total,
	})
	if err != nil {
		t.Fatalf("failed to send progress: %v", err)
	}

	ev := receive(t, conn)
	if ev.Sequence != seq {
		t.Errorf("expected sequence %d, got %d", seq, ev.Sequence)
	}
	if ev.Method != mcp.MethodNotificationsProgress {
		t.Errorf("expected event method %s, got %s", mcp.MethodNotificationsProgress, ev.Method)
	}

	envelope := decodeEnvelope(t, ev)
	if envelope["jsonrpc"] != mcp.JSONRPCVersion {
		t.Errorf("expected jsonrpc %s, got %v", mcp.JSONRPCVersion, envelope["jsonrpc"])
	}
	if envelope["method"] != mcp.MethodNotificationsProgress {
		t.Errorf("expected method %s, got %v", mcp.MethodNotificationsProgress, envelope["method"])
	}
	if _, ok := envelope["id"]; ok {
		t.Errorf("expected a notification without id, got %v", envelope["id"])
	}

	params := envelopeParams(t, envelope)
	if params["progressToken"] != "t1" {
		t.Errorf("expected progressToken t1, got %v", params["progressToken"])
	}
	if params["progress"] != 50.0 {
		t.Errorf("expected progress 50, got %v", params["progress"])
	}
	if params["total"] != 100.0 {
		t.Errorf("expected total 100, got %v", params["total"])
	}
}

func TestProgressTotal(t *testing.T) {
	zero := 0.0

	type testCase struct {
		name      string
		total     *float64
		wantTotal bool
	}

	testCases := []testCase{
		{name: "explicit zero is kept", total: &zero, wantTotal: true},
		{name: "absent total is omitted", total: nil, wantTotal: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newStreamFixture(t)
			sessionID := f.newSession(t)
			conn := f.subscribe(t, sessionID, nil)
			b := mcp.NewNotificationBroadcaster(f.streams)

			if _, err := b.Progress(context.Background(), sessionID, mcp.ProgressParams{
				ProgressToken: "t1",
				Progress:      0,
				Total:         tc.total,
			}); err != nil {
				t.Fatalf("failed to send progress: %v", err)
			}

			params := envelopeParams(t, decodeEnvelope(t, receive(t, conn)))
			total, ok := params["total"]
			if ok != tc.wantTotal {
				t.Fatalf("expected total present %t, got params %v", tc.wantTotal, params)
			}
			if ok && total != 0.0 {
				t.Errorf("expected total 0, got %v", total)
			}
			if _, ok := params["progress"]; !ok {
				t.Errorf("expected progress to be present, got params %v", params)
			}
		})
	}
}

func TestListChangedReachesEverySession(t *testing.T) {
	type testCase struct {
		name   string
		send   func(*mcp.NotificationBroadcaster, context.Context) error
		method string
	}

	testCases := []testCase{
		{
			name:   "tools",
			send:   (*mcp.NotificationBroadcaster).ToolListChanged,
			method: mcp.MethodNotificationsToolsListChanged,
		},
		{
			name:   "prompts",
			send:   (*mcp.NotificationBroadcaster).PromptListChanged,
			method: mcp.MethodNotificationsPromptsListChanged,
		},
		{
			name:   "resources",
			send:   (*mcp.NotificationBroadcaster).ResourceListChanged,
			method: mcp.MethodNotificationsResourcesListChanged,
		},
		{
			name:   "roots",
			send:   (*mcp.NotificationBroadcaster).RootsListChanged,
			method: mcp.MethodNotificationsRootsListChanged,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newStreamFixture(t)
			b := mcp.NewNotificationBroadcaster(f.streams)

			conns := []*mcp.Connection{
				f.subscribe(t, f.newSession(t), nil),
				f.subscribe(t, f.newSession(t), nil),
			}

			if err := tc.send(b, context.Background()); err != nil {
				t.Fatalf("failed to broadcast: %v", err)
			}

			for _, conn := range conns {
				envelope := decodeEnvelope(t, receive(t, conn))
				if envelope["method"] != tc.method {
					t.Errorf("expected method %s, got %v", tc.method, envelope["method"])
				}
				if _, ok := envelope["params"]; ok {
					t.Errorf("expected no params, got %v", envelope["params"])
				}
			}
		})
	}
}

func TestTargetedNotifications(t *testing.T) {
	f := newStreamFixture(t)
	sessionID := f.newSession(t)
	conn := f.subscribe(t, sessionID, nil)
	b := mcp.NewNotificationBroadcaster(f.streams)
	ctx := context.Background()

	if _, err := b.Cancelled(ctx, sessionID, "req-7", "user abort"); err != nil {
		t.Fatalf("failed to send cancelled: %v", err)
	}
	if _, err := b.ResourceUpdated(ctx, sessionID, "file:///tmp/a.txt"); err != nil {
		t.Fatalf("failed to send resource update: %v", err)
	}

	cancelled := decodeEnvelope(t, receive(t, conn))
	if cancelled["method"] != mcp.MethodNotificationsCancelled {
		t.Errorf("expected method %s, got %v", mcp.MethodNotificationsCancelled, cancelled["method"])
	}
	params := envelopeParams(t, cancelled)
	if params["requestId"] != "req-7" || params["reason"] != "user abort" {
		t.Errorf("unexpected cancelled params %v", params)
	}

	updated := decodeEnvelope(t, receive(t, conn))
	if updated["method"] != mcp.MethodNotificationsResourcesUpdated {
		t.Errorf("expected method %s, got %v", mcp.MethodNotificationsResourcesUpdated, updated["method"])
	}
	if uri := envelopeParams(t, updated)["uri"]; uri != "file:///tmp/a.txt" {
		t.Errorf("expected uri file:///tmp/a.txt, got %v", uri)
	}
}

func TestLogMessageLevelFilter(t *testing.T) {
	f := newStreamFixture(t)
	quiet := f.newSession(t)
	verbose := f.newSession(t)

	quietConn := f.subscribe(t, quiet, nil)
	verboseConn := f.subscribe(t, verbose, nil)

	b := mcp.NewNotificationBroadcaster(f.streams,
		mcp.WithBroadcasterLevelFunc(func(_ context.Context, sessionID string) (mcp.LogLevel, bool) {
			if sessionID == quiet {
				return mcp.LogLevelWarning, true
			}
			return 0, false
		}),
	)
	ctx := context.Background()

	info := mcp.LogParams{Level: mcp.LogLevelInfo, Logger: "test", Data: json.RawMessage(`"info"`)}
	warning := mcp.LogParams{Level: mcp.LogLevelWarning, Logger: "test", Data: json.RawMessage(`"warning"`)}

	seq, err := b.LogMessage(ctx, quiet, info)
	if err != nil {
		t.Fatalf("failed to send log message: %v", err)
	}
	if seq != 0 {
		t.Errorf("expected a filtered message to return sequence 0, got %d", seq)
	}

	if err := b.LogMessageAll(ctx, info); err != nil {
		t.Fatalf("failed to broadcast log message: %v", err)
	}
	if err := b.LogMessageAll(ctx, warning); err != nil {
		t.Fatalf("failed to broadcast log message: %v", err)
	}

	// The quiet session only sees the warning.
	ev := receive(t, quietConn)
	if ev.Sequence != 1 {
		t.Errorf("expected the quiet session's first event to be sequence 1, got %d", ev.Sequence)
	}
	if data := envelopeParams(t, decodeEnvelope(t, ev))["data"]; data != "warning" {
		t.Errorf("expected the warning message, got %v", data)
	}

	for _, want := range []string{"info", "warning"} {
		params := envelopeParams(t, decodeEnvelope(t, receive(t, verboseConn)))
		if params["data"] != want {
			t.Errorf("expected %s message, got %v", want, params["data"])
		}
		if params["level"] != want {
			t.Errorf("expected level %s, got %v", want, params["level"])
		}
	}
}

func TestNotifyProgressFromContext(t *testing.T) {
	f := newStreamFixture(t)
	sessionID := f.newSession(t)
	conn := f.subscribe(t, sessionID, nil)
	b := mcp.NewNotificationBroadcaster(f.streams)

	if err := mcp.NotifyProgress(context.Background(), 1, nil, ""); err == nil {
		t.Error("expected an error for a context without a request")
	}

	// Without a progress token the client did not ask for progress.
	silent := mcp.WithRequestScope(context.Background(), b, sessionID, "")
	if err := mcp.NotifyProgress(silent, 1, nil, "ignored"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	ctx := mcp.WithRequestScope(context.Background(), b, sessionID, "t9")
	if id, ok := mcp.SessionIDFromContext(ctx); !ok || id != sessionID {
		t.Errorf("expected session %s in context, got %s", sessionID, id)
	}
	total := 2.0
	if err := mcp.NotifyProgress(ctx, 1, &total, "half way"); err != nil {
		t.Fatalf("failed to notify progress: %v", err)
	}
	if err := mcp.NotifyLog(ctx, mcp.LogLevelInfo, "tool", map[string]string{"step": "one"}); err != nil {
		t.Fatalf("failed to notify log: %v", err)
	}

	ev := receive(t, conn)
	if ev.Sequence != 1 {
		t.Fatalf("expected the silent progress to be skipped, got sequence %d", ev.Sequence)
	}
	params := envelopeParams(t, decodeEnvelope(t, ev))
	if params["progressToken"] != "t9" || params["message"] != "half way" {
		t.Errorf("unexpected progress params %v", params)
	}

	logEnvelope := decodeEnvelope(t, receive(t, conn))
	if logEnvelope["method"] != mcp.MethodNotificationsMessage {
		t.Errorf("expected method %s, got %v", mcp.MethodNotificationsMessage, logEnvelope["method"])
	}
	logParams := envelopeParams(t, logEnvelope)
	if logParams["logger"] != "tool" {
		t.Errorf("expected logger tool, got %v", logParams["logger"])
	}
	if data, ok := logParams["data"].(map[string]any); !ok || data["step"] != "one" {
		t.Errorf("unexpected log data %v", logParams["data"])
	}
}
