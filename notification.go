package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// BroadcasterOption represents the options for the NotificationBroadcaster.
type BroadcasterOption func(*NotificationBroadcaster)

// LogLevelFunc reports the minimum log level the session asked for with logging/setLevel.
// It reports false when the session did not set a level.
type LogLevelFunc func(ctx context.Context, sessionID string) (LogLevel, bool)

// NotificationBroadcaster turns domain signals into protocol notifications and publishes them
// through a StreamManager. Targeted notifications go to one session, list changes go to every
// session.
type NotificationBroadcaster struct {
	streams   *StreamManager
	levelFunc LogLevelFunc
	logger    *slog.Logger
}

type requestScope struct {
	sessionID     string
	progressToken MustString
	broadcaster   *NotificationBroadcaster
}

type requestScopeKey struct{}

var errNoRequestScope = errors.New("context does not carry a session request")

// NewNotificationBroadcaster creates a NotificationBroadcaster publishing through streams.
func NewNotificationBroadcaster(streams *StreamManager, options ...BroadcasterOption) *NotificationBroadcaster {
	b := &NotificationBroadcaster{
		streams: streams,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// WithBroadcasterLevelFunc sets how the broadcaster learns the log level of a session. Log
// messages below the session's level are not sent to it.
func WithBroadcasterLevelFunc(fn LogLevelFunc) BroadcasterOption {
	return func(b *NotificationBroadcaster) {
		b.levelFunc = fn
	}
}

// WithBroadcasterLogger sets the logger for the NotificationBroadcaster.
func WithBroadcasterLogger(logger *slog.Logger) BroadcasterOption {
	return func(b *NotificationBroadcaster) {
		b.logger = logger.With(
			slog.String("package", "go-mcp-stream"),
			slog.String("component", "notification"),
		)
	}
}

// Progress sends a notifications/progress message to the session.
func (b *NotificationBroadcaster) Progress(ctx context.Context, sessionID string, params ProgressParams) (uint64, error) {
	return b.Notify(ctx, sessionID, MethodNotificationsProgress, params)
}

// LogMessage sends a notifications/message to the session, unless the session asked for a
// higher level. A filtered message returns zero and a nil error.
func (b *NotificationBroadcaster) LogMessage(ctx context.Context, sessionID string, params LogParams) (uint64, error) {
	if !b.wantsLevel(ctx, sessionID, params.Level) {
		return 0, nil
	}
	return b.Notify(ctx, sessionID, MethodNotificationsMessage, params)
}

// LogMessageAll sends a notifications/message to every session whose level admits it.
func (b *NotificationBroadcaster) LogMessageAll(ctx context.Context, params LogParams) error {
	msg, err := NewNotification(MethodNotificationsMessage, params)
	if err != nil {
		return err
	}
	return b.streams.broadcastEach(ctx, func(ctx context.Context, sessionID string) (JSONRPCMessage, bool) {
		return msg, b.wantsLevel(ctx, sessionID, params.Level)
	})
}

// Cancelled tells the session that the request with requestID is cancelled.
func (b *NotificationBroadcaster) Cancelled(
	ctx context.Context,
	sessionID string,
	requestID MustString,
	reason string,
) (uint64, error) {
	return b.Notify(ctx, sessionID, MethodNotificationsCancelled, CancelledParams{
		RequestID: requestID,
		Reason:    reason,
	})
}

// ResourceUpdated tells the session that the resource at uri changed.
func (b *NotificationBroadcaster) ResourceUpdated(ctx context.Context, sessionID, uri string) (uint64, error) {
	return b.Notify(ctx, sessionID, MethodNotificationsResourcesUpdated, ResourceUpdatedParams{URI: uri})
}

// ResourceListChanged tells every session that the resource list changed.
func (b *NotificationBroadcaster) ResourceListChanged(ctx context.Context) error {
	return b.NotifyAll(ctx, MethodNotificationsResourcesListChanged, nil)
}

// ToolListChanged tells every session that the tool list changed.
func (b *NotificationBroadcaster) ToolListChanged(ctx context.Context) error {
	return b.NotifyAll(ctx, MethodNotificationsToolsListChanged, nil)
}

// PromptListChanged tells every session that the prompt list changed.
func (b *NotificationBroadcaster) PromptListChanged(ctx context.Context) error {
	return b.NotifyAll(ctx, MethodNotificationsPromptsListChanged, nil)
}

// RootsListChanged tells every session that the roots list changed.
func (b *NotificationBroadcaster) RootsListChanged(ctx context.Context) error {
	return b.NotifyAll(ctx, MethodNotificationsRootsListChanged, nil)
}

// Notify sends a notification with the given method and params to the session and returns
// the sequence of the persisted event.
func (b *NotificationBroadcaster) Notify(ctx context.Context, sessionID, method string, params any) (uint64, error) {
	msg, err := NewNotification(method, params)
	if err != nil {
		b.logger.Error("failed to build notification",
			slog.String("method", method),
			slog.String("err", err.Error()))
		return 0, err
	}
	return b.streams.BroadcastToSession(ctx, sessionID, msg)
}

// NotifyAll sends a notification with the given method and params to every session.
func (b *NotificationBroadcaster) NotifyAll(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		b.logger.Error("failed to build notification",
			slog.String("method", method),
			slog.String("err", err.Error()))
		return err
	}
	return b.streams.BroadcastToAllSessions(ctx, msg)
}

func (b *NotificationBroadcaster) wantsLevel(ctx context.Context, sessionID string, level LogLevel) bool {
	if b.levelFunc == nil {
		return true
	}
	threshold, ok := b.levelFunc(ctx, sessionID)
	if !ok {
		return true
	}
	return level >= threshold
}

// WithRequestScope returns a context bound to a request of the session, so NotifyProgress
// and NotifyLog called with it reach that session through b. The server binds every tools
// call this way. An empty progressToken disables NotifyProgress.
func WithRequestScope(
	ctx context.Context,
	b *NotificationBroadcaster,
	sessionID string,
	progressToken MustString,
) context.Context {
	return context.WithValue(ctx, requestScopeKey{}, requestScope{
		sessionID:     sessionID,
		progressToken: progressToken,
		broadcaster:   b,
	})
}

// SessionIDFromContext returns the session of the request bound to ctx.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	scope, ok := ctx.Value(requestScopeKey{}).(requestScope)
	if !ok {
		return "", false
	}
	return scope.sessionID, true
}

// NotifyProgress reports the progress of the request bound to ctx. It does nothing when the
// client did not ask for progress with a progress token. A nil total is left out of the
// notification, and an empty message too.
func NotifyProgress(ctx context.Context, progress float64, total *float64, message string) error {
	scope, ok := ctx.Value(requestScopeKey{}).(requestScope)
	if !ok {
		return errNoRequestScope
	}
	if scope.progressToken == "" {
		return nil
	}

	params := ProgressParams{
		ProgressToken: scope.progressToken,
		Progress:      progress,
		Total:         total,
	}
	if message != "" {
		params.Message = &message
	}
	if _, err := scope.broadcaster.Progress(ctx, scope.sessionID, params); err != nil {
		return fmt.Errorf("failed to notify progress: %w", err)
	}
	return nil
}

// NotifyLog sends a log message to the session of the request bound to ctx. The data is
// encoded as JSON.
func NotifyLog(ctx context.Context, level LogLevel, logger string, data any) error {
	scope, ok := ctx.Value(requestScopeKey{}).(requestScope)
	if !ok {
		return errNoRequestScope
	}

	dataBs, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal log data: %w", err)
	}
	params := LogParams{
		Level:  level,
		Logger: logger,
		Data:   dataBs,
	}
	if _, err := scope.broadcaster.LogMessage(ctx, scope.sessionID, params); err != nil {
		return fmt.Errorf("failed to notify log: %w", err)
	}
	return nil
}
