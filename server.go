package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server over HTTP with a Server-Sent Events
// notification stream. Sessions are created by the initialize request and kept by the
// SessionManager. Every notification the server or its implementations emit is persisted and
// delivered through the StreamManager, so clients that reconnect with Last-Event-ID catch up
// on what they missed.
//
// The HTTP side is served by Handler. Serve runs the background work (the session sweep and
// the updater listeners) and blocks until Shutdown is called.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities

	sessions *SessionManager
	streams  *StreamManager
	notifier *NotificationBroadcaster

	toolServer                  ToolServer
	toolListUpdater             ToolListUpdater
	promptListUpdater           PromptListUpdater
	resourceListUpdater         ResourceListUpdater
	resourceSubscriptionHandler ResourceSubscriptionHandler
	logHandler                  LogHandler
	rootsListWatcher            RootsListWatcher

	heartbeat time.Duration
	logger    *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	subscriptions *resourceSubscriptions

	inflightMu sync.Mutex
	inflight   map[string]map[MustString]context.CancelFunc

	clientsMu sync.Mutex
	clients   map[string]Info

	serving  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	served   chan struct{}
}

const (
	// SessionIDHeader carries the session ID assigned by the initialize request.
	SessionIDHeader = "Mcp-Session-Id"
	// LastEventIDHeader carries the last event sequence a reconnecting client received.
	LastEventIDHeader = "Last-Event-ID"

	logLevelStateKey = "logLevel"
)

var (
	defaultServerHeartbeat = 15 * time.Second

	supportedProtocolVersions = []string{ProtocolVersionLatest, ProtocolVersionLegacy}

	errInvalidJSON = errors.New("invalid json")
)

// NewServer creates a new MCP server on top of the given session and stream managers. The
// server registers itself and the stream manager as observers of the session manager, so
// connections and in-flight requests of a session end with it.
func NewServer(info Info, sessions *SessionManager, streams *StreamManager, options ...ServerOption) *Server {
	s := &Server{
		info:          info,
		sessions:      sessions,
		streams:       streams,
		logger:        slog.Default(),
		subscriptions: newResourceSubscriptions(),
		inflight:      make(map[string]map[MustString]context.CancelFunc),
		clients:       make(map[string]Info),
		done:          make(chan struct{}),
		served:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultServerHeartbeat
	}

	s.notifier = NewNotificationBroadcaster(streams,
		WithBroadcasterLogger(s.logger),
		WithBroadcasterLevelFunc(s.sessionLogLevel),
	)

	// Prepares the server's capabilities based on the provided server implementations.

	s.capabilities = ServerCapabilities{
		Logging: &LoggingCapability{},
	}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
		if s.toolListUpdater != nil {
			s.capabilities.Tools.ListChanged = true
		}
	}
	if s.promptListUpdater != nil {
		s.capabilities.Prompts = &PromptsCapability{ListChanged: true}
	}
	if s.resourceListUpdater != nil || s.resourceSubscriptionHandler != nil {
		s.capabilities.Resources = &ResourcesCapability{
			ListChanged: s.resourceListUpdater != nil,
			Subscribe:   s.resourceSubscriptionHandler != nil,
		}
	}

	sessions.Observe(streams)
	sessions.Observe(s)

	return s
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithToolListUpdater returns a ServerOption that configures the tool list updater implementation.
func WithToolListUpdater(updater ToolListUpdater) ServerOption {
	return func(s *Server) {
		s.toolListUpdater = updater
	}
}

// WithPromptListUpdater returns a ServerOption that configures the prompt list updater implementation.
func WithPromptListUpdater(updater PromptListUpdater) ServerOption {
	return func(s *Server) {
		s.promptListUpdater = updater
	}
}

// WithResourceListUpdater returns a ServerOption that configures the resource list updater implementation.
func WithResourceListUpdater(updater ResourceListUpdater) ServerOption {
	return func(s *Server) {
		s.resourceListUpdater = updater
	}
}

// WithResourceSubscriptionHandler returns a ServerOption that configures
// the resource subscription handler implementation.
func WithResourceSubscriptionHandler(handler ResourceSubscriptionHandler) ServerOption {
	return func(s *Server) {
		s.resourceSubscriptionHandler = handler
	}
}

// WithLogHandler returns a ServerOption that configures the log handler implementation.
func WithLogHandler(handler LogHandler) ServerOption {
	return func(s *Server) {
		s.logHandler = handler
	}
}

// WithRootsListWatcher returns a ServerOption that configures the roots list watcher implementation.
func WithRootsListWatcher(watcher RootsListWatcher) ServerOption {
	return func(s *Server) {
		s.rootsListWatcher = watcher
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerHeartbeat sets the interval of the heartbeat comments written to idle streams.
func WithServerHeartbeat(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.heartbeat = interval
	}
}

// WithServerOnClientConnected sets the callback for when a client connects.
// The callback's parameter is the ID and Info of the client.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client's session ends, either
// deleted by the client or swept after expiry. The callback's parameter is the ID of the client.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-stream"),
			slog.String("component", "server"),
		)
	}
}

// Notifier returns the broadcaster the server publishes its notifications with.
func (s *Server) Notifier() *NotificationBroadcaster {
	return s.notifier
}

// Serve runs the session sweep and the listeners of the configured updaters.
//
// Serve blocks until the server is shut down.
func (s *Server) Serve() {
	s.serving.Store(true)
	defer close(s.served)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	spawn(s.sessions.Run)

	if s.promptListUpdater != nil {
		spawn(func(ctx context.Context) {
			s.listenUpdates(ctx, MethodNotificationsPromptsListChanged, s.promptListUpdater.PromptListUpdates())
		})
	}
	if s.resourceListUpdater != nil {
		spawn(func(ctx context.Context) {
			s.listenUpdates(ctx, MethodNotificationsResourcesListChanged, s.resourceListUpdater.ResourceListUpdates())
		})
	}
	if s.toolListUpdater != nil {
		spawn(func(ctx context.Context) {
			s.listenUpdates(ctx, MethodNotificationsToolsListChanged, s.toolListUpdater.ToolListUpdates())
		})
	}
	if s.resourceSubscriptionHandler != nil {
		spawn(s.listenSubscribedResources)
	}
	if s.logHandler != nil {
		spawn(s.listenLogs)
	}

	<-s.done
	cancel()

	// A listener returns once its updater yields again or ends its iterator.
	wg.Wait()
}

// Shutdown stops the server, closes every stream connection and waits for Serve to return.
// It returns an error if the context is cancelled before the shutdown completes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
	})

	s.streams.Close()

	s.inflightMu.Lock()
	for _, reqs := range s.inflight {
		for _, cancel := range reqs {
			cancel()
		}
	}
	s.inflightMu.Unlock()

	if !s.serving.Load() {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to stop server listeners: %w", ctx.Err())
	case <-s.served:
	}
	return nil
}

// SessionOpened implements SessionObserver.
func (s *Server) SessionOpened(string) {}

// SessionClosed implements SessionObserver. It cancels the requests the session still has in
// flight, drops its resource subscriptions and reports the disconnect.
func (s *Server) SessionClosed(sessionID string) {
	s.inflightMu.Lock()
	reqs := s.inflight[sessionID]
	delete(s.inflight, sessionID)
	s.inflightMu.Unlock()
	for _, cancel := range reqs {
		cancel()
	}

	s.subscriptions.forget(sessionID)

	s.clientsMu.Lock()
	_, known := s.clients[sessionID]
	delete(s.clients, sessionID)
	s.clientsMu.Unlock()

	if known && s.onClientDisconnected != nil {
		s.onClientDisconnected(sessionID)
	}
}

func (s *Server) listenUpdates(ctx context.Context, method string, updates iter.Seq[struct{}]) {
	for range updates {
		if ctx.Err() != nil {
			return
		}
		if err := s.notifier.NotifyAll(ctx, method, nil); err != nil {
			s.logger.Error("failed to broadcast list change",
				slog.String("method", method),
				slog.String("err", err.Error()))
		}
	}
}

func (s *Server) listenSubscribedResources(ctx context.Context) {
	for uri := range s.resourceSubscriptionHandler.SubscribedResourceUpdates() {
		if ctx.Err() != nil {
			return
		}
		for _, sessionID := range s.subscriptions.matching(uri) {
			if _, err := s.notifier.ResourceUpdated(ctx, sessionID, uri); err != nil {
				s.logger.Error("failed to notify resource update",
					slog.String("sessionID", sessionID),
					slog.String("uri", uri),
					slog.String("err", err.Error()))
			}
		}
	}
}

func (s *Server) listenLogs(ctx context.Context) {
	for params := range s.logHandler.LogStreams() {
		if ctx.Err() != nil {
			return
		}
		if err := s.notifier.LogMessageAll(ctx, params); err != nil {
			s.logger.Error("failed to broadcast log message", slog.String("err", err.Error()))
		}
	}
}

// initialize creates a session for an initialize request. It returns the response and the
// ID of the created session, which is empty when the request was rejected.
func (s *Server) initialize(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, string) {
	var params InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return errorResponse(msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}), ""
	}

	version := negotiateProtocolVersion(params.ProtocolVersion)

	handle, err := s.sessions.Create(ctx, version)
	if err != nil {
		return errorResponse(msg.ID, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: err.Error(),
		}), ""
	}
	sessionID := handle.ID()

	s.clientsMu.Lock()
	s.clients[sessionID] = params.ClientInfo
	s.clientsMu.Unlock()

	if s.onClientConnected != nil {
		s.onClientConnected(sessionID, params.ClientInfo)
	}

	s.logger.Info("client initialized session",
		slog.String("sessionID", sessionID),
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocolVersion", version))

	return resultResponse(msg.ID, InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}), sessionID
}

// negotiateProtocolVersion echoes a supported version and answers with the latest otherwise.
func negotiateProtocolVersion(requested string) string {
	for _, v := range supportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return ProtocolVersionLatest
}

// handleNotification processes a notification or a response sent by the client.
func (s *Server) handleNotification(ctx context.Context, handle SessionHandle, msg JSONRPCMessage) {
	logger := s.logger.With(slog.String("sessionID", handle.ID()))

	switch msg.Method {
	case MethodNotificationsInitialized:
		if err := s.sessions.MarkInitialized(ctx, handle.ID()); err != nil {
			if errors.Is(err, ErrSessionAlreadyInitialized) {
				logger.Warn("client initialized the session twice")
				return
			}
			logger.Error("failed to mark session initialized", slog.String("err", err.Error()))
		}
	case MethodNotificationsCancelled:
		var params CancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Warn("failed to unmarshal cancelled params", slog.String("err", err.Error()))
			return
		}
		if s.cancelRequest(handle.ID(), params.RequestID) {
			logger.Debug("cancelled request",
				slog.String("requestID", string(params.RequestID)),
				slog.String("reason", params.Reason))
		}
	case MethodNotificationsRootsListChanged:
		if s.rootsListWatcher != nil {
			s.rootsListWatcher.OnRootsListChanged(handle.ID())
		}
	case "":
		// The server never sends requests to the client, so responses are unexpected.
		logger.Debug("ignored client response", slog.String("id", string(msg.ID)))
	default:
		logger.Debug("ignored notification", slog.String("method", msg.Method))
	}
}

// handleRequest dispatches a request of an initialized session and returns its response.
func (s *Server) handleRequest(ctx context.Context, handle SessionHandle, msg JSONRPCMessage) JSONRPCMessage {
	if msg.Method != MethodPing && !handle.Session().Initialized {
		return errorResponse(msg.ID, JSONRPCError{
			Code:    JSONRPCNotInitializedCode,
			Message: "session is not initialized",
		})
	}

	var (
		result any
		// The err should always be an instance of JSONRPCError, it is declared as an error
		// for the nil check.
		err error
	)

	switch msg.Method {
	case MethodPing:
		result = struct{}{}
	case MethodToolsList:
		result, err = s.callListTools(ctx, handle, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, handle, msg)
	case MethodResourcesSubscribe:
		result, err = s.callSubscribeResource(handle, msg)
	case MethodResourcesUnsubscribe:
		result, err = s.callUnsubscribeResource(handle, msg)
	case MethodLoggingSetLevel:
		result, err = s.callSetLogLevel(ctx, handle, msg)
	default:
		err = JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method %q not found", msg.Method),
		}
	}

	if err != nil {
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		s.logger.Warn("failed to handle request",
			slog.String("sessionID", handle.ID()),
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		return errorResponse(msg.ID, jsonErr)
	}
	return resultResponse(msg.ID, result)
}

func (s *Server) callListTools(ctx context.Context, handle SessionHandle, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListToolsResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	ctx = WithRequestScope(ctx, s.notifier, handle.ID(), "")
	ts, err := s.toolServer.ListTools(ctx, params)
	if err != nil {
		nErr := fmt.Errorf("failed to list tools: %w", err)
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}
	return ts, nil
}

func (s *Server) callCallTool(ctx context.Context, handle SessionHandle, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	// The call is cancellable by notifications/cancelled, so its cancel func is registered
	// under the request ID until it returns.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.trackRequest(handle.ID(), msg.ID, cancel)
	defer s.untrackRequest(handle.ID(), msg.ID)

	ctx = WithRequestScope(ctx, s.notifier, handle.ID(), params.Meta.ProgressToken)
	result, err := s.toolServer.CallTool(ctx, params)
	if err != nil {
		result = CallToolResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: err.Error(),
				},
			},
			IsError: true,
		}
	}
	return result, nil
}

func (s *Server) callSubscribeResource(handle SessionHandle, msg JSONRPCMessage) (any, error) {
	if s.resourceSubscriptionHandler == nil {
		return nil, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources subscription not supported by server",
		}
	}

	var params SubscribeResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}
	if err := s.subscriptions.subscribe(handle.ID(), params.URI); err != nil {
		return nil, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: err.Error(),
		}
	}

	s.resourceSubscriptionHandler.SubscribeResource(handle.ID(), params)
	return struct{}{}, nil
}

func (s *Server) callUnsubscribeResource(handle SessionHandle, msg JSONRPCMessage) (any, error) {
	if s.resourceSubscriptionHandler == nil {
		return nil, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources subscription not supported by server",
		}
	}

	var params UnsubscribeResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}
	s.subscriptions.unsubscribe(handle.ID(), params.URI)

	s.resourceSubscriptionHandler.UnsubscribeResource(handle.ID(), params)
	return struct{}{}, nil
}

func (s *Server) callSetLogLevel(ctx context.Context, handle SessionHandle, msg JSONRPCMessage) (any, error) {
	var params SetLogLevelParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}
	if err := handle.SetState(ctx, logLevelStateKey, params.Level); err != nil {
		return nil, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Errorf("failed to store log level: %w", err).Error(),
		}
	}
	return struct{}{}, nil
}

// sessionLogLevel reads the level stored by logging/setLevel.
func (s *Server) sessionLogLevel(ctx context.Context, sessionID string) (LogLevel, bool) {
	handle, err := s.sessions.Validate(ctx, sessionID)
	if err != nil {
		return 0, false
	}
	var level LogLevel
	ok, err := handle.State(ctx, logLevelStateKey, &level)
	if err != nil {
		s.logger.Warn("failed to read session log level",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
		return 0, false
	}
	return level, ok
}

func (s *Server) trackRequest(sessionID string, requestID MustString, cancel context.CancelFunc) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	reqs, ok := s.inflight[sessionID]
	if !ok {
		reqs = make(map[MustString]context.CancelFunc)
		s.inflight[sessionID] = reqs
	}
	reqs[requestID] = cancel
}

func (s *Server) untrackRequest(sessionID string, requestID MustString) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	reqs, ok := s.inflight[sessionID]
	if !ok {
		return
	}
	delete(reqs, requestID)
	if len(reqs) == 0 {
		delete(s.inflight, sessionID)
	}
}

func (s *Server) cancelRequest(sessionID string, requestID MustString) bool {
	s.inflightMu.Lock()
	cancel, ok := s.inflight[sessionID][requestID]
	s.inflightMu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

func resultResponse(id MustString, result any) JSONRPCMessage {
	resBs, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Errorf("failed to marshal result: %w", err).Error(),
		})
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}
}

func errorResponse(id MustString, err JSONRPCError) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &err,
	}
}
