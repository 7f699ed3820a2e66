package mcp

import (
	"context"
	"iter"
)

// ToolServer defines the interface for managing tools in the MCP protocol.
//
// The context passed to both methods carries the calling session, so implementations can
// report progress with NotifyProgress and emit log messages with NotifyLog. The context is
// cancelled when the client sends notifications/cancelled for the request or the session
// ends.
type ToolServer interface {
	// ListTools returns a paginated list of available tools.
	// Returns error if operation fails or context is cancelled.
	ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments.
	// Returns error if tool not found, arguments are invalid, execution fails, or context is cancelled.
	CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error)
}

// ToolListUpdater provides an interface for monitoring changes to the available tools list.
//
// Every value sent through the iterator becomes a "notifications/tools/list_changed" message
// broadcast to all sessions. A struct{} is used as only the notification matters, not the value.
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}

// PromptListUpdater provides an interface for monitoring changes to the available prompts list.
//
// Every value sent through the iterator becomes a "notifications/prompts/list_changed" message
// broadcast to all sessions.
type PromptListUpdater interface {
	PromptListUpdates() iter.Seq[struct{}]
}

// ResourceListUpdater provides an interface for monitoring changes to the available resources list.
//
// Every value sent through the iterator becomes a "notifications/resources/list_changed" message
// broadcast to all sessions.
type ResourceListUpdater interface {
	ResourceListUpdates() iter.Seq[struct{}]
}

// ResourceSubscriptionHandler defines the interface for handling subscription for resources.
//
// The server tracks which session subscribed to which URI itself. The handler is told about
// subscription changes and reports changed URIs, which the server turns into
// "notifications/resources/updated" messages for the matching sessions only.
type ResourceSubscriptionHandler interface {
	// SubscribeResource is called when a session subscribes to a resource.
	SubscribeResource(sessionID string, params SubscribeResourceParams)
	// UnsubscribeResource is called when a session unsubscribes from a resource.
	UnsubscribeResource(sessionID string, params UnsubscribeResourceParams)
	// SubscribedResourceUpdates returns an iterator that emits the URI of every changed resource.
	SubscribedResourceUpdates() iter.Seq[string]
}

// LogHandler provides an interface for streaming log messages from the MCP server to connected clients.
//
// Each message is broadcast to every session whose level, set with logging/setLevel, is at or
// below the message level.
type LogHandler interface {
	// LogStreams returns an iterator that emits log messages with metadata.
	LogStreams() iter.Seq[LogParams]
}

// RootsListWatcher provides an interface for receiving notifications when the client's root list changes.
type RootsListWatcher interface {
	// OnRootsListChanged is called when the session's client notifies that its root list has changed.
	OnRootsListChanged(sessionID string)
}

// SessionObserver is notified about session lifecycle transitions.
//
// SessionClosed may be called more than once for the same session, for instance when a deleted
// session is later purged by the sweep, so implementations must be idempotent.
type SessionObserver interface {
	SessionOpened(sessionID string)
	SessionClosed(sessionID string)
}
