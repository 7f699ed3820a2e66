package mcp

import (
	"encoding/json"
	"fmt"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol specification, such as request IDs and progress tokens. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`
	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`
	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from previous ListTools call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult represents a paginated list of tools returned by ListTools.
// NextCursor can be used to retrieve the next page of results.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs
	// Must satisfy required arguments defined in tool's InputSchema field
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	// When a progressToken is present, NotifyProgress called with the request context
	// emits progress notifications to the calling session.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation via CallTool.
// IsError indicates whether the operation failed, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// SubscribeResourceParams contains parameters for subscribing to a resource.
type SubscribeResourceParams struct {
	// URI is the resource to subscribe to. A URI containing '*' is treated as a
	// glob pattern, where '*' stops at '/' and '**' crosses it.
	URI string `json:"uri"`
}

// UnsubscribeResourceParams contains parameters for unsubscribing from a resource.
type UnsubscribeResourceParams struct {
	// URI must be the same value previously passed to SubscribeResourceParams.
	URI string `json:"uri"`
}

// LogParams represents the parameters for a log message.
type LogParams struct {
	// Level indicates the severity level of the message.
	// Must be one of the defined LogLevel constants.
	Level LogLevel `json:"level"`
	// Logger identifies the source/component that generated the message.
	Logger string `json:"logger,omitempty"`
	// Data contains the message content and any structured metadata.
	Data json.RawMessage `json:"data"`
}

// SetLogLevelParams contains the parameters of a logging/setLevel request.
type SetLogLevelParams struct {
	Level LogLevel `json:"level"`
}

// ProgressParams represents the progress status of a long-running operation.
type ProgressParams struct {
	// ProgressToken uniquely identifies the operation this progress update relates to
	ProgressToken MustString `json:"progressToken"`
	// Progress represents the current progress value
	Progress float64 `json:"progress"`
	// Total represents the expected final value when known.
	// A nil Total is left out of the notification, while an explicit zero is kept.
	Total *float64 `json:"total,omitempty"`
	// Message optionally describes the current step.
	Message *string `json:"message,omitempty"`
}

// CancelledParams contains the parameters of a notifications/cancelled message.
type CancelledParams struct {
	RequestID MustString `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

// ResourceUpdatedParams contains the parameters of a notifications/resources/updated message.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// ParamsMeta contains optional metadata that can be included with request parameters.
// It is used to enable features like progress tracking for long-running operations.
type ParamsMeta struct {
	// ProgressToken uniquely identifies an operation for progress tracking.
	ProgressToken MustString `json:"progressToken,omitempty"`
}

// ServerCapabilities represents server capabilities.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// ClientCapabilities represents client capabilities.
type ClientCapabilities struct {
	Roots    *RootsCapability    `json:"roots,omitempty"`
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams contains the parameters of an initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

// InitializeResult is the result of a successful initialize request.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// LogLevel represents the severity level of log messages.
type LogLevel int

// ContentType represents the type of content in messages.
const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeAudio ContentType = "audio"
)

// LogLevel represents the severity level of log messages.
const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelNotice
	LogLevelWarning
	LogLevelError
	LogLevelCritical
	LogLevelAlert
	LogLevelEmergency
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodResourcesSubscribe is the method name for subscribing to resource updates.
	MethodResourcesSubscribe = "resources/subscribe"
	// MethodResourcesUnsubscribe is the method name for unsubscribing from resource updates.
	MethodResourcesUnsubscribe = "resources/unsubscribe"

	// MethodLoggingSetLevel is the method name for setting the minimum severity level for emitted log messages.
	MethodLoggingSetLevel = "logging/setLevel"

	// MethodPing is the method name of the liveness check.
	MethodPing = "ping"
	// MethodInitialize is the method name of the request that opens a session.
	MethodInitialize = "initialize"

	// MethodNotificationsInitialized is sent by the client once it processed the initialize result.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodNotificationsCancelled announces that a request is cancelled.
	MethodNotificationsCancelled = "notifications/cancelled"
	// MethodNotificationsProgress carries progress of a long-running request.
	MethodNotificationsProgress = "notifications/progress"
	// MethodNotificationsMessage carries a log message.
	MethodNotificationsMessage = "notifications/message"
	// MethodNotificationsResourcesUpdated announces a change of a subscribed resource.
	MethodNotificationsResourcesUpdated = "notifications/resources/updated"
	// MethodNotificationsResourcesListChanged announces a change of the resource list.
	MethodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	// MethodNotificationsToolsListChanged announces a change of the tool list.
	MethodNotificationsToolsListChanged = "notifications/tools/list_changed"
	// MethodNotificationsPromptsListChanged announces a change of the prompt list.
	MethodNotificationsPromptsListChanged = "notifications/prompts/list_changed"
	// MethodNotificationsRootsListChanged announces a change of the roots list.
	MethodNotificationsRootsListChanged = "notifications/roots/list_changed"

	// ProtocolVersionLatest is the newest protocol revision the server speaks.
	ProtocolVersionLatest = "2025-03-26"
	// ProtocolVersionLegacy is the previous protocol revision, still accepted.
	ProtocolVersionLegacy = "2024-11-05"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603

	// JSONRPCSessionErrorCode is returned when a request names an unknown or expired session.
	JSONRPCSessionErrorCode = -32001
	// JSONRPCNotInitializedCode is returned for requests sent before notifications/initialized.
	JSONRPCNotInitializedCode = -32002
)

var logLevelNames = map[LogLevel]string{
	LogLevelDebug:     "debug",
	LogLevelInfo:      "info",
	LogLevelNotice:    "notice",
	LogLevelWarning:   "warning",
	LogLevelError:     "error",
	LogLevelCritical:  "critical",
	LogLevelAlert:     "alert",
	LogLevelEmergency: "emergency",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON encodes the level by its protocol name.
func (l LogLevel) MarshalJSON() ([]byte, error) {
	name, ok := logLevelNames[l]
	if !ok {
		return nil, fmt.Errorf("invalid log level: %d", int(l))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a level from its protocol name.
func (l *LogLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("log level must be a string: %w", err)
	}
	for level, n := range logLevelNames {
		if n == name {
			*l = level
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %q", name)
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int64(v)))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
