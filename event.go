package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseLastEventID parses the value of a Last-Event-ID header into an event sequence.
//
// It returns nil for an empty or malformed value. Subscribing with a nil cursor starts at the
// live tail, so a cursor the server does not understand never fails a reconnect.
func ParseLastEventID(value string) *uint64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	seq, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return nil
	}
	return &seq
}

// FormatEventID formats an event sequence as an SSE event id.
func FormatEventID(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

// NewNotification builds a JSON-RPC notification envelope for method. A nil params leaves
// the params member out.
func NewNotification(method string, params any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params == nil {
		return msg, nil
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	msg.Params = paramsBs
	return msg, nil
}
