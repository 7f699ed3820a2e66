package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	mcp "github.com/TangGee/go-mcp-stream"
)

var toolList = []mcp.Tool{
	{
		Name:        "echo",
		Description: "Echoes back the input",
		InputSchema: echoSchema,
	},
	{
		Name:        "add",
		Description: "Adds two numbers",
		InputSchema: addSchema,
	},
	{
		Name:        "longRunningOperation",
		Description: "Demonstrates a long running operation with progress updates",
		InputSchema: longRunningOperationSchema,
	},
}

// ListTools implements mcp.ToolServer interface.
func (s *Server) ListTools(ctx context.Context, _ mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	s.notifyLog(ctx, mcp.LogLevelDebug, "ListTools")

	return mcp.ListToolsResult{
		Tools: toolList,
	}, nil
}

// CallTool implements mcp.ToolServer interface.
func (s *Server) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	s.notifyLog(ctx, mcp.LogLevelDebug, fmt.Sprintf("CallTool: %s", params.Name))

	switch params.Name {
	case "echo":
		return s.callEcho(params)
	case "add":
		return s.callAdd(params)
	case "longRunningOperation":
		return s.callLongRunningOperation(ctx, params)
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

// ToolListUpdates implements mcp.ToolListUpdater interface.
func (s *Server) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-s.done:
				return
			case <-s.toolListChanges:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

// AnnounceToolListChange makes the MCP server tell every session that the tool list changed.
func (s *Server) AnnounceToolListChange() {
	select {
	case s.toolListChanges <- struct{}{}:
	case <-s.done:
	}
}

func (s *Server) callEcho(params mcp.CallToolParams) (mcp.CallToolResult, error) {
	var args EchoArgs
	if err := unmarshalArgs(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: args.Message,
			},
		},
		IsError: false,
	}, nil
}

func (s *Server) callAdd(params mcp.CallToolParams) (mcp.CallToolResult, error) {
	var args AddArgs
	if err := unmarshalArgs(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	result := args.A + args.B

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: fmt.Sprintf("The sum of %f and %f is %f", args.A, args.B, result),
			},
		},
		IsError: false,
	}, nil
}

func (s *Server) callLongRunningOperation(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	args := LongRunningOperationArgs{
		Duration: 10,
		Steps:    5,
	}
	if err := unmarshalArgs(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}
	if args.Steps < 1 {
		return mcp.CallToolResult{}, fmt.Errorf("steps must be at least 1, got %f", args.Steps)
	}

	stepDuration := time.Duration(args.Duration / args.Steps * float64(time.Second))
	total := args.Steps

	for i := 0; i < int(args.Steps); i++ {
		select {
		case <-time.After(stepDuration):
		case <-ctx.Done():
			return mcp.CallToolResult{}, fmt.Errorf("operation cancelled at step %d: %w", i+1, ctx.Err())
		case <-s.done:
			return mcp.CallToolResult{}, fmt.Errorf("server closed")
		}

		if err := mcp.NotifyProgress(ctx, float64(i+1), &total, fmt.Sprintf("step %d", i+1)); err != nil {
			return mcp.CallToolResult{}, err
		}
		s.notifyLog(ctx, mcp.LogLevelInfo, fmt.Sprintf("longRunningOperation: step %d of %d", i+1, int(args.Steps)))
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: fmt.Sprintf("Long running operation completed. Duration: %f seconds, Steps: %f", args.Duration, args.Steps),
			},
		},
		IsError: false,
	}, nil
}

func unmarshalArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("params validation failed: %w", err)
	}
	return nil
}
