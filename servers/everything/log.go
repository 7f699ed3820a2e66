package everything

import (
	"context"
	"encoding/json"
	"iter"

	mcp "github.com/TangGee/go-mcp-stream"
)

type logData struct {
	Message string `json:"message"`
}

// LogStreams implements mcp.LogHandler interface. The demo server streams a log message for
// every simulated resource update, and the MCP server sends it to every session whose level
// admits it.
func (s *Server) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-s.done:
				return
			case params := <-s.logs:
				if !yield(params) {
					return
				}
			}
		}
	}
}

// broadcastLog queues a log message for every session.
func (s *Server) broadcastLog(level mcp.LogLevel, msg string) {
	dataBs, _ := json.Marshal(logData{Message: msg})

	select {
	case s.logs <- mcp.LogParams{
		Level:  level,
		Logger: "everything",
		Data:   dataBs,
	}:
	case <-s.done:
	default:
		// Nobody drains the stream when the server runs without a log handler.
	}
}

// notifyLog sends a log message to the session of the request being handled.
func (s *Server) notifyLog(ctx context.Context, level mcp.LogLevel, msg string) {
	_ = mcp.NotifyLog(ctx, level, "everything", logData{Message: msg})
}
