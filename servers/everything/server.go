package everything

import (
	"sync"
	"time"

	mcp "github.com/TangGee/go-mcp-stream"
)

// Server implements a demo MCP server that exercises the notification paths of the protocol:
// progress and log messages emitted by tools, server-wide log streams, tool list changes and
// resource update notifications.
//
// Server keeps the resource subscriptions it is told about and simulates updates to them in
// the background. It is not intended for production use, it serves as a reference
// implementation and as a fixture for client tests.
type Server struct {
	subscriptions *sync.Map // map[subscriptionKey]uri

	updateInterval time.Duration

	updateResourceSubs chan string
	logs               chan mcp.LogParams
	toolListChanges    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	simulated chan struct{}
}

// Option represents the options for the demo Server.
type Option func(*Server)

var defaultUpdateInterval = 30 * time.Second

// NewServer creates the demo server and starts simulating resource updates.
//
// Callers must call Close when finished to stop the background task and end the iterators
// handed to the MCP server.
func NewServer(options ...Option) *Server {
	s := &Server{
		subscriptions:      new(sync.Map),
		updateInterval:     defaultUpdateInterval,
		updateResourceSubs: make(chan string),
		logs:               make(chan mcp.LogParams, 10),
		toolListChanges:    make(chan struct{}),
		done:               make(chan struct{}),
		simulated:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	go s.simulateResourceUpdates()

	return s
}

// WithUpdateInterval sets how often subscribed resources are reported as updated.
func WithUpdateInterval(interval time.Duration) Option {
	return func(s *Server) {
		s.updateInterval = interval
	}
}

// Close stops all background tasks.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.simulated
}
