package everything

import (
	"fmt"
	"iter"
	"time"

	mcp "github.com/TangGee/go-mcp-stream"
)

// SubscribeResource implements mcp.ResourceSubscriptionHandler interface.
func (s *Server) SubscribeResource(sessionID string, params mcp.SubscribeResourceParams) {
	s.subscriptions.Store(subscriptionKey(sessionID, params.URI), params.URI)
}

// UnsubscribeResource implements mcp.ResourceSubscriptionHandler interface.
func (s *Server) UnsubscribeResource(sessionID string, params mcp.UnsubscribeResourceParams) {
	s.subscriptions.Delete(subscriptionKey(sessionID, params.URI))
}

// SubscribedResourceUpdates implements mcp.ResourceSubscriptionHandler interface.
func (s *Server) SubscribedResourceUpdates() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			select {
			case <-s.done:
				return
			case uri := <-s.updateResourceSubs:
				if !yield(uri) {
					return
				}
			}
		}
	}
}

// UpdateResource reports the resource at uri as changed. The MCP server notifies the sessions
// whose subscriptions match it.
func (s *Server) UpdateResource(uri string) {
	select {
	case s.updateResourceSubs <- uri:
	case <-s.done:
	}
}

func (s *Server) simulateResourceUpdates() {
	defer close(s.simulated)

	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		seen := make(map[string]struct{})
		s.subscriptions.Range(func(_, value any) bool {
			uri, _ := value.(string)
			if _, ok := seen[uri]; ok {
				return true
			}
			seen[uri] = struct{}{}

			s.broadcastLog(mcp.LogLevelDebug, fmt.Sprintf("simulateResourceUpdates: Resource %s updated", uri))

			select {
			case s.updateResourceSubs <- uri:
			case <-s.done:
				return false
			}
			return true
		})
	}
}

func subscriptionKey(sessionID, uri string) string {
	return sessionID + " " + uri
}
