package mcp

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// resourceSubscriptions tracks which sessions subscribed to which resource URIs.
type resourceSubscriptions struct {
	mu       sync.RWMutex
	sessions map[string]map[string]glob.Glob
}

func newResourceSubscriptions() *resourceSubscriptions {
	return &resourceSubscriptions{
		sessions: make(map[string]map[string]glob.Glob),
	}
}

// compileResourcePattern compiles a subscription URI. A URI without '*' only matches itself.
func compileResourcePattern(uri string) (glob.Glob, error) {
	pattern := uri
	if !strings.Contains(uri, "*") {
		pattern = glob.QuoteMeta(uri)
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("failed to compile resource pattern %q: %w", uri, err)
	}
	return g, nil
}

func (r *resourceSubscriptions) subscribe(sessionID, uri string) error {
	g, err := compileResourcePattern(uri)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.sessions[sessionID]
	if !ok {
		subs = make(map[string]glob.Glob)
		r.sessions[sessionID] = subs
	}
	subs[uri] = g
	return nil
}

func (r *resourceSubscriptions) unsubscribe(sessionID, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(subs, uri)
	if len(subs) == 0 {
		delete(r.sessions, sessionID)
	}
}

func (r *resourceSubscriptions) forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)
}

// matching returns the sessions with at least one subscription matching uri.
func (r *resourceSubscriptions) matching(uri string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for sessionID, subs := range r.sessions {
		for _, g := range subs {
			if g.Match(uri) {
				ids = append(ids, sessionID)
				break
			}
		}
	}
	return ids
}
