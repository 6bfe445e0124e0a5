package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry maps client IDs to MCP session IDs and records which
// clients want to hear when a detached run stops.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string   // client -> session
	watchers map[string][]string // run -> clients
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		watchers: make(map[string][]string),
	}
}

// Register associates a client with a session. A reconnecting client
// replaces its old session.
func (r *SessionRegistry) Register(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[clientID] = sessionID
}

// SessionFor returns the session of a connected client.
func (r *SessionRegistry) SessionFor(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[clientID]
	return sid, ok
}

// Remove forgets every client bound to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, cid)
		}
	}
}

// Watch subscribes clientID to the end of runID.
func (r *SessionRegistry) Watch(runID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.watchers[runID], clientID) {
		r.watchers[runID] = append(r.watchers[runID], clientID)
	}
}

// TakeWatchers returns and clears the clients watching runID.
func (r *SessionRegistry) TakeWatchers(runID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	clients := r.watchers[runID]
	delete(r.watchers, runID)
	return clients
}
