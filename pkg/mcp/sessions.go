package mcp

import "sync"

// SessionRegistry maps execution IDs to the MCP session that started them.
// Populated when flow.start is called over a session-aware transport, so the
// caller can be pushed a notification when its execution reaches a terminal
// status.
type SessionRegistry struct {
	mu      sync.RWMutex
	watches map[string]string // executionID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watches: make(map[string]string)}
}

// Watch associates an execution with the session that started it.
func (r *SessionRegistry) Watch(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watches[executionID] = sessionID
}

// SessionFor returns the watching session for an execution, if any.
func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.watches[executionID]
	return sid, ok
}

// Forget drops the watch for a single execution. Called after the terminal
// notification is delivered.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watches, executionID)
}

// Remove deletes all watches held by the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, sid := range r.watches {
		if sid == sessionID {
			delete(r.watches, eid)
		}
	}
}
