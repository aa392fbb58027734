// Package mcpsession is the MCP transport and session router (§4.E): a
// single endpoint accepting POST (JSON-RPC), GET (SSE), and DELETE
// (terminate), backed by a capped, idle-evicting session table and a tool
// registry that dispatches to the composite API rather than directly to
// backend services.
package mcpsession

import (
	"sync"
	"time"
)

// Session is one MCP client's transport state.
type Session struct {
	ID         string
	CreatedAt  time.Time
	LastAccess time.Time
}

// Table is the mutex-guarded, process-local session map described in §4.E
// ("global mutable state... owned by the runtime, not a package
// singleton" — callers own the *Table instance and wire it into the
// runtime value, per the Design Note).
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
	maxCount int
	idleTTL  time.Duration
}

// NewTable constructs a session table with the given cap and idle eviction
// window (§4.E: "hard-cap count to 100; evict entries idle > 5 minutes").
func NewTable(maxCount int, idleTTL time.Duration) *Table {
	return &Table{
		sessions: make(map[string]*Session),
		maxCount: maxCount,
		idleTTL:  idleTTL,
	}
}

// Touch records activity for sessionID, creating it if absent. Eviction of
// idle entries and the hard cap are both enforced lazily on this call path
// (§4.E: "On each request, lazily evict entries idle > 5 minutes").
func (t *Table) Touch(sessionID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.evictIdleLocked(now)

	if s, ok := t.sessions[sessionID]; ok {
		s.LastAccess = now
		return s
	}

	if len(t.sessions) >= t.maxCount {
		t.evictLRULocked()
	}

	s := &Session{ID: sessionID, CreatedAt: now, LastAccess: now}
	t.sessions[sessionID] = s
	return s
}

// Get returns the session for sessionID without updating LastAccess, and
// whether it exists. An unrecognised sessionId is treated as missing so the
// transport layer can reject it and force the client to re-initialise.
func (t *Table) Get(sessionID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	return s, ok
}

// Terminate removes a session (DELETE to terminate, §4.E).
func (t *Table) Terminate(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// Count returns the current session count.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Table) evictIdleLocked(now time.Time) {
	for id, s := range t.sessions {
		if now.Sub(s.LastAccess) > t.idleTTL {
			delete(t.sessions, id)
		}
	}
}

// evictLRULocked removes the single least-recently-used session. Called
// only when the table is at capacity and a new session is about to be
// admitted.
func (t *Table) evictLRULocked() {
	var oldestID string
	var oldestAccess time.Time
	first := true
	for id, s := range t.sessions {
		if first || s.LastAccess.Before(oldestAccess) {
			oldestID, oldestAccess, first = id, s.LastAccess, false
		}
	}
	if oldestID != "" {
		delete(t.sessions, oldestID)
	}
}
