// Package server implements the OJP proxy server: the request dispatcher
// (C11), pool coordinator (C4), non-XA and XA backend pools (C5/C6), XA
// transaction registry (C7), and the server-side half of the session
// tracker (C3) and cluster-health propagation protocol (C2).
package server

import (
	"database/sql"
	"sync"
	"time"

	"github.com/openjproxy/ojp/internal/poolspi"
)

// Session is the server-side half of spec §3's Session: identified by a
// process-unique id, bound to exactly one backend connection (non-XA) or
// one XA backend session for its entire lifetime. Statement/result-set/
// LOB identifier maps are omitted — the wire codec for result sets and
// LOB streaming is explicitly out of scope (spec §1), so nothing here
// needs to track opaque backend-object handles beyond the buffered
// QueryResponse already returned by executeQuery/executeUpdate.
type Session struct {
	ID         string
	ClientID   string
	ConnHash   string
	BackendURL string
	IsXA       bool
	CreatedAt  time.Time

	mu           sync.Mutex
	lastActivity time.Time
	terminated   bool

	// Non-XA: exactly one borrowed connection for the session's life
	// (invariant P2), plus the *sql.Tx of its current transaction, if any.
	provider poolspi.Provider
	conn     poolspi.Conn
	tx       *sql.Tx

	// XA: the bound backend session. Unlike the non-XA conn, this is not
	// necessarily released when the session terminates — dual-condition
	// release (§4.6) governs that independently.
	xaSession *xaBackendSession

	// xaTimeoutSeconds is the resource-manager-level default branch
	// timeout (xaSetTxnTimeout/xaGetTxnTimeout). Not enforced against any
	// in-flight branch — the spec's §4.7 state machine has no timeout
	// eviction path, only storage/retrieval of the configured value.
	xaTimeoutSeconds int
}

func (s *Session) setXATimeout(seconds int) {
	s.mu.Lock()
	s.xaTimeoutSeconds = seconds
	s.mu.Unlock()
}

func (s *Session) getXATimeout() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.xaTimeoutSeconds
}

func newSession(id, clientID, connHash, backendURL string, isXA bool) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		ClientID:     clientID,
		ConnHash:     connHash,
		BackendURL:   backendURL,
		IsXA:         isXA,
		CreatedAt:    now,
		lastActivity: now,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

func (s *Session) markTerminated() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
}

func (s *Session) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *Session) beginTx(tx *sql.Tx) {
	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()
}

func (s *Session) currentTx() *sql.Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

func (s *Session) clearTx() {
	s.mu.Lock()
	s.tx = nil
	s.mu.Unlock()
}

// SessionTracker is the server-side half of C3: sessionId → *Session for
// RPC routing (§4.11). O(1) concurrent reads and guarded writes per §5.
type SessionTracker struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{sessions: make(map[string]*Session)}
}

func (t *SessionTracker) Add(s *Session) {
	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()
}

func (t *SessionTracker) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *SessionTracker) Remove(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// Snapshot returns every tracked session, used by the idle-session
// reaper and the transaction sweeper.
func (t *SessionTracker) Snapshot() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

func (t *SessionTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
