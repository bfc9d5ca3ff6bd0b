package client

import "sync"

// SessionTracker is the client half of C3: it maintains sessionId →
// endpoint for RPC routing and connection → sessionId for reverse lookup
// during invalidation (§4.3). One tracker is shared by every *Conn opened
// against a given EndpointRegistry.
type SessionTracker struct {
	mu           sync.RWMutex
	sessionOwner map[string]*Endpoint              // sessionId -> endpoint
	sessionConn  map[string]*Conn                  // sessionId -> owning connection, for C8's force-invalidate
	sessionToken map[string]string                 // sessionId -> credential token minted at connect (§6)
	connSession  map[*Conn]string                  // connection -> sessionId
	perEndpoint  map[*Endpoint]map[string]struct{} // endpoint -> set of sessionIds, for load-aware selection
}

// NewSessionTracker builds an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessionOwner: make(map[string]*Endpoint),
		sessionConn:  make(map[string]*Conn),
		sessionToken: make(map[string]string),
		connSession:  make(map[*Conn]string),
		perEndpoint:  make(map[*Endpoint]map[string]struct{}),
	}
}

// Bind records that sessionID lives on ep and is owned by c, carrying the
// opaque credential token the server minted for it at connect time.
func (t *SessionTracker) Bind(c *Conn, sessionID, token string, ep *Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionOwner[sessionID] = ep
	t.sessionConn[sessionID] = c
	t.sessionToken[sessionID] = token
	t.connSession[c] = sessionID
	set := t.perEndpoint[ep]
	if set == nil {
		set = make(map[string]struct{})
		t.perEndpoint[ep] = set
	}
	set[sessionID] = struct{}{}
}

// Token returns the credential token to attach to every subsequent RPC on
// sessionID, in place of re-sending raw backend credentials (§6).
func (t *SessionTracker) Token(sessionID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionToken[sessionID]
}

// Unbind removes a session from tracking (on terminateSession or
// invalidation).
func (t *SessionTracker) Unbind(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessionID, ok := t.connSession[c]
	if !ok {
		return
	}
	delete(t.connSession, c)
	delete(t.sessionConn, sessionID)
	delete(t.sessionToken, sessionID)
	ep := t.sessionOwner[sessionID]
	delete(t.sessionOwner, sessionID)
	if set, ok := t.perEndpoint[ep]; ok {
		delete(set, sessionID)
	}
}

// InvalidateEndpoint force-invalidates every connection currently bound to
// ep (C8's immediate-invalidation failure path, §4.8). It returns the
// sessionIds removed from tracking.
func (t *SessionTracker) InvalidateEndpoint(ep *Endpoint) []string {
	t.mu.Lock()
	set := t.perEndpoint[ep]
	ids := make([]string, 0, len(set))
	conns := make([]*Conn, 0, len(set))
	for id := range set {
		ids = append(ids, id)
		if c, ok := t.sessionConn[id]; ok {
			conns = append(conns, c)
		}
		delete(t.sessionOwner, id)
		delete(t.sessionConn, id)
		delete(t.sessionToken, id)
	}
	delete(t.perEndpoint, ep)
	for _, c := range conns {
		delete(t.connSession, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.forceInvalidate()
	}
	return ids
}

// InvalidateSessions force-invalidates a specific set of sessions on ep,
// up to `limit` entries in the order given — C10's bounded per-recovery
// rebalance. A session pinned to an XA backend session with an open
// branch is skipped and left tracked, per §4.10's carve-out; it is a
// candidate again on the next recovery event.
func (t *SessionTracker) InvalidateSessions(ids []string, limit int) int {
	t.mu.Lock()
	conns := make([]*Conn, 0, limit)
	for _, id := range ids {
		if len(conns) >= limit {
			break
		}
		c, ok := t.sessionConn[id]
		if !ok {
			continue
		}
		if c.engagedInActiveXATransaction() {
			continue
		}
		conns = append(conns, c)
		ep := t.sessionOwner[id]
		delete(t.sessionOwner, id)
		delete(t.sessionConn, id)
		delete(t.sessionToken, id)
		delete(t.connSession, c)
		if set, ok := t.perEndpoint[ep]; ok {
			delete(set, id)
		}
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.forceInvalidate()
	}
	return len(conns)
}

// EndpointFor returns the endpoint a session is bound to.
func (t *SessionTracker) EndpointFor(sessionID string) (*Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ep, ok := t.sessionOwner[sessionID]
	return ep, ok
}

// SessionCount returns the number of sessions currently bound to ep, the
// input to C8's load-aware XA server selection (§4.8).
func (t *SessionTracker) SessionCount(ep *Endpoint) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.perEndpoint[ep])
}

// SessionsBoundTo returns every sessionId currently bound to ep — used by
// C10's redistribution bookkeeping to pick sessions to invalidate.
func (t *SessionTracker) SessionsBoundTo(ep *Endpoint) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.perEndpoint[ep]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
