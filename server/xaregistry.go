package server

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openjproxy/ojp/internal/xaproto"
)

// txContext is one entry of C7's concurrent Xid → TxContext map.
type txContext struct {
	xid     *xaproto.Xid // the original instance — driver identity requirement (§9)
	state   xaproto.State
	session *xaBackendSession
	sawAt   time.Time // last state transition; drives terminal-entry sweep
}

// XATransactionRegistry is C7: the Xid-keyed state machine of §4.7. It
// never holds its own lock while calling out to a backend XA primitive
// (§5's concurrency rule) — every backend call below drops the lock
// first and re-acquires it only to record the outcome.
type XATransactionRegistry struct {
	pool      *XAPool
	isolation sql.IsolationLevel
	logger    zerolog.Logger

	mu       sync.Mutex
	contexts map[string]*txContext

	// retention bounds how long a COMMITTED/ROLLEDBACK entry survives so
	// repeated commit/rollback calls stay idempotent for a reasonable
	// window (§4.7) without leaking memory forever. Expired entries are
	// swept each time Start begins a new branch.
	retention time.Duration
}

func NewXATransactionRegistry(pool *XAPool, isolation sql.IsolationLevel, logger zerolog.Logger) *XATransactionRegistry {
	return &XATransactionRegistry{
		pool:      pool,
		isolation: isolation,
		logger:    logger,
		contexts:  make(map[string]*txContext),
		retention: 5 * time.Minute,
	}
}

func xaErr(code xaproto.ErrorCode, cause error) *xaproto.Error {
	return &xaproto.Error{Code: code, Cause: cause}
}

// Start implements start(xid, flags): TMNOFLAGS creates a new branch
// (binding sess's backend session if this is its first use), TMJOIN/
// TMRESUME reattaches to an existing one.
func (r *XATransactionRegistry) Start(ctx context.Context, sess *Session, backendURL string, xid *xaproto.Xid, flags int32) error {
	key := xid.Key()

	if flags&(xaproto.TMJOIN|xaproto.TMRESUME) != 0 {
		r.mu.Lock()
		tc, ok := r.contexts[key]
		if !ok {
			r.mu.Unlock()
			return xaErr(xaproto.XANotA, nil)
		}
		if flags&xaproto.TMJOIN != 0 && tc.state != xaproto.StateEnded {
			r.mu.Unlock()
			return xaErr(xaproto.XAProto, fmt.Errorf("join requires ENDED, got %s", tc.state))
		}
		if flags&xaproto.TMRESUME != 0 && tc.state != xaproto.StateSuspended {
			r.mu.Unlock()
			return xaErr(xaproto.XAProto, fmt.Errorf("resume requires SUSPENDED, got %s", tc.state))
		}
		tc.state = xaproto.StateActive
		tc.sawAt = time.Now()
		r.mu.Unlock()
		return nil
	}

	r.SweepExpired()
	r.mu.Lock()
	if _, exists := r.contexts[key]; exists {
		r.mu.Unlock()
		return xaErr(xaproto.XADupID, nil)
	}
	r.mu.Unlock()

	if sess.xaSession == nil {
		backendSess, err := r.pool.Bind(ctx, sess.ConnHash, backendURL)
		if err != nil {
			return xaErr(xaproto.XARMFail, err)
		}
		sess.xaSession = backendSess
	} else {
		sess.xaSession.beginningTransaction()
	}

	r.mu.Lock()
	r.contexts[key] = &txContext{xid: xid, state: xaproto.StateActive, session: sess.xaSession, sawAt: time.Now()}
	r.mu.Unlock()
	return nil
}

// End implements end(xid, flags): ACTIVE → ENDED (SUCCESS/FAIL) or
// SUSPENDED (TMSUSPEND).
func (r *XATransactionRegistry) End(xid *xaproto.Xid, flags int32) error {
	key := xid.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.contexts[key]
	if !ok {
		return xaErr(xaproto.XANotA, nil)
	}
	if tc.state != xaproto.StateActive {
		return xaErr(xaproto.XAProto, fmt.Errorf("end requires ACTIVE, got %s", tc.state))
	}
	if flags&xaproto.TMSUSPEND != 0 {
		tc.state = xaproto.StateSuspended
	} else {
		tc.state = xaproto.StateEnded
	}
	tc.sawAt = time.Now()
	return nil
}

func (r *XATransactionRegistry) lookupForBackendCall(xid *xaproto.Xid, want xaproto.State) (*txContext, error) {
	key := xid.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.contexts[key]
	if !ok {
		return nil, xaErr(xaproto.XANotA, nil)
	}
	if tc.state != want {
		return nil, xaErr(xaproto.XAProto, fmt.Errorf("expected %s, got %s", want, tc.state))
	}
	return tc, nil
}

// Prepare implements prepare(xid): ENDED → PREPARED. MySQL's XA
// implementation has no read-only fast path (unlike some JDBC XAResource
// backends), so ReadOnly is always false here. The registry has no
// XA_RDONLY → COMMITTED transition: a successful prepare always records
// PREPARED, and a commit is still required to retire the branch.
func (r *XATransactionRegistry) Prepare(ctx context.Context, xid *xaproto.Xid) (readOnly bool, err error) {
	tc, err := r.lookupForBackendCall(xid, xaproto.StateEnded)
	if err != nil {
		return false, err
	}
	sess := tc.session

	stmt := fmt.Sprintf("XA PREPARE %s", xid.MySQLLiteral())
	_, execErr := sess.raw.ExecContext(ctx, stmt)
	if execErr != nil {
		r.mu.Lock()
		delete(r.contexts, xid.Key())
		r.mu.Unlock()
		return false, xaErr(xaproto.XARMErr, execErr)
	}

	r.mu.Lock()
	tc.state = xaproto.StatePrepared
	tc.sawAt = time.Now()
	r.mu.Unlock()
	return false, nil
}

// Commit implements commit(xid, onePhase): PREPARED (two-phase) or
// ENDED (one-phase) → COMMITTED. Idempotent once COMMITTED.
func (r *XATransactionRegistry) Commit(ctx context.Context, xid *xaproto.Xid, onePhase bool) error {
	key := xid.Key()
	r.mu.Lock()
	tc, ok := r.contexts[key]
	if !ok {
		r.mu.Unlock()
		return xaErr(xaproto.XANotA, nil)
	}
	if tc.state == xaproto.StateCommitted {
		r.mu.Unlock()
		return nil // idempotent
	}
	if tc.state == xaproto.StateRolledBack {
		r.mu.Unlock()
		return xaErr(xaproto.XAProto, fmt.Errorf("already rolled back"))
	}
	want := xaproto.StatePrepared
	if onePhase {
		want = xaproto.StateEnded
	}
	if tc.state != want {
		r.mu.Unlock()
		return xaErr(xaproto.XAProto, fmt.Errorf("commit(onePhase=%v) requires %s, got %s", onePhase, want, tc.state))
	}
	sess := tc.session
	r.mu.Unlock()

	stmt := "XA COMMIT " + xid.MySQLLiteral()
	if onePhase {
		stmt += " ONE PHASE"
	}
	if _, err := sess.raw.ExecContext(ctx, stmt); err != nil {
		r.mu.Lock()
		delete(r.contexts, key)
		r.mu.Unlock()
		// §4.7: leave the backend session pinned on failure — only the
		// owning session's normal close path may release it.
		return xaErr(xaproto.XARMErr, err)
	}

	r.mu.Lock()
	tc.state = xaproto.StateCommitted
	tc.sawAt = time.Now()
	r.mu.Unlock()

	sess.sanitize(ctx, r.isolation, r.logger)
	sess.onTxTerminal()
	return nil
}

// Rollback implements rollback(xid): ACTIVE, ENDED, or PREPARED →
// ROLLEDBACK. Idempotent once ROLLEDBACK.
func (r *XATransactionRegistry) Rollback(ctx context.Context, xid *xaproto.Xid) error {
	key := xid.Key()
	r.mu.Lock()
	tc, ok := r.contexts[key]
	if !ok {
		r.mu.Unlock()
		return xaErr(xaproto.XANotA, nil)
	}
	if tc.state == xaproto.StateRolledBack {
		r.mu.Unlock()
		return nil // idempotent
	}
	if tc.state == xaproto.StateCommitted {
		r.mu.Unlock()
		return xaErr(xaproto.XAProto, fmt.Errorf("already committed"))
	}
	sess := tc.session
	r.mu.Unlock()

	stmt := "XA ROLLBACK " + xid.MySQLLiteral()
	if _, err := sess.raw.ExecContext(ctx, stmt); err != nil {
		r.mu.Lock()
		delete(r.contexts, key)
		r.mu.Unlock()
		return xaErr(xaproto.XARMErr, err)
	}

	r.mu.Lock()
	tc.state = xaproto.StateRolledBack
	tc.sawAt = time.Now()
	r.mu.Unlock()

	sess.sanitize(ctx, r.isolation, r.logger)
	sess.onTxTerminal()
	return nil
}

// Forget implements forget(xid): discards a heuristically-completed
// branch using a throw-away session, exactly like Recover — no dual
// condition applies since Forget never binds a session to a client.
func (r *XATransactionRegistry) Forget(ctx context.Context, connHash, backendURL string, xid *xaproto.Xid) error {
	backendSess, err := r.pool.Bind(ctx, connHash, backendURL)
	if err != nil {
		return xaErr(xaproto.XARMFail, err)
	}
	defer backendSess.onClientClosed() // releases immediately: txTerminal defaults true

	stmt := "XA FORGET " + xid.MySQLLiteral()
	if _, err := backendSess.raw.ExecContext(ctx, stmt); err != nil {
		return xaErr(xaproto.XARMErr, err)
	}
	r.mu.Lock()
	delete(r.contexts, xid.Key())
	r.mu.Unlock()
	return nil
}

// Recover implements recover(flag): a throw-away backend session queries
// XA RECOVER and is returned immediately, never bound to a client (§4.7:
// "no dual-condition — no session binding occurs").
func (r *XATransactionRegistry) Recover(ctx context.Context, connHash, backendURL string) ([]*xaproto.Xid, error) {
	backendSess, err := r.pool.Bind(ctx, connHash, backendURL)
	if err != nil {
		return nil, xaErr(xaproto.XARMFail, err)
	}
	defer backendSess.onClientClosed()

	rows, err := backendSess.raw.QueryContext(ctx, "XA RECOVER")
	if err != nil {
		return nil, xaErr(xaproto.XARMErr, err)
	}
	defer rows.Close()

	var out []*xaproto.Xid
	for rows.Next() {
		var formatID int32
		var gtridLen, bqualLen int
		var data string
		if err := rows.Scan(&formatID, &gtridLen, &bqualLen, &data); err != nil {
			return nil, xaErr(xaproto.XARMErr, err)
		}
		xid, err := xaproto.ParseMySQLRecoverRow(formatID, gtridLen, bqualLen, data)
		if err != nil {
			return nil, xaErr(xaproto.XARMErr, err)
		}
		out = append(out, xid)
	}
	return out, rows.Err()
}

// SweepExpired drops COMMITTED/ROLLEDBACK entries older than the
// registry's retention window. PREPARED entries are never swept here —
// invariant I4 requires recover to keep reporting them until commit or
// rollback succeeds.
func (r *XATransactionRegistry) SweepExpired() int {
	cutoff := time.Now().Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, tc := range r.contexts {
		if tc.state.Terminal() && tc.sawAt.Before(cutoff) {
			delete(r.contexts, key)
			n++
		}
	}
	return n
}

// Count returns the number of open branches: entries not yet COMMITTED or
// ROLLEDBACK.
func (r *XATransactionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, tc := range r.contexts {
		if !tc.state.Terminal() {
			n++
		}
	}
	return n
}
