package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/openjproxy/ojp/internal/wire"
	"github.com/openjproxy/ojp/internal/xaproto"
)

// XAConnection is OJP's XA resource-manager API, modeled on JTA's
// XAResource contract (GLOSSARY) since database/sql has no native XA
// interface. It wraps a *Conn opened in XA mode and threads every call
// through C11 the same way non-XA operations do.
type XAConnection struct {
	manager *RoutingManager
	req     wire.ConnectRequest
	conn    *Conn
}

// NewXAConnection builds an XAConnection. The underlying session is
// created lazily: on the first Start call, or earlier if
// SetTransactionTimeout is called first (§6: "session created lazily on
// first actual need is permitted").
func NewXAConnection(manager *RoutingManager, req wire.ConnectRequest) *XAConnection {
	req.IsXA = true
	return &XAConnection{manager: manager, req: req}
}

// Connection returns the bound *Conn, or nil before the session exists.
func (x *XAConnection) Connection() *Conn {
	return x.conn
}

func (x *XAConnection) ensureConn(ctx context.Context) (*Conn, error) {
	if x.conn != nil {
		return x.conn, nil
	}
	conn, err := x.manager.Connect(ctx, x.req)
	if err != nil {
		return nil, err
	}
	x.conn = conn
	return conn, nil
}

// Start begins, joins, or resumes a branch (TMNOFLAGS/TMJOIN/TMRESUME).
// Per §4.8, xaStart is the only XA call retried on connection-level
// error; each retry creates a fresh session on a different endpoint. If a
// session was already established (e.g. via SetTransactionTimeout), the
// first attempt reuses it before falling back to the retry-with-fresh-
// session path.
func (x *XAConnection) Start(ctx context.Context, xid *xaproto.Xid, flags int32) error {
	if x.conn != nil {
		err := xaCall(ctx, x.conn, wire.OpXAStart, xid, flags, false)
		if err == nil {
			x.conn.markXAActive()
			return nil
		}
		if !IsConnectionLevel(err) {
			return err
		}
		x.conn = nil
	}

	conn, err := x.manager.ConnectXAWithRetry(ctx, x.req, func(c *Conn) error {
		return xaCall(ctx, c, wire.OpXAStart, xid, flags, false)
	})
	if err != nil {
		return err
	}
	conn.markXAActive()
	x.conn = conn
	return nil
}

// End disassociates the calling thread from the branch
// (TMSUCCESS/TMFAIL/TMSUSPEND). Never retried.
func (x *XAConnection) End(ctx context.Context, xid *xaproto.Xid, flags int32) error {
	if x.conn == nil {
		return fmt.Errorf("client: xaEnd called before xaStart")
	}
	return xaCall(ctx, x.conn, wire.OpXAEnd, xid, flags, false)
}

// Prepare asks the branch to vote; a true return means the branch was
// read-only and has already been forgotten server-side (§4.7).
func (x *XAConnection) Prepare(ctx context.Context, xid *xaproto.Xid) (bool, error) {
	if x.conn == nil {
		return false, fmt.Errorf("client: xaPrepare called before xaStart")
	}
	resp, err := x.manager.Do(ctx, x.conn.sessionID, wire.OpXAPrepare, xaRequest(xid, 0, false))
	if err != nil {
		return false, err
	}
	var pr wire.XAPrepareResponse
	if err := json.Unmarshal(resp.Payload, &pr); err != nil {
		return false, err
	}
	return pr.ReadOnly, nil
}

// Commit commits the branch; onePhase skips the prior prepare vote.
func (x *XAConnection) Commit(ctx context.Context, xid *xaproto.Xid, onePhase bool) error {
	if x.conn == nil {
		return fmt.Errorf("client: xaCommit called before xaStart")
	}
	err := xaCall(ctx, x.conn, wire.OpXACommit, xid, 0, onePhase)
	if err == nil {
		x.conn.clearXAActive()
	}
	return err
}

// Rollback rolls back the branch.
func (x *XAConnection) Rollback(ctx context.Context, xid *xaproto.Xid) error {
	if x.conn == nil {
		return fmt.Errorf("client: xaRollback called before xaStart")
	}
	err := xaCall(ctx, x.conn, wire.OpXARollback, xid, 0, false)
	if err == nil {
		x.conn.clearXAActive()
	}
	return err
}

// Forget discards a heuristically-completed branch.
func (x *XAConnection) Forget(ctx context.Context, xid *xaproto.Xid) error {
	if x.conn == nil {
		return fmt.Errorf("client: xaForget called before xaStart")
	}
	err := xaCall(ctx, x.conn, wire.OpXAForget, xid, 0, false)
	if err == nil {
		x.conn.clearXAActive()
	}
	return err
}

// Recover lists in-doubt branches known to the bound server.
func (x *XAConnection) Recover(ctx context.Context, flag int32) ([]*xaproto.Xid, error) {
	conn, err := x.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(wire.XARecoverRequest{Flag: flag})
	if err != nil {
		return nil, err
	}
	resp, err := x.manager.Do(ctx, conn.sessionID, wire.OpXARecover, json.RawMessage(payload))
	if err != nil {
		return nil, err
	}
	var rr wire.XARecoverResponse
	if err := json.Unmarshal(resp.Payload, &rr); err != nil {
		return nil, err
	}
	xids := make([]*xaproto.Xid, 0, len(rr.Xids))
	for _, w := range rr.Xids {
		xid, err := wireToXid(w)
		if err != nil {
			return nil, err
		}
		xids = append(xids, xid)
	}
	return xids, nil
}

// SetTransactionTimeout sets the resource manager's default branch
// timeout. May be called before Start, establishing the session early.
func (x *XAConnection) SetTransactionTimeout(ctx context.Context, seconds int) error {
	conn, err := x.ensureConn(ctx)
	if err != nil {
		return err
	}
	_, err = x.manager.Do(ctx, conn.sessionID, wire.OpXASetTxnTimeout, map[string]int{"seconds": seconds})
	return err
}

// GetTransactionTimeout returns the resource manager's current default
// branch timeout.
func (x *XAConnection) GetTransactionTimeout(ctx context.Context) (int, error) {
	conn, err := x.ensureConn(ctx)
	if err != nil {
		return 0, err
	}
	resp, err := x.manager.Do(ctx, conn.sessionID, wire.OpXAGetTxnTimeout, struct{}{})
	if err != nil {
		return 0, err
	}
	var out struct {
		Seconds int `json:"seconds"`
	}
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return 0, err
	}
	return out.Seconds, nil
}

// IsSameRM reports whether x and other are bound to the same proxy
// server endpoint — the closest OJP analogue to JTA's "same resource
// manager" check, since the underlying backend connection pool is
// server-local.
func (x *XAConnection) IsSameRM(other *XAConnection) bool {
	return x.conn != nil && other.conn != nil && x.conn.endpoint == other.conn.endpoint
}

// Close terminates the bound session, if any.
func (x *XAConnection) Close(ctx context.Context) error {
	if x.conn == nil {
		return nil
	}
	return x.manager.Terminate(ctx, x.conn)
}

func xidToWire(xid *xaproto.Xid) wire.XidWire {
	return wire.XidWire{
		FormatID:            xid.FormatID,
		GlobalTransactionID: hex.EncodeToString(xid.GlobalTransactionID),
		BranchQualifier:     hex.EncodeToString(xid.BranchQualifier),
	}
}

func wireToXid(w wire.XidWire) (*xaproto.Xid, error) {
	gtrid, err := hex.DecodeString(w.GlobalTransactionID)
	if err != nil {
		return nil, fmt.Errorf("client: decode gtrid: %w", err)
	}
	bqual, err := hex.DecodeString(w.BranchQualifier)
	if err != nil {
		return nil, fmt.Errorf("client: decode bqual: %w", err)
	}
	return &xaproto.Xid{FormatID: w.FormatID, GlobalTransactionID: gtrid, BranchQualifier: bqual}, nil
}

func xaRequest(xid *xaproto.Xid, flags int32, onePhase bool) wire.XARequest {
	return wire.XARequest{Xid: xidToWire(xid), Flags: flags, OnePhase: onePhase}
}

func xaCall(ctx context.Context, conn *Conn, op wire.Op, xid *xaproto.Xid, flags int32, onePhase bool) error {
	_, err := conn.manager.Do(ctx, conn.sessionID, op, xaRequest(xid, flags, onePhase))
	return err
}
