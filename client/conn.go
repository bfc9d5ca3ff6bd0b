package client

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"sync"
	"time"

	"github.com/openjproxy/ojp/internal/wire"
)

// Conn implements database/sql/driver.Conn over one OJP session. Per
// invariant P2, the session is bound to a single server endpoint for the
// connection's whole lifetime — no per-statement rebinding.
type Conn struct {
	manager   *RoutingManager
	endpoint  *Endpoint
	sessionID string
	isXA      bool
	timeout   time.Duration
	debug     bool

	mu       sync.Mutex
	invalid  bool
	tx       *Tx
	xaActive bool // true from a successful xaStart until commit/rollback/forget, mirroring the server's txTerminal
}

var (
	_ driver.Conn           = (*Conn)(nil)
	_ driver.ConnBeginTx    = (*Conn)(nil)
	_ driver.Pinger         = (*Conn)(nil)
	_ driver.ExecerContext  = (*Conn)(nil)
	_ driver.QueryerContext = (*Conn)(nil)
)

func contextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func connectRequestFrom(conf *DSNConfig) wire.ConnectRequest {
	return wire.ConnectRequest{
		User:       conf.User,
		Credential: conf.Credential,
		IsXA:       conf.IsXA,
	}
}

// forceInvalidate is called by SessionTracker.InvalidateEndpoint /
// InvalidateSessions when C8 or C10 retires this connection's binding.
// The next call returns driver.ErrBadConn so database/sql discards the
// connection instead of returning it to its internal pool; a fresh Open
// picks a currently-healthy endpoint.
func (c *Conn) forceInvalidate() {
	c.mu.Lock()
	c.invalid = true
	c.mu.Unlock()
}

func (c *Conn) checkInvalid() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalid {
		return driver.ErrBadConn
	}
	return nil
}

func (c *Conn) clearFinishedTransaction() {
	c.mu.Lock()
	c.tx = nil
	c.mu.Unlock()
}

func (c *Conn) currentTransaction() *Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx
}

func (c *Conn) markXAActive() {
	c.mu.Lock()
	c.xaActive = true
	c.mu.Unlock()
}

func (c *Conn) clearXAActive() {
	c.mu.Lock()
	c.xaActive = false
	c.mu.Unlock()
}

// engagedInActiveXATransaction reports whether this connection is pinned
// to an XA backend session with an open branch (§4.10's redistribution
// carve-out: such connections are skipped, not force-invalidated).
func (c *Conn) engagedInActiveXATransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isXA && c.xaActive
}

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	if err := c.checkInvalid(); err != nil {
		return nil, err
	}
	return &Stmt{conn: c, query: query, numInput: countPlaceholders(query)}, nil
}

func (c *Conn) Close() error {
	ctx, cancel := contextWithTimeout(c.timeout)
	defer cancel()
	return c.manager.Terminate(ctx, c)
}

func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if err := c.checkInvalid(); err != nil {
		return nil, err
	}
	if _, err := c.manager.Do(ctx, c.sessionID, wire.OpStartTransaction, struct{}{}); err != nil {
		if IsConnectionLevel(err) {
			return nil, driver.ErrBadConn
		}
		return nil, err
	}
	tx := &Tx{conn: c}
	c.mu.Lock()
	c.tx = tx
	c.mu.Unlock()
	return tx, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	if err := c.checkInvalid(); err != nil {
		return err
	}
	if _, err := c.manager.Do(ctx, c.sessionID, wire.OpHeartbeatPing, struct{}{}); err != nil {
		if IsConnectionLevel(err) {
			return driver.ErrBadConn
		}
		return err
	}
	return nil
}

func (c *Conn) queryRPC(ctx context.Context, query string, args []driver.NamedValue, isQuery bool) (*wire.QueryResponse, error) {
	if err := c.checkInvalid(); err != nil {
		return nil, err
	}
	params := make([]interface{}, len(args))
	for i, a := range args {
		params[i] = a.Value
	}
	op := wire.OpExecuteUpdate
	if isQuery {
		op = wire.OpExecuteQuery
	}
	txnID := ""
	if tx := c.currentTransaction(); tx != nil {
		txnID = c.sessionID
	}
	req := wire.QueryRequest{SQL: query, Params: params, TransactionID: txnID}
	resp, err := c.manager.Do(ctx, c.sessionID, op, req)
	if err != nil {
		if IsConnectionLevel(err) {
			return nil, driver.ErrBadConn
		}
		return nil, err
	}
	var qr wire.QueryResponse
	if err := json.Unmarshal(resp.Payload, &qr); err != nil {
		return nil, err
	}
	return &qr, nil
}

func (c *Conn) Query(query string, args []driver.Value) (driver.Rows, error) {
	ctx, cancel := contextWithTimeout(c.timeout)
	defer cancel()
	return c.QueryContext(ctx, query, valuesToNamed(args))
}

func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	qr, err := c.queryRPC(ctx, query, args, true)
	if err != nil {
		return nil, err
	}
	return &Rows{columns: qr.Columns, rows: qr.Rows}, nil
}

func (c *Conn) Exec(query string, args []driver.Value) (driver.Result, error) {
	ctx, cancel := contextWithTimeout(c.timeout)
	defer cancel()
	return c.ExecContext(ctx, query, valuesToNamed(args))
}

func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	qr, err := c.queryRPC(ctx, query, args, false)
	if err != nil {
		return nil, err
	}
	return &Result{affectedRows: qr.RowsAffected, lastInsertID: qr.LastInsertID}, nil
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}
