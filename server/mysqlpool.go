package server

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/openjproxy/ojp/internal/poolspi"
)

// mysqlConn is the poolspi.Conn wrapper around a pinned *sql.Conn.
// Pinning (rather than letting callers run ad hoc db.QueryContext calls)
// is what lets a non-XA session hold the same backend connection across
// its whole lifetime (P2) and an XA backend session hold it across a
// sequence of transactions (I2).
type mysqlConn struct {
	c         *sql.Conn
	invalid   bool
}

func (m *mysqlConn) Raw() interface{}   { return m.c }
func (m *mysqlConn) Invalidate()        { m.invalid = true }
func (m *mysqlConn) Invalidated() bool  { return m.invalid }

// MySQLPoolProvider is the concrete provider backing C5/C6 for a MySQL
// backend. It layers explicit borrow/return/resize semantics on top of
// database/sql's own pool rather than replacing it: database/sql already
// solves idle tracking and lifetime caps well, so resize maps onto
// SetMaxOpenConns/SetMaxIdleConns and "destroy" maps onto driver.ErrBadConn.
type MySQLPoolProvider struct {
	db                *sql.DB
	mu                sync.Mutex
	connectionTimeout time.Duration
	defaultIsolation  sql.IsolationLevel
	validateOnBorrow  bool
	closed            bool
}

// MySQLPoolConfig configures a MySQLPoolProvider.
type MySQLPoolConfig struct {
	DSN               string
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	MaxLifetime       time.Duration
	DefaultIsolation  sql.IsolationLevel
	ValidateOnBorrow  bool
}

// NewMySQLPoolProvider opens the backing *sql.DB. No connections are
// established until the pool is sized by the Pool Coordinator (§4.4) and
// the first Borrow or Prewarm call is made.
func NewMySQLPoolProvider(cfg MySQLPoolConfig) (*MySQLPoolProvider, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysqlpool: open: %w", err)
	}
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 5 * time.Second
	}
	return &MySQLPoolProvider{
		db:                db,
		connectionTimeout: cfg.ConnectionTimeout,
		defaultIsolation:  cfg.DefaultIsolation,
		validateOnBorrow:  cfg.ValidateOnBorrow,
	}, nil
}

func (p *MySQLPoolProvider) Borrow(ctx context.Context) (poolspi.Conn, error) {
	bctx, cancel := context.WithTimeout(ctx, p.connectionTimeout)
	defer cancel()

	c, err := p.db.Conn(bctx)
	if err != nil {
		if bctx.Err() != nil {
			return nil, fmt.Errorf("POOL EXHAUSTED: timed out waiting for a connection: %w", err)
		}
		return nil, err
	}

	if p.validateOnBorrow {
		if err := c.PingContext(ctx); err != nil {
			destroyConn(c)
			return nil, fmt.Errorf("mysqlpool: connection failed validation: %w", err)
		}
	}

	return &mysqlConn{c: c}, nil
}

func (p *MySQLPoolProvider) Return(conn poolspi.Conn) {
	mc, ok := conn.(*mysqlConn)
	if !ok {
		return
	}
	if mc.invalid {
		destroyConn(mc.c)
		return
	}
	if err := p.sanitize(context.Background(), mc.c); err != nil {
		destroyConn(mc.c)
		return
	}
	mc.c.Close()
}

// sanitize implements §4.5's "returned connection is dirty" contract:
// roll back uncommitted work, reset isolation, restore autocommit.
func (p *MySQLPoolProvider) sanitize(ctx context.Context, c *sql.Conn) error {
	_, _ = c.ExecContext(ctx, "ROLLBACK")
	level := isolationSQL(p.defaultIsolation)
	if level != "" {
		if _, err := c.ExecContext(ctx, "SET SESSION TRANSACTION ISOLATION LEVEL "+level); err != nil {
			return err
		}
	}
	if _, err := c.ExecContext(ctx, "SET autocommit=1"); err != nil {
		return err
	}
	return nil
}

func (p *MySQLPoolProvider) SetMaxTotal(n int) error {
	if n < 1 {
		n = 1
	}
	p.db.SetMaxOpenConns(n)
	return nil
}

func (p *MySQLPoolProvider) SetMinIdle(n int) error {
	if n < 1 {
		n = 1
	}
	p.db.SetMaxIdleConns(n)
	return nil
}

// Prewarm is the "direct creation loop" fallback from §4.4: database/sql
// exposes no "create N idle connections now" primitive, so a borrow
// immediately followed by a return is the only portable way to populate
// the idle set ahead of real demand.
func (p *MySQLPoolProvider) Prewarm(ctx context.Context, target int) error {
	for i := 0; i < target; i++ {
		c, err := p.Borrow(ctx)
		if err != nil {
			return err
		}
		p.Return(c)
	}
	return nil
}

func (p *MySQLPoolProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func (p *MySQLPoolProvider) StatsSnapshot() poolspi.Stats {
	s := p.db.Stats()
	return poolspi.Stats{
		MaxTotal:     s.MaxOpenConnections,
		NumActive:    s.InUse,
		NumIdle:      s.Idle,
		NumCreated:   int64(s.OpenConnections),
		NumDestroyed: s.MaxLifetimeClosed + s.MaxIdleClosed + s.MaxIdleTimeClosed,
	}
}

// destroyConn marks the connection bad so database/sql discards it
// instead of returning it to the pool on Close.
func destroyConn(c *sql.Conn) {
	_ = c.Raw(func(driverConn interface{}) error {
		return driver.ErrBadConn
	})
	_ = c.Close()
}

func isolationSQL(level sql.IsolationLevel) string {
	switch level {
	case sql.LevelReadUncommitted:
		return "READ UNCOMMITTED"
	case sql.LevelReadCommitted:
		return "READ COMMITTED"
	case sql.LevelRepeatableRead:
		return "REPEATABLE READ"
	case sql.LevelSerializable:
		return "SERIALIZABLE"
	default:
		return "REPEATABLE READ" // MySQL's own default
	}
}
