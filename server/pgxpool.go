package server

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/openjproxy/ojp/internal/poolspi"
)

// pgxConn mirrors mysqlConn; kept as a distinct type so Borrow/Return
// stay provider-specific even though the struct shape is identical.
type pgxConn struct {
	c       *sql.Conn
	invalid bool
}

func (p *pgxConn) Raw() interface{}  { return p.c }
func (p *pgxConn) Invalidate()       { p.invalid = true }
func (p *pgxConn) Invalidated() bool { return p.invalid }

// PgxPoolProvider backs C5 (non-XA pool) for a Postgres endpoint via
// jackc/pgx/v5's database/sql driver shim (stdlib). Postgres has no
// Xid-triple XA grammar (it uses PREPARE TRANSACTION/COMMIT PREPARED
// with a plain string name instead), and the XA registry (C7) issues only
// MySQL XA statements; see DESIGN.md. XAPool picks its provider by URL
// scheme the same way the non-XA pool does, so an XA session with a
// postgres URL also gets this provider; nothing rejects such a session.
type PgxPoolProvider struct {
	db                *sql.DB
	mu                sync.Mutex
	connectionTimeout time.Duration
	defaultIsolation  sql.IsolationLevel
	validateOnBorrow  bool
	closed            bool
}

type PgxPoolConfig struct {
	DSN               string
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	MaxLifetime       time.Duration
	DefaultIsolation  sql.IsolationLevel
	ValidateOnBorrow  bool
}

func NewPgxPoolProvider(cfg PgxPoolConfig) (*PgxPoolProvider, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: open: %w", err)
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
	return &PgxPoolProvider{
		db:                db,
		connectionTimeout: cfg.ConnectionTimeout,
		defaultIsolation:  cfg.DefaultIsolation,
		validateOnBorrow:  cfg.ValidateOnBorrow,
	}, nil
}

func (p *PgxPoolProvider) Borrow(ctx context.Context) (poolspi.Conn, error) {
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
			destroyPgxConn(c)
			return nil, fmt.Errorf("pgxpool: connection failed validation: %w", err)
		}
	}
	return &pgxConn{c: c}, nil
}

func (p *PgxPoolProvider) Return(conn poolspi.Conn) {
	pc, ok := conn.(*pgxConn)
	if !ok {
		return
	}
	if pc.invalid {
		destroyPgxConn(pc.c)
		return
	}
	if err := p.sanitize(context.Background(), pc.c); err != nil {
		destroyPgxConn(pc.c)
		return
	}
	pc.c.Close()
}

// sanitize rolls back uncommitted work and resets the isolation level
// for the next borrower. Postgres has no server-side autocommit toggle
// equivalent to MySQL's (every statement outside an explicit BEGIN is
// already auto-committed), so there is no autocommit statement here.
func (p *PgxPoolProvider) sanitize(ctx context.Context, c *sql.Conn) error {
	_, _ = c.ExecContext(ctx, "ROLLBACK")
	level := pgIsolationSQL(p.defaultIsolation)
	if level != "" {
		if _, err := c.ExecContext(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL "+level); err != nil {
			return err
		}
	}
	return nil
}

func (p *PgxPoolProvider) SetMaxTotal(n int) error {
	if n < 1 {
		n = 1
	}
	p.db.SetMaxOpenConns(n)
	return nil
}

func (p *PgxPoolProvider) SetMinIdle(n int) error {
	if n < 1 {
		n = 1
	}
	p.db.SetMaxIdleConns(n)
	return nil
}

func (p *PgxPoolProvider) Prewarm(ctx context.Context, target int) error {
	for i := 0; i < target; i++ {
		c, err := p.Borrow(ctx)
		if err != nil {
			return err
		}
		p.Return(c)
	}
	return nil
}

func (p *PgxPoolProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func (p *PgxPoolProvider) StatsSnapshot() poolspi.Stats {
	s := p.db.Stats()
	return poolspi.Stats{
		MaxTotal:     s.MaxOpenConnections,
		NumActive:    s.InUse,
		NumIdle:      s.Idle,
		NumCreated:   int64(s.OpenConnections),
		NumDestroyed: s.MaxLifetimeClosed + s.MaxIdleClosed + s.MaxIdleTimeClosed,
	}
}

func destroyPgxConn(c *sql.Conn) {
	_ = c.Raw(func(driverConn interface{}) error {
		return driver.ErrBadConn
	})
	_ = c.Close()
}

func pgIsolationSQL(level sql.IsolationLevel) string {
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
		return "READ COMMITTED" // Postgres's own default
	}
}
