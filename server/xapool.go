package server

import (
	"context"
	"database/sql"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openjproxy/ojp/internal/poolspi"
)

// xaBackendSession is a backend connection pinned to one logical XA
// connection for as long as §4.6's dual-condition release hasn't fired:
// the Xid's transaction must have reached a terminal state AND the
// client must have closed the logical XA connection. Until then the same
// session hosts every transaction the client starts on it.
type xaBackendSession struct {
	pool     *XAPool
	connHash string
	conn     poolspi.Conn
	raw      *sql.Conn

	mu           sync.Mutex
	txTerminal   bool
	clientClosed bool
	released     bool
}

// onTxTerminal is called by the transaction registry (C7) after a commit
// or rollback completes on this session.
func (s *xaBackendSession) onTxTerminal() {
	s.mu.Lock()
	s.txTerminal = true
	ready := s.txTerminal && s.clientClosed && !s.released
	if ready {
		s.released = true
	}
	s.mu.Unlock()
	if ready {
		s.pool.release(s)
	}
}

// onClientClosed is called when the client's logical XA connection
// closes. If no transaction is in flight (txTerminal defaults true on a
// freshly-bound, never-started session) this releases immediately.
func (s *xaBackendSession) onClientClosed() {
	s.mu.Lock()
	s.clientClosed = true
	ready := s.txTerminal && s.clientClosed && !s.released
	if ready {
		s.released = true
	}
	s.mu.Unlock()
	if ready {
		s.pool.release(s)
	}
}

// beginningTransaction flips txTerminal back to false: a fresh xaStart
// on an already-bound session (the "N transactions on one XAConnection"
// pattern) re-pins it until the new transaction also terminates.
func (s *xaBackendSession) beginningTransaction() {
	s.mu.Lock()
	s.txTerminal = false
	s.mu.Unlock()
}

// sanitize resets autocommit/isolation between transactions on a pinned
// session (§4.6). Failure is logged but non-fatal — the commit/rollback
// that triggered it already succeeded.
func (s *xaBackendSession) sanitize(ctx context.Context, isolation sql.IsolationLevel, logger zerolog.Logger) {
	if _, err := s.raw.ExecContext(ctx, "SET autocommit=1"); err != nil {
		logger.Warn().Err(err).Str("connHash", s.connHash).Msg("xa session sanitize: autocommit reset failed")
		return
	}
	if level := isolationSQL(isolation); level != "" {
		if _, err := s.raw.ExecContext(ctx, "SET SESSION TRANSACTION ISOLATION LEVEL "+level); err != nil {
			logger.Warn().Err(err).Str("connHash", s.connHash).Msg("xa session sanitize: isolation reset failed")
		}
	}
}

// XAPool is C6: long-lived backend XA sessions, one pool per
// connection-hash, held in its own PoolManager (keys carry an "xa:"
// prefix), separate from the non-XA pool (C5) since the two have
// independent sizing (xa.pool.* vs pool.* — §6). Eviction on resize only ever touches idle sessions;
// borrowed (pinned) sessions are never force-evicted (§4.6 "resize
// semantics").
type XAPool struct {
	pm        *PoolManager
	isolation sql.IsolationLevel
	logger    zerolog.Logger
}

func NewXAPool(cfg PoolConfig, logger zerolog.Logger) *XAPool {
	return &XAPool{
		pm:        NewPoolManager(cfg, logger),
		isolation: cfg.DefaultIsolation,
		logger:    logger,
	}
}

func xaNamespace(connHash string) string { return "xa:" + connHash }

// Bind borrows (or creates) a backend session for connHash and pins it
// to the caller. The session starts with txTerminal=true so that, if the
// client closes without ever starting a transaction, it releases
// immediately.
func (p *XAPool) Bind(ctx context.Context, connHash, backendURL string) (*xaBackendSession, error) {
	conn, err := p.pm.Borrow(ctx, xaNamespace(connHash), backendURL)
	if err != nil {
		return nil, err
	}
	raw, _ := conn.Raw().(*sql.Conn)
	return &xaBackendSession{pool: p, connHash: connHash, conn: conn, raw: raw, txTerminal: true}, nil
}

func (p *XAPool) release(s *xaBackendSession) {
	p.pm.Return(xaNamespace(s.connHash), s.conn)
}

func (p *XAPool) Reconcile(ctx context.Context, connHash string, healthyCount int) error {
	return p.pm.Reconcile(ctx, xaNamespace(connHash), healthyCount)
}

func (p *XAPool) StatsSnapshot(connHash string) (poolspi.Stats, bool) {
	return p.pm.StatsSnapshot(xaNamespace(connHash))
}

func (p *XAPool) AllStats() map[string]poolspi.Stats {
	return p.pm.AllStats()
}

func (p *XAPool) Close() error {
	return p.pm.Close()
}
