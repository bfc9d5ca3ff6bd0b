package server

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openjproxy/ojp/internal/poolspi"
)

// PoolConfig is the configured (not applied) sizing for the non-XA pool,
// shared as the fallback for the XA pool when xa.pool.* is left at zero
// (§6 configuration keys table).
type PoolConfig struct {
	MaxTotal          int
	MinIdle           int
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	MaxLifetime       time.Duration
	ValidateOnBorrow  bool
	DefaultIsolation  sql.IsolationLevel
}

// pooledBackend is one connection-hash's full state: the provider doing
// actual Borrow/Return work, plus the coordinator view tracking what
// sizing has been applied to it.
type pooledBackend struct {
	provider poolspi.Provider
	view     PoolCoordinatorView
}

// PoolManager is C5's registry: one poolspi.Provider per connection-hash,
// created lazily on first connect for that hash, driver-selected from
// the backend URL's scheme. It also owns the per-hash PoolCoordinatorView
// and is the thing C2's cluster-health change notification calls into.
type PoolManager struct {
	cfg    PoolConfig
	logger zerolog.Logger

	mu       sync.Mutex
	backends map[string]*pooledBackend
}

func NewPoolManager(cfg PoolConfig, logger zerolog.Logger) *PoolManager {
	return &PoolManager{
		cfg:      cfg,
		logger:   logger,
		backends: make(map[string]*pooledBackend),
	}
}

// backendDriver picks the provider family from the backend URL's scheme.
// Anything not recognizable as Postgres defaults to MySQL, matching the
// teacher's own single-backend assumption — OJP additionally recognizes
// pgx's schemes so Postgres endpoints (non-XA only; see DESIGN.md) work
// without extra configuration.
func backendDriver(backendURL string) string {
	lower := strings.ToLower(backendURL)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	return "mysql"
}

// getOrCreate returns the pool for connHash, creating and sizing it
// (applied = configured / 1, i.e. no reconciliation yet) on first use.
func (m *PoolManager) getOrCreate(ctx context.Context, connHash, backendURL string) (*pooledBackend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.backends[connHash]; ok {
		return b, nil
	}

	var provider poolspi.Provider
	var err error
	switch backendDriver(backendURL) {
	case "postgres":
		provider, err = NewPgxPoolProvider(PgxPoolConfig{
			DSN:               backendURL,
			ConnectionTimeout: m.cfg.ConnectionTimeout,
			IdleTimeout:       m.cfg.IdleTimeout,
			MaxLifetime:       m.cfg.MaxLifetime,
			DefaultIsolation:  m.cfg.DefaultIsolation,
			ValidateOnBorrow:  m.cfg.ValidateOnBorrow,
		})
	default:
		provider, err = NewMySQLPoolProvider(MySQLPoolConfig{
			DSN:               backendURL,
			ConnectionTimeout: m.cfg.ConnectionTimeout,
			IdleTimeout:       m.cfg.IdleTimeout,
			MaxLifetime:       m.cfg.MaxLifetime,
			DefaultIsolation:  m.cfg.DefaultIsolation,
			ValidateOnBorrow:  m.cfg.ValidateOnBorrow,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("server: create pool for %s: %w", connHash, err)
	}

	b := &pooledBackend{
		provider: provider,
		view: PoolCoordinatorView{
			ConfiguredMaxTotal: m.cfg.MaxTotal,
			ConfiguredMinIdle:  m.cfg.MinIdle,
		},
	}
	// Apply once at configured/1 so the pool has sane sizing even if no
	// cluster-health report ever arrives for this hash (single-server
	// deployments, or a client that never sends a clusterHealth string).
	if err := b.view.Reconcile(ctx, b.provider, 1); err != nil {
		provider.Close()
		return nil, err
	}
	m.backends[connHash] = b
	return b, nil
}

// Borrow returns a pooled connection for connHash, creating the pool on
// first use against backendURL.
func (m *PoolManager) Borrow(ctx context.Context, connHash, backendURL string) (poolspi.Conn, error) {
	b, err := m.getOrCreate(ctx, connHash, backendURL)
	if err != nil {
		return nil, err
	}
	return b.provider.Borrow(ctx)
}

func (m *PoolManager) Return(connHash string, c poolspi.Conn) {
	m.mu.Lock()
	b, ok := m.backends[connHash]
	m.mu.Unlock()
	if ok {
		b.provider.Return(c)
	}
}

// Reconcile is C4's entry point, invoked by the dispatcher whenever C2
// reports a cluster-health change for connHash (§4.2). It is a no-op if
// the pool hasn't been created yet. getOrCreate applies configured/1;
// the dispatcher creates a non-XA pool before reconciling a connect's
// report, so that first report resizes it to the real healthy count.
func (m *PoolManager) Reconcile(ctx context.Context, connHash string, healthyCount int) error {
	m.mu.Lock()
	b, ok := m.backends[connHash]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return b.view.Reconcile(ctx, b.provider, healthyCount)
}

func (m *PoolManager) StatsSnapshot(connHash string) (poolspi.Stats, bool) {
	m.mu.Lock()
	b, ok := m.backends[connHash]
	m.mu.Unlock()
	if !ok {
		return poolspi.Stats{}, false
	}
	return b.provider.StatsSnapshot(), true
}

// AllStats is used by the admin surface's /pools endpoint.
func (m *PoolManager) AllStats() map[string]poolspi.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]poolspi.Stats, len(m.backends))
	for hash, b := range m.backends {
		out[hash] = b.provider.StatsSnapshot()
	}
	return out
}

func (m *PoolManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, b := range m.backends {
		if err := b.provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
