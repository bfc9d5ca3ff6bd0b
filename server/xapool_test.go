package server

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjproxy/ojp/internal/poolspi"
)

// fakeConn is a no-op poolspi.Conn used by the xapool dual-condition
// tests, which never touch the real *sql.Conn.
type fakeConn struct {
	mu          sync.Mutex
	invalidated bool
}

func (c *fakeConn) Raw() interface{} { return nil }
func (c *fakeConn) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = true
}
func (c *fakeConn) Invalidated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}

// fakeProvider counts Return calls so tests can assert the dual-condition
// release in xapool.go fires exactly once, and only once both conditions
// are satisfied.
type fakeProvider struct {
	mu          sync.Mutex
	returnCount int
}

func (p *fakeProvider) Borrow(ctx context.Context) (poolspi.Conn, error) { return &fakeConn{}, nil }
func (p *fakeProvider) Return(c poolspi.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returnCount++
}
func (p *fakeProvider) SetMaxTotal(n int) error       { return nil }
func (p *fakeProvider) SetMinIdle(n int) error        { return nil }
func (p *fakeProvider) Prewarm(ctx context.Context, target int) error { return nil }
func (p *fakeProvider) Close() error                  { return nil }
func (p *fakeProvider) StatsSnapshot() poolspi.Stats   { return poolspi.Stats{} }

func (p *fakeProvider) returns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.returnCount
}

// newTestXAPool wires a fakeProvider into the XAPool's backend map
// directly, bypassing backendDriver/NewMySQLPoolProvider entirely so
// these tests never touch a real or mocked SQL connection.
func newTestXAPool(t *testing.T, connHash string) (*XAPool, *fakeProvider) {
	t.Helper()
	p := NewXAPool(PoolConfig{MaxTotal: 10, MinIdle: 2}, zerolog.Nop())
	fp := &fakeProvider{}
	p.pm.backends[xaNamespace(connHash)] = &pooledBackend{
		provider: fp,
		view:     PoolCoordinatorView{ConfiguredMaxTotal: 10, ConfiguredMinIdle: 2, AppliedMaxTotal: 10, AppliedMinIdle: 2},
	}
	return p, fp
}

func TestXABindStartsWithTxTerminalTrue(t *testing.T) {
	p, _ := newTestXAPool(t, "h1")
	sess, err := p.Bind(context.Background(), "h1", "mysql://irrelevant")
	require.NoError(t, err)
	assert.True(t, sess.txTerminal)
	assert.False(t, sess.clientClosed)
	assert.False(t, sess.released)
}

// TestXASessionReleasesOnClientCloseWithNoTransaction covers the "client
// closes without ever starting a transaction" path: txTerminal is already
// true from Bind, so onClientClosed alone satisfies both conditions.
func TestXASessionReleasesOnClientCloseWithNoTransaction(t *testing.T) {
	p, fp := newTestXAPool(t, "h1")
	sess, err := p.Bind(context.Background(), "h1", "mysql://irrelevant")
	require.NoError(t, err)

	sess.onClientClosed()

	assert.True(t, sess.released)
	assert.Equal(t, 1, fp.returns())
}

// TestXASessionWaitsForBothConditions is §4.6's dual-condition rule: a
// transaction in flight (txTerminal=false) must reach a terminal state
// before the client-closed signal releases the session, and vice versa.
func TestXASessionWaitsForBothConditions(t *testing.T) {
	p, fp := newTestXAPool(t, "h1")
	sess, err := p.Bind(context.Background(), "h1", "mysql://irrelevant")
	require.NoError(t, err)

	sess.beginningTransaction()
	assert.False(t, sess.txTerminal)

	sess.onClientClosed()
	assert.False(t, sess.released, "must not release while a transaction is still in flight")
	assert.Equal(t, 0, fp.returns())

	sess.onTxTerminal()
	assert.True(t, sess.released)
	assert.Equal(t, 1, fp.returns())
}

// TestXASessionReleaseIsIdempotent ensures a session already released by
// one path doesn't get returned to the pool twice if both callbacks fire.
func TestXASessionReleaseIsIdempotent(t *testing.T) {
	p, fp := newTestXAPool(t, "h1")
	sess, err := p.Bind(context.Background(), "h1", "mysql://irrelevant")
	require.NoError(t, err)

	sess.onClientClosed()
	sess.onClientClosed()
	sess.onTxTerminal()

	assert.Equal(t, 1, fp.returns())
}

// TestXASessionMultipleTransactionsRepin models "N transactions on one
// XAConnection": each new xaStart re-pins the session until its own
// commit/rollback terminates it, independent of earlier transactions.
func TestXASessionMultipleTransactionsRepin(t *testing.T) {
	p, fp := newTestXAPool(t, "h1")
	sess, err := p.Bind(context.Background(), "h1", "mysql://irrelevant")
	require.NoError(t, err)

	sess.beginningTransaction()
	sess.onTxTerminal() // first transaction completes
	assert.Equal(t, 0, fp.returns(), "client hasn't closed yet, no release")

	sess.beginningTransaction()
	sess.onTxTerminal() // second transaction completes
	assert.Equal(t, 0, fp.returns())

	sess.onClientClosed()
	assert.Equal(t, 1, fp.returns())
}
