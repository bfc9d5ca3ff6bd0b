package server

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjproxy/ojp/internal/poolspi"
	"github.com/openjproxy/ojp/internal/xaproto"
)

func newXidFixture() *xaproto.Xid {
	return &xaproto.Xid{FormatID: 1, GlobalTransactionID: []byte("gtrid"), BranchQualifier: []byte("bqual")}
}

// xaTestFixture wires a real sqlmock *sql.Conn into an XAPool/registry
// pair so Prepare/Commit/Rollback/Forget/Recover exercise their actual
// MySQL SQL statements against deterministic expectations.
type xaTestFixture struct {
	db       *sql.DB
	mock     sqlmock.Sqlmock
	registry *XATransactionRegistry
	sess     *Session
}

func newXATestFixture(t *testing.T) *xaTestFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	pool := NewXAPool(PoolConfig{MaxTotal: 10, MinIdle: 2}, zerolog.Nop())
	pool.pm.backends[xaNamespace("h1")] = &pooledBackend{
		provider: &fakeBorrowOnlyProvider{conn: &borrowedSQLConn{raw: conn}},
		view:     PoolCoordinatorView{ConfiguredMaxTotal: 10, ConfiguredMinIdle: 2, AppliedMaxTotal: 10, AppliedMinIdle: 2},
	}

	registry := NewXATransactionRegistry(pool, sql.LevelReadCommitted, zerolog.Nop())
	sess := newSession("sess-1", "client-1", "h1", "mysql://irrelevant", true)

	return &xaTestFixture{db: db, mock: mock, registry: registry, sess: sess}
}

// borrowedSQLConn adapts a live *sql.Conn as a poolspi.Conn.
type borrowedSQLConn struct {
	raw     *sql.Conn
	invalid bool
}

func (c *borrowedSQLConn) Raw() interface{}  { return c.raw }
func (c *borrowedSQLConn) Invalidate()       { c.invalid = true }
func (c *borrowedSQLConn) Invalidated() bool { return c.invalid }

// fakeBorrowOnlyProvider always returns the same pinned connection and
// ignores Return — the registry tests never exercise pool eviction or
// resizing, only the XA SQL statements issued over the pinned session.
type fakeBorrowOnlyProvider struct {
	conn *borrowedSQLConn
}

func (p *fakeBorrowOnlyProvider) Borrow(ctx context.Context) (poolspi.Conn, error) { return p.conn, nil }
func (p *fakeBorrowOnlyProvider) Return(c poolspi.Conn)                            {}
func (p *fakeBorrowOnlyProvider) SetMaxTotal(n int) error                          { return nil }
func (p *fakeBorrowOnlyProvider) SetMinIdle(n int) error                           { return nil }
func (p *fakeBorrowOnlyProvider) Prewarm(ctx context.Context, target int) error    { return nil }
func (p *fakeBorrowOnlyProvider) Close() error                                     { return nil }
func (p *fakeBorrowOnlyProvider) StatsSnapshot() poolspi.Stats                     { return poolspi.Stats{} }

func TestXATransactionRegistryHappyPath(t *testing.T) {
	f := newXATestFixture(t)
	xid := newXidFixture()

	f.mock.ExpectExec(regexp.QuoteMeta("XA PREPARE 'gtrid','bqual',1")).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(regexp.QuoteMeta("XA COMMIT 'gtrid','bqual',1")).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec("SET autocommit=1").WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, f.registry.Start(context.Background(), f.sess, "mysql://irrelevant", xid, xaproto.TMNOFLAGS))
	require.NoError(t, f.registry.End(xid, xaproto.TMSUCCESS))
	readOnly, err := f.registry.Prepare(context.Background(), xid)
	require.NoError(t, err)
	assert.False(t, readOnly)
	require.NoError(t, f.registry.Commit(context.Background(), xid, false))

	// Idempotent re-commit after COMMITTED.
	require.NoError(t, f.registry.Commit(context.Background(), xid, false))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestXATransactionRegistryStartDuplicateID(t *testing.T) {
	f := newXATestFixture(t)
	xid := newXidFixture()

	require.NoError(t, f.registry.Start(context.Background(), f.sess, "mysql://irrelevant", xid, xaproto.TMNOFLAGS))
	err := f.registry.Start(context.Background(), f.sess, "mysql://irrelevant", xid, xaproto.TMNOFLAGS)

	var xaErr *xaproto.Error
	require.ErrorAs(t, err, &xaErr)
	assert.Equal(t, xaproto.XADupID, xaErr.Code)
}

func TestXATransactionRegistryEndUnknownXid(t *testing.T) {
	f := newXATestFixture(t)
	xid := newXidFixture()

	err := f.registry.End(xid, xaproto.TMSUCCESS)

	var xaErr *xaproto.Error
	require.ErrorAs(t, err, &xaErr)
	assert.Equal(t, xaproto.XANotA, xaErr.Code)
}

func TestXATransactionRegistryPrepareWithoutEndIsProtocolError(t *testing.T) {
	f := newXATestFixture(t)
	xid := newXidFixture()
	require.NoError(t, f.registry.Start(context.Background(), f.sess, "mysql://irrelevant", xid, xaproto.TMNOFLAGS))

	_, err := f.registry.Prepare(context.Background(), xid)

	var xaErr *xaproto.Error
	require.ErrorAs(t, err, &xaErr)
	assert.Equal(t, xaproto.XAProto, xaErr.Code)
}

func TestXATransactionRegistryRollbackFromActive(t *testing.T) {
	f := newXATestFixture(t)
	xid := newXidFixture()

	f.mock.ExpectExec(regexp.QuoteMeta("XA ROLLBACK 'gtrid','bqual',1")).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec("SET autocommit=1").WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, f.registry.Start(context.Background(), f.sess, "mysql://irrelevant", xid, xaproto.TMNOFLAGS))
	require.NoError(t, f.registry.Rollback(context.Background(), xid))

	// Idempotent re-rollback after ROLLEDBACK.
	require.NoError(t, f.registry.Rollback(context.Background(), xid))
	// Commit after rollback is a protocol error.
	err := f.registry.Commit(context.Background(), xid, true)
	var xaErr *xaproto.Error
	require.ErrorAs(t, err, &xaErr)
	assert.Equal(t, xaproto.XAProto, xaErr.Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestXATransactionRegistryOnePhaseCommitFromEnded(t *testing.T) {
	f := newXATestFixture(t)
	xid := newXidFixture()

	f.mock.ExpectExec(regexp.QuoteMeta("XA COMMIT 'gtrid','bqual',1 ONE PHASE")).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec("SET autocommit=1").WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, f.registry.Start(context.Background(), f.sess, "mysql://irrelevant", xid, xaproto.TMNOFLAGS))
	require.NoError(t, f.registry.End(xid, xaproto.TMSUCCESS))
	require.NoError(t, f.registry.Commit(context.Background(), xid, true))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestXATransactionRegistryForget(t *testing.T) {
	f := newXATestFixture(t)
	xid := newXidFixture()
	f.mock.ExpectExec(regexp.QuoteMeta("XA FORGET 'gtrid','bqual',1")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, f.registry.Forget(context.Background(), "h1", "mysql://irrelevant", xid))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestXATransactionRegistryRecover(t *testing.T) {
	f := newXATestFixture(t)
	rows := sqlmock.NewRows([]string{"formatID", "gtrid_length", "bqual_length", "data"}).
		AddRow(int32(1), 10, 10, "6774726964627175616c")
	f.mock.ExpectQuery("XA RECOVER").WillReturnRows(rows)

	xids, err := f.registry.Recover(context.Background(), "h1", "mysql://irrelevant")
	require.NoError(t, err)
	require.Len(t, xids, 1)
	assert.Equal(t, int32(1), xids[0].FormatID)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestXATransactionRegistryJoinRequiresEnded(t *testing.T) {
	f := newXATestFixture(t)
	xid := newXidFixture()
	require.NoError(t, f.registry.Start(context.Background(), f.sess, "mysql://irrelevant", xid, xaproto.TMNOFLAGS))

	err := f.registry.Start(context.Background(), f.sess, "mysql://irrelevant", xid, xaproto.TMJOIN)

	var xaErr *xaproto.Error
	require.ErrorAs(t, err, &xaErr)
	assert.Equal(t, xaproto.XAProto, xaErr.Code)
}

func TestXATransactionRegistryResumeRequiresSuspended(t *testing.T) {
	f := newXATestFixture(t)
	xid := newXidFixture()
	require.NoError(t, f.registry.Start(context.Background(), f.sess, "mysql://irrelevant", xid, xaproto.TMNOFLAGS))

	err := f.registry.Start(context.Background(), f.sess, "mysql://irrelevant", xid, xaproto.TMRESUME)

	var xaErr *xaproto.Error
	require.ErrorAs(t, err, &xaErr)
	assert.Equal(t, xaproto.XAProto, xaErr.Code)
}

func TestXATransactionRegistrySweepExpiredKeepsPrepared(t *testing.T) {
	f := newXATestFixture(t)
	xid := newXidFixture()
	require.NoError(t, f.registry.Start(context.Background(), f.sess, "mysql://irrelevant", xid, xaproto.TMNOFLAGS))
	require.NoError(t, f.registry.End(xid, xaproto.TMSUCCESS))

	f.mock.ExpectExec(regexp.QuoteMeta("XA PREPARE 'gtrid','bqual',1")).WillReturnResult(sqlmock.NewResult(0, 0))
	_, err := f.registry.Prepare(context.Background(), xid)
	require.NoError(t, err)

	f.registry.retention = 0
	n := f.registry.SweepExpired()
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, f.registry.Count())
}
