package server

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionSweeperRollsBackAbandonedTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)

	tracker := NewSessionTracker()
	sess := newSession("sess-1", "client-1", "h1", "mysql://irrelevant", false)
	sess.beginTx(tx)
	sess.lastActivity = time.Now().Add(-time.Hour)
	tracker.Add(sess)

	sw := NewTransactionSweeper(tracker, time.Minute, time.Hour, zerolog.Nop())
	sw.sweep()

	assert.Nil(t, sess.currentTx())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionSweeperLeavesFreshTransactionAlone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectBegin()

	tx, err := db.Begin()
	require.NoError(t, err)

	tracker := NewSessionTracker()
	sess := newSession("sess-1", "client-1", "h1", "mysql://irrelevant", false)
	sess.beginTx(tx)
	tracker.Add(sess)

	sw := NewTransactionSweeper(tracker, time.Hour, time.Hour, zerolog.Nop())
	sw.sweep()

	assert.NotNil(t, sess.currentTx())
}

func TestTransactionSweeperSkipsSessionsWithoutActiveTx(t *testing.T) {
	tracker := NewSessionTracker()
	sess := newSession("sess-1", "client-1", "h1", "mysql://irrelevant", false)
	sess.lastActivity = time.Now().Add(-time.Hour)
	tracker.Add(sess)

	sw := NewTransactionSweeper(tracker, time.Minute, time.Hour, zerolog.Nop())
	assert.NotPanics(t, func() { sw.sweep() })
}

func TestTransactionSweeperSkipsXASessions(t *testing.T) {
	tracker := NewSessionTracker()
	sess := newSession("sess-1", "client-1", "h1", "mysql://irrelevant", true)
	sess.lastActivity = time.Now().Add(-time.Hour)
	tracker.Add(sess)

	sw := NewTransactionSweeper(tracker, time.Minute, time.Hour, zerolog.Nop())
	sw.sweep()

	_, ok := tracker.Get(sess.ID)
	assert.True(t, ok, "an XA session's transaction lifecycle is owned by the registry, not this sweeper")
}

func TestNewTransactionSweeperAppliesDefaultsWhenZero(t *testing.T) {
	sw := NewTransactionSweeper(NewSessionTracker(), 0, 0, zerolog.Nop())

	assert.Equal(t, 15*time.Minute, sw.maxAge)
	assert.Equal(t, time.Minute, sw.interval)
}
