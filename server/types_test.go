package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSessionPopulatesFields(t *testing.T) {
	sess := newSession("sess-1", "client-1", "hash-1", "mysql://host/db", true)

	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, "client-1", sess.ClientID)
	assert.Equal(t, "hash-1", sess.ConnHash)
	assert.Equal(t, "mysql://host/db", sess.BackendURL)
	assert.True(t, sess.IsXA)
	assert.False(t, sess.isTerminated())
	assert.Nil(t, sess.currentTx())
}

func TestSessionTouchResetsIdleSince(t *testing.T) {
	sess := newSession("sess-1", "client-1", "hash-1", "mysql://irrelevant", false)
	sess.lastActivity = time.Now().Add(-time.Hour)

	sess.touch()

	assert.Less(t, sess.idleSince(), time.Second)
}

func TestSessionXATimeoutRoundtrip(t *testing.T) {
	sess := newSession("sess-1", "client-1", "hash-1", "mysql://irrelevant", true)

	assert.Equal(t, 0, sess.getXATimeout())

	sess.setXATimeout(45)
	assert.Equal(t, 45, sess.getXATimeout())
}

func TestSessionMarkTerminatedIsObservable(t *testing.T) {
	sess := newSession("sess-1", "client-1", "hash-1", "mysql://irrelevant", false)

	sess.markTerminated()

	assert.True(t, sess.isTerminated())
}

func TestSessionClearTxRemovesBoundTransaction(t *testing.T) {
	sess := newSession("sess-1", "client-1", "hash-1", "mysql://irrelevant", false)

	sess.clearTx()

	assert.Nil(t, sess.currentTx())
}

func TestSessionTrackerAddGetRemove(t *testing.T) {
	tr := NewSessionTracker()
	sess := newSession("sess-1", "client-1", "hash-1", "mysql://irrelevant", false)

	tr.Add(sess)
	got, ok := tr.Get("sess-1")
	assert.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, 1, tr.Count())

	tr.Remove("sess-1")
	_, ok = tr.Get("sess-1")
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Count())
}

func TestSessionTrackerGetMissingReturnsFalse(t *testing.T) {
	tr := NewSessionTracker()

	_, ok := tr.Get("does-not-exist")
	assert.False(t, ok)
}

func TestSessionTrackerSnapshotReturnsAllTrackedSessions(t *testing.T) {
	tr := NewSessionTracker()
	tr.Add(newSession("sess-1", "client-1", "hash-1", "mysql://irrelevant", false))
	tr.Add(newSession("sess-2", "client-2", "hash-2", "mysql://irrelevant", false))

	snap := tr.Snapshot()

	assert.Len(t, snap, 2)
}
