package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SessionReaper periodically terminates sessions that have been idle
// longer than idleTimeout, releasing their backend connections/XA backend
// sessions. Grounded on the teacher's ServerHeartbeatManager.cleanupLoop/
// cleanupStaleConnections in the original heartbeat.go, retargeted at
// SessionTracker.Snapshot and Session.idleSince instead of the teacher's
// clientIP-keyed ClientHeartbeatInfo map (superseded — OJP sessions are
// already tracked by id in SessionTracker; see DESIGN.md). The actual
// heartbeatPing RPC handling lives in dispatcher.go, since it needs
// SessionTracker.Get to touch the right session.
type SessionReaper struct {
	sessions    *SessionTracker
	pools       *PoolManager
	idleTimeout time.Duration
	interval    time.Duration
	logger      zerolog.Logger
}

func NewSessionReaper(sessions *SessionTracker, pools *PoolManager, idleTimeout, interval time.Duration, logger zerolog.Logger) *SessionReaper {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &SessionReaper{sessions: sessions, pools: pools, idleTimeout: idleTimeout, interval: interval, logger: logger}
}

// Run blocks, reaping idle sessions on a ticker until ctx is cancelled.
func (r *SessionReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("idleTimeout", r.idleTimeout).Dur("interval", r.interval).Msg("session reaper started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("session reaper shutting down")
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *SessionReaper) reap() {
	var reaped int
	for _, sess := range r.sessions.Snapshot() {
		if sess.isTerminated() || sess.idleSince() < r.idleTimeout {
			continue
		}
		sess.markTerminated()
		r.sessions.Remove(sess.ID)
		if sess.IsXA {
			if sess.xaSession != nil {
				sess.xaSession.onClientClosed()
			}
		} else if sess.conn != nil {
			r.pools.Return(sess.ConnHash, sess.conn)
		}
		reaped++
	}
	if reaped > 0 {
		r.logger.Info().Int("count", reaped).Msg("session reaper terminated idle sessions")
	}
}
