package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TransactionSweeper periodically force-rolls-back and clears the non-XA
// transaction of any session that has had no RPC for at least maxAge,
// preventing an abandoned client from holding a backend connection's
// transaction open forever. Grounded on the teacher's
// TransactionManager.CleanupExpiredTransactions ticker loop in the
// original transactions.go, retargeted at SessionTracker.Snapshot and
// Session.currentTx instead of the teacher's own string-keyed
// TransactionManager (superseded — OJP's transactions are session-bound,
// not independently identified; see DESIGN.md).
type TransactionSweeper struct {
	sessions *SessionTracker
	maxAge   time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

func NewTransactionSweeper(sessions *SessionTracker, maxAge, interval time.Duration, logger zerolog.Logger) *TransactionSweeper {
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &TransactionSweeper{sessions: sessions, maxAge: maxAge, interval: interval, logger: logger}
}

// Run blocks, sweeping on a ticker until ctx is cancelled.
func (s *TransactionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("maxAge", s.maxAge).Dur("interval", s.interval).Msg("transaction sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("transaction sweeper shutting down")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *TransactionSweeper) sweep() {
	cutoff := s.maxAge
	var swept int
	for _, sess := range s.sessions.Snapshot() {
		if sess.IsXA {
			continue // XA transactions live in the registry's own state machine, not Session.currentTx
		}
		tx := sess.currentTx()
		if tx == nil {
			continue
		}
		if sess.idleSince() < cutoff {
			continue
		}
		if err := tx.Rollback(); err != nil {
			s.logger.Warn().Err(err).Str("session", sess.ID).Msg("transaction sweeper rollback failed")
		}
		sess.clearTx()
		swept++
	}
	if swept > 0 {
		s.logger.Info().Int("count", swept).Msg("transaction sweeper rolled back abandoned transactions")
	}
}
