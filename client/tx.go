package client

import (
	"database/sql/driver"

	"github.com/openjproxy/ojp/internal/wire"
)

// Tx implements database/sql/driver.Tx. A non-XA transaction is identified
// by its owning session (§6: startTransaction/commitTransaction both
// carry sessionInfo, not a separate transaction id), so Tx is a thin
// wrapper: Commit/Rollback just thread OpCommitTransaction/
// OpRollbackTransaction through the session's bound endpoint.
type Tx struct {
	conn *Conn
}

var _ driver.Tx = (*Tx)(nil)

func (tx *Tx) Commit() error {
	ctx, cancel := contextWithTimeout(tx.conn.timeout)
	defer cancel()
	_, err := tx.conn.manager.Do(ctx, tx.conn.sessionID, wire.OpCommitTransaction, struct{}{})
	tx.conn.clearFinishedTransaction()
	if err != nil && IsConnectionLevel(err) {
		return driver.ErrBadConn
	}
	return err
}

func (tx *Tx) Rollback() error {
	ctx, cancel := contextWithTimeout(tx.conn.timeout)
	defer cancel()
	_, err := tx.conn.manager.Do(ctx, tx.conn.sessionID, wire.OpRollbackTransaction, struct{}{})
	tx.conn.clearFinishedTransaction()
	if err != nil && IsConnectionLevel(err) {
		return driver.ErrBadConn
	}
	return err
}
