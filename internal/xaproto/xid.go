// Package xaproto defines the Xid type, XA error codes, and the
// transaction state machine from spec §4.7. It has no backend
// dependency: server/xaregistry.go drives the state machine and calls
// out to a backend session for the actual XA SQL statements.
package xaproto

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Xid is a branch identifier: format-id, global-transaction-id bytes,
// and branch-qualifier bytes (GLOSSARY). The core must store the *same
// instance* received on xaStart and pass it back on every later call on
// that branch, because some backend drivers key off identity rather
// than equality (§9 design note). Callers that look up a Xid from the
// registry get back the original *Xid pointer for exactly this reason;
// Key() is only ever used as a map index, never as a substitute for the
// pointer itself.
type Xid struct {
	FormatID            int32
	GlobalTransactionID []byte
	BranchQualifier     []byte
}

// NewXid generates a fresh Xid with a random global transaction id and
// branch qualifier, format id 1 (matches the common convention used by
// most JTA transaction managers for locally-originated branches).
func NewXid() *Xid {
	gtrid, _ := uuid.New().MarshalBinary()
	bqual, _ := uuid.New().MarshalBinary()
	return &Xid{
		FormatID:            1,
		GlobalTransactionID: gtrid,
		BranchQualifier:     bqual,
	}
}

// Key returns a stable, content-based lookup key. Two distinct Xid
// instances with equal content produce the same Key — the registry uses
// this for the map index, and separately keeps the original pointer for
// backend calls, so the "pass the same instance" requirement is never
// violated by collapsing lookups onto Key.
func (x *Xid) Key() string {
	return fmt.Sprintf("%d:%s:%s", x.FormatID, hex.EncodeToString(x.GlobalTransactionID), hex.EncodeToString(x.BranchQualifier))
}

// MySQLLiteral renders the Xid the way MySQL's `XA START 'gtrid','bqual',formatID`
// grammar expects: gtrid/bqual as quoted string literals (MySQL's XA
// identifiers are strings, not raw byte arrays), hex-encoded here since
// the generated bytes are not guaranteed printable.
func (x *Xid) MySQLLiteral() string {
	return fmt.Sprintf("'%s','%s',%d", hex.EncodeToString(x.GlobalTransactionID), hex.EncodeToString(x.BranchQualifier), x.FormatID)
}

// ParseMySQLRecoverRow reconstructs a Xid from one row of `XA RECOVER`
// output (formatID, gtrid_length, bqual_length, data) where data is the
// concatenation gtrid||bqual encoded the same way MySQLLiteral encodes
// it (hex of the original bytes, so data here is ASCII hex text).
func ParseMySQLRecoverRow(formatID int32, gtridLen, bqualLen int, data string) (*Xid, error) {
	if gtridLen < 0 || bqualLen < 0 || gtridLen+bqualLen > len(data) {
		return nil, fmt.Errorf("xaproto: malformed recover row: gtridLen=%d bqualLen=%d len(data)=%d", gtridLen, bqualLen, len(data))
	}
	gtridHex := data[:gtridLen]
	bqualHex := data[gtridLen : gtridLen+bqualLen]
	gtrid, err := hex.DecodeString(gtridHex)
	if err != nil {
		return nil, fmt.Errorf("xaproto: decode gtrid: %w", err)
	}
	bqual, err := hex.DecodeString(bqualHex)
	if err != nil {
		return nil, fmt.Errorf("xaproto: decode bqual: %w", err)
	}
	return &Xid{FormatID: formatID, GlobalTransactionID: gtrid, BranchQualifier: bqual}, nil
}
