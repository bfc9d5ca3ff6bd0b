// Package poolspi defines the pool-provider contract referenced in
// spec §9: "Deep inheritance in the source pool SPI collapses to a
// single interface: createPool(config) → Pool; borrow; return; resize;
// close; statsSnapshot. Concrete providers live outside the core."
//
// server/mysqlpool.go and server/pgxpool.go are the concrete providers;
// server/pool.go (C5) and server/xapool.go (C6) are core consumers of
// this interface, never of a specific driver.
package poolspi

import "context"

// Conn is a single borrowed backend connection. Invalidate marks it
// unfit for return (validation failure, sanitization failure); Return
// still must be called so the provider can destroy and replace it.
type Conn interface {
	Raw() interface{} // concrete type is *sql.Conn; kept opaque here so poolspi stays driver-agnostic
	Invalidate()
	Invalidated() bool
}

// Stats is the read-only snapshot exposed by the admin surface
// (SPEC_FULL.md's adminapi component) and used by tests to assert P1-P8.
type Stats struct {
	MaxTotal    int
	MinIdle     int
	NumActive   int
	NumIdle     int
	NumCreated  int64
	NumDestroyed int64
}

// Provider is the pool-provider SPI. A provider owns exactly one
// backend connection pool for one connection-hash.
type Provider interface {
	// Borrow blocks up to the provider's configured connection timeout.
	// Returns an error whose message contains "POOL EXHAUSTED" per §6
	// SQL state conventions if the timeout elapses.
	Borrow(ctx context.Context) (Conn, error)
	// Return sanitizes (or, on failure, destroys) the connection per
	// §4.5. Resets isolation/auto-commit/uncommitted work before
	// returning to the idle set.
	Return(c Conn)
	// SetMaxTotal and SetMinIdle are separate calls (not a combined
	// Resize) so callers can sequence them per §4.4's shrink/grow
	// ordering rule.
	SetMaxTotal(n int) error
	SetMinIdle(n int) error
	// Prewarm attempts to create idle connections up to target,
	// falling back to a direct borrow/return loop under contention
	// (§4.4 "direct creation loop... fallback").
	Prewarm(ctx context.Context, target int) error
	Close() error
	StatsSnapshot() Stats
}
