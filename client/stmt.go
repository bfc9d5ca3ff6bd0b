package client

import (
	"context"
	"database/sql/driver"
	"fmt"
)

// Stmt implements database/sql/driver.Stmt. It carries no server-side
// state of its own — OJP has no prepared-statement RPC in this core, so
// "preparing" just records the query text and replays it through the
// parent Conn's queryRPC on every Exec/Query, matching the teacher's
// client-side-only prepared statement model.
type Stmt struct {
	conn     *Conn
	query    string
	numInput int
	closed   bool
}

var (
	_ driver.Stmt             = (*Stmt)(nil)
	_ driver.StmtExecContext  = (*Stmt)(nil)
	_ driver.StmtQueryContext = (*Stmt)(nil)
)

func (s *Stmt) Close() error {
	s.closed = true
	return nil
}

func (s *Stmt) NumInput() int {
	return s.numInput
}

func (s *Stmt) checkArgs(n int) error {
	if s.closed {
		return fmt.Errorf("client: statement is closed")
	}
	if s.numInput >= 0 && n != s.numInput {
		return fmt.Errorf("client: expected %d parameters, got %d", s.numInput, n)
	}
	return nil
}

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	if err := s.checkArgs(len(args)); err != nil {
		return nil, err
	}
	ctx, cancel := contextWithTimeout(s.conn.timeout)
	defer cancel()
	qr, err := s.conn.queryRPC(ctx, s.query, valuesToNamed(args), false)
	if err != nil {
		return nil, err
	}
	return &Result{affectedRows: qr.RowsAffected, lastInsertID: qr.LastInsertID}, nil
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	if err := s.checkArgs(len(args)); err != nil {
		return nil, err
	}
	ctx, cancel := contextWithTimeout(s.conn.timeout)
	defer cancel()
	qr, err := s.conn.queryRPC(ctx, s.query, valuesToNamed(args), true)
	if err != nil {
		return nil, err
	}
	return &Rows{columns: qr.Columns, rows: qr.Rows}, nil
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	if err := s.checkArgs(len(args)); err != nil {
		return nil, err
	}
	qr, err := s.conn.queryRPC(ctx, s.query, args, false)
	if err != nil {
		return nil, err
	}
	return &Result{affectedRows: qr.RowsAffected, lastInsertID: qr.LastInsertID}, nil
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if err := s.checkArgs(len(args)); err != nil {
		return nil, err
	}
	qr, err := s.conn.queryRPC(ctx, s.query, args, true)
	if err != nil {
		return nil, err
	}
	return &Rows{columns: qr.Columns, rows: qr.Rows}, nil
}

// Result implements database/sql/driver.Result from server-reported
// counters (wire.QueryResponse.RowsAffected/LastInsertID).
type Result struct {
	affectedRows int64
	lastInsertID int64
}

var _ driver.Result = (*Result)(nil)

func (r *Result) LastInsertId() (int64, error) {
	return r.lastInsertID, nil
}

func (r *Result) RowsAffected() (int64, error) {
	return r.affectedRows, nil
}

// countPlaceholders counts '?' placeholders outside of quoted string
// literals, so Stmt can validate argument count the way database/sql's
// own default prepared-statement path would. Returns -1 (meaning "don't
// validate") for empty queries, matching calls like table COMMAND-style
// statements that carry no placeholders at all.
func countPlaceholders(query string) int {
	if query == "" {
		return -1
	}
	count := 0
	inString := false
	escaped := false

	for _, char := range query {
		switch {
		case escaped:
			escaped = false
		case char == '\\':
			escaped = true
		case char == '\'' && !escaped:
			inString = !inString
		case char == '?' && !inString && !escaped:
			count++
		}
	}

	return count
}
