package client

import (
	"database/sql/driver"
	"io"
)

// Rows implements database/sql/driver.Rows over a buffered result set
// decoded from one wire.QueryResponse. OJP has no server-side cursor
// protocol in this core (fetchNextRows exists for pagination but a single
// query response here carries the full buffered row set, matching the
// teacher's buffered-rows model).
type Rows struct {
	columns []string
	rows    [][]interface{}
	pos     int
}

var _ driver.Rows = (*Rows)(nil)

func (r *Rows) Columns() []string {
	return r.columns
}

func (r *Rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	for i, val := range r.rows[r.pos] {
		dest[i] = val
	}
	r.pos++
	return nil
}

func (r *Rows) Close() error {
	r.pos = len(r.rows)
	return nil
}
