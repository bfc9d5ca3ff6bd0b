package client

import (
	"database/sql"
	"fmt"
)

// OJPClient wraps a standard sql.DB opened against the "ojp" driver with
// a cleaner constructor; every method is a direct passthrough. Kept for
// parity with the teacher's higher-level client wrapper, trimmed down to
// the operations OJP's SQL/XA proxy domain actually needs — it drops the
// generic remote command/function execution the teacher's BurrowClient
// offered, which has no counterpart here (OJP routes SQL statements, not
// arbitrary device commands; see DESIGN.md).
type OJPClient struct {
	db *sql.DB
}

// NewOJPClient opens a sql.DB against the "ojp" driver with dsn.
func NewOJPClient(dsn string) (*OJPClient, error) {
	db, err := sql.Open("ojp", dsn)
	if err != nil {
		return nil, fmt.Errorf("client: open: %w", err)
	}
	return &OJPClient{db: db}, nil
}

func (c *OJPClient) DB() *sql.DB { return c.db }

func (c *OJPClient) Close() error { return c.db.Close() }

func (c *OJPClient) Ping() error { return c.db.Ping() }

func (c *OJPClient) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.Query(query, args...)
}

func (c *OJPClient) QueryRow(query string, args ...interface{}) *sql.Row {
	return c.db.QueryRow(query, args...)
}

func (c *OJPClient) Exec(query string, args ...interface{}) (sql.Result, error) {
	return c.db.Exec(query, args...)
}

func (c *OJPClient) Begin() (*sql.Tx, error) { return c.db.Begin() }

func (c *OJPClient) Prepare(query string) (*sql.Stmt, error) { return c.db.Prepare(query) }
