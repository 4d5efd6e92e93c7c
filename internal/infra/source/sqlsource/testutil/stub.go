// Package testutil provides a scripted database/sql driver for exercising
// the Postgres dialect without a server.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Result answers every query containing Match.
type Result struct {
	Match   string
	Columns []string
	Rows    [][]driver.Value
	Err     error
}

// StubConn records queries and answers them from Results, first match wins.
type StubConn struct {
	mu       sync.Mutex
	Queries  []string
	Args     [][]driver.NamedValue
	Results  []Result
	FailPing bool
}

var seq atomic.Int64

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB(results ...Result) (*sql.DB, *StubConn) {
	conn := &StubConn{Results: results}
	name := fmt.Sprintf("stubsql%d", seq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Recorded returns a copy of the queries seen so far.
func (c *StubConn) Recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Queries...)
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) { return nil, fmt.Errorf("read only") }

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Queries = append(c.Queries, query)
	c.Args = append(c.Args, args)
	for _, r := range c.Results {
		if !strings.Contains(query, r.Match) {
			continue
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return &stubRows{cols: r.Columns, rows: r.Rows}, nil
	}
	return nil, fmt.Errorf("stub: no result for %q", query)
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
