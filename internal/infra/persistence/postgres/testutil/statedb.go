// Package testutil fakes the postgres state table for store tests. It speaks
// only the statements the store issues: the state DDL, the bucket select and
// the bucket upsert.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrUnsupported is returned for statements the fake does not understand.
var ErrUnsupported = errors.New("statement not supported by state fake")

// Failure injection points.
type Failures struct {
	Ping   bool
	Begin  bool
	Commit bool
	// Upsert fails writes of the named bucket.
	Upsert string
	// Rows is returned once every state row has been read.
	Rows error
}

// StateDB holds the rows of a single state(bucket, payload) table.
type StateDB struct {
	mu         sync.Mutex
	rows       map[string][]byte
	statements []string
	Fail       Failures
}

var driverSeq atomic.Int64

// NewStateDB returns a sql.DB backed by a fresh fake state table.
func NewStateDB() (*sql.DB, *StateDB) {
	state := &StateDB{rows: make(map[string][]byte)}
	name := fmt.Sprintf("okstate%d", driverSeq.Add(1))
	sql.Register(name, stateDriver{state: state})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	return db, state
}

// Seed stores a raw payload for bucket, replacing any existing row.
func (s *StateDB) Seed(bucket string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[bucket] = append([]byte(nil), payload...)
}

// Payload returns the stored payload of bucket.
func (s *StateDB) Payload(bucket string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[bucket]
	return p, ok
}

// Buckets lists the stored buckets in sorted order.
func (s *StateDB) Buckets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rows))
	for b := range s.rows {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// Statements returns every statement executed or queried so far.
func (s *StateDB) Statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statements...)
}

type statementKind int

const (
	stmtUnknown statementKind = iota
	stmtCreate
	stmtSelect
	stmtUpsert
)

func classify(query string) statementKind {
	q := strings.ToUpper(strings.Join(strings.Fields(query), " "))
	switch {
	case strings.HasPrefix(q, "CREATE TABLE IF NOT EXISTS STATE"):
		return stmtCreate
	case strings.HasPrefix(q, "SELECT BUCKET, PAYLOAD FROM STATE"):
		return stmtSelect
	case strings.HasPrefix(q, "INSERT INTO STATE(BUCKET,PAYLOAD)") && strings.Contains(q, "ON CONFLICT(BUCKET)"):
		return stmtUpsert
	}
	return stmtUnknown
}

type stateDriver struct {
	state *StateDB
}

func (d stateDriver) Open(string) (driver.Conn, error) { return &stateConn{state: d.state}, nil }

// stateConn stages upserts until the transaction commits.
type stateConn struct {
	state  *StateDB
	staged map[string][]byte
}

func (c *stateConn) Prepare(string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare: %w", ErrUnsupported)
}

func (c *stateConn) Close() error { return nil }

func (c *stateConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *stateConn) Ping(context.Context) error {
	if c.state.Fail.Ping {
		return errors.New("ping refused")
	}
	return nil
}

func (c *stateConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.state.Fail.Begin {
		return nil, errors.New("begin refused")
	}
	c.staged = make(map[string][]byte)
	return stateTx{conn: c}, nil
}

func (c *stateConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.state.mu.Lock()
	c.state.statements = append(c.state.statements, query)
	c.state.mu.Unlock()

	switch classify(query) {
	case stmtCreate:
		return driver.RowsAffected(0), nil
	case stmtUpsert:
		if len(args) != 2 {
			return nil, fmt.Errorf("upsert wants 2 args, got %d", len(args))
		}
		bucket, ok := args[0].Value.(string)
		if !ok {
			return nil, fmt.Errorf("bucket arg is %T", args[0].Value)
		}
		payload, ok := args[1].Value.([]byte)
		if !ok {
			return nil, fmt.Errorf("payload arg is %T", args[1].Value)
		}
		if bucket == c.state.Fail.Upsert {
			return nil, fmt.Errorf("upsert %s refused", bucket)
		}
		if c.staged == nil {
			c.state.Seed(bucket, payload)
		} else {
			c.staged[bucket] = append([]byte(nil), payload...)
		}
		return driver.RowsAffected(1), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, query)
}

func (c *stateConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.state.mu.Lock()
	c.state.statements = append(c.state.statements, query)
	c.state.mu.Unlock()

	if classify(query) != stmtSelect {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, query)
	}
	rows := &stateRows{err: c.state.Fail.Rows}
	for _, bucket := range c.state.Buckets() {
		payload, _ := c.state.Payload(bucket)
		rows.rows = append(rows.rows, [2]driver.Value{bucket, payload})
	}
	return rows, nil
}

type stateTx struct {
	conn *stateConn
}

func (t stateTx) Commit() error {
	staged := t.conn.staged
	t.conn.staged = nil
	if t.conn.state.Fail.Commit {
		return errors.New("commit refused")
	}
	for bucket, payload := range staged {
		t.conn.state.Seed(bucket, payload)
	}
	return nil
}

func (t stateTx) Rollback() error {
	t.conn.staged = nil
	return nil
}

type stateRows struct {
	rows [][2]driver.Value
	idx  int
	err  error
}

func (r *stateRows) Columns() []string { return []string{"bucket", "payload"} }
func (r *stateRows) Close() error      { return nil }

func (r *stateRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	dest[0], dest[1] = r.rows[r.idx][0], r.rows[r.idx][1]
	r.idx++
	return nil
}
