package dbpool

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"testing"
)

// fakeDriver backs tests with an in-memory database/sql/driver implementation
// so the pool's checkout/checkin bookkeeping can be exercised without a real
// MySQL server. Nothing in the example corpus carries a SQL mocking library,
// so this follows the same pattern as hand-rolled driver fakes elsewhere in
// the standard library's own driver tests.
type fakeDriver struct{}

func (fakeDriver) Open(name string) (driver.Conn, error) {
	return &fakeConn{}, nil
}

type fakeConn struct{ mu sync.Mutex }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) { return &fakeStmt{}, nil }
func (c *fakeConn) Close() error                               { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)                  { return nil, fmt.Errorf("not supported") }

type fakeStmt struct{}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }
func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return driver.RowsAffected(0), nil
}
func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return &fakeRows{}, nil
}

type fakeRows struct{}

func (r *fakeRows) Columns() []string              { return nil }
func (r *fakeRows) Close() error                   { return nil }
func (r *fakeRows) Next(dest []driver.Value) error { return io.EOF }

var registerOnce sync.Once

func newFakePool(t *testing.T, size int) *Pool {
	t.Helper()
	registerOnce.Do(func() { sql.Register("dbpool-fake", fakeDriver{}) })

	p := &Pool{conns: make(chan *sql.DB, size), size: size}
	for i := 0; i < size; i++ {
		db, err := sql.Open("dbpool-fake", fmt.Sprintf("fake-%d", i))
		if err != nil {
			t.Fatalf("sql.Open: %v", err)
		}
		db.SetMaxOpenConns(1)
		p.conns <- db
	}
	return p
}
