package auth

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"testing"
)

// fakeUserDB backs the Verify tests with an in-memory user table reached
// through database/sql/driver, since nothing in the example corpus carries
// a SQL mocking library to reach for instead.
type fakeUserDB struct {
	mu    sync.Mutex
	users map[string]string
}

var fakeRegistry sync.Map // dsn -> *fakeUserDB

type authFakeDriver struct{}

func (authFakeDriver) Open(dsn string) (driver.Conn, error) {
	v, _ := fakeRegistry.Load(dsn)
	return &authFakeConn{db: v.(*fakeUserDB)}, nil
}

type authFakeConn struct{ db *fakeUserDB }

func (c *authFakeConn) Prepare(query string) (driver.Stmt, error) {
	return &authFakeStmt{db: c.db, query: query}, nil
}
func (c *authFakeConn) Close() error { return nil }
func (c *authFakeConn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("not supported")
}

type authFakeStmt struct {
	db    *fakeUserDB
	query string
}

func (s *authFakeStmt) Close() error  { return nil }
func (s *authFakeStmt) NumInput() int { return -1 }

func (s *authFakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	// INSERT INTO user(username, password) VALUES (?, ?)
	name, _ := args[0].(string)
	pwd, _ := args[1].(string)
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.users[name] = pwd
	return driver.RowsAffected(1), nil
}

func (s *authFakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	// SELECT password FROM user WHERE username = ?
	name, _ := args[0].(string)
	s.db.mu.Lock()
	pwd, ok := s.db.users[name]
	s.db.mu.Unlock()
	if !ok {
		return &authFakeRows{}, nil
	}
	return &authFakeRows{row: []driver.Value{pwd}, hasRow: true}, nil
}

type authFakeRows struct {
	row    []driver.Value
	hasRow bool
	done   bool
}

func (r *authFakeRows) Columns() []string { return []string{"password"} }
func (r *authFakeRows) Close() error      { return nil }
func (r *authFakeRows) Next(dest []driver.Value) error {
	if !r.hasRow || r.done {
		return io.EOF
	}
	r.done = true
	copy(dest, r.row)
	return nil
}

var registerDriverOnce sync.Once

func newFakeDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	registerDriverOnce.Do(func() { sql.Register("auth-fake", authFakeDriver{}) })
	fakeRegistry.Store(dsn, &fakeUserDB{users: make(map[string]string)})

	db, err := sql.Open("auth-fake", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestVerifyRejectsEmptyCredentials(t *testing.T) {
	db := newFakeDB(t, "empty-creds")
	ctx := context.Background()

	if err := Verify(ctx, db, "", "pwd", true); err != ErrEmptyCredentials {
		t.Fatalf("Verify with empty name = %v, want ErrEmptyCredentials", err)
	}
	if err := Verify(ctx, db, "name", "", true); err != ErrEmptyCredentials {
		t.Fatalf("Verify with empty pwd = %v, want ErrEmptyCredentials", err)
	}
}

func TestVerifyLoginSuccess(t *testing.T) {
	db := newFakeDB(t, "login-success")
	ctx := context.Background()

	if err := Verify(ctx, db, "alice", "secret", false); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if err := Verify(ctx, db, "alice", "secret", true); err != nil {
		t.Fatalf("login alice: %v", err)
	}
}

func TestVerifyLoginWrongPassword(t *testing.T) {
	db := newFakeDB(t, "login-wrong-pwd")
	ctx := context.Background()

	if err := Verify(ctx, db, "bob", "secret", false); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if err := Verify(ctx, db, "bob", "wrong", true); err != ErrInvalidCredentials {
		t.Fatalf("login bob with wrong password = %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyLoginNoSuchUser(t *testing.T) {
	db := newFakeDB(t, "login-no-user")
	ctx := context.Background()

	if err := Verify(ctx, db, "ghost", "whatever", true); err != ErrInvalidCredentials {
		t.Fatalf("login nonexistent user = %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyRegisterUsernameTaken(t *testing.T) {
	db := newFakeDB(t, "register-taken")
	ctx := context.Background()

	if err := Verify(ctx, db, "carol", "pw1", false); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := Verify(ctx, db, "carol", "pw2", false); err != ErrUsernameTaken {
		t.Fatalf("duplicate registration = %v, want ErrUsernameTaken", err)
	}
}
