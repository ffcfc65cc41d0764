// Package auth implements the two form actions the server exposes over
// POST: logging in against an existing row in the user table, and
// registering a new one. Both go through parametrized queries; the
// original's string-formatted SQL is not reproduced here.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrEmptyCredentials is returned when name or pwd is empty, matching the
// original's short-circuit before it ever touches the database.
var ErrEmptyCredentials = errors.New("auth: username or password empty")

// ErrInvalidCredentials is returned on a failed login: no such user, or a
// password mismatch.
var ErrInvalidCredentials = errors.New("auth: invalid username or password")

// ErrUsernameTaken is returned on a failed registration because the name is
// already in the user table.
var ErrUsernameTaken = errors.New("auth: username already registered")

// Verify checks name/pwd against the user table. When isLogin is true it
// authenticates an existing account; otherwise it registers a new one,
// failing if the username is already taken.
func Verify(ctx context.Context, db *sql.DB, name, pwd string, isLogin bool) error {
	if name == "" || pwd == "" {
		return ErrEmptyCredentials
	}

	var stored string
	err := db.QueryRowContext(ctx,
		`SELECT password FROM user WHERE username = ?`, name,
	).Scan(&stored)

	switch {
	case err == sql.ErrNoRows:
		if isLogin {
			return ErrInvalidCredentials
		}
		return register(ctx, db, name, pwd)
	case err != nil:
		return fmt.Errorf("auth: query user %q: %w", name, err)
	default:
		if !isLogin {
			return ErrUsernameTaken
		}
		if stored != pwd {
			return ErrInvalidCredentials
		}
		return nil
	}
}

func register(ctx context.Context, db *sql.DB, name, pwd string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO user(username, password) VALUES (?, ?)`, name, pwd,
	)
	if err != nil {
		return fmt.Errorf("auth: insert user %q: %w", name, err)
	}
	return nil
}
