package dbpool

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every embedded *.sql file in lexical order against one of
// the pool's handles. It is best-effort: a migration failure is logged by
// the caller and does not prevent the server from starting, since the
// schema may already have been provisioned out of band.
func Migrate(ctx context.Context, p *Pool) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("dbpool: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	db, err := p.GetConn(ctx)
	if err != nil {
		return fmt.Errorf("dbpool: acquire connection for migration: %w", err)
	}
	defer p.FreeConn(db)

	for _, name := range names {
		if err := applyMigration(ctx, db, name); err != nil {
			return fmt.Errorf("dbpool: apply %s: %w", name, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, name string) error {
	contents, err := migrationFS.ReadFile("migrations/" + name)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(contents))
	return err
}
