package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"
)

//go:embed schema.sql
var baseSchema string

// migration is a named SQL script applied at most once, tracked in the
// schema_migrations ledger table.
type migration struct {
	Name string
	SQL  string
}

// migrations is the ordered list of scripts applied at Open time. New
// schema changes are appended here, never edited in place, so a script
// already recorded in schema_migrations on a deployed database is never
// re-run with different contents.
var migrations = []migration{
	{Name: "0001_base", SQL: baseSchema},
}

// applyMigrations runs every migration not yet recorded in
// schema_migrations, in order, inside its own transaction.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	// schema_migrations is also declared in 0001_base, but the ledger must
	// exist before it can be queried, so it is created here first with
	// CREATE TABLE IF NOT EXISTS; this is idempotent and safe whether or
	// not 0001_base was already applied.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TEXT NOT NULL)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		row := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE name = ?", m.Name)
		if err := row.Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.Name, err)
		}
		if applied > 0 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations(name, applied_at) VALUES (?, ?)",
			m.Name, time.Now().UTC().Format(TimeLayout)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.Name, err)
		}
	}
	return nil
}
