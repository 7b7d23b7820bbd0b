// Package store wraps the relational store (RS): a typed connection to the
// embedded SQL engine, schema migrations applied at open, and a
// transaction helper every BMC routes through. No BMC holds its own
// connection; all of them take a *Store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// TimeLayout is the SQL-boundary timestamp format: UTC instants formatted
// YYYY-MM-DD HH:MM:SS, per the data model's timestamp invariant.
const TimeLayout = "2006-01-02 15:04:05"

// Store is the shared handle passed to every BMC and engine. It is cheaply
// copyable by pointer and safe for concurrent use: *sql.DB already pools
// connections, and SQLite's own locking combined with WAL mode serializes
// writers.
type Store struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at path and applies any
// outstanding migrations. If path is ":memory:" an in-memory database is
// used (primarily for tests); it is opened with a shared cache, so Stores
// opened on ":memory:" at the same time in one process share it.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	connStr := "file:" + strings.ReplaceAll(path, " ", "%20") + "?_time_format=sqlite"
	if path == ":memory:" {
		connStr = "file::memory:?cache=shared&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path == ":memory:" {
		// A shared-cache in-memory database still needs exactly one
		// connection, or each new connection sees an empty database.
		db.SetMaxOpenConns(1)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil && path != ":memory:" {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying connection pool, for callers that need a raw
// query the BMC layer does not wrap (test fixtures, diagnostics).
func (s *Store) DB() *sql.DB { return s.db }

// Tx is the transaction handle BMCs operate on inside WithTx.
type Tx struct {
	tx *sql.Tx
}

// Exec and Query proxy to the underlying *sql.Tx so BMC code never imports
// database/sql directly for the common case.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside a single SQL transaction: serializable semantics
// per-transaction, rollback on error or panic, commit on success. Every
// mutating BMC operation is exactly one WithTx call, so the insert(s) it
// performs are atomic -- per the spec's "recipients see the message
// atomically" guarantee for Message.Send, and the reservation engine's
// TOCTOU-free admission.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	if err = fn(&Tx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Query and QueryRow run outside any transaction, for pure reads (BMC
// lookups and listings such as the unified inbox).
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}
