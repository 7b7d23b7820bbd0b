package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer st.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpenInMemory(t *testing.T) {
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer st.Close()

	var n int
	row := st.QueryRow(context.Background(), "SELECT COUNT(1) FROM projects")
	if err := row.Scan(&n); err != nil {
		t.Fatalf("migrations did not create projects table: %v", err)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	err = st.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.Exec(context.Background(),
			`INSERT INTO agents(project_id, name, inbound_policy, created_at) VALUES (?, ?, ?, ?)`,
			999, "ghost", "contacts", "2026-01-01 00:00:00")
		return err
	})
	if err == nil {
		t.Fatal("expected foreign key violation inserting agent for nonexistent project")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	err = st.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO projects(human_key, slug, created_at) VALUES (?, ?, ?)`,
			"Rollback Co", "rollback-co", "2026-01-01 00:00:00"); err != nil {
			return err
		}
		return errRollbackSentinel
	})
	if err != errRollbackSentinel {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	var n int
	row := st.QueryRow(ctx, `SELECT COUNT(1) FROM projects WHERE slug = ?`, "rollback-co")
	if scanErr := row.Scan(&n); scanErr != nil {
		t.Fatalf("count query: %v", scanErr)
	}
	if n != 0 {
		t.Fatalf("expected rolled-back insert to be absent, found %d rows", n)
	}
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	err = st.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO projects(human_key, slug, created_at) VALUES (?, ?, ?)`,
			"Commit Co", "commit-co", "2026-01-01 00:00:00")
		return err
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	var n int
	row := st.QueryRow(ctx, `SELECT COUNT(1) FROM projects WHERE slug = ?`, "commit-co")
	if scanErr := row.Scan(&n); scanErr != nil {
		t.Fatalf("count query: %v", scanErr)
	}
	if n != 1 {
		t.Fatalf("expected committed insert to be present, found %d rows", n)
	}
}

var errRollbackSentinel = rollbackSentinel{}

type rollbackSentinel struct{}

func (rollbackSentinel) Error() string { return "rollback sentinel" }
