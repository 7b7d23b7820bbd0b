package bmc

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jra3/agent-mail/internal/audithook"
	"github.com/jra3/agent-mail/internal/coreerr"
	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/store"
)

// MacroDefinition is a named, project-scoped canned message body, specified
// identically to Message's CRUD pattern.
type MacroDefinition struct {
	ID        ids.MacroID
	ProjectID ids.ProjectID
	Name      string
	Body      string
	CreatedAt time.Time
}

// MacroBmc namespaces macro definition operations.
type MacroBmc struct {
	Store     *store.Store
	AuditHook audithook.Func
}

func NewMacroBmc(st *store.Store) *MacroBmc { return &MacroBmc{Store: st} }

// Define inserts a macro, unique by (project_id, name).
func (b *MacroBmc) Define(ctx context.Context, project ids.ProjectID, name, body string) (ids.MacroID, error) {
	if name == "" {
		return 0, coreerr.New(coreerr.KindInvalidInput, "macro name must not be empty")
	}
	var id ids.MacroID
	err := b.Store.WithTx(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(ctx,
			`INSERT INTO macro_definitions(project_id, name, body, created_at) VALUES (?, ?, ?, ?)`,
			project, name, body, time.Now().UTC().Format(store.TimeLayout))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return coreerr.Newf(coreerr.KindConflict, "macro %q already defined in this project", name)
			}
			return coreerr.Wrap(coreerr.KindStorageError, err, "insert macro")
		}
		last, err := res.LastInsertId()
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "macro id")
		}
		id = ids.MacroID(last)
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.AuditHook.Call(project, "define macro "+name)
	return id, nil
}

// Get resolves a macro by (project, name).
func (b *MacroBmc) Get(ctx context.Context, project ids.ProjectID, name string) (*MacroDefinition, error) {
	row := b.Store.QueryRow(ctx,
		`SELECT id, project_id, name, body, created_at FROM macro_definitions WHERE project_id = ? AND name = ?`, project, name)
	var m MacroDefinition
	var created string
	if err := row.Scan(&m.ID, &m.ProjectID, &m.Name, &m.Body, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coreerr.New(coreerr.KindNotFound, "macro not found")
		}
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "get macro")
	}
	m.CreatedAt, _ = time.Parse(store.TimeLayout, created)
	return &m, nil
}

// List returns every macro defined in project, ordered by name.
func (b *MacroBmc) List(ctx context.Context, project ids.ProjectID) ([]MacroDefinition, error) {
	rows, err := b.Store.Query(ctx,
		`SELECT id, project_id, name, body, created_at FROM macro_definitions WHERE project_id = ? ORDER BY name`, project)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "list macros")
	}
	defer rows.Close()

	var out []MacroDefinition
	for rows.Next() {
		var m MacroDefinition
		var created string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Name, &m.Body, &created); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan macro")
		}
		m.CreatedAt, _ = time.Parse(store.TimeLayout, created)
		out = append(out, m)
	}
	return out, rows.Err()
}
