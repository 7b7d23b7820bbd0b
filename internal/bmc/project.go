// Package bmc holds the Entity BMCs (Business-Method Controllers): one
// stateless namespace of functions per entity, all routed through a shared
// *store.Store. No BMC holds a connection or other mutable state of its
// own; every mutation is one store.WithTx call. Most mutations then report
// the change through their type's AuditHook; CapabilityBmc's grants and
// revocations and MessageBmc.MarkRead/MarkAcked call no hook.
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
	"github.com/jra3/agent-mail/internal/slug"
	"github.com/jra3/agent-mail/internal/store"
)

// Project is the Project entity.
type Project struct {
	ID        ids.ProjectID
	Slug      string
	HumanKey  string
	CreatedAt time.Time
}

// ProjectBmc namespaces project operations.
type ProjectBmc struct {
	Store *store.Store
	// AuditHook, if set, is called after every committed mutation with the
	// affected project and a short commit subject.
	AuditHook audithook.Func
}

func NewProjectBmc(st *store.Store) *ProjectBmc { return &ProjectBmc{Store: st} }

// Create inserts a project, deriving slug from humanKey. Fails InvalidInput
// if humanKey is empty or has no alphanumeric character, and Conflict if
// either identifier already exists.
func (b *ProjectBmc) Create(ctx context.Context, humanKey string) (ids.ProjectID, error) {
	if humanKey == "" {
		return 0, coreerr.New(coreerr.KindInvalidInput, "human_key must not be empty")
	}
	s := slug.Slugify(humanKey)
	if s == "" {
		return 0, coreerr.New(coreerr.KindInvalidInput, "human_key must contain at least one alphanumeric character")
	}

	var id ids.ProjectID
	err := b.Store.WithTx(ctx, func(tx *store.Tx) error {
		now := time.Now().UTC().Format(store.TimeLayout)
		res, err := tx.Exec(ctx, `INSERT INTO projects(slug, human_key, created_at) VALUES (?, ?, ?)`, s, humanKey, now)
		if err != nil {
			if isUniqueViolation(err) {
				return coreerr.Newf(coreerr.KindConflict, "project with slug %q or human_key %q already exists", s, humanKey)
			}
			return coreerr.Wrap(coreerr.KindStorageError, err, "insert project")
		}
		last, err := res.LastInsertId()
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "project id")
		}
		id = ids.ProjectID(last)
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.AuditHook.Call(id, "create project "+s)
	return id, nil
}

// GetByIdentifier resolves a project by slug or human_key; either
// identifier resolves the same project, per the Project invariant.
func (b *ProjectBmc) GetByIdentifier(ctx context.Context, identifier string) (*Project, error) {
	row := b.Store.QueryRow(ctx,
		`SELECT id, slug, human_key, created_at FROM projects WHERE slug = ? OR human_key = ?`, identifier, identifier)
	return scanProject(row)
}

// Get resolves a project by id.
func (b *ProjectBmc) Get(ctx context.Context, id ids.ProjectID) (*Project, error) {
	row := b.Store.QueryRow(ctx, `SELECT id, slug, human_key, created_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var created string
	if err := row.Scan(&p.ID, &p.Slug, &p.HumanKey, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coreerr.New(coreerr.KindNotFound, "project not found")
		}
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "get project")
	}
	p.CreatedAt, _ = time.Parse(store.TimeLayout, created)
	return &p, nil
}

// List returns every project, ordered by id.
func (b *ProjectBmc) List(ctx context.Context) ([]Project, error) {
	rows, err := b.Store.Query(ctx, `SELECT id, slug, human_key, created_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "list projects")
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var created string
		if err := rows.Scan(&p.ID, &p.Slug, &p.HumanKey, &created); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan project")
		}
		p.CreatedAt, _ = time.Parse(store.TimeLayout, created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// isUniqueViolation matches modernc.org/sqlite's unique constraint error
// text; there is no typed sentinel exposed by the driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
