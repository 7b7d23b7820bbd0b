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

// Product aggregates multiple projects for cross-project discovery; it has
// no effect on access control, per the Product/Sibling relation note.
type Product struct {
	ID        ids.ProductID
	Slug      string
	Name      string
	CreatedAt time.Time
}

// ProductBmc namespaces product and product/project link operations.
type ProductBmc struct {
	Store *store.Store
	// AuditHook is consulted by Link, which touches a project's membership;
	// Ensure never calls it since a product by itself has no project to
	// sync -- product_projects rows aren't part of any ProjectSnapshot.
	AuditHook audithook.Func
}

func NewProductBmc(st *store.Store) *ProductBmc { return &ProductBmc{Store: st} }

// Ensure returns the product named name, creating it if it does not exist.
func (b *ProductBmc) Ensure(ctx context.Context, name string) (ids.ProductID, error) {
	if name == "" {
		return 0, coreerr.New(coreerr.KindInvalidInput, "product name must not be empty")
	}
	s := slug.Slugify(name)
	if s == "" {
		return 0, coreerr.New(coreerr.KindInvalidInput, "product name must contain at least one alphanumeric character")
	}

	var id ids.ProductID
	err := b.Store.WithTx(ctx, func(tx *store.Tx) error {
		row := tx.QueryRow(ctx, `SELECT id FROM products WHERE slug = ?`, s)
		var existing int64
		if err := row.Scan(&existing); err == nil {
			id = ids.ProductID(existing)
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return coreerr.Wrap(coreerr.KindStorageError, err, "lookup product")
		}

		res, err := tx.Exec(ctx, `INSERT INTO products(slug, name, created_at) VALUES (?, ?, ?)`,
			s, name, time.Now().UTC().Format(store.TimeLayout))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return coreerr.Newf(coreerr.KindConflict, "product %q already exists", s)
			}
			return coreerr.Wrap(coreerr.KindStorageError, err, "insert product")
		}
		last, err := res.LastInsertId()
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "product id")
		}
		id = ids.ProductID(last)
		return nil
	})
	return id, err
}

// Link associates project with product. Idempotent.
func (b *ProductBmc) Link(ctx context.Context, product ids.ProductID, project ids.ProjectID) error {
	err := b.Store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO product_projects(product_id, project_id) VALUES (?, ?) ON CONFLICT(product_id, project_id) DO NOTHING`,
			product, project)
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "link product to project")
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.AuditHook.Call(project, "link project to product")
	return nil
}

// ListSiblings returns every other project sharing a product with project,
// deduplicated. Two projects with no common product return an empty slice.
func (b *ProductBmc) ListSiblings(ctx context.Context, project ids.ProjectID) ([]ids.ProjectID, error) {
	rows, err := b.Store.Query(ctx,
		`SELECT DISTINCT pp2.project_id
		 FROM product_projects pp1
		 JOIN product_projects pp2 ON pp2.product_id = pp1.product_id
		 WHERE pp1.project_id = ? AND pp2.project_id != ?
		 ORDER BY pp2.project_id`, project, project)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "list siblings")
	}
	defer rows.Close()

	var out []ids.ProjectID
	for rows.Next() {
		var p ids.ProjectID
		if err := rows.Scan(&p); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan sibling")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
