package bmc

import (
	"context"
	"time"

	"github.com/jra3/agent-mail/internal/audithook"
	"github.com/jra3/agent-mail/internal/coreerr"
	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/store"
)

// OverseerMessage is a project-scoped broadcast note, specified identically
// to Message's CRUD pattern but with no recipient join.
type OverseerMessage struct {
	ID        ids.OverseerMessageID
	ProjectID ids.ProjectID
	Subject   string
	BodyMD    string
	CreatedTs time.Time
}

// OverseerBmc namespaces overseer message operations.
type OverseerBmc struct {
	Store     *store.Store
	AuditHook audithook.Func
}

func NewOverseerBmc(st *store.Store) *OverseerBmc { return &OverseerBmc{Store: st} }

// Post inserts an overseer message.
func (b *OverseerBmc) Post(ctx context.Context, project ids.ProjectID, subject, bodyMD string) (ids.OverseerMessageID, error) {
	var id ids.OverseerMessageID
	err := b.Store.WithTx(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(ctx,
			`INSERT INTO overseer_messages(project_id, subject, body_md, created_ts) VALUES (?, ?, ?, ?)`,
			project, subject, bodyMD, time.Now().UTC().Format(store.TimeLayout))
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "insert overseer message")
		}
		last, err := res.LastInsertId()
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "overseer message id")
		}
		id = ids.OverseerMessageID(last)
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.AuditHook.Call(project, "post overseer message")
	return id, nil
}

// List returns every overseer message for project, newest first.
func (b *OverseerBmc) List(ctx context.Context, project ids.ProjectID) ([]OverseerMessage, error) {
	rows, err := b.Store.Query(ctx,
		`SELECT id, project_id, subject, body_md, created_ts FROM overseer_messages WHERE project_id = ? ORDER BY created_ts DESC`,
		project)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "list overseer messages")
	}
	defer rows.Close()

	var out []OverseerMessage
	for rows.Next() {
		var m OverseerMessage
		var created string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Subject, &m.BodyMD, &created); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan overseer message")
		}
		m.CreatedTs, _ = time.Parse(store.TimeLayout, created)
		out = append(out, m)
	}
	return out, rows.Err()
}
