package bmc

import (
	"context"
	"database/sql"
	"time"

	"github.com/jra3/agent-mail/internal/coreerr"
	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/store"
)

// Capability is a grant of a named permission to an agent, optionally
// time-bounded.
type Capability struct {
	ID        ids.CapabilityID
	AgentID   ids.AgentID
	Name      string
	GrantedAt time.Time
	GrantedBy ids.AgentID
	ExpiresAt *time.Time
}

// CapabilityBmc namespaces capability grant/revoke/check operations.
type CapabilityBmc struct{ Store *store.Store }

func NewCapabilityBmc(st *store.Store) *CapabilityBmc { return &CapabilityBmc{Store: st} }

// Grant records a capability for an agent. grantedBy 0 means system-granted.
func (b *CapabilityBmc) Grant(ctx context.Context, agent ids.AgentID, name string, grantedBy ids.AgentID, expiresAt *time.Time) (ids.CapabilityID, error) {
	if name == "" {
		return 0, coreerr.New(coreerr.KindInvalidInput, "capability name must not be empty")
	}
	var id ids.CapabilityID
	err := b.Store.WithTx(ctx, func(tx *store.Tx) error {
		var expires sql.NullString
		if expiresAt != nil {
			expires = sql.NullString{String: expiresAt.UTC().Format(store.TimeLayout), Valid: true}
		}
		var grantedByVal any
		if grantedBy != 0 {
			grantedByVal = grantedBy
		}
		res, err := tx.Exec(ctx,
			`INSERT INTO agent_capabilities(agent_id, capability, granted_at, granted_by, expires_at) VALUES (?, ?, ?, ?, ?)`,
			agent, name, time.Now().UTC().Format(store.TimeLayout), grantedByVal, expires)
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "grant capability")
		}
		last, err := res.LastInsertId()
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "capability id")
		}
		id = ids.CapabilityID(last)
		return nil
	})
	return id, err
}

// Revoke deletes a capability grant by id.
func (b *CapabilityBmc) Revoke(ctx context.Context, id ids.CapabilityID) error {
	return b.Store.WithTx(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(ctx, `DELETE FROM agent_capabilities WHERE id = ?`, id)
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "revoke capability")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "revoke capability")
		}
		if n == 0 {
			return coreerr.New(coreerr.KindNotFound, "capability grant not found")
		}
		return nil
	})
}

// RevokeByName deletes every grant of name held by agent, expired or not.
func (b *CapabilityBmc) RevokeByName(ctx context.Context, agent ids.AgentID, name string) error {
	return b.Store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM agent_capabilities WHERE agent_id = ? AND capability = ?`, agent, name)
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "revoke capability")
		}
		return nil
	})
}

// Check reports whether agent currently holds an unexpired grant of name.
func (b *CapabilityBmc) Check(ctx context.Context, agent ids.AgentID, name string) (bool, error) {
	row := b.Store.QueryRow(ctx,
		`SELECT COUNT(1) FROM agent_capabilities WHERE agent_id = ? AND capability = ? AND (expires_at IS NULL OR expires_at > ?)`,
		agent, name, time.Now().UTC().Format(store.TimeLayout))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, coreerr.Wrap(coreerr.KindStorageError, err, "check capability")
	}
	return n > 0, nil
}

// List returns every capability grant held by agent, including expired ones.
func (b *CapabilityBmc) List(ctx context.Context, agent ids.AgentID) ([]Capability, error) {
	rows, err := b.Store.Query(ctx,
		`SELECT id, agent_id, capability, granted_at, granted_by, expires_at FROM agent_capabilities WHERE agent_id = ? ORDER BY id`, agent)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "list capabilities")
	}
	defer rows.Close()

	var out []Capability
	for rows.Next() {
		var (
			c         Capability
			granted   string
			grantedBy sql.NullInt64
			expires   sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Name, &granted, &grantedBy, &expires); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan capability")
		}
		c.GrantedAt, _ = time.Parse(store.TimeLayout, granted)
		if grantedBy.Valid {
			c.GrantedBy = ids.AgentID(grantedBy.Int64)
		}
		if expires.Valid {
			t, _ := time.Parse(store.TimeLayout, expires.String)
			c.ExpiresAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
