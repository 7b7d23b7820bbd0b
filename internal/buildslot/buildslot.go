// Package buildslot implements the Build Slot Engine: named exclusive
// leases per project used to serialize CI operations, mirroring the
// Reservation Engine's TTL/expiry discipline at a coarser grain (one named
// slot, not a glob pattern set).
package buildslot

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jra3/agent-mail/internal/audithook"
	"github.com/jra3/agent-mail/internal/coreerr"
	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/store"
)

// BuildSlot is the BuildSlot entity as read back from RS.
type BuildSlot struct {
	ID         ids.BuildSlotID
	ProjectID  ids.ProjectID
	AgentID    ids.AgentID
	SlotName   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	ReleasedAt *time.Time
}

// Engine is the Build Slot Engine.
type Engine struct {
	Store     *store.Store
	AuditHook audithook.Func
}

func New(st *store.Store) *Engine { return &Engine{Store: st} }

// Acquire expires stale rows for (project, slot_name) then inserts a new
// one, all in a single transaction. Fails Conflict if an active row
// remains after expiry.
func (e *Engine) Acquire(ctx context.Context, project ids.ProjectID, agent ids.AgentID, slotName string, ttl time.Duration) (*BuildSlot, error) {
	if slotName == "" {
		return nil, coreerr.New(coreerr.KindInvalidInput, "slot_name is required")
	}
	var result *BuildSlot
	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE build_slots SET released_at = ? WHERE project_id = ? AND slot_name = ? AND released_at IS NULL AND expires_at <= ?`,
			now.Format(store.TimeLayout), project, slotName, now.Format(store.TimeLayout)); err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "expire stale build slots")
		}

		row := tx.QueryRow(ctx,
			`SELECT COUNT(1) FROM build_slots WHERE project_id = ? AND slot_name = ? AND released_at IS NULL AND expires_at > ?`,
			project, slotName, now.Format(store.TimeLayout))
		var held int
		if err := row.Scan(&held); err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "check held build slot")
		}
		if held > 0 {
			return coreerr.Newf(coreerr.KindConflict, "build slot %q is already held in this project", slotName)
		}

		expires := now.Add(ttl)
		res, err := tx.Exec(ctx,
			`INSERT INTO build_slots(project_id, agent_id, slot_name, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
			project, agent, slotName, now.Format(store.TimeLayout), expires.Format(store.TimeLayout))
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "insert build slot")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "build slot id")
		}
		result = &BuildSlot{ID: ids.BuildSlotID(id), ProjectID: project, AgentID: agent, SlotName: slotName, AcquiredAt: now, ExpiresAt: expires}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.AuditHook.Call(project, "acquire build slot "+slotName)
	return result, nil
}

// Renew extends an active slot's expiry; only the owning agent may renew.
func (e *Engine) Renew(ctx context.Context, id ids.BuildSlotID, agent ids.AgentID, ttl time.Duration) error {
	var project ids.ProjectID
	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		slot, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		project = slot.ProjectID
		if slot.AgentID != agent {
			return coreerr.New(coreerr.KindAuthError, "only the owning agent may renew a build slot")
		}
		now := time.Now().UTC()
		if slot.ReleasedAt != nil || !slot.ExpiresAt.After(now) {
			return coreerr.Newf(coreerr.KindInvalidInput, "build slot %d is not active", int64(id))
		}
		_, err = tx.Exec(ctx, `UPDATE build_slots SET expires_at = ? WHERE id = ?`, now.Add(ttl).Format(store.TimeLayout), id)
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "renew build slot")
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.AuditHook.Call(project, "renew build slot")
	return nil
}

// Release marks a build slot released. Idempotent.
func (e *Engine) Release(ctx context.Context, id ids.BuildSlotID, agent ids.AgentID) error {
	var project ids.ProjectID
	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		slot, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		project = slot.ProjectID
		if slot.AgentID != agent {
			return coreerr.New(coreerr.KindAuthError, "only the owning agent may release a build slot")
		}
		if slot.ReleasedAt != nil {
			return nil
		}
		return releaseRow(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	e.AuditHook.Call(project, "release build slot")
	return nil
}

// ForceRelease releases any build slot, requiring the
// "buildslot_force_release" capability.
func (e *Engine) ForceRelease(ctx context.Context, id ids.BuildSlotID, actingAgent ids.AgentID) error {
	var project ids.ProjectID
	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT COUNT(1) FROM agent_capabilities WHERE agent_id = ? AND capability = ? AND (expires_at IS NULL OR expires_at > ?)`,
			actingAgent, "buildslot_force_release", time.Now().UTC().Format(store.TimeLayout))
		var n int
		if err := row.Scan(&n); err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "check capability")
		}
		if n == 0 {
			return coreerr.New(coreerr.KindAuthError, "force_release requires the buildslot_force_release capability")
		}
		slot, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		project = slot.ProjectID
		return releaseRow(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	e.AuditHook.Call(project, "force-release build slot")
	return nil
}

func releaseRow(ctx context.Context, tx *store.Tx, id ids.BuildSlotID) error {
	_, err := tx.Exec(ctx, `UPDATE build_slots SET released_at = ? WHERE id = ?`, time.Now().UTC().Format(store.TimeLayout), id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageError, err, "release build slot")
	}
	return nil
}

func getForUpdate(ctx context.Context, tx *store.Tx, id ids.BuildSlotID) (*BuildSlot, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, project_id, agent_id, slot_name, acquired_at, expires_at, released_at FROM build_slots WHERE id = ?`, id)
	var (
		s        BuildSlot
		acquired string
		expires  string
		released sql.NullString
	)
	if err := row.Scan(&s.ID, &s.ProjectID, &s.AgentID, &s.SlotName, &acquired, &expires, &released); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coreerr.Newf(coreerr.KindNotFound, "build slot %d not found", int64(id))
		}
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "get build slot")
	}
	s.AcquiredAt, _ = time.Parse(store.TimeLayout, acquired)
	s.ExpiresAt, _ = time.Parse(store.TimeLayout, expires)
	if released.Valid {
		t, _ := time.Parse(store.TimeLayout, released.String)
		s.ReleasedAt = &t
	}
	return &s, nil
}
