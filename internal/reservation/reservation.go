package reservation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jra3/agent-mail/internal/audithook"
	"github.com/jra3/agent-mail/internal/coreerr"
	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/store"
)

// Status values for file_reservations.status.
const (
	StatusActive   = "active"
	StatusReleased = "released"
	StatusExpired  = "expired"
)

// Reservation is the FileReservation entity as read back from RS.
type Reservation struct {
	ID         ids.ReservationID
	UUID       string
	ProjectID  ids.ProjectID
	AgentID    ids.AgentID
	Patterns   []string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	ReleasedAt *time.Time
	Status     string
}

// Active reports whether r is active per the derived-status invariant:
// status flag is "active" AND expires_at > now AND released_at IS NULL.
func (r Reservation) Active(now time.Time) bool {
	return r.Status == StatusActive && r.ReleasedAt == nil && r.ExpiresAt.After(now)
}

// Conflict is one overlap found by CheckPaths. UUID is the reservation's
// external handle -- the same value Engine.Reserve returns and every other
// reservation verb addresses a row by -- not the internal ReservationID.
type Conflict struct {
	Path          string
	OtherAgent    ids.AgentID
	ReservationID ids.ReservationID
	UUID          string
}

// WorkdirLister returns the set of paths (relative to the archive working
// tree, forward-slash separated) currently present on disk, used as the
// concrete file universe the gitignore-style overlap check is evaluated
// against. New supplies one that walks the archive root, skipping .git;
// fakeable in tests.
type WorkdirLister func() ([]string, error)

// Engine is the Reservation Engine. It holds no state of its own; all
// state flows through the shared Store.
type Engine struct {
	Store     *store.Store
	Workdir   WorkdirLister
	AuditHook audithook.Func
}

// New builds an Engine backed by st, listing files under archiveRoot for
// overlap checks.
func New(st *store.Store, archiveRoot string) *Engine {
	return &Engine{Store: st, Workdir: func() ([]string, error) { return listFiles(archiveRoot) }}
}

func listFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == ".archive.lock" || rel == ".archive.lock.owner" {
			return nil
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireDue flips every active reservation whose expires_at <= now to
// expired, within the given transaction. Idempotent, and run opportunistically
// before every admission per the spec's TOCTOU-avoidance ordering.
func ExpireDue(ctx context.Context, tx *store.Tx, now time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE file_reservations SET status = ? WHERE status = ? AND expires_at <= ? AND released_at IS NULL`,
		StatusExpired, StatusActive, now.UTC().Format(store.TimeLayout))
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageError, err, "expire due reservations")
	}
	return nil
}

// activeOthers returns every active reservation in project held by an
// agent other than excludeAgent.
func activeOthers(ctx context.Context, tx *store.Tx, project ids.ProjectID, excludeAgent ids.AgentID, now time.Time) ([]Reservation, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, uuid, project_id, agent_id, patterns, acquired_at, expires_at, released_at, status
		 FROM file_reservations
		 WHERE project_id = ? AND agent_id != ? AND status = ? AND released_at IS NULL AND expires_at > ?`,
		project, excludeAgent, StatusActive, now.UTC().Format(store.TimeLayout))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "list active reservations")
	}
	defer rows.Close()
	return scanReservations(rows)
}

func scanReservations(rows *sql.Rows) ([]Reservation, error) {
	var out []Reservation
	for rows.Next() {
		var (
			r          Reservation
			patternsJS string
			acquired   string
			expires    string
			released   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.UUID, &r.ProjectID, &r.AgentID, &patternsJS, &acquired, &expires, &released, &r.Status); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan reservation")
		}
		if err := json.Unmarshal([]byte(patternsJS), &r.Patterns); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "decode patterns")
		}
		r.AcquiredAt, _ = time.Parse(store.TimeLayout, acquired)
		r.ExpiresAt, _ = time.Parse(store.TimeLayout, expires)
		if released.Valid {
			t, _ := time.Parse(store.TimeLayout, released.String)
			r.ReleasedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reserve admits a new reservation iff patterns are disjoint (against the
// current workdir file listing) from every active reservation held by a
// different agent in the same project. The same agent re-reserving
// overlapping patterns is always admitted (idempotent extension).
//
// The whole admission -- expire_due, list others, test disjointness,
// insert -- runs inside one transaction so no other Reserve call can slip
// an admission in between the test and the insert.
func (e *Engine) Reserve(ctx context.Context, project ids.ProjectID, agent ids.AgentID, patterns []string, ttl time.Duration) (*Reservation, error) {
	if len(patterns) == 0 {
		return nil, coreerr.New(coreerr.KindInvalidInput, "reservation requires at least one pattern")
	}
	files, err := e.Workdir()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "list archive workdir")
	}

	var result *Reservation
	err = e.Store.WithTx(ctx, func(tx *store.Tx) error {
		now := time.Now().UTC()
		if err := ExpireDue(ctx, tx, now); err != nil {
			return err
		}
		others, err := activeOthers(ctx, tx, project, agent, now)
		if err != nil {
			return err
		}
		for _, o := range others {
			if patternsOverlap(patterns, o.Patterns, files) {
				return coreerr.Newf(coreerr.KindConflict,
					"patterns overlap with reservation %s held by agent %s", o.UUID, o.AgentID).
					WithContext(map[string]any{"reservation": o.UUID, "agent": int64(o.AgentID)})
			}
		}

		patternsJS, err := json.Marshal(patterns)
		if err != nil {
			return coreerr.Wrap(coreerr.KindInvalidInput, err, "encode patterns")
		}
		u := uuid.NewString()
		expires := now.Add(ttl)
		res, err := tx.Exec(ctx,
			`INSERT INTO file_reservations(uuid, project_id, agent_id, patterns, acquired_at, expires_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u, project, agent, string(patternsJS), now.Format(store.TimeLayout), expires.Format(store.TimeLayout), StatusActive)
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "insert reservation")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "reservation id")
		}
		result = &Reservation{
			ID: ids.ReservationID(id), UUID: u, ProjectID: project, AgentID: agent,
			Patterns: patterns, AcquiredAt: now, ExpiresAt: expires, Status: StatusActive,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.AuditHook.Call(project, "reserve "+result.UUID)
	return result, nil
}

// Renew extends an active reservation's expiry. Only the owning agent may
// renew; invalid on released or expired rows.
func (e *Engine) Renew(ctx context.Context, uuidStr string, agent ids.AgentID, ttl time.Duration) error {
	var project ids.ProjectID
	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		r, err := getByUUIDForUpdate(ctx, tx, uuidStr)
		if err != nil {
			return err
		}
		project = r.ProjectID
		if r.AgentID != agent {
			return coreerr.New(coreerr.KindAuthError, "only the owning agent may renew a reservation")
		}
		now := time.Now().UTC()
		if !r.Active(now) {
			return coreerr.Newf(coreerr.KindInvalidInput, "reservation %s is not active", uuidStr)
		}
		_, err = tx.Exec(ctx, `UPDATE file_reservations SET expires_at = ? WHERE uuid = ?`,
			now.Add(ttl).Format(store.TimeLayout), uuidStr)
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "renew reservation")
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.AuditHook.Call(project, "renew "+uuidStr)
	return nil
}

// Release marks a reservation released. Idempotent: releasing an already
// released reservation is a no-op, not an error.
func (e *Engine) Release(ctx context.Context, uuidStr string, agent ids.AgentID) error {
	var project ids.ProjectID
	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		r, err := getByUUIDForUpdate(ctx, tx, uuidStr)
		if err != nil {
			return err
		}
		project = r.ProjectID
		if r.AgentID != agent {
			return coreerr.New(coreerr.KindAuthError, "only the owning agent may release a reservation")
		}
		if r.Status == StatusReleased {
			return nil
		}
		return release(ctx, tx, uuidStr)
	})
	if err != nil {
		return err
	}
	e.AuditHook.Call(project, "release "+uuidStr)
	return nil
}

// ForceRelease releases any reservation regardless of owner, requiring the
// caller to hold the "reservation_force_release" capability.
func (e *Engine) ForceRelease(ctx context.Context, uuidStr string, actingAgent ids.AgentID) error {
	var project ids.ProjectID
	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		ok, err := hasCapability(ctx, tx, actingAgent, "reservation_force_release")
		if err != nil {
			return err
		}
		if !ok {
			return coreerr.New(coreerr.KindAuthError, "force_release requires the reservation_force_release capability")
		}
		r, err := getByUUIDForUpdate(ctx, tx, uuidStr)
		if err != nil {
			return err
		}
		project = r.ProjectID
		return release(ctx, tx, uuidStr)
	})
	if err != nil {
		return err
	}
	e.AuditHook.Call(project, "force-release "+uuidStr)
	return nil
}

func release(ctx context.Context, tx *store.Tx, uuidStr string) error {
	now := time.Now().UTC().Format(store.TimeLayout)
	_, err := tx.Exec(ctx, `UPDATE file_reservations SET status = ?, released_at = ? WHERE uuid = ?`,
		StatusReleased, now, uuidStr)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageError, err, "release reservation")
	}
	return nil
}

func getByUUIDForUpdate(ctx context.Context, tx *store.Tx, uuidStr string) (*Reservation, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, uuid, project_id, agent_id, patterns, acquired_at, expires_at, released_at, status
		 FROM file_reservations WHERE uuid = ?`, uuidStr)
	var (
		r          Reservation
		patternsJS string
		acquired   string
		expires    string
		released   sql.NullString
	)
	if err := row.Scan(&r.ID, &r.UUID, &r.ProjectID, &r.AgentID, &patternsJS, &acquired, &expires, &released, &r.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coreerr.Newf(coreerr.KindNotFound, "reservation %s not found", uuidStr)
		}
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "get reservation")
	}
	json.Unmarshal([]byte(patternsJS), &r.Patterns)
	r.AcquiredAt, _ = time.Parse(store.TimeLayout, acquired)
	r.ExpiresAt, _ = time.Parse(store.TimeLayout, expires)
	if released.Valid {
		t, _ := time.Parse(store.TimeLayout, released.String)
		r.ReleasedAt = &t
	}
	return &r, nil
}

func hasCapability(ctx context.Context, tx *store.Tx, agent ids.AgentID, capability string) (bool, error) {
	row := tx.QueryRow(ctx,
		`SELECT COUNT(1) FROM agent_capabilities
		 WHERE agent_id = ? AND capability = ? AND (expires_at IS NULL OR expires_at > ?)`,
		agent, capability, time.Now().UTC().Format(store.TimeLayout))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, coreerr.Wrap(coreerr.KindStorageError, err, "check capability")
	}
	return n > 0, nil
}

// CheckPaths is the pre-commit guard's conflict check: for every path in
// paths that matches a pattern from an active reservation held by an
// agent other than agent in project, report a Conflict.
func (e *Engine) CheckPaths(ctx context.Context, project ids.ProjectID, agent ids.AgentID, paths []string) ([]Conflict, error) {
	var conflicts []Conflict
	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		now := time.Now().UTC()
		if err := ExpireDue(ctx, tx, now); err != nil {
			return err
		}
		others, err := activeOthers(ctx, tx, project, agent, now)
		if err != nil {
			return err
		}
		normalized := normalizePaths(paths)
		for _, o := range others {
			for _, p := range normalized {
				if matchesAny(o.Patterns, p) {
					conflicts = append(conflicts, Conflict{Path: p, OtherAgent: o.AgentID, ReservationID: o.ID, UUID: o.UUID})
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conflicts, nil
}

func normalizePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, filepath.ToSlash(p))
	}
	return out
}
