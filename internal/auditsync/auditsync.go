// Package auditsync implements Audit Sync as message-passing rather than
// RAII: mutating BMCs enqueue an Event after their transaction commits, a
// background worker drains the queue, acquires the Archive Lock, snapshots
// the affected project, and commits it to the Git-backed archive. Failures
// are logged, never propagated back to the BMC call that enqueued them; a
// periodic Reconcile pass catches up anything a dropped event or crashed
// worker missed.
//
// Grounded on the Start/Stop/stopCh/doneCh worker idiom in
// internal/sync/worker.go, adapted from a polling ticker to a
// channel-drained queue since Audit Sync reacts to events rather than
// polling an external API.
package auditsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jra3/agent-mail/internal/archive"
	"github.com/jra3/agent-mail/internal/archivelock"
	"github.com/jra3/agent-mail/internal/coreerr"
	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/store"
)

// Event is enqueued by a mutating BMC after its transaction commits.
// Message is a short human-readable commit subject.
type Event struct {
	ProjectID ids.ProjectID
	Message   string
}

// Config holds worker tuning knobs.
type Config struct {
	// QueueSize bounds the number of pending events; Enqueue drops an
	// event that arrives while the queue is full.
	QueueSize int
	// LockTimeout bounds how long the worker waits for the Archive Lock
	// per drained event.
	LockTimeout time.Duration
	// ReconcileInterval is how often Reconcile sweeps every project,
	// catching up snapshots missed by a dropped event or a crash between
	// dequeue and commit.
	ReconcileInterval time.Duration
	// Agent labels this process in the lock's owner sidecar.
	Agent string
}

// DefaultConfig returns the Config used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		QueueSize:         256,
		LockTimeout:       30 * time.Second,
		ReconcileInterval: 5 * time.Minute,
		Agent:             "auditsync",
	}
}

// Worker drains queued Events into Git commits under the Archive Lock.
type Worker struct {
	store   *store.Store
	archive *archive.Archive
	cfg     Config

	queue  chan Event
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.RWMutex
	running bool
}

// NewWorker builds a Worker over st and ar. cfg zero-fields fall back to
// DefaultConfig.
func NewWorker(st *store.Store, ar *archive.Archive, cfg Config) *Worker {
	d := DefaultConfig()
	if cfg.QueueSize == 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = d.LockTimeout
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = d.ReconcileInterval
	}
	if cfg.Agent == "" {
		cfg.Agent = d.Agent
	}
	return &Worker{
		store:   st,
		archive: ar,
		cfg:     cfg,
		queue:   make(chan Event, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Enqueue queues ev for sync, best-effort: a full queue drops the event
// silently and logs, relying on the periodic Reconcile pass to catch up
// rather than applying backpressure to the caller's transaction path.
func (w *Worker) Enqueue(ev Event) {
	select {
	case w.queue <- ev:
	default:
		log.Printf("[auditsync] queue full, dropping event for project %d (reconcile will catch up)", int64(ev.ProjectID))
	}
}

// Start begins the background drain-and-reconcile loop.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop drains no further events and waits for the loop to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(w.doneCh)
	}()

	ticker := time.NewTicker(w.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev := <-w.queue:
			if err := w.syncProject(ctx, ev.ProjectID, ev.Message); err != nil {
				log.Printf("[auditsync] sync project %d failed: %v", int64(ev.ProjectID), err)
			}
		case <-ticker.C:
			if err := w.Reconcile(ctx); err != nil {
				log.Printf("[auditsync] reconcile failed: %v", err)
			}
		}
	}
}

// Reconcile snapshots every project, regardless of whether an event is
// pending for it. Run on ReconcileInterval and callable directly (e.g. from
// a CLI "sync now" command).
//
// Snapshots are built concurrently via errgroup, since each is an
// independent set of read-only queries; the resulting commits are still
// applied one at a time under the single Archive Lock, so the concurrency
// only buys back the database read latency, not the lock-held window.
func (w *Worker) Reconcile(ctx context.Context) error {
	rows, err := w.store.Query(ctx, `SELECT id FROM projects ORDER BY id`)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageError, err, "list projects for reconcile")
	}
	var projectIDs []ids.ProjectID
	for rows.Next() {
		var id ids.ProjectID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return coreerr.Wrap(coreerr.KindStorageError, err, "scan project id")
		}
		projectIDs = append(projectIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	snapshots := make([]*archive.ProjectSnapshot, len(projectIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range projectIDs {
		i, id := i, id
		g.Go(func() error {
			snap, err := w.buildSnapshot(gctx, id)
			if err != nil {
				log.Printf("[auditsync] build snapshot for project %d failed: %v", int64(id), err)
				return nil
			}
			snapshots[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, snap := range snapshots {
		if snap == nil {
			continue
		}
		if err := w.commitSnapshot(ctx, *snap, "reconcile"); err != nil {
			log.Printf("[auditsync] reconcile project %d failed: %v", int64(projectIDs[i]), err)
		}
	}
	return nil
}

// SyncNow synchronously syncs project, bypassing the queue. Intended for
// one-shot CLI commands that mutate the store and exit before a background
// worker would ever drain an Enqueue'd event; the long-running `service`
// process should prefer Enqueue so the mutating call doesn't block on the
// Archive Lock.
func (w *Worker) SyncNow(ctx context.Context, project ids.ProjectID, message string) error {
	return w.syncProject(ctx, project, message)
}

// syncProject acquires the Archive Lock, snapshots project, and commits it.
// The lock is held only for the snapshot-write-and-commit window, never
// across the database transaction that produced the underlying data.
func (w *Worker) syncProject(ctx context.Context, project ids.ProjectID, message string) error {
	snap, err := w.buildSnapshot(ctx, project)
	if err != nil {
		return err
	}
	return w.commitSnapshot(ctx, *snap, message)
}

func (w *Worker) commitSnapshot(ctx context.Context, snap archive.ProjectSnapshot, message string) error {
	guard, err := archivelock.Acquire(ctx, w.archive.Root(), w.cfg.Agent, w.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer guard.Close()

	if err := w.archive.WriteProjectSnapshot(snap); err != nil {
		return coreerr.Wrap(coreerr.KindStorageError, err, "write project snapshot")
	}

	if message == "" {
		message = "sync project " + snap.Slug
	}
	_, err = w.archive.Commit(message, archive.Signature{Name: "agent-mail", Email: "agent-mail@localhost"})
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageError, err, "commit archive")
	}
	return nil
}

// buildSnapshot reads the current relational state for project, outside
// any write transaction (Export and Audit Sync are both pure readers of
// already-committed state).
func (w *Worker) buildSnapshot(ctx context.Context, project ids.ProjectID) (*archive.ProjectSnapshot, error) {
	row := w.store.QueryRow(ctx, `SELECT id, slug, human_key, created_at FROM projects WHERE id = ?`, project)
	var meta archive.ProjectMeta
	if err := row.Scan(&meta.ID, &meta.Slug, &meta.HumanKey, &meta.CreatedAt); err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "read project for snapshot")
	}

	agentNames := map[int64]string{}
	agents, err := w.readAgents(ctx, project, agentNames)
	if err != nil {
		return nil, err
	}
	messages, err := w.readMessages(ctx, project, agentNames)
	if err != nil {
		return nil, err
	}
	reservations, err := w.readReservations(ctx, project, agentNames)
	if err != nil {
		return nil, err
	}
	slots, err := w.readBuildSlots(ctx, project, agentNames)
	if err != nil {
		return nil, err
	}

	return &archive.ProjectSnapshot{
		Slug:         meta.Slug,
		Meta:         meta,
		Agents:       agents,
		Messages:     messages,
		Reservations: reservations,
		BuildSlots:   slots,
	}, nil
}

func (w *Worker) readAgents(ctx context.Context, project ids.ProjectID, names map[int64]string) ([]archive.AgentSnapshot, error) {
	rows, err := w.store.Query(ctx,
		`SELECT id, name, program, model, task_description, created_at FROM agents WHERE project_id = ?`, project)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "read agents for snapshot")
	}
	defer rows.Close()

	var out []archive.AgentSnapshot
	for rows.Next() {
		var a archive.AgentSnapshot
		if err := rows.Scan(&a.ID, &a.Name, &a.Program, &a.Model, &a.TaskDescription, &a.CreatedAt); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan agent for snapshot")
		}
		names[a.ID] = a.Name
		out = append(out, a)
	}
	return out, rows.Err()
}

func (w *Worker) readMessages(ctx context.Context, project ids.ProjectID, agentNames map[int64]string) ([]archive.MessageSnapshot, error) {
	rows, err := w.store.Query(ctx,
		`SELECT id, sender_id, subject, body_md, importance, COALESCE(thread_id, ''), created_ts FROM messages WHERE project_id = ?`, project)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "read messages for snapshot")
	}
	defer rows.Close()

	var out []archive.MessageSnapshot
	for rows.Next() {
		var m archive.MessageSnapshot
		var senderID int64
		if err := rows.Scan(&m.ID, &senderID, &m.Subject, &m.BodyMD, &m.Importance, &m.ThreadID, &m.CreatedTs); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan message for snapshot")
		}
		m.SenderName = agentNames[senderID]
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		recRows, err := w.store.Query(ctx, `SELECT agent_id FROM message_recipients WHERE message_id = ?`, out[i].ID)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "read recipients for snapshot")
		}
		for recRows.Next() {
			var agentID int64
			if err := recRows.Scan(&agentID); err != nil {
				recRows.Close()
				return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan recipient for snapshot")
			}
			out[i].Recipients = append(out[i].Recipients, agentNames[agentID])
		}
		recRows.Close()
	}
	return out, nil
}

func (w *Worker) readReservations(ctx context.Context, project ids.ProjectID, agentNames map[int64]string) ([]archive.ReservationSnapshot, error) {
	rows, err := w.store.Query(ctx,
		`SELECT uuid, agent_id, patterns, acquired_at, expires_at, status FROM file_reservations WHERE project_id = ?`, project)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "read reservations for snapshot")
	}
	defer rows.Close()

	var out []archive.ReservationSnapshot
	for rows.Next() {
		var (
			r          archive.ReservationSnapshot
			agentID    int64
			patternsJS string
		)
		if err := rows.Scan(&r.UUID, &agentID, &patternsJS, &r.AcquiredAt, &r.ExpiresAt, &r.Status); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan reservation for snapshot")
		}
		if err := json.Unmarshal([]byte(patternsJS), &r.Patterns); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "decode patterns for snapshot")
		}
		r.AgentName = agentNames[agentID]
		out = append(out, r)
	}
	return out, rows.Err()
}

func (w *Worker) readBuildSlots(ctx context.Context, project ids.ProjectID, agentNames map[int64]string) ([]archive.BuildSlotSnapshot, error) {
	rows, err := w.store.Query(ctx,
		`SELECT id, agent_id, slot_name, acquired_at, expires_at, released_at FROM build_slots WHERE project_id = ?`, project)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "read build slots for snapshot")
	}
	defer rows.Close()

	var out []archive.BuildSlotSnapshot
	for rows.Next() {
		var (
			s        archive.BuildSlotSnapshot
			agentID  int64
			released sql.NullString
		)
		if err := rows.Scan(&s.ID, &agentID, &s.SlotName, &s.AcquiredAt, &s.ExpiresAt, &released); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan build slot for snapshot")
		}
		s.AgentName = agentNames[agentID]
		if released.Valid {
			s.Status = "released"
		} else {
			s.Status = "active"
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
