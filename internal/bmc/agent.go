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

// Agent is the Agent entity.
type Agent struct {
	ID              ids.AgentID
	ProjectID       ids.ProjectID
	Name            string
	Program         string
	Model           string
	TaskDescription string
	InboundPolicy   string
	CreatedAt       time.Time
}

// AgentForCreate is the input to AgentBmc.Register.
type AgentForCreate struct {
	ProjectID       ids.ProjectID
	Name            string
	Program         string
	Model           string
	TaskDescription string
	InboundPolicy   string // empty defaults to "contacts"
}

// AgentBmc namespaces agent operations.
type AgentBmc struct {
	Store     *store.Store
	AuditHook audithook.Func
}

func NewAgentBmc(st *store.Store) *AgentBmc { return &AgentBmc{Store: st} }

// Register creates an agent, unique by (project_id, name).
func (b *AgentBmc) Register(ctx context.Context, c AgentForCreate) (ids.AgentID, error) {
	if c.Name == "" {
		return 0, coreerr.New(coreerr.KindInvalidInput, "agent name must not be empty")
	}
	policy := c.InboundPolicy
	if policy == "" {
		policy = "contacts"
	}

	var id ids.AgentID
	err := b.Store.WithTx(ctx, func(tx *store.Tx) error {
		now := time.Now().UTC().Format(store.TimeLayout)
		res, err := tx.Exec(ctx,
			`INSERT INTO agents(project_id, name, program, model, task_description, inbound_policy, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ProjectID, c.Name, c.Program, c.Model, c.TaskDescription, policy, now)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return coreerr.Newf(coreerr.KindConflict, "agent %q already registered in this project", c.Name)
			}
			return coreerr.Wrap(coreerr.KindStorageError, err, "insert agent")
		}
		last, err := res.LastInsertId()
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "agent id")
		}
		id = ids.AgentID(last)
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.AuditHook.Call(c.ProjectID, "register agent "+c.Name)
	return id, nil
}

// Get resolves an agent by id.
func (b *AgentBmc) Get(ctx context.Context, id ids.AgentID) (*Agent, error) {
	row := b.Store.QueryRow(ctx,
		`SELECT id, project_id, name, program, model, task_description, inbound_policy, created_at FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetByName resolves an agent by (project, name).
func (b *AgentBmc) GetByName(ctx context.Context, project ids.ProjectID, name string) (*Agent, error) {
	row := b.Store.QueryRow(ctx,
		`SELECT id, project_id, name, program, model, task_description, inbound_policy, created_at
		 FROM agents WHERE project_id = ? AND name = ?`, project, name)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var created string
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model, &a.TaskDescription, &a.InboundPolicy, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coreerr.New(coreerr.KindNotFound, "agent not found")
		}
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "get agent")
	}
	a.CreatedAt, _ = time.Parse(store.TimeLayout, created)
	return &a, nil
}

// List returns every agent in a project, ordered by name.
func (b *AgentBmc) List(ctx context.Context, project ids.ProjectID) ([]Agent, error) {
	rows, err := b.Store.Query(ctx,
		`SELECT id, project_id, name, program, model, task_description, inbound_policy, created_at
		 FROM agents WHERE project_id = ? ORDER BY name`, project)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "list agents")
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		var created string
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model, &a.TaskDescription, &a.InboundPolicy, &created); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan agent")
		}
		a.CreatedAt, _ = time.Parse(store.TimeLayout, created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Deregister deletes an agent. Capabilities, reservations, build slots, and
// sent messages cascade via foreign keys (soft state only, per the Agent
// lifecycle note).
func (b *AgentBmc) Deregister(ctx context.Context, id ids.AgentID) error {
	var project ids.ProjectID
	err := b.Store.WithTx(ctx, func(tx *store.Tx) error {
		row := tx.QueryRow(ctx, `SELECT project_id FROM agents WHERE id = ?`, id)
		if err := row.Scan(&project); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return coreerr.New(coreerr.KindNotFound, "agent not found")
			}
			return coreerr.Wrap(coreerr.KindStorageError, err, "deregister agent")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "deregister agent")
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.AuditHook.Call(project, "deregister agent")
	return nil
}
