// Package contact implements the Contact Policy Engine: per-agent inbound
// policy (open/contacts/closed), the request/accept link lifecycle, and
// the single can_send predicate MessageBmc.send consults before inserting
// a message.
package contact

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

// Inbound policy values, stored on agents.inbound_policy.
const (
	PolicyOpen     = "open"
	PolicyContacts = "contacts"
	PolicyClosed   = "closed"
)

// Link status values, stored on contact_links.status.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
)

// Engine is the Contact Policy Engine.
type Engine struct {
	Store *store.Store
	// AuditHook is called once per affected project after Request/Respond
	// commit; contact_links rows span two agents that may sit in different
	// projects, and neither project's snapshot actually carries link state,
	// so in practice both calls produce a no-op commit unless some other
	// pending change is also being synced for that project.
	AuditHook audithook.Func
}

func New(st *store.Store) *Engine { return &Engine{Store: st} }

// Request inserts a pending link from -> to, or refreshes an existing
// non-accepted one back to pending.
func (e *Engine) Request(ctx context.Context, from, to ids.AgentID) error {
	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		now := time.Now().UTC().Format(store.TimeLayout)
		_, err := tx.Exec(ctx,
			`INSERT INTO contact_links(from_agent_id, to_agent_id, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(from_agent_id, to_agent_id) DO UPDATE SET
			   status = CASE WHEN contact_links.status = ? THEN contact_links.status ELSE ? END,
			   updated_at = excluded.updated_at`,
			from, to, StatusPending, now, now, StatusAccepted, StatusPending)
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "request contact link")
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.syncAgentProjects(ctx, from, to, "request contact link")
	return nil
}

// Respond transitions the to<-from link (the inbound side of a Request) to
// accepted or declined. Only the link's target agent may respond; callers
// pass the responding agent explicitly via responder for that check.
func (e *Engine) Respond(ctx context.Context, from, to, responder ids.AgentID, accept bool) error {
	if responder != to {
		return coreerr.New(coreerr.KindAuthError, "only the link's target agent may respond")
	}
	status := StatusDeclined
	if accept {
		status = StatusAccepted
	}
	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(ctx,
			`UPDATE contact_links SET status = ?, updated_at = ? WHERE from_agent_id = ? AND to_agent_id = ?`,
			status, time.Now().UTC().Format(store.TimeLayout), from, to)
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "respond to contact link")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "respond to contact link")
		}
		if n == 0 {
			return coreerr.New(coreerr.KindNotFound, "no pending contact link from that agent")
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.syncAgentProjects(ctx, from, to, "respond to contact link")
	return nil
}

// syncAgentProjects calls AuditHook once per distinct project the two agents
// belong to. Lookup failures are swallowed the same way Enqueue swallows a
// full queue: the next Reconcile sweep still catches the underlying change.
func (e *Engine) syncAgentProjects(ctx context.Context, from, to ids.AgentID, message string) {
	if e.AuditHook == nil {
		return
	}
	seen := map[ids.ProjectID]bool{}
	for _, agent := range []ids.AgentID{from, to} {
		row := e.Store.QueryRow(ctx, `SELECT project_id FROM agents WHERE id = ?`, agent)
		var project ids.ProjectID
		if err := row.Scan(&project); err != nil {
			continue
		}
		if seen[project] {
			continue
		}
		seen[project] = true
		e.AuditHook(project, message)
	}
}

func linkStatus(ctx context.Context, q querier, from, to ids.AgentID) (string, error) {
	row := q.QueryRow(ctx, `SELECT status FROM contact_links WHERE from_agent_id = ? AND to_agent_id = ?`, from, to)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", coreerr.Wrap(coreerr.KindStorageError, err, "read contact link")
	}
	return status, nil
}

// querier abstracts over *store.Store and *store.Tx for read helpers that
// run both inside and outside a transaction.
type querier interface {
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// CanSend is the single predicate MessageBmc.send consults. Same-project
// sends always succeed regardless of policy (??3's MessageRecipient
// invariant: same-project recipients never need a contact link); cross-
// project sends require the target's inbound policy to admit the sender,
// and under "contacts" additionally require both directions of the link to
// be accepted.
func (e *Engine) CanSend(ctx context.Context, fromProject, toProject ids.ProjectID, from, to ids.AgentID, toPolicy string) (bool, error) {
	if fromProject == toProject {
		return true, nil
	}
	switch toPolicy {
	case PolicyOpen:
		return true, nil
	case PolicyClosed:
		return false, nil
	case PolicyContacts:
		fwd, err := linkStatus(ctx, e.Store, from, to)
		if err != nil {
			return false, err
		}
		back, err := linkStatus(ctx, e.Store, to, from)
		if err != nil {
			return false, err
		}
		return fwd == StatusAccepted && back == StatusAccepted, nil
	default:
		return false, coreerr.Newf(coreerr.KindInvalidInput, "unknown inbound policy %q", toPolicy)
	}
}
