package bmc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jra3/agent-mail/internal/audithook"
	"github.com/jra3/agent-mail/internal/contact"
	"github.com/jra3/agent-mail/internal/coreerr"
	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/reservation"
	"github.com/jra3/agent-mail/internal/store"
)

// Importance values for messages.importance.
const (
	ImportanceLow    = "low"
	ImportanceNormal = "normal"
	ImportanceHigh   = "high"
	ImportanceUrgent = "urgent"
)

// Recipient type values for message_recipients.recipient_type.
const (
	RecipientTo  = "to"
	RecipientCc  = "cc"
	RecipientBcc = "bcc"
)

// Message is the Message entity as read back from RS.
type Message struct {
	ID         ids.MessageID
	ProjectID  ids.ProjectID
	SenderID   ids.AgentID
	Subject    string
	BodyMD     string
	Importance string
	ThreadID   string
	CreatedTs  time.Time
	Attachments []string
}

// Recipient is a MessageRecipient row joined onto a ListUnifiedInbox/
// ListThread result.
type Recipient struct {
	AgentID       ids.AgentID
	RecipientType string
	ReadTs        *time.Time
	AckTs         *time.Time
}

// InboxEntry pairs a message with the recipient row for the inbox it is
// being viewed through.
type InboxEntry struct {
	Message   Message
	Recipient Recipient
}

// MessageForSend is the input to MessageBmc.Send.
type MessageForSend struct {
	ProjectID   ids.ProjectID
	SenderID    ids.AgentID
	Subject     string
	BodyMD      string
	Importance  string
	ThreadID    string
	Attachments []string
	Recipients  []RecipientForSend
}

// RecipientForSend names one recipient of a Send call.
type RecipientForSend struct {
	AgentID ids.AgentID
	Type    string // to, cc, bcc; empty defaults to "to"
}

// MessageBmc namespaces message operations: Send applies the Contact Policy
// Engine predicate and the Reservation Engine's attachment conflict check
// before admitting a message, per spec.md ??2's cross-cutting rule that RE
// conflicts block sends touching reserved paths.
type MessageBmc struct {
	Store       *store.Store
	Contact     *contact.Engine
	Reservation *reservation.Engine
	AuditHook   audithook.Func
}

func NewMessageBmc(st *store.Store, c *contact.Engine, r *reservation.Engine) *MessageBmc {
	return &MessageBmc{Store: st, Contact: c, Reservation: r}
}

// Send inserts a message and its recipient rows atomically. Every recipient
// must pass the Contact Policy Engine's can_send predicate relative to the
// sender, and every attachment path must be free of an active reservation
// held by another agent; either failure aborts the whole send.
func (b *MessageBmc) Send(ctx context.Context, in MessageForSend) (ids.MessageID, error) {
	if len(in.Recipients) == 0 {
		return 0, coreerr.New(coreerr.KindInvalidInput, "message requires at least one recipient")
	}
	importance := in.Importance
	if importance == "" {
		importance = ImportanceNormal
	}
	switch importance {
	case ImportanceLow, ImportanceNormal, ImportanceHigh, ImportanceUrgent:
	default:
		return 0, coreerr.Newf(coreerr.KindInvalidInput, "unknown importance %q", importance)
	}

	if len(in.Attachments) > 0 && b.Reservation != nil {
		conflicts, err := b.Reservation.CheckPaths(ctx, in.ProjectID, in.SenderID, in.Attachments)
		if err != nil {
			return 0, err
		}
		if len(conflicts) > 0 {
			c := conflicts[0]
			return 0, coreerr.Newf(coreerr.KindConflict,
				"attachment %q overlaps an active reservation held by agent %d", c.Path, int64(c.OtherAgent)).
				WithContext(map[string]any{"path": c.Path, "reservation": c.UUID})
		}
	}

	recipientProjects := make(map[ids.AgentID]struct {
		project ids.ProjectID
		policy  string
	}, len(in.Recipients))
	for _, r := range in.Recipients {
		row := b.Store.QueryRow(ctx, `SELECT project_id, inbound_policy FROM agents WHERE id = ?`, r.AgentID)
		var proj ids.ProjectID
		var policy string
		if err := row.Scan(&proj, &policy); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, coreerr.Newf(coreerr.KindNotFound, "recipient agent %d not found", int64(r.AgentID))
			}
			return 0, coreerr.Wrap(coreerr.KindStorageError, err, "resolve recipient")
		}
		recipientProjects[r.AgentID] = struct {
			project ids.ProjectID
			policy  string
		}{proj, policy}
	}

	if b.Contact != nil {
		for _, r := range in.Recipients {
			rp := recipientProjects[r.AgentID]
			ok, err := b.Contact.CanSend(ctx, in.ProjectID, rp.project, in.SenderID, r.AgentID, rp.policy)
			if err != nil {
				return 0, err
			}
			if !ok {
				return 0, coreerr.Newf(coreerr.KindPolicyDenied, "agent %d does not accept messages from agent %d", int64(r.AgentID), int64(in.SenderID))
			}
		}
	}

	var msgID ids.MessageID
	err := b.Store.WithTx(ctx, func(tx *store.Tx) error {
		now := time.Now().UTC().Format(store.TimeLayout)
		var threadID any
		if in.ThreadID != "" {
			threadID = in.ThreadID
		}
		res, err := tx.Exec(ctx,
			`INSERT INTO messages(project_id, sender_id, subject, body_md, importance, thread_id, created_ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			in.ProjectID, in.SenderID, in.Subject, in.BodyMD, importance, threadID, now)
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "insert message")
		}
		last, err := res.LastInsertId()
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "message id")
		}
		msgID = ids.MessageID(last)

		for _, p := range in.Attachments {
			if _, err := tx.Exec(ctx, `INSERT INTO message_attachments(message_id, path) VALUES (?, ?)`, msgID, p); err != nil {
				return coreerr.Wrap(coreerr.KindStorageError, err, "insert attachment")
			}
		}

		for _, r := range in.Recipients {
			rtype := r.Type
			if rtype == "" {
				rtype = RecipientTo
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO message_recipients(message_id, agent_id, recipient_type) VALUES (?, ?, ?)`,
				msgID, r.AgentID, rtype); err != nil {
				return coreerr.Wrap(coreerr.KindStorageError, err, "insert recipient")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.AuditHook.Call(in.ProjectID, "send message "+in.Subject)
	return msgID, nil
}

// ListUnifiedInbox joins messages x recipients across every project that
// agent is a recipient in, ordered by created_ts DESC, optionally filtered
// by exact importance match. limit is clamped to [1, 200].
func (b *MessageBmc) ListUnifiedInbox(ctx context.Context, agent ids.AgentID, importance string, limit int) ([]InboxEntry, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	query := `SELECT m.id, m.project_id, m.sender_id, m.subject, m.body_md, m.importance, COALESCE(m.thread_id, ''), m.created_ts,
	                  r.recipient_type, r.read_ts, r.ack_ts
	           FROM messages m
	           JOIN message_recipients r ON r.message_id = m.id
	           WHERE r.agent_id = ?`
	args := []any{agent}
	if importance != "" {
		query += ` AND m.importance = ?`
		args = append(args, importance)
	}
	query += ` ORDER BY m.created_ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := b.Store.Query(ctx, query, args...)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "list unified inbox")
	}
	defer rows.Close()

	var out []InboxEntry
	for rows.Next() {
		var (
			e        InboxEntry
			created  string
			readTs   sql.NullString
			ackTs    sql.NullString
		)
		if err := rows.Scan(&e.Message.ID, &e.Message.ProjectID, &e.Message.SenderID, &e.Message.Subject, &e.Message.BodyMD,
			&e.Message.Importance, &e.Message.ThreadID, &created, &e.Recipient.RecipientType, &readTs, &ackTs); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan inbox entry")
		}
		e.Message.CreatedTs, _ = time.Parse(store.TimeLayout, created)
		e.Recipient.AgentID = agent
		if readTs.Valid {
			t, _ := time.Parse(store.TimeLayout, readTs.String)
			e.Recipient.ReadTs = &t
		}
		if ackTs.Valid {
			t, _ := time.Parse(store.TimeLayout, ackTs.String)
			e.Recipient.AckTs = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkRead stamps read_ts for (message, agent) if not already set.
func (b *MessageBmc) MarkRead(ctx context.Context, message ids.MessageID, agent ids.AgentID) error {
	return b.stampRecipient(ctx, message, agent, "read_ts")
}

// MarkAcked stamps ack_ts for (message, agent) if not already set.
func (b *MessageBmc) MarkAcked(ctx context.Context, message ids.MessageID, agent ids.AgentID) error {
	return b.stampRecipient(ctx, message, agent, "ack_ts")
}

func (b *MessageBmc) stampRecipient(ctx context.Context, message ids.MessageID, agent ids.AgentID, column string) error {
	return b.Store.WithTx(ctx, func(tx *store.Tx) error {
		now := time.Now().UTC().Format(store.TimeLayout)
		query := fmt.Sprintf(`UPDATE message_recipients SET %s = COALESCE(%s, ?) WHERE message_id = ? AND agent_id = ?`, column, column)
		res, err := tx.Exec(ctx, query, now, message, agent)
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "stamp recipient")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "stamp recipient")
		}
		if n == 0 {
			return coreerr.New(coreerr.KindNotFound, "recipient row not found")
		}
		return nil
	})
}

// ListThread returns every message sharing threadID, ordered by created_ts
// ascending, with its attachment paths populated.
func (b *MessageBmc) ListThread(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := b.Store.Query(ctx,
		`SELECT id, project_id, sender_id, subject, body_md, importance, COALESCE(thread_id, ''), created_ts
		 FROM messages WHERE thread_id = ? ORDER BY created_ts ASC`, threadID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "list thread")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.Subject, &m.BodyMD, &m.Importance, &m.ThreadID, &created); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan thread message")
		}
		m.CreatedTs, _ = time.Parse(store.TimeLayout, created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		attRows, err := b.Store.Query(ctx, `SELECT path FROM message_attachments WHERE message_id = ?`, out[i].ID)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "list attachments")
		}
		for attRows.Next() {
			var p string
			if err := attRows.Scan(&p); err != nil {
				attRows.Close()
				return nil, coreerr.Wrap(coreerr.KindStorageError, err, "scan attachment")
			}
			out[i].Attachments = append(out[i].Attachments, p)
		}
		attRows.Close()
	}
	return out, nil
}
