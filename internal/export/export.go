// Package export implements the Export Engine: a pure read operation that
// snapshots a project's mailbox via a single read transaction and
// serializes it into one of four formats, optionally passing subject/body
// fields through a scrub Transform first. Export never takes the Archive
// Lock and never mutates RS.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/jra3/agent-mail/internal/coreerr"
	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/marshal"
	"github.com/jra3/agent-mail/internal/store"
)

// Format names an output serialization.
type Format string

const (
	FormatJSON     Format = "json"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatCSV      Format = "csv"
)

// Artifact is the result of an export: a content-typed byte blob.
type Artifact struct {
	Format      Format
	ContentType string
	Data        []byte
}

// MailboxMessage is one message as read back for export, denormalized with
// sender/recipient names so renderers need no further lookups.
type MailboxMessage struct {
	ID         int64
	Sender     string
	Subject    string
	Body       string
	Importance string
	ThreadID   string
	CreatedTs  time.Time
	Recipients []string
	Attachments []string `json:",omitempty"`
}

// Engine is the Export Engine.
type Engine struct {
	Store *store.Store
}

func New(st *store.Store) *Engine { return &Engine{Store: st} }

// ExportMailbox snapshots project's messages via a single read transaction,
// applies the scrub transform for mode to subject/body, then serializes to
// format.
func (e *Engine) ExportMailbox(ctx context.Context, project ids.ProjectID, format Format, mode ScrubMode, includeAttachments bool) (*Artifact, error) {
	var (
		msgs  []MailboxMessage
		names []string
	)
	err := e.Store.WithTx(ctx, func(tx *store.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT m.id, a.name, m.subject, m.body_md, m.importance, COALESCE(m.thread_id, ''), m.created_ts
			 FROM messages m JOIN agents a ON a.id = m.sender_id
			 WHERE m.project_id = ? ORDER BY m.created_ts ASC`, project)
		if err != nil {
			return coreerr.Wrap(coreerr.KindStorageError, err, "read mailbox for export")
		}
		defer rows.Close()

		for rows.Next() {
			var m MailboxMessage
			var created string
			if err := rows.Scan(&m.ID, &m.Sender, &m.Subject, &m.Body, &m.Importance, &m.ThreadID, &created); err != nil {
				return coreerr.Wrap(coreerr.KindStorageError, err, "scan mailbox message")
			}
			m.CreatedTs, _ = time.Parse(store.TimeLayout, created)
			names = append(names, m.Sender)
			msgs = append(msgs, m)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for i := range msgs {
			recRows, err := tx.Query(ctx,
				`SELECT a.name FROM message_recipients r JOIN agents a ON a.id = r.agent_id WHERE r.message_id = ?`, msgs[i].ID)
			if err != nil {
				return coreerr.Wrap(coreerr.KindStorageError, err, "read recipients for export")
			}
			for recRows.Next() {
				var name string
				if err := recRows.Scan(&name); err != nil {
					recRows.Close()
					return coreerr.Wrap(coreerr.KindStorageError, err, "scan recipient for export")
				}
				msgs[i].Recipients = append(msgs[i].Recipients, name)
				names = append(names, name)
			}
			recRows.Close()

			if includeAttachments {
				attRows, err := tx.Query(ctx, `SELECT path FROM message_attachments WHERE message_id = ?`, msgs[i].ID)
				if err != nil {
					return coreerr.Wrap(coreerr.KindStorageError, err, "read attachments for export")
				}
				for attRows.Next() {
					var p string
					if err := attRows.Scan(&p); err != nil {
						attRows.Close()
						return coreerr.Wrap(coreerr.KindStorageError, err, "scan attachment for export")
					}
					msgs[i].Attachments = append(msgs[i].Attachments, p)
				}
				attRows.Close()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	transform := TransformFor(mode, names)
	for i := range msgs {
		msgs[i].Subject = transform(msgs[i].Subject)
		msgs[i].Body = transform(msgs[i].Body)
	}

	switch format {
	case FormatJSON:
		return renderJSON(msgs)
	case FormatMarkdown:
		return renderMarkdown(msgs)
	case FormatHTML:
		return renderHTML(msgs)
	case FormatCSV:
		return renderCSV(msgs)
	default:
		return nil, coreerr.Newf(coreerr.KindInvalidInput, "unknown export format %q", format)
	}
}

func renderJSON(msgs []MailboxMessage) (*Artifact, error) {
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "marshal mailbox export")
	}
	return &Artifact{Format: FormatJSON, ContentType: "application/json", Data: data}, nil
}

// renderMarkdown adapts the teacher's frontmatter document idiom
// (internal/marshal, originally rendering Linear issues) to one section per
// message: a YAML frontmatter block of metadata followed by the body.
func renderMarkdown(msgs []MailboxMessage) (*Artifact, error) {
	var buf strings.Builder
	for i, m := range msgs {
		doc := &marshal.Document{
			Frontmatter: map[string]any{
				"id":         m.ID,
				"sender":     m.Sender,
				"recipients": m.Recipients,
				"importance": m.Importance,
				"thread_id":   m.ThreadID,
				"created_ts":  m.CreatedTs.Format(time.RFC3339),
				"attachments": m.Attachments,
			},
			Body: fmt.Sprintf("# %s\n\n%s\n", m.Subject, m.Body),
		}
		rendered, err := marshal.Render(doc)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "render markdown message")
		}
		buf.Write(rendered)
		if i < len(msgs)-1 {
			buf.WriteString("\n---\n\n")
		}
	}
	return &Artifact{Format: FormatMarkdown, ContentType: "text/markdown", Data: []byte(buf.String())}, nil
}

var htmlPolicy = bluemonday.UGCPolicy()

// renderHTML renders each message's body from Markdown to HTML via
// goldmark, then sanitizes the result with bluemonday's UGC policy before
// assembling the mailbox document.
func renderHTML(msgs []MailboxMessage) (*Artifact, error) {
	var buf strings.Builder
	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"></head><body>\n")
	for _, m := range msgs {
		var rendered strings.Builder
		if err := goldmark.Convert([]byte(m.Body), &rendered); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "render message body to html")
		}
		safe := htmlPolicy.Sanitize(rendered.String())
		fmt.Fprintf(&buf, "<article>\n<h2>%s</h2>\n<p><em>%s &rarr; %s (%s)</em></p>\n%s\n</article>\n",
			htmlPolicy.Sanitize(m.Subject), htmlPolicy.Sanitize(m.Sender), htmlPolicy.Sanitize(strings.Join(m.Recipients, ", ")),
			htmlPolicy.Sanitize(m.Importance), safe)
	}
	buf.WriteString("</body></html>\n")
	return &Artifact{Format: FormatHTML, ContentType: "text/html", Data: []byte(buf.String())}, nil
}

func renderCSV(msgs []MailboxMessage) (*Artifact, error) {
	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "sender", "recipients", "subject", "importance", "thread_id", "created_ts", "body"}); err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "write csv header")
	}
	for _, m := range msgs {
		record := []string{
			fmt.Sprintf("%d", m.ID), m.Sender, strings.Join(m.Recipients, ";"), m.Subject,
			m.Importance, m.ThreadID, m.CreatedTs.Format(time.RFC3339), m.Body,
		}
		if err := w.Write(record); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "write csv record")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "flush csv")
	}
	return &Artifact{Format: FormatCSV, ContentType: "text/csv", Data: []byte(buf.String())}, nil
}
