package bmc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jra3/agent-mail/internal/contact"
	"github.com/jra3/agent-mail/internal/coreerr"
	"github.com/jra3/agent-mail/internal/reservation"
)

func TestMessageSendSameProjectIgnoresContactPolicy(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, _ := NewProjectBmc(st).Create(ctx, "proj")
	ab := NewAgentBmc(st)
	alice, _ := ab.Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"})
	bob, _ := ab.Register(ctx, AgentForCreate{ProjectID: project, Name: "bob", InboundPolicy: contact.PolicyClosed})

	mb := NewMessageBmc(st, contact.New(st), nil)
	_, err := mb.Send(ctx, MessageForSend{
		ProjectID: project, SenderID: alice, Subject: "hi", BodyMD: "hello",
		Recipients: []RecipientForSend{{AgentID: bob}},
	})
	if err != nil {
		t.Fatalf("same-project send should ignore closed policy: %v", err)
	}
}

func TestMessageSendCrossProjectPolicyDenied(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p1, _ := NewProjectBmc(st).Create(ctx, "p1")
	p2, _ := NewProjectBmc(st).Create(ctx, "p2")
	ab := NewAgentBmc(st)
	alice, _ := ab.Register(ctx, AgentForCreate{ProjectID: p1, Name: "alice"})
	bob, _ := ab.Register(ctx, AgentForCreate{ProjectID: p2, Name: "bob", InboundPolicy: contact.PolicyClosed})

	mb := NewMessageBmc(st, contact.New(st), nil)
	_, err := mb.Send(ctx, MessageForSend{
		ProjectID: p1, SenderID: alice, Subject: "hi", BodyMD: "hello",
		Recipients: []RecipientForSend{{AgentID: bob}},
	})
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindPolicyDenied {
		t.Fatalf("expected PolicyDenied, got %v", err)
	}
}

func TestMessageSendAttachmentConflictBlocksSend(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, _ := NewProjectBmc(st).Create(ctx, "proj")
	ab := NewAgentBmc(st)
	alice, _ := ab.Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"})
	bob, _ := ab.Register(ctx, AgentForCreate{ProjectID: project, Name: "bob"})

	re := &reservation.Engine{Store: st, Workdir: func() ([]string, error) { return []string{"a.go"}, nil }}
	if _, err := re.Reserve(ctx, project, bob, []string{"a.go"}, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	mb := NewMessageBmc(st, contact.New(st), re)
	_, err := mb.Send(ctx, MessageForSend{
		ProjectID: project, SenderID: alice, Subject: "hi", BodyMD: "hello",
		Attachments: []string{"a.go"},
		Recipients:  []RecipientForSend{{AgentID: bob}},
	})
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindConflict {
		t.Fatalf("expected Conflict for attachment overlapping another agent's reservation, got %v", err)
	}
}

func TestMessageUnifiedInboxAndMarkRead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, _ := NewProjectBmc(st).Create(ctx, "proj")
	ab := NewAgentBmc(st)
	alice, _ := ab.Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"})
	bob, _ := ab.Register(ctx, AgentForCreate{ProjectID: project, Name: "bob"})

	mb := NewMessageBmc(st, contact.New(st), nil)
	msgID, err := mb.Send(ctx, MessageForSend{
		ProjectID: project, SenderID: alice, Subject: "hi", BodyMD: "hello",
		Recipients: []RecipientForSend{{AgentID: bob}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	entries, err := mb.ListUnifiedInbox(ctx, bob, "", 10)
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if len(entries) != 1 || entries[0].Message.ID != msgID {
		t.Fatalf("expected one inbox entry for bob, got %+v", entries)
	}
	if entries[0].Recipient.ReadTs != nil {
		t.Fatal("message should be unread before MarkRead")
	}

	if err := mb.MarkRead(ctx, msgID, bob); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	entries, err = mb.ListUnifiedInbox(ctx, bob, "", 10)
	if err != nil {
		t.Fatalf("list inbox after mark read: %v", err)
	}
	if entries[0].Recipient.ReadTs == nil {
		t.Fatal("expected read_ts to be set after MarkRead")
	}
}

func TestMessageSendRequiresRecipient(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, _ := NewProjectBmc(st).Create(ctx, "proj")
	alice, _ := NewAgentBmc(st).Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"})

	mb := NewMessageBmc(st, contact.New(st), nil)
	_, err := mb.Send(ctx, MessageForSend{ProjectID: project, SenderID: alice, Subject: "hi", BodyMD: "hello"})
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindInvalidInput {
		t.Fatalf("expected InvalidInput for zero recipients, got %v", err)
	}
}
