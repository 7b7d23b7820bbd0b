package contact

import (
	"context"
	"testing"

	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func mustProject(t *testing.T, st *store.Store, humanKey string) ids.ProjectID {
	t.Helper()
	res, err := st.DB().Exec(`INSERT INTO projects(slug, human_key, created_at) VALUES (?, ?, '2026-01-01 00:00:00')`, humanKey, humanKey)
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	id, _ := res.LastInsertId()
	return ids.ProjectID(id)
}

func mustAgentWithPolicy(t *testing.T, st *store.Store, project ids.ProjectID, name, policy string) ids.AgentID {
	t.Helper()
	res, err := st.DB().Exec(`INSERT INTO agents(project_id, name, inbound_policy, created_at) VALUES (?, ?, ?, '2026-01-01 00:00:00')`, project, name, policy)
	if err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	id, _ := res.LastInsertId()
	return ids.AgentID(id)
}

func TestCanSendSameProjectIgnoresPolicy(t *testing.T) {
	st := newTestStore(t)
	project := mustProject(t, st, "proj")
	alice := mustAgentWithPolicy(t, st, project, "alice", "open")
	bob := mustAgentWithPolicy(t, st, project, "bob", "closed")

	e := New(st)
	ok, err := e.CanSend(context.Background(), project, project, alice, bob, PolicyClosed)
	if err != nil {
		t.Fatalf("can send: %v", err)
	}
	if !ok {
		t.Fatal("same-project sends must never need a contact link, regardless of policy")
	}
}

func TestCanSendCrossProjectOpenAdmits(t *testing.T) {
	st := newTestStore(t)
	p1 := mustProject(t, st, "p1")
	p2 := mustProject(t, st, "p2")
	alice := mustAgentWithPolicy(t, st, p1, "alice", "open")
	bob := mustAgentWithPolicy(t, st, p2, "bob", "open")

	e := New(st)
	ok, err := e.CanSend(context.Background(), p1, p2, alice, bob, PolicyOpen)
	if err != nil {
		t.Fatalf("can send: %v", err)
	}
	if !ok {
		t.Fatal("open policy must admit any cross-project sender")
	}
}

func TestCanSendCrossProjectClosedDenies(t *testing.T) {
	st := newTestStore(t)
	p1 := mustProject(t, st, "p1")
	p2 := mustProject(t, st, "p2")
	alice := mustAgentWithPolicy(t, st, p1, "alice", "open")
	bob := mustAgentWithPolicy(t, st, p2, "bob", "closed")

	e := New(st)
	ok, err := e.CanSend(context.Background(), p1, p2, alice, bob, PolicyClosed)
	if err != nil {
		t.Fatalf("can send: %v", err)
	}
	if ok {
		t.Fatal("closed policy must deny every cross-project sender")
	}
}

func TestCanSendCrossProjectContactsRequiresBidirectionalAccept(t *testing.T) {
	st := newTestStore(t)
	p1 := mustProject(t, st, "p1")
	p2 := mustProject(t, st, "p2")
	alice := mustAgentWithPolicy(t, st, p1, "alice", "open")
	bob := mustAgentWithPolicy(t, st, p2, "bob", "contacts")

	e := New(st)
	ctx := context.Background()

	ok, err := e.CanSend(ctx, p1, p2, alice, bob, PolicyContacts)
	if err != nil {
		t.Fatalf("can send before any link: %v", err)
	}
	if ok {
		t.Fatal("contacts policy must deny with no link at all")
	}

	if err := e.Request(ctx, alice, bob); err != nil {
		t.Fatalf("request: %v", err)
	}
	ok, err = e.CanSend(ctx, p1, p2, alice, bob, PolicyContacts)
	if err != nil {
		t.Fatalf("can send after one-sided request: %v", err)
	}
	if ok {
		t.Fatal("contacts policy must deny until both directions are accepted")
	}

	if err := e.Respond(ctx, alice, bob, bob, true); err != nil {
		t.Fatalf("bob accepts alice's request: %v", err)
	}
	ok, err = e.CanSend(ctx, p1, p2, alice, bob, PolicyContacts)
	if err != nil {
		t.Fatalf("can send after one direction accepted: %v", err)
	}
	if ok {
		t.Fatal("contacts policy requires both directions accepted, not just one")
	}

	if err := e.Request(ctx, bob, alice); err != nil {
		t.Fatalf("bob requests alice back: %v", err)
	}
	if err := e.Respond(ctx, bob, alice, alice, true); err != nil {
		t.Fatalf("alice accepts bob's request: %v", err)
	}
	ok, err = e.CanSend(ctx, p1, p2, alice, bob, PolicyContacts)
	if err != nil {
		t.Fatalf("can send after both directions accepted: %v", err)
	}
	if !ok {
		t.Fatal("contacts policy must admit once both directions are accepted")
	}
}

func TestRespondOnlyByTargetAgent(t *testing.T) {
	st := newTestStore(t)
	p1 := mustProject(t, st, "p1")
	p2 := mustProject(t, st, "p2")
	alice := mustAgentWithPolicy(t, st, p1, "alice", "open")
	bob := mustAgentWithPolicy(t, st, p2, "bob", "contacts")

	e := New(st)
	ctx := context.Background()
	if err := e.Request(ctx, alice, bob); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := e.Respond(ctx, alice, bob, alice, true); err == nil {
		t.Fatal("expected auth error when the requester tries to respond to their own request")
	}
}
