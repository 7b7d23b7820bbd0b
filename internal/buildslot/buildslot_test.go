package buildslot

import (
	"context"
	"testing"
	"time"

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

func mustProject(t *testing.T, st *store.Store) ids.ProjectID {
	t.Helper()
	res, err := st.DB().Exec(`INSERT INTO projects(slug, human_key, created_at) VALUES ('proj', 'proj', '2026-01-01 00:00:00')`)
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	id, _ := res.LastInsertId()
	return ids.ProjectID(id)
}

func mustAgent(t *testing.T, st *store.Store, project ids.ProjectID, name string) ids.AgentID {
	t.Helper()
	res, err := st.DB().Exec(`INSERT INTO agents(project_id, name, inbound_policy, created_at) VALUES (?, ?, 'open', '2026-01-01 00:00:00')`, project, name)
	if err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	id, _ := res.LastInsertId()
	return ids.AgentID(id)
}

func TestAcquireExclusiveBySlotName(t *testing.T) {
	st := newTestStore(t)
	project := mustProject(t, st)
	alice := mustAgent(t, st, project, "alice")
	bob := mustAgent(t, st, project, "bob")

	e := New(st)
	ctx := context.Background()

	if _, err := e.Acquire(ctx, project, alice, "deploy", time.Hour); err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	if _, err := e.Acquire(ctx, project, bob, "deploy", time.Hour); err == nil {
		t.Fatal("expected conflict acquiring an already-held slot")
	}
}

func TestAcquireDifferentSlotNamesIndependent(t *testing.T) {
	st := newTestStore(t)
	project := mustProject(t, st)
	alice := mustAgent(t, st, project, "alice")
	bob := mustAgent(t, st, project, "bob")

	e := New(st)
	ctx := context.Background()

	if _, err := e.Acquire(ctx, project, alice, "deploy", time.Hour); err != nil {
		t.Fatalf("alice acquire deploy: %v", err)
	}
	if _, err := e.Acquire(ctx, project, bob, "test", time.Hour); err != nil {
		t.Fatalf("bob acquire test: %v", err)
	}
}

func TestAcquireAfterExpiryIsAdmitted(t *testing.T) {
	st := newTestStore(t)
	project := mustProject(t, st)
	alice := mustAgent(t, st, project, "alice")
	bob := mustAgent(t, st, project, "bob")

	e := New(st)
	ctx := context.Background()

	if _, err := e.Acquire(ctx, project, alice, "deploy", -time.Second); err != nil {
		t.Fatalf("alice acquire with past expiry: %v", err)
	}
	if _, err := e.Acquire(ctx, project, bob, "deploy", time.Hour); err != nil {
		t.Fatalf("bob should be admitted once alice's slot expired: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	project := mustProject(t, st)
	alice := mustAgent(t, st, project, "alice")

	e := New(st)
	ctx := context.Background()

	slot, err := e.Acquire(ctx, project, alice, "deploy", time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e.Release(ctx, slot.ID, alice); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := e.Release(ctx, slot.ID, alice); err != nil {
		t.Fatalf("second release should be a no-op, got: %v", err)
	}
}

func TestReleaseByNonOwnerDenied(t *testing.T) {
	st := newTestStore(t)
	project := mustProject(t, st)
	alice := mustAgent(t, st, project, "alice")
	bob := mustAgent(t, st, project, "bob")

	e := New(st)
	ctx := context.Background()

	slot, err := e.Acquire(ctx, project, alice, "deploy", time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e.Release(ctx, slot.ID, bob); err == nil {
		t.Fatal("expected auth error releasing another agent's build slot")
	}
}

func TestForceReleaseRequiresCapability(t *testing.T) {
	st := newTestStore(t)
	project := mustProject(t, st)
	alice := mustAgent(t, st, project, "alice")
	admin := mustAgent(t, st, project, "admin")

	e := New(st)
	ctx := context.Background()

	slot, err := e.Acquire(ctx, project, alice, "deploy", time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e.ForceRelease(ctx, slot.ID, admin); err == nil {
		t.Fatal("expected auth error without the buildslot_force_release capability")
	}

	if _, err := st.DB().Exec(`INSERT INTO agent_capabilities(agent_id, capability, granted_at) VALUES (?, 'buildslot_force_release', '2026-01-01 00:00:00')`, admin); err != nil {
		t.Fatalf("grant capability: %v", err)
	}
	if err := e.ForceRelease(ctx, slot.ID, admin); err != nil {
		t.Fatalf("force release with capability: %v", err)
	}
}

func TestRenewOnlyByOwner(t *testing.T) {
	st := newTestStore(t)
	project := mustProject(t, st)
	alice := mustAgent(t, st, project, "alice")
	bob := mustAgent(t, st, project, "bob")

	e := New(st)
	ctx := context.Background()

	slot, err := e.Acquire(ctx, project, alice, "deploy", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e.Renew(ctx, slot.ID, bob, time.Hour); err == nil {
		t.Fatal("expected auth error renewing another agent's build slot")
	}
	if err := e.Renew(ctx, slot.ID, alice, time.Hour); err != nil {
		t.Fatalf("owner renew: %v", err)
	}
}
