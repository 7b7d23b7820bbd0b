package bmc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jra3/agent-mail/internal/coreerr"
)

func TestCapabilityGrantAndCheck(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, _ := NewProjectBmc(st).Create(ctx, "proj")
	alice, _ := NewAgentBmc(st).Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"})

	cb := NewCapabilityBmc(st)
	if _, err := cb.Grant(ctx, alice, "reservation_force_release", 0, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	ok, err := cb.Check(ctx, alice, "reservation_force_release")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Fatal("expected capability to be held")
	}

	ok, err = cb.Check(ctx, alice, "buildslot_force_release")
	if err != nil {
		t.Fatalf("check other: %v", err)
	}
	if ok {
		t.Fatal("expected ungranted capability to be absent")
	}
}

func TestCapabilityGrantEmptyNameRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, _ := NewProjectBmc(st).Create(ctx, "proj")
	alice, _ := NewAgentBmc(st).Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"})

	_, err := NewCapabilityBmc(st).Grant(ctx, alice, "", 0, nil)
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindInvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestCapabilityExpiredGrantNotHeld(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, _ := NewProjectBmc(st).Create(ctx, "proj")
	alice, _ := NewAgentBmc(st).Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"})

	cb := NewCapabilityBmc(st)
	past := time.Now().Add(-time.Hour)
	if _, err := cb.Grant(ctx, alice, "reservation_force_release", 0, &past); err != nil {
		t.Fatalf("grant: %v", err)
	}

	ok, err := cb.Check(ctx, alice, "reservation_force_release")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("expected expired grant to not be held")
	}

	caps, err := cb.List(ctx, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(caps) != 1 {
		t.Fatalf("expected expired grant to still appear in List, got %d", len(caps))
	}
}

func TestCapabilityRevoke(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, _ := NewProjectBmc(st).Create(ctx, "proj")
	alice, _ := NewAgentBmc(st).Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"})

	cb := NewCapabilityBmc(st)
	id, err := cb.Grant(ctx, alice, "reservation_force_release", 0, nil)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	if err := cb.Revoke(ctx, id); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	ok, err := cb.Check(ctx, alice, "reservation_force_release")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatal("expected capability to be gone after revoke")
	}
}

func TestCapabilityRevokeNotFound(t *testing.T) {
	st := newTestStore(t)
	err := NewCapabilityBmc(st).Revoke(context.Background(), 999)
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCapabilityRevokeByName(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, _ := NewProjectBmc(st).Create(ctx, "proj")
	alice, _ := NewAgentBmc(st).Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"})

	cb := NewCapabilityBmc(st)
	if _, err := cb.Grant(ctx, alice, "reservation_force_release", 0, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := cb.Grant(ctx, alice, "buildslot_force_release", 0, nil); err != nil {
		t.Fatalf("grant second: %v", err)
	}

	if err := cb.RevokeByName(ctx, alice, "reservation_force_release"); err != nil {
		t.Fatalf("revoke by name: %v", err)
	}

	caps, err := cb.List(ctx, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(caps) != 1 || caps[0].Name != "buildslot_force_release" {
		t.Fatalf("expected only buildslot_force_release to remain, got %+v", caps)
	}
}
