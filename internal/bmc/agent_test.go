package bmc

import (
	"context"
	"errors"
	"testing"

	"github.com/jra3/agent-mail/internal/coreerr"
)

func TestAgentRegisterDefaultsToContactsPolicy(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, err := NewProjectBmc(st).Create(ctx, "proj")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	ab := NewAgentBmc(st)
	id, err := ab.Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := ab.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.InboundPolicy != "contacts" {
		t.Fatalf("expected default inbound_policy contacts, got %q", got.InboundPolicy)
	}
}

func TestAgentRegisterDuplicateNameConflicts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, _ := NewProjectBmc(st).Create(ctx, "proj")
	ab := NewAgentBmc(st)

	if _, err := ab.Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := ab.Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"})
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindConflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestAgentDeregisterCascadesCapabilities(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, _ := NewProjectBmc(st).Create(ctx, "proj")
	ab := NewAgentBmc(st)
	id, err := ab.Register(ctx, AgentForCreate{ProjectID: project, Name: "alice"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	cb := NewCapabilityBmc(st)
	if _, err := cb.Grant(ctx, id, "reservation_force_release", 0, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	if err := ab.Deregister(ctx, id); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	caps, err := cb.List(ctx, id)
	if err != nil {
		t.Fatalf("list capabilities after deregister: %v", err)
	}
	if len(caps) != 0 {
		t.Fatalf("expected capabilities to cascade-delete, got %d", len(caps))
	}
}

func TestAgentDeregisterNotFound(t *testing.T) {
	st := newTestStore(t)
	err := NewAgentBmc(st).Deregister(context.Background(), 999)
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
