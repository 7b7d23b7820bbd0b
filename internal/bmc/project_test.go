package bmc

import (
	"context"
	"errors"
	"testing"

	"github.com/jra3/agent-mail/internal/coreerr"
)

func TestProjectCreateAndGetByIdentifier(t *testing.T) {
	st := newTestStore(t)
	b := NewProjectBmc(st)
	ctx := context.Background()

	id, err := b.Create(ctx, "Widget Factory")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	bySlug, err := b.GetByIdentifier(ctx, "widget-factory")
	if err != nil {
		t.Fatalf("get by slug: %v", err)
	}
	if bySlug.ID != id {
		t.Fatalf("expected id %d, got %d", id, bySlug.ID)
	}

	byKey, err := b.GetByIdentifier(ctx, "Widget Factory")
	if err != nil {
		t.Fatalf("get by human_key: %v", err)
	}
	if byKey.ID != id {
		t.Fatalf("expected id %d, got %d", id, byKey.ID)
	}
}

func TestProjectCreateEmptyHumanKeyRejected(t *testing.T) {
	st := newTestStore(t)
	b := NewProjectBmc(st)
	_, err := b.Create(context.Background(), "")
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindInvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestProjectCreateDuplicateConflicts(t *testing.T) {
	st := newTestStore(t)
	b := NewProjectBmc(st)
	ctx := context.Background()
	if _, err := b.Create(ctx, "Widget Factory"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := b.Create(ctx, "Widget Factory")
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindConflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestProjectGetByIdentifierNotFound(t *testing.T) {
	st := newTestStore(t)
	b := NewProjectBmc(st)
	_, err := b.GetByIdentifier(context.Background(), "nope")
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
