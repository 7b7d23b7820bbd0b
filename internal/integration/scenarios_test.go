// Package integration exercises the coordination substrate end to end
// across package boundaries: a real in-memory store, the reservation and
// build slot engines, the contact policy engine, and the Business-Method
// Controllers, wired together the way the CLI and service wire them.
package integration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jra3/agent-mail/internal/archivelock"
	"github.com/jra3/agent-mail/internal/bmc"
	"github.com/jra3/agent-mail/internal/buildslot"
	"github.com/jra3/agent-mail/internal/contact"
	"github.com/jra3/agent-mail/internal/coreerr"
	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/reservation"
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

// TestScenarioS1SiblingDiscovery: create proj-a/b/c, a product linking a
// and b, and confirm ListSiblings reports b as a's only sibling while
// leaving the unlinked project isolated.
func TestScenarioS1SiblingDiscovery(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	pb := bmc.NewProjectBmc(st)

	a, err := pb.Create(ctx, "proj-a")
	if err != nil {
		t.Fatalf("create proj-a: %v", err)
	}
	b, err := pb.Create(ctx, "proj-b")
	if err != nil {
		t.Fatalf("create proj-b: %v", err)
	}
	c, err := pb.Create(ctx, "proj-c")
	if err != nil {
		t.Fatalf("create proj-c: %v", err)
	}

	prod := bmc.NewProductBmc(st)
	product, err := prod.Ensure(ctx, "prod-p")
	if err != nil {
		t.Fatalf("ensure product: %v", err)
	}
	if err := prod.Link(ctx, product, a); err != nil {
		t.Fatalf("link a: %v", err)
	}
	if err := prod.Link(ctx, product, b); err != nil {
		t.Fatalf("link b: %v", err)
	}

	siblingsOfA, err := prod.ListSiblings(ctx, a)
	if err != nil {
		t.Fatalf("siblings of a: %v", err)
	}
	if len(siblingsOfA) != 1 || siblingsOfA[0] != b {
		t.Fatalf("expected siblings of a to be [b], got %v", siblingsOfA)
	}

	siblingsOfC, err := prod.ListSiblings(ctx, c)
	if err != nil {
		t.Fatalf("siblings of c: %v", err)
	}
	if len(siblingsOfC) != 0 {
		t.Fatalf("expected no siblings for unlinked proj-c, got %v", siblingsOfC)
	}
}

// TestScenarioS2ReservationConflict: X reserves src/**/*.rs, Y's
// src/lib.rs reservation conflicts, X releases, Y retries successfully.
func TestScenarioS2ReservationConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, err := bmc.NewProjectBmc(st).Create(ctx, "proj")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	ab := bmc.NewAgentBmc(st)
	x, err := ab.Register(ctx, bmc.AgentForCreate{ProjectID: project, Name: "x"})
	if err != nil {
		t.Fatalf("register x: %v", err)
	}
	y, err := ab.Register(ctx, bmc.AgentForCreate{ProjectID: project, Name: "y"})
	if err != nil {
		t.Fatalf("register y: %v", err)
	}

	workdir := []string{"src/lib.rs", "src/main.rs"}
	engine := &reservation.Engine{Store: st, Workdir: func() ([]string, error) { return workdir, nil }}

	xRes, err := engine.Reserve(ctx, project, x, []string{"src/**/*.rs"}, time.Hour)
	if err != nil {
		t.Fatalf("x reserve: %v", err)
	}

	_, err = engine.Reserve(ctx, project, y, []string{"src/lib.rs"}, time.Hour)
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindConflict {
		t.Fatalf("expected Conflict for y's overlapping reservation, got %v", err)
	}

	if err := engine.Release(ctx, xRes.UUID, x); err != nil {
		t.Fatalf("x release: %v", err)
	}

	if _, err := engine.Reserve(ctx, project, y, []string{"src/lib.rs"}, time.Hour); err != nil {
		t.Fatalf("y retry after release should succeed, got: %v", err)
	}
}

// TestScenarioS3StaleArchiveLock: an owner sidecar naming a long-dead pid
// is detected as stale and recovered by the next acquirer.
func TestScenarioS3StaleArchiveLock(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	hostname, _ := os.Hostname()
	stalePID := os.Getpid() + 2_000_000
	ownerPath := filepath.Join(root, archivelock.OwnerFileName)
	ownerJSON := `{"pid":` + strconv.Itoa(stalePID) + `,"timestamp":"` + time.Now().Add(-2*time.Hour).UTC().Format(time.RFC3339) + `","hostname":"` + hostname + `"}`
	if err := os.WriteFile(ownerPath, []byte(ownerJSON), 0o644); err != nil {
		t.Fatalf("write stale owner: %v", err)
	}
	lockPath := filepath.Join(root, archivelock.LockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("create lock file: %v", err)
	}
	f.Close()

	guard, err := archivelock.Acquire(context.Background(), root, "current-process", 5*time.Second)
	if err != nil {
		t.Fatalf("expected stale lock recovery to succeed, got: %v", err)
	}
	defer guard.Close()

	status, err := archivelock.Inspect(root)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if status.PID != os.Getpid() {
		t.Fatalf("expected owner sidecar to now name the current process, got pid %d", status.PID)
	}
}

// TestScenarioS4BuildSlotContention: two parallel acquires on the same
// slot name admit exactly one; after release, the loser's retry succeeds.
func TestScenarioS4BuildSlotContention(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, err := bmc.NewProjectBmc(st).Create(ctx, "proj")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	ab := bmc.NewAgentBmc(st)
	a, err := ab.Register(ctx, bmc.AgentForCreate{ProjectID: project, Name: "a"})
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	b, err := ab.Register(ctx, bmc.AgentForCreate{ProjectID: project, Name: "b"})
	if err != nil {
		t.Fatalf("register b: %v", err)
	}

	engine := buildslot.New(st)

	var wg sync.WaitGroup
	results := make([]error, 2)
	slots := make([]*buildslot.BuildSlot, 2)
	agents := []ids.AgentID{a, b}
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			defer wg.Done()
			slot, err := engine.Acquire(ctx, project, agents[i], "ci", 30*time.Minute)
			results[i] = err
			slots[i] = slot
		}()
	}
	wg.Wait()

	successes, failures := 0, 0
	var winner int
	for i, err := range results {
		if err == nil {
			successes++
			winner = i
		} else {
			failures++
			var ce *coreerr.Error
			if !errors.As(err, &ce) || ce.Kind != coreerr.KindConflict {
				t.Fatalf("expected the losing acquire to fail SlotHeld/Conflict, got %v", err)
			}
		}
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("expected exactly one winner and one loser, got %d successes, %d failures", successes, failures)
	}

	loser := agents[1-winner]
	if err := engine.Release(ctx, slots[winner].ID, agents[winner]); err != nil {
		t.Fatalf("winner release: %v", err)
	}

	if _, err := engine.Acquire(ctx, project, loser, "ci", 30*time.Minute); err != nil {
		t.Fatalf("loser retry after release should succeed, got: %v", err)
	}
}

// TestScenarioS5CrossProjectMessagingBlockedThenAllowed: A@proj1 sends to
// B@proj2 and is denied under B's contacts policy, then the pair requests
// and accepts each other and the retry succeeds.
func TestScenarioS5CrossProjectMessagingBlockedThenAllowed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	pb := bmc.NewProjectBmc(st)
	proj1, err := pb.Create(ctx, "proj1")
	if err != nil {
		t.Fatalf("create proj1: %v", err)
	}
	proj2, err := pb.Create(ctx, "proj2")
	if err != nil {
		t.Fatalf("create proj2: %v", err)
	}

	ab := bmc.NewAgentBmc(st)
	a, err := ab.Register(ctx, bmc.AgentForCreate{ProjectID: proj1, Name: "a"})
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	b, err := ab.Register(ctx, bmc.AgentForCreate{ProjectID: proj2, Name: "b", InboundPolicy: contact.PolicyContacts})
	if err != nil {
		t.Fatalf("register b: %v", err)
	}

	contactEngine := contact.New(st)
	mb := bmc.NewMessageBmc(st, contactEngine, nil)

	send := func() error {
		_, err := mb.Send(ctx, bmc.MessageForSend{
			ProjectID: proj1, SenderID: a, Subject: "hi", BodyMD: "hello",
			Recipients: []bmc.RecipientForSend{{AgentID: b}},
		})
		return err
	}

	var ce *coreerr.Error
	if err := send(); !errors.As(err, &ce) || ce.Kind != coreerr.KindPolicyDenied {
		t.Fatalf("expected initial cross-project send to be PolicyDenied, got %v", err)
	}

	if err := contactEngine.Request(ctx, a, b); err != nil {
		t.Fatalf("a requests b: %v", err)
	}
	if err := contactEngine.Respond(ctx, a, b, b, true); err != nil {
		t.Fatalf("b accepts a: %v", err)
	}
	if err := contactEngine.Request(ctx, b, a); err != nil {
		t.Fatalf("b requests a: %v", err)
	}
	if err := contactEngine.Respond(ctx, b, a, a, true); err != nil {
		t.Fatalf("a accepts b: %v", err)
	}

	if err := send(); err != nil {
		t.Fatalf("expected retry to succeed once both directions are accepted, got %v", err)
	}
}

// TestScenarioS6PreCommitConflictDetection: Y runs a guard-style CheckPaths
// against a path X has reserved and sees the conflict report; a caller
// bypassing the check (as AGENT_MAIL_BYPASS does at the CLI layer) never
// even calls CheckPaths.
func TestScenarioS6PreCommitConflictDetection(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	project, err := bmc.NewProjectBmc(st).Create(ctx, "P")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	ab := bmc.NewAgentBmc(st)
	x, err := ab.Register(ctx, bmc.AgentForCreate{ProjectID: project, Name: "x"})
	if err != nil {
		t.Fatalf("register x: %v", err)
	}
	y, err := ab.Register(ctx, bmc.AgentForCreate{ProjectID: project, Name: "y"})
	if err != nil {
		t.Fatalf("register y: %v", err)
	}

	workdir := []string{"docs/x.md"}
	engine := &reservation.Engine{Store: st, Workdir: func() ([]string, error) { return workdir, nil }}

	res, err := engine.Reserve(ctx, project, x, []string{"docs/**"}, time.Hour)
	if err != nil {
		t.Fatalf("x reserve docs/**: %v", err)
	}

	conflicts, err := engine.CheckPaths(ctx, project, y, []string{"docs/x.md"})
	if err != nil {
		t.Fatalf("check paths: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Path != "docs/x.md" || conflicts[0].OtherAgent != x || conflicts[0].ReservationID != res.ID {
		t.Fatalf("expected a single conflict naming x's reservation, got %+v", conflicts)
	}
}
