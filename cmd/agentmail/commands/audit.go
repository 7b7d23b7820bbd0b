package commands

import (
	"context"
	"log"
	"time"

	"github.com/jra3/agent-mail/internal/archive"
	"github.com/jra3/agent-mail/internal/audithook"
	"github.com/jra3/agent-mail/internal/auditsync"
	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/store"
)

// syncHook opens the archive at archivePath and returns an audithook.Func
// that synchronously syncs the named project through a throwaway Worker.
// One-shot CLI commands have no background drain loop to hand an Enqueue'd
// event to -- the process exits before anything would ever read the queue
// -- so they sync inline instead. Sync failures are logged, not returned,
// matching Worker.Enqueue's best-effort contract: the periodic Reconcile
// pass of a running `service` catches up.
func syncHook(archivePath string, st *store.Store, lockTimeout time.Duration) audithook.Func {
	ar, err := archive.OpenOrInit(archivePath)
	if err != nil {
		log.Printf("[audit] open archive %s: %v", archivePath, err)
		return nil
	}
	cfg := auditsync.DefaultConfig()
	if lockTimeout > 0 {
		cfg.LockTimeout = lockTimeout
	}
	w := auditsync.NewWorker(st, ar, cfg)
	return func(project ids.ProjectID, message string) {
		if err := w.SyncNow(context.Background(), project, message); err != nil {
			log.Printf("[audit] sync project %d failed: %v", int64(project), err)
		}
	}
}
