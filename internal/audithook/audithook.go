// Package audithook defines the callback type mutating BMCs and engines use
// to report a committed change, without importing the Audit Sync worker
// itself. auditsync.Worker.Enqueue takes an Event rather than this pair, so
// a caller holding a Worker wraps it in a closure; the CLI's one-shot
// commands wrap Worker.SyncNow instead. Nothing in this package depends on
// auditsync, which keeps bmc/reservation/buildslot/contact free to hold a
// Func field without an import cycle back through their own test files.
package audithook

import "github.com/jra3/agent-mail/internal/ids"

// Func reports that project's state changed, with message as a short
// human-readable commit subject. A nil Func is a no-op: the BMC performs no
// enqueue, and the next periodic Reconcile sweep catches the change instead.
type Func func(project ids.ProjectID, message string)

// Call invokes fn if non-nil. Exists so call sites read the same way
// regardless of whether a hook was wired.
func (fn Func) Call(project ids.ProjectID, message string) {
	if fn != nil {
		fn(project, message)
	}
}
