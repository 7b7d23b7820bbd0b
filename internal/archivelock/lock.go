// Package archivelock implements the cross-process mutual exclusion over
// the archive working tree described in the coordination substrate's
// design: an exclusive advisory file lock paired with a JSON owner sidecar
// that carries the diagnostic metadata (pid, hostname, timestamp) the OS
// lock cannot portably carry, used for stale-owner detection and recovery.
//
// Grounded on the flock+mutex pairing in terraphim-ntm/history and
// session lock helpers, extended with the owner sidecar and stale
// recovery this substrate's Audit Sync needs.
package archivelock

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/jra3/agent-mail/internal/coreerr"
)

// Guard represents a held archive lock. Release must run on every exit
// path; Close is idempotent so a defer is always safe even after an
// explicit early release.
type Guard struct {
	f         *os.File
	ownerPath string
	released  bool
}

// Close releases the lock: deletes the owner sidecar, unlocks and removes
// the lock file. Safe to call more than once.
func (g *Guard) Close() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true
	os.Remove(g.ownerPath)
	err := unflock(g.f)
	path := g.f.Name()
	g.f.Close()
	os.Remove(path)
	return err
}

// Acquire obtains the archive lock, retrying with jittered backoff until
// ctx is done or timeout elapses. agent is an optional human-readable
// label recorded in the owner sidecar for diagnostics.
func Acquire(ctx context.Context, archiveRoot, agent string, timeout time.Duration) (*Guard, error) {
	if err := os.MkdirAll(archiveRoot, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageError, err, "create archive root")
	}

	lockPath := filepath.Join(archiveRoot, LockFileName)
	ownerPath := filepath.Join(archiveRoot, OwnerFileName)

	deadline := time.Now().Add(timeout)
	hostname, _ := os.Hostname()

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "open lock file")
		}

		ok, err := tryFlock(f)
		if err != nil {
			f.Close()
			return nil, coreerr.Wrap(coreerr.KindStorageError, err, "flock")
		}

		if ok {
			o := owner{PID: os.Getpid(), Timestamp: time.Now().UTC(), Agent: agent, Hostname: hostname}
			if err := writeOwner(ownerPath, o); err != nil {
				unflock(f)
				f.Close()
				return nil, coreerr.Wrap(coreerr.KindStorageError, err, "write owner sidecar")
			}
			return &Guard{f: f, ownerPath: ownerPath}, nil
		}
		f.Close()

		if stale, staleErr := isStale(ownerPath, hostname); staleErr == nil && stale {
			// The previous owner is dead. Racing here with another
			// process also detecting staleness is safe: only one of
			// them wins the flock on the next loop iteration, and the
			// loser simply retries the normal contended path.
			if recovered := recoverStale(lockPath, ownerPath, agent, hostname); recovered != nil {
				return recovered, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, coreerr.Newf(coreerr.KindLockTimeout, "archive lock at %s contended past %s", archiveRoot, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, coreerr.Wrap(coreerr.KindLockTimeout, ctx.Err(), "archive lock acquire canceled")
		case <-time.After(backoff()):
		}
	}
}

// isStale reports whether the owner sidecar names a dead process on this
// host. An unparseable sidecar is itself treated as stale: a crash mid
// write of the owner file is exactly the scenario this detection exists to
// survive, not a hard failure to surface to the caller.
func isStale(ownerPath, hostname string) (bool, error) {
	o, err := readOwner(ownerPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No sidecar yet (lock file exists but owner write raced
			// with us); not stale, just contended.
			return false, nil
		}
		return true, nil // corrupt sidecar -> treat as stale
	}
	if o.Hostname != hostname {
		return false, nil // cross-host staleness is out of scope
	}
	return !pidAlive(o.PID), nil
}

// recoverStale atomically rewrites the lock and owner files with our own
// ownership after confirming the previous owner is dead. Returns nil
// (without error) if a racing process won the flock first.
func recoverStale(lockPath, ownerPath, agent, hostname string) *Guard {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil
	}
	ok, err := tryFlock(f)
	if err != nil || !ok {
		f.Close()
		return nil
	}
	o := owner{PID: os.Getpid(), Timestamp: time.Now().UTC(), Agent: agent, Hostname: hostname}
	if err := writeOwner(ownerPath, o); err != nil {
		unflock(f)
		f.Close()
		return nil
	}
	return &Guard{f: f, ownerPath: ownerPath}
}

// backoff returns a jittered retry delay to avoid a thundering herd of
// contended acquirers all retrying in lockstep.
func backoff() time.Duration {
	base := 50 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
	return base + jitter
}

// ErrCorruptOwner names a corrupt owner sidecar. Nothing in this package
// returns it: Acquire treats an unparseable sidecar as stale, and Inspect
// returns the JSON decode error as is.
var ErrCorruptOwner = fmt.Errorf("archivelock: owner sidecar is corrupt")
