//go:build unix

package archivelock

import (
	"os"
	"syscall"
)

// tryFlock attempts a non-blocking exclusive lock on f. ok is false if the
// lock is currently held by someone else.
func tryFlock(f *os.File) (ok bool, err error) {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func unflock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

// pidAlive reports whether pid names a live process on this host. Sending
// signal 0 performs existence/permission checks without actually
// signaling the process.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	// EPERM means the process exists but we can't signal it -- still
	// alive as far as stale-detection cares.
	return err == syscall.EPERM
}
