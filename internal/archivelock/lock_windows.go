//go:build windows

package archivelock

import (
	"os"

	"golang.org/x/sys/windows"
)

// tryFlock attempts a non-blocking exclusive lock on f using LockFileEx.
func tryFlock(f *os.File) (ok bool, err error) {
	ol := new(windows.Overlapped)
	h := windows.Handle(f.Fd())
	const flags = windows.LOCKFILE_EXCLUSIVE_LOCK | windows.LOCKFILE_FAIL_IMMEDIATELY
	err = windows.LockFileEx(h, flags, 0, 1, 0, ol)
	if err != nil {
		if err == windows.ERROR_LOCK_VIOLATION {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func unflock(f *os.File) error {
	ol := new(windows.Overlapped)
	h := windows.Handle(f.Fd())
	return windows.UnlockFileEx(h, 0, 1, 0, ol)
}

// pidAlive reports whether pid names a live process on this host.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	const stillActive = 259
	return code == stillActive
}
