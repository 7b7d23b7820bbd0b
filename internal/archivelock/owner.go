package archivelock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// LockFileName is the exclusive advisory lock file at the archive root.
const LockFileName = ".archive.lock"

// OwnerFileName is the JSON sidecar carrying diagnostic/stale-detection
// metadata the OS lock itself cannot portably carry.
const OwnerFileName = ".archive.lock.owner"

// owner is the JSON shape written to OwnerFileName.
type owner struct {
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent,omitempty"`
	Hostname  string    `json:"hostname"`
}

func readOwner(path string) (*owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var o owner
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func writeOwner(path string, o owner) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Status is a point-in-time read of the archive lock's owner sidecar,
// exported for diagnostics callers (the "guard status" CLI verb) that want
// to report who holds the lock without attempting to acquire it.
type Status struct {
	Held     bool
	PID      int
	Agent    string
	Hostname string
	Since    time.Time
	Stale    bool
}

// Inspect reads the owner sidecar under archiveRoot without taking the
// lock. A missing sidecar means the lock is not currently held.
func Inspect(archiveRoot string) (Status, error) {
	ownerPath := filepath.Join(archiveRoot, OwnerFileName)
	o, err := readOwner(ownerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Status{}, nil
		}
		return Status{}, err
	}
	hostname, _ := os.Hostname()
	stale, _ := isStale(ownerPath, hostname)
	return Status{Held: true, PID: o.PID, Agent: o.Agent, Hostname: o.Hostname, Since: o.Timestamp, Stale: stale}, nil
}
