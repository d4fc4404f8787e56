// Package singleton re-platforms the teacher's internal/instance
// InstanceManager (a Windows CreateFile/exclusive-handle lock plus a PID
// file written as JSON) onto POSIX advisory locks via golang.org/x/sys/unix
// Flock, preserving the same dependency family while fitting a long-running
// POSIX service rather than a desktop app. spec.md names no equivalent
// component directly, but a control-plane daemon racing its own SQLite
// decision log or budgets.json from two processes is the same hazard the
// teacher's PID-file dance existed to prevent.
package singleton

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Info is the JSON structure written into the lock file, mirroring the
// teacher's PIDFileData shape.
type Info struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Hostname  string    `json:"hostname"`
}

// Guard holds an acquired advisory lock on lockPath for the life of the
// process. Construct with Acquire; call Release (or close the process) to
// give it up.
type Guard struct {
	path     string
	file     *os.File
	acquired bool
}

// Acquire opens (creating if necessary) the lock file at path and takes a
// non-blocking exclusive flock on it. If another process already holds the
// lock, it returns an error naming the PID recorded in the file, matching
// the teacher's "another instance may be starting" diagnostic.
func Acquire(path string) (*Guard, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		existing := readInfo(f)
		f.Close()
		if existing != nil {
			return nil, fmt.Errorf("another control plane instance is already running (pid %d, started %s)", existing.PID, existing.StartedAt)
		}
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}

	hostname, _ := os.Hostname()
	info := Info{PID: os.Getpid(), StartedAt: time.Now(), Hostname: hostname}
	if err := writeInfo(f, info); err != nil {
		// Non-fatal: the lock itself is what matters, the PID file is
		// diagnostic only, mirroring the teacher's "warning, lock still held".
		fmt.Fprintf(os.Stderr, "warning: failed to write lock info: %v\n", err)
	}

	return &Guard{path: path, file: f, acquired: true}, nil
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (g *Guard) Release() error {
	if g == nil || !g.acquired {
		return nil
	}
	g.acquired = false
	unix.Flock(int(g.file.Fd()), unix.LOCK_UN)
	g.file.Close()
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func writeInfo(f *os.File, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return nil
}

func readInfo(f *os.File) *Info {
	data := make([]byte, 4096)
	n, err := f.ReadAt(data, 0)
	if n == 0 && err != nil {
		return nil
	}
	var info Info
	if err := json.Unmarshal(data[:n], &info); err != nil {
		return nil
	}
	return &info
}
