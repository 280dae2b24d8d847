// Package runlock keeps two orchestrator processes from driving the same
// collection at once. The lock is a JSON file created with O_EXCL; a lock
// left behind by a dead process on this host is taken over.
package runlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

// ErrLocked is returned when another live process holds the lock
var ErrLocked = errors.New("collection is locked by another run")

// Info is the content of a lock file
type Info struct {
	PID        int    `json:"pid"`
	Collection string `json:"collection"`
	Hostname   string `json:"hostname"`
	AcquiredAt string `json:"acquired_at"` // UTC RFC3339
}

// Locker acquires run locks in one directory
type Locker struct {
	fs    afero.Fs
	dir   string
	pid   int
	host  string
	alive func(pid int) bool
	now   func() time.Time
}

// New creates a locker storing lock files in dir
func New(fs afero.Fs, dir string) *Locker {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return &Locker{
		fs:    fs,
		dir:   dir,
		pid:   os.Getpid(),
		host:  host,
		alive: isProcessRunning,
		now:   time.Now,
	}
}

// Path returns the lock file of a collection
func (l *Locker) Path(slug string) string {
	return filepath.Join(l.dir, slug+".lock")
}

// Acquire takes the lock for a collection. slug must be filesystem safe.
// The returned release function is idempotent.
func (l *Locker) Acquire(collectionID, slug string) (release func() error, err error) {
	if err := l.fs.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := l.Path(slug)

	if held, err := l.Read(slug); err == nil {
		if !l.stale(held) {
			return nil, fmt.Errorf("%w: pid %d on %s since %s", ErrLocked, held.PID, held.Hostname, held.AcquiredAt)
		}
		// Dead owner, take over
		_ = l.fs.Remove(path)
	}

	data, err := json.Marshal(Info{
		PID:        l.pid,
		Collection: collectionID,
		Hostname:   l.host,
		AcquiredAt: l.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("serialize lock info: %w", err)
	}

	f, err := l.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = l.fs.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	released := false
	return func() error {
		if released {
			return nil
		}
		released = true
		err := l.fs.Remove(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}, nil
}

// Read returns the current holder of a collection lock
func (l *Locker) Read(slug string) (*Info, error) {
	data, err := afero.ReadFile(l.fs, l.Path(slug))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// stale is true when the holder is a process on this host that has exited.
// Locks from other hosts are never taken over.
func (l *Locker) stale(info *Info) bool {
	if info.Hostname != l.host {
		return false
	}
	return !l.alive(info.PID)
}

// isProcessRunning checks if a process with the given PID is still running
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only probes; EPERM means the process exists
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
