// Package lockfile serializes promotions that share a working copy.
//
// A promotion checks out branches and rewrites manifests in place, so two
// runs against the same clone would trample each other. Acquire takes an
// exclusive, non-blocking flock on <git-dir>/promote.lock; the kernel drops
// it when the process exits, so a crashed run never leaves a stale lock.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the lock file created inside the lock directory.
const FileName = "promote.lock"

// ErrLockBusy is returned when another process holds the lock.
var ErrLockBusy = errors.New("lock already held by another process")

// LockInfo is written into the lock file by the holder.
type LockInfo struct {
	PID       int       `json:"pid"`
	Service   string    `json:"service,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// BusyError reports who holds the lock. Holder is nil when the lock file
// could not be read.
type BusyError struct {
	Path   string
	Holder *LockInfo
}

func (e *BusyError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("%s: another promotion is running", e.Path)
	}
	return fmt.Sprintf("%s: another promotion is running (pid %d, %s %s, since %s)",
		e.Path, e.Holder.PID, e.Holder.Service, e.Holder.Ref, e.Holder.StartedAt.Format(time.RFC3339))
}

func (e *BusyError) Unwrap() error { return ErrLockBusy }

// Lock is a held promotion lock.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock in dir and records info in it. PID and StartedAt
// are filled in when zero.
func Acquire(dir string, info LockInfo) (*Lock, error) {
	path := filepath.Join(dir, FileName)
	f, err := openLocked(path)
	if err != nil {
		return nil, err
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	data, err := json.Marshal(info)
	if err == nil {
		if err = f.Truncate(0); err == nil {
			_, err = f.WriteAt(data, 0)
		}
	}
	if err != nil {
		_ = flockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{path: path, f: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. It is safe to call more
// than once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := flockUnlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// openLocked opens and locks path. A holder removes the file on release, so
// a lock won on an unlinked inode is retried against the new file.
func openLocked(path string) (*os.File, error) {
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) // #nosec G304 - path is under the git dir
		if err != nil {
			return nil, fmt.Errorf("open lock file: %w", err)
		}

		if err := flockExclusiveNonBlock(f); err != nil {
			_ = f.Close()
			if errors.Is(err, ErrLockBusy) {
				holder, _ := ReadLockInfo(path)
				return nil, &BusyError{Path: path, Holder: holder}
			}
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}

		held, herr := f.Stat()
		current, cerr := os.Stat(path)
		if herr == nil && cerr == nil && os.SameFile(held, current) {
			return f, nil
		}
		_ = flockUnlock(f)
		_ = f.Close()
		if attempt >= 3 {
			return nil, &BusyError{Path: path}
		}
	}
}

// ReadLockInfo reads the holder recorded in the lock file at path.
func ReadLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is under the git dir
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &info, nil
}
