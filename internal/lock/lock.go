// Package lock guarantees a single daemon per device profile, which keeps a
// device at one active conversation session.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HeldError is returned when another process holds the profile lock.
type HeldError struct {
	PID   int
	Since time.Time
	Path  string
}

func (e *HeldError) Error() string {
	if e.Since.IsZero() {
		return fmt.Sprintf("profile lock held by PID %d (%s)", e.PID, e.Path)
	}
	return fmt.Sprintf("profile lock held by PID %d since %s (%s)", e.PID, e.Since.Format(time.RFC3339), e.Path)
}

// Lock represents an acquired profile lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking flock on dir/LOCK.
// Returns *HeldError if another process already holds it.
func Acquire(dir string) (*Lock, error) {
	lockPath := filepath.Join(dir, "LOCK")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		_ = f.Close()
		held := parseHolder(string(data))
		held.Path = lockPath
		return nil, held
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release drops the lock. Safe on nil and safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parseHolder(content string) *HeldError {
	held := &HeldError{}
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			held.PID, _ = strconv.Atoi(after)
		}
		if after, ok := strings.CutPrefix(line, "time="); ok {
			held.Since, _ = time.Parse(time.RFC3339, after)
		}
	}
	return held
}
