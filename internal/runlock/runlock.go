// Package runlock serializes pipeline invocations against one warehouse.
//
// The lock is an advisory lock on a sidecar file (usually "<db>.lock") held for
// the whole invocation. The holder's PID is written into the file so a blocked
// operator can see who owns it.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrLocked means another process holds the lock.
	ErrLocked = errors.New("runlock: warehouse is locked by another run")

	// ErrTimeout means the lock stayed busy for the whole wait.
	ErrTimeout = errors.New("runlock: timed out waiting for lock")
)

// Options controls waiting. A zero Timeout fails immediately when busy.
type Options struct {
	Timeout       time.Duration
	RetryInterval time.Duration // default 100ms
}

// Lock is a held run lock.
type Lock struct {
	path string
	file *os.File
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock at path, creating parent directories as needed.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("runlock: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("runlock: create dir: %w", err)
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		l, err := tryLock(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		if opts.Timeout <= 0 {
			return nil, lockedError(path)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
		}

		t := time.NewTimer(opts.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func lockedError(path string) error {
	if pid := HolderPID(path); pid > 0 {
		return fmt.Errorf("%w (pid %d, %s)", ErrLocked, pid, path)
	}
	return fmt.Errorf("%w (%s)", ErrLocked, path)
}

// HolderPID reads the PID recorded in the lock file, or 0.
func HolderPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return err
	}
	return f.Sync()
}
