//go:build !unix

package runlock

import (
	"errors"
	"fmt"
	"os"
)

// Without flock the lock is the existence of the file. A crashed run leaves it
// behind and it must be removed by hand.
func tryLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("runlock: create: %w", err)
	}
	if err := writePID(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("runlock: write pid: %w", err)
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	closeErr := f.Close()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("runlock: remove: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("runlock: close: %w", closeErr)
	}
	return nil
}
