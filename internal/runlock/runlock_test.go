package runlock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquire_ExclusiveUntilRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "listens.duckdb.lock")

	first, err := Acquire(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if got := HolderPID(path); got != os.Getpid() {
		t.Fatalf("HolderPID=%d, want %d", got, os.Getpid())
	}

	if _, err := Acquire(context.Background(), path, Options{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire err=%v, want ErrLocked", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	again, err := Acquire(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = again.Release()
}

func TestAcquire_TimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.lock")
	held, err := Acquire(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	start := time.Now()
	_, err = Acquire(context.Background(), path, Options{Timeout: 50 * time.Millisecond, RetryInterval: 10 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v, want ErrTimeout", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("returned before timeout elapsed")
	}
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.lock")
	held, err := Acquire(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release()
	}()

	l, err := Acquire(context.Background(), path, Options{Timeout: 5 * time.Second, RetryInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("waiting Acquire: %v", err)
	}
	_ = l.Release()
}

func TestAcquire_ContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.lock")
	held, err := Acquire(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Acquire(ctx, path, Options{Timeout: time.Minute, RetryInterval: 5 * time.Millisecond}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestAcquire_EmptyPath(t *testing.T) {
	if _, err := Acquire(context.Background(), "", Options{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestHolderPID_Missing(t *testing.T) {
	if got := HolderPID(filepath.Join(t.TempDir(), "absent")); got != 0 {
		t.Fatalf("HolderPID=%d, want 0", got)
	}
}
