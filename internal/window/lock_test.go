package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/ivo/driveshell/internal/toolerr"
)

func TestProcessLockAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	lock := NewProcessLock(dir, slog.Default())
	ctx := context.Background()

	if err := lock.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "window.pid")); err != nil {
		t.Fatalf("pid file missing while held: %v", err)
	}

	lock.Release(ctx)
	if _, err := os.Stat(filepath.Join(dir, "window.pid")); !os.IsNotExist(err) {
		t.Fatal("pid file should be removed on release")
	}
}

func TestProcessLockCleansStaleOwner(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Mint a genuinely dead pid by reaping a short-lived child.
	child := exec.Command("true")
	if err := child.Run(); err != nil {
		t.Skipf("cannot run helper process: %v", err)
	}
	deadPID := child.ProcessState.Pid()

	pidPath := filepath.Join(dir, "window.pid")
	content := fmt.Sprintf("%d\n%sstale\n", deadPID, pidCookiePrefix)
	if err := os.WriteFile(pidPath, []byte(content), 0o644); err != nil {
		t.Fatalf("seed stale pid file: %v", err)
	}

	lock := NewProcessLock(dir, slog.Default())
	if err := lock.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("acquire over stale owner: %v", err)
	}
	lock.Release(ctx)
}

func TestProcessLockRespectsLiveOwner(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Our own pid is definitely alive; a foreign cookie marks it as another
	// orchestrator instance in this process tree.
	pidPath := filepath.Join(dir, "window.pid")
	content := fmt.Sprintf("%d\n%sother\n", os.Getpid(), pidCookiePrefix)
	if err := os.WriteFile(pidPath, []byte(content), 0o644); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}

	lock := NewProcessLock(dir, slog.Default())
	err := lock.Acquire(ctx, 700*time.Millisecond)
	if !errors.Is(err, toolerr.ErrSlotTimeout) {
		t.Fatalf("expected slot_timeout against live owner, got %v", err)
	}

	// The live owner's pid file must be untouched.
	data, readErr := os.ReadFile(pidPath)
	if readErr != nil || string(data) != content {
		t.Fatalf("live owner pid file modified: %q %v", data, readErr)
	}
}

func TestProcessLockRefcountsInProcessHolders(t *testing.T) {
	dir := t.TempDir()
	lock := NewProcessLock(dir, slog.Default())
	ctx := context.Background()

	if err := lock.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := lock.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	lock.Release(ctx)
	if _, err := os.Stat(filepath.Join(dir, "window.pid")); err != nil {
		t.Fatal("pid file should survive until the last holder releases")
	}
	lock.Release(ctx)
	if _, err := os.Stat(filepath.Join(dir, "window.pid")); !os.IsNotExist(err) {
		t.Fatal("pid file should be gone after the last release")
	}
}
