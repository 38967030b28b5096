package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/ivo/driveshell/internal/toolerr"
)

const (
	pidCookiePrefix   = "driveshell-"
	lockPollInterval  = 500 * time.Millisecond
	lockRetryInterval = 100 * time.Millisecond
)

// ProcessLock grants one process at a time the right to create a window
// subprocess. Ownership is recorded in a pid file carrying the owner pid and
// an orchestrator-minted cookie; a crashed owner is detected by the next
// acquirer through a signal-0 liveness check and cleaned up. The flock on
// the companion lock file only serializes reads and writes of the pid file.
type ProcessLock struct {
	lockPath string
	pidPath  string
	cookie   string
	logger   *slog.Logger

	mu      sync.Mutex
	holders int
}

func NewProcessLock(stateDir string, logger *slog.Logger) *ProcessLock {
	return &ProcessLock{
		lockPath: filepath.Join(stateDir, "window.lock"),
		pidPath:  filepath.Join(stateDir, "window.pid"),
		cookie:   pidCookiePrefix + uuid.NewString(),
		logger:   logger,
	}
}

// Acquire claims window-creation rights, waiting up to timeout for a live
// owner to release them.
func (l *ProcessLock) Acquire(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		claimed, err := l.tryClaim(ctx)
		if err != nil {
			return err
		}
		if claimed {
			l.mu.Lock()
			l.holders++
			l.mu.Unlock()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: window lock still owned after %s", toolerr.ErrSlotTimeout, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Release gives up ownership. Safe to call on all exit paths; only the
// recorded owner's pid file is removed, and only once the last in-process
// holder lets go.
func (l *ProcessLock) Release(ctx context.Context) {
	l.mu.Lock()
	if l.holders == 0 {
		l.mu.Unlock()
		return
	}
	l.holders--
	remaining := l.holders
	l.mu.Unlock()
	if remaining > 0 {
		return
	}
	err := l.withFileLock(ctx, func() error {
		pid, cookie, readErr := l.readPIDFile()
		if readErr != nil {
			return nil
		}
		if pid == os.Getpid() && cookie == l.cookie {
			return os.Remove(l.pidPath)
		}
		return nil
	})
	if err != nil {
		l.logger.Warn("window lock release failed", "error", err)
	}
}

func (l *ProcessLock) tryClaim(ctx context.Context) (bool, error) {
	claimed := false
	err := l.withFileLock(ctx, func() error {
		pid, cookie, err := l.readPIDFile()
		switch {
		case err == nil && pid == os.Getpid() && cookie == l.cookie:
			claimed = true
			return nil
		case err == nil && processAlive(pid) && strings.HasPrefix(cookie, pidCookiePrefix):
			// A legitimate orchestrator still owns the window.
			return nil
		case err == nil:
			l.logger.Info("cleaning stale window lock", "stale_pid", pid)
		}
		content := fmt.Sprintf("%d\n%s\n", os.Getpid(), l.cookie)
		if writeErr := os.WriteFile(l.pidPath, []byte(content), 0o644); writeErr != nil {
			return fmt.Errorf("write window pid file: %w", writeErr)
		}
		claimed = true
		return nil
	})
	return claimed, err
}

func (l *ProcessLock) withFileLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	fileLock := flock.New(l.lockPath)
	locked, err := fileLock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquire window lock file: %w", err)
	}
	if !locked {
		return errors.New("window lock file not acquired")
	}
	defer func() { _ = fileLock.Unlock() }()
	return fn()
}

func (l *ProcessLock) readPIDFile() (pid int, cookie string, err error) {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0, "", err
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	pid, convErr := strconv.Atoi(strings.TrimSpace(lines[0]))
	if convErr != nil {
		return 0, "", convErr
	}
	if len(lines) > 1 {
		cookie = strings.TrimSpace(lines[1])
	}
	return pid, cookie, nil
}

// processAlive reports whether the pid accepts signal 0. On Unix,
// FindProcess always succeeds, so the check is the signal itself.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
