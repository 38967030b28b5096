package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/ivo/driveshell/internal/toolerr"
)

const lockRetryInterval = 100 * time.Millisecond

// Store serializes all queue-state mutations behind an exclusive advisory
// lock on a dedicated lock file. The state file itself is never locked;
// readers and writers both go through Update/View.
type Store struct {
	statePath string
	lockPath  string
	logger    *slog.Logger
	now       func() time.Time
}

func NewStore(stateDir string, logger *slog.Logger) *Store {
	return &Store{
		statePath: filepath.Join(stateDir, "queue_state.json"),
		lockPath:  filepath.Join(stateDir, "queue_state.lock"),
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Update runs fn with the current state under the advisory lock and persists
// whatever fn leaves behind. Lock acquisition polls non-blocking every
// 100 ms until timeout.
func (s *Store) Update(ctx context.Context, timeout time.Duration, fn func(*State) error) error {
	return s.withLock(ctx, timeout, func() error {
		state := s.load()
		if err := fn(&state); err != nil {
			return err
		}
		return s.save(&state)
	})
}

// View runs fn with a snapshot of the state under the advisory lock without
// writing anything back.
func (s *Store) View(ctx context.Context, timeout time.Duration, fn func(State) error) error {
	return s.withLock(ctx, timeout, func() error {
		return fn(s.load())
	})
}

// Enqueue appends a fresh waiting request at the tail and returns it.
func (s *Store) Enqueue(ctx context.Context, timeout time.Duration) (Request, error) {
	var req Request
	err := s.Update(ctx, timeout, func(state *State) error {
		req = NewRequest(s.now())
		state.PushTail(req)
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.logger.Info("window request enqueued", "request_id", req.ID, "pid", req.OwnerPID)
	return req, nil
}

// CompleteAndProgress removes the head request iff it matches the given id
// and bumps the completion counter. It is the single release path for a
// finished or abandoned holder; callers that lost the head to eviction get
// a no-op.
func (s *Store) CompleteAndProgress(ctx context.Context, timeout time.Duration, requestID string) error {
	return s.Update(ctx, timeout, func(state *State) error {
		head := state.Head()
		if head == nil || head.ID != requestID {
			return nil
		}
		state.PopHead()
		state.CompletedWindowsCount++
		return nil
	})
}

// Remove drops the request wherever it sits in the queue. Used when a waiter
// gives up before ever becoming head.
func (s *Store) Remove(ctx context.Context, timeout time.Duration, requestID string) error {
	return s.Update(ctx, timeout, func(state *State) error {
		index := state.IndexOf(requestID)
		if index < 0 {
			return nil
		}
		state.WindowQueue = append(state.WindowQueue[:index], state.WindowQueue[index+1:]...)
		return nil
	})
}

func (s *Store) withLock(ctx context.Context, timeout time.Duration, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fileLock := flock.New(s.lockPath)
	locked, err := fileLock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: queue lock held for over %s", toolerr.ErrSlotTimeout, timeout)
		}
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: queue lock not acquired", toolerr.ErrSlotTimeout)
	}
	defer func() {
		if unlockErr := fileLock.Unlock(); unlockErr != nil {
			s.logger.Error("release queue lock failed", "error", unlockErr)
		}
	}()
	return fn()
}

// load tolerates a missing, empty, or corrupt state file by starting over
// with an empty queue; any in-flight holder re-surfaces when its next
// heartbeat tick fails.
func (s *Store) load() State {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return State{}
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("queue state unreadable, resetting", "path", s.statePath, "error", err)
		return State{}
	}
	return state
}

func (s *Store) save(state *State) error {
	state.LastUpdate = UnixSeconds(s.now())
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue state: %w", err)
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write queue state: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return fmt.Errorf("replace queue state: %w", err)
	}
	return nil
}
