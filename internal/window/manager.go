// Package window owns the lifecycle of the single interactive remote
// window: fair queueing across processes, holder liveness, subprocess
// spawning, and cleanup on every exit path.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ivo/driveshell/internal/heartbeat"
	"github.com/ivo/driveshell/internal/queue"
	"github.com/ivo/driveshell/internal/toolerr"
)

type Config struct {
	EnqueueLockTimeout time.Duration
	MutateLockTimeout  time.Duration
	WindowLockTimeout  time.Duration
	MinSpacing         time.Duration
	HeartbeatUpdate    time.Duration
	HeartbeatCheck     time.Duration
	WaitPoll           time.Duration
	AudioCue           string
	LogPath            string
}

type Manager struct {
	queue   *queue.Store
	spawner Spawner
	lock    *ProcessLock
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func NewManager(store *queue.Store, spawner Spawner, lock *ProcessLock, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MinSpacing < 0 {
		cfg.MinSpacing = 0
	}
	if cfg.WaitPoll <= 0 {
		cfg.WaitPoll = 500 * time.Millisecond
	}
	return &Manager{
		queue:   store,
		spawner: spawner,
		lock:    lock,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the manager clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// RequestWindow takes the caller through the whole slot cycle: window-lock
// acquisition, fair enqueue, heartbeat roles, the activation spacing gate,
// the subprocess itself, and release. runID is the caller-minted identifier
// the result exchange is keyed on; the queue keeps its own request ids.
// The returned error carries a stable kind for queue-level failures;
// user-driven outcomes arrive in the Outcome.
func (m *Manager) RequestWindow(ctx context.Context, title, commandText, runID string, timeout time.Duration) (Outcome, error) {
	deadline := m.now().Add(timeout)

	if err := m.lock.Acquire(ctx, m.cfg.WindowLockTimeout); err != nil {
		return Outcome{}, err
	}
	defer m.lock.Release(context.Background())

	req, err := m.queue.Enqueue(ctx, m.cfg.EnqueueLockTimeout)
	if err != nil {
		return Outcome{}, err
	}
	// Release runs on every path. CompleteAndProgress handles the holder
	// case; Remove sweeps up a request that never reached the head.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), m.cfg.MutateLockTimeout)
		defer cancel()
		if err := m.queue.CompleteAndProgress(cleanupCtx, m.cfg.MutateLockTimeout, req.ID); err != nil {
			m.logger.Warn("queue release failed", "request_id", req.ID, "error", err)
		}
		_ = m.queue.Remove(cleanupCtx, m.cfg.MutateLockTimeout, req.ID)
	}()

	if err := m.waitUntilActive(ctx, req.ID, deadline); err != nil {
		return Outcome{}, err
	}
	m.logger.Info("window slot acquired", "request_id", req.ID)

	updaterCtx, stopUpdater := context.WithCancel(ctx)
	defer stopUpdater()
	updater := heartbeat.NewUpdater(m.queue, req.ID, m.cfg.HeartbeatUpdate, m.cfg.MutateLockTimeout, m.logger)
	group, _ := errgroup.WithContext(updaterCtx)
	group.Go(func() error { return updater.Run(updaterCtx) })

	remaining := deadline.Sub(m.now())
	if remaining <= 0 {
		remaining = time.Second
	}
	outcome, spawnErr := m.spawner.Spawn(ctx, Spec{
		Title:       title,
		CommandText: commandText,
		RequestID:   runID,
		Timeout:     remaining,
		AudioCue:    m.cfg.AudioCue,
		LogPath:     m.cfg.LogPath,
	})
	stopUpdater()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("heartbeat updater stopped early", "request_id", req.ID, "error", err)
	}

	if spawnErr != nil {
		return Outcome{}, fmt.Errorf("%w: %v", toolerr.ErrWindowFailed, spawnErr)
	}
	m.logger.Info("window finished", "request_id", req.ID, "action", outcome.Action)
	return outcome, nil
}

// waitUntilActive blocks until our request is promoted to the active head.
// While parked directly behind the holder it runs the heartbeat checker
// role; promotion observes the minimum inter-window spacing gate.
func (m *Manager) waitUntilActive(ctx context.Context, requestID string, deadline time.Time) error {
	var (
		checkerStop context.CancelFunc
		checkerDone chan struct{}
	)
	stopChecker := func() {
		if checkerStop != nil {
			checkerStop()
			<-checkerDone
			checkerStop = nil
		}
	}
	defer stopChecker()

	for {
		if m.now().After(deadline) {
			return fmt.Errorf("%w: slot not acquired before the caller deadline", toolerr.ErrSlotTimeout)
		}

		index := -1
		activated := false
		err := m.queue.Update(ctx, m.cfg.MutateLockTimeout, func(state *queue.State) error {
			index = state.IndexOf(requestID)
			if index != 0 {
				return nil
			}
			head := state.Head()
			if head.Status == queue.StatusActive {
				activated = true
				return nil
			}
			now := queue.UnixSeconds(m.now())
			if now-state.LastWindowOpenTime < m.cfg.MinSpacing.Seconds() {
				// Too soon after the previous window; stay waiting.
				return nil
			}
			head.Status = queue.StatusActive
			head.StartTime = now
			state.LastWindowOpenTime = now
			activated = true
			return nil
		})
		if err != nil {
			return err
		}

		switch {
		case index == -1:
			return fmt.Errorf("%w: request %s removed while waiting", toolerr.ErrEvicted, requestID)
		case activated:
			stopChecker()
			return nil
		case index == 1 && checkerStop == nil:
			var checkerCtx context.Context
			checkerCtx, checkerStop = context.WithCancel(ctx)
			checkerDone = make(chan struct{})
			checker := heartbeat.NewChecker(m.queue, requestID, m.cfg.HeartbeatCheck, m.cfg.MutateLockTimeout, m.logger)
			go func() {
				defer close(checkerDone)
				_ = checker.Run(checkerCtx)
			}()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.WaitPoll):
		}
	}
}
