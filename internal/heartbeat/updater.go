// Package heartbeat implements the holder/waiter liveness protocol for the
// window queue. The holder periodically sets a single boolean under the
// queue lock; the immediate next waiter clears it after every check and
// evicts the holder after two consecutive unflipped checks. No timestamps
// are compared, so the protocol is insensitive to clock skew between
// processes sharing the drive.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ivo/driveshell/internal/queue"
)

// Updater is the holder-side role: while our request sits at the head of
// the queue it keeps flipping the heartbeat bit back to true.
type Updater struct {
	store       *queue.Store
	requestID   string
	interval    time.Duration
	lockTimeout time.Duration
	logger      *slog.Logger
}

func NewUpdater(store *queue.Store, requestID string, interval, lockTimeout time.Duration, logger *slog.Logger) *Updater {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Updater{
		store:       store,
		requestID:   requestID,
		interval:    interval,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// Run beats until the context is cancelled or our request is no longer the
// live head. It holds no state outside the queue file.
func (u *Updater) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		done, err := u.beat(ctx)
		if err != nil {
			// Lock contention on a single tick is survivable; the next tick
			// retries well inside the checker's two-strike window.
			u.logger.Warn("heartbeat update skipped", "request_id", u.requestID, "error", err)
			continue
		}
		if done {
			u.logger.Debug("heartbeat updater finished", "request_id", u.requestID)
			return nil
		}
	}
}

func (u *Updater) beat(ctx context.Context) (done bool, err error) {
	err = u.store.Update(ctx, u.lockTimeout, func(state *queue.State) error {
		head := state.Head()
		if head == nil || head.ID != u.requestID || head.Status == queue.StatusCompleted {
			done = true
			return nil
		}
		head.Heartbeat = true
		return nil
	})
	return done, err
}
