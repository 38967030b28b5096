package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/ivo/driveshell/internal/queue"
)

// CheckStatus is the explicit outcome of one waiter-side check.
type CheckStatus string

const (
	// CheckAlive: the holder flipped the bit since our last look.
	CheckAlive CheckStatus = "alive"
	// CheckPending: one strike recorded, holder gets another window.
	CheckPending CheckStatus = "pending"
	// CheckEvicted: two strikes, the head was removed.
	CheckEvicted CheckStatus = "evicted"
	// CheckGated: the head has reached the front but not activated yet
	// (spacing gate); it is not beating, so strikes do not apply.
	CheckGated CheckStatus = "gated"
	// CheckNotNext: we are not the index-1 waiter (promoted, gone, or
	// someone slipped ahead); checking is not ours to do.
	CheckNotNext CheckStatus = "not_next"
)

// Checker is the waiter-side role. Only the request directly behind the
// holder runs one; everyone further back just sleeps.
type Checker struct {
	store       *queue.Store
	requestID   string
	interval    time.Duration
	lockTimeout time.Duration
	logger      *slog.Logger
}

func NewChecker(store *queue.Store, requestID string, interval, lockTimeout time.Duration, logger *slog.Logger) *Checker {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Checker{
		store:       store,
		requestID:   requestID,
		interval:    interval,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// Run checks on its cadence until the context ends or the role no longer
// applies. An eviction is performed inline under the queue lock and ends
// the loop; promotion of our own request ends it too.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		status, err := c.check(ctx)
		if err != nil {
			c.logger.Warn("heartbeat check skipped", "request_id", c.requestID, "error", err)
			continue
		}
		switch status {
		case CheckEvicted:
			c.logger.Info("dead holder evicted", "request_id", c.requestID)
			return nil
		case CheckNotNext:
			return nil
		}
	}
}

func (c *Checker) check(ctx context.Context) (CheckStatus, error) {
	status := CheckNotNext
	err := c.store.Update(ctx, c.lockTimeout, func(state *queue.State) error {
		if state.IndexOf(c.requestID) != 1 {
			status = CheckNotNext
			return nil
		}
		head := state.Head()
		if head.Status != queue.StatusActive {
			// Only a live holder beats; a head still parked behind the
			// spacing gate must not accrue strikes. Its owning process is
			// checked directly instead, so a crash in the gated phase does
			// not wedge the queue.
			if head.OwnerPID > 0 && !processAlive(head.OwnerPID) {
				state.PopHead()
				state.CompletedWindowsCount++
				status = CheckEvicted
				return nil
			}
			head.HeartbeatFailures = 0
			status = CheckGated
			return nil
		}
		if head.Heartbeat {
			head.Heartbeat = false
			head.HeartbeatFailures = 0
			status = CheckAlive
			return nil
		}
		head.HeartbeatFailures++
		if head.HeartbeatFailures < 2 {
			status = CheckPending
			return nil
		}
		state.PopHead()
		state.CompletedWindowsCount++
		status = CheckEvicted
		return nil
	})
	if err != nil {
		return CheckNotNext, err
	}
	return status, nil
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
