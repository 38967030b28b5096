package heartbeat

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ivo/driveshell/internal/queue"
)

func newQueueWith(t *testing.T, n int) (*queue.Store, []queue.Request) {
	t.Helper()
	store := queue.NewStore(t.TempDir(), slog.Default())
	reqs := make([]queue.Request, 0, n)
	for i := 0; i < n; i++ {
		req, err := store.Enqueue(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		reqs = append(reqs, req)
	}
	return store, reqs
}

func activateHead(t *testing.T, store *queue.Store) {
	t.Helper()
	err := store.Update(context.Background(), time.Second, func(state *queue.State) error {
		state.Head().Status = queue.StatusActive
		return nil
	})
	if err != nil {
		t.Fatalf("activate head: %v", err)
	}
}

func TestUpdaterBeatsWhileHead(t *testing.T) {
	store, reqs := newQueueWith(t, 1)
	ctx := context.Background()
	updater := NewUpdater(store, reqs[0].ID, time.Millisecond, time.Second, slog.Default())

	done, err := updater.beat(ctx)
	if err != nil {
		t.Fatalf("beat: %v", err)
	}
	if done {
		t.Fatal("updater should keep running while head")
	}
	_ = store.View(ctx, time.Second, func(state queue.State) error {
		if !state.Head().Heartbeat {
			t.Fatal("heartbeat bit not set")
		}
		return nil
	})
}

func TestUpdaterStopsWhenHeadChanges(t *testing.T) {
	store, reqs := newQueueWith(t, 2)
	ctx := context.Background()
	updater := NewUpdater(store, reqs[0].ID, time.Millisecond, time.Second, slog.Default())

	if err := store.CompleteAndProgress(ctx, time.Second, reqs[0].ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, err := updater.beat(ctx)
	if err != nil {
		t.Fatalf("beat: %v", err)
	}
	if !done {
		t.Fatal("updater should stop once another request is head")
	}
}

func TestCheckerAliveResetsBitAndFailures(t *testing.T) {
	store, reqs := newQueueWith(t, 2)
	ctx := context.Background()
	activateHead(t, store)
	checker := NewChecker(store, reqs[1].ID, time.Millisecond, time.Second, slog.Default())

	_ = store.Update(ctx, time.Second, func(state *queue.State) error {
		state.Head().Heartbeat = true
		state.Head().HeartbeatFailures = 1
		return nil
	})

	status, err := checker.check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if status != CheckAlive {
		t.Fatalf("status = %s, want alive", status)
	}
	_ = store.View(ctx, time.Second, func(state queue.State) error {
		head := state.Head()
		if head.Heartbeat || head.HeartbeatFailures != 0 {
			t.Fatalf("bit/failures not reset: %+v", *head)
		}
		return nil
	})
}

func TestCheckerTwoStrikesEvicts(t *testing.T) {
	store, reqs := newQueueWith(t, 2)
	ctx := context.Background()
	activateHead(t, store)
	checker := NewChecker(store, reqs[1].ID, time.Millisecond, time.Second, slog.Default())

	status, err := checker.check(ctx)
	if err != nil {
		t.Fatalf("first check: %v", err)
	}
	if status != CheckPending {
		t.Fatalf("first strike status = %s, want pending", status)
	}

	status, err = checker.check(ctx)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if status != CheckEvicted {
		t.Fatalf("second strike status = %s, want evicted", status)
	}

	_ = store.View(ctx, time.Second, func(state queue.State) error {
		if state.IndexOf(reqs[0].ID) != -1 {
			t.Fatal("dead holder still queued")
		}
		if state.IndexOf(reqs[1].ID) != 0 {
			t.Fatal("waiter did not advance to head")
		}
		if state.CompletedWindowsCount != 1 {
			t.Fatalf("eviction should count as completion: %d", state.CompletedWindowsCount)
		}
		return nil
	})
}

func TestCheckerSingleStrikeDoesNotEvict(t *testing.T) {
	store, reqs := newQueueWith(t, 2)
	ctx := context.Background()
	activateHead(t, store)
	checker := NewChecker(store, reqs[1].ID, time.Millisecond, time.Second, slog.Default())

	if status, _ := checker.check(ctx); status != CheckPending {
		t.Fatalf("expected pending after one strike, got %s", status)
	}

	// Holder beats between checks: strike counter must clear.
	_ = store.Update(ctx, time.Second, func(state *queue.State) error {
		state.Head().Heartbeat = true
		return nil
	})
	if status, _ := checker.check(ctx); status != CheckAlive {
		t.Fatal("holder beat should clear the strike")
	}
	if status, _ := checker.check(ctx); status != CheckPending {
		t.Fatal("strike count should restart at one after a beat")
	}
	_ = store.View(ctx, time.Second, func(state queue.State) error {
		if state.IndexOf(reqs[0].ID) != 0 {
			t.Fatal("live holder must not be evicted")
		}
		return nil
	})
}

func TestCheckerSparesHeadBeforeActivation(t *testing.T) {
	store, reqs := newQueueWith(t, 2)
	ctx := context.Background()
	checker := NewChecker(store, reqs[1].ID, time.Millisecond, time.Second, slog.Default())

	// The head is still waiting on the spacing gate and has no updater yet;
	// its silence is not a crash and must never accrue strikes.
	for i := 0; i < 4; i++ {
		status, err := checker.check(ctx)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if status != CheckGated {
			t.Fatalf("check %d status = %s, want gated", i, status)
		}
	}
	_ = store.View(ctx, time.Second, func(state queue.State) error {
		head := state.Head()
		if head == nil || head.ID != reqs[0].ID {
			t.Fatal("gated head was removed")
		}
		if head.HeartbeatFailures != 0 {
			t.Fatalf("gated head accrued %d strikes", head.HeartbeatFailures)
		}
		return nil
	})
}

func TestCheckerEvictsGatedHeadWithDeadOwner(t *testing.T) {
	store, reqs := newQueueWith(t, 2)
	ctx := context.Background()

	// An unused pid far above any live process stands in for a crashed owner.
	_ = store.Update(ctx, time.Second, func(state *queue.State) error {
		state.Head().OwnerPID = 1 << 30
		return nil
	})

	checker := NewChecker(store, reqs[1].ID, time.Millisecond, time.Second, slog.Default())
	status, err := checker.check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if status != CheckEvicted {
		t.Fatalf("status = %s, want evicted", status)
	}
	_ = store.View(ctx, time.Second, func(state queue.State) error {
		if state.IndexOf(reqs[1].ID) != 0 {
			t.Fatal("waiter did not advance past the dead gated head")
		}
		if state.CompletedWindowsCount != 1 {
			t.Fatalf("eviction should count as completion: %d", state.CompletedWindowsCount)
		}
		return nil
	})
}

func TestCheckerOnlyRunsAtIndexOne(t *testing.T) {
	store, reqs := newQueueWith(t, 3)
	ctx := context.Background()

	// The index-2 waiter must never touch heartbeat state.
	back := NewChecker(store, reqs[2].ID, time.Millisecond, time.Second, slog.Default())
	if status, _ := back.check(ctx); status != CheckNotNext {
		t.Fatal("index-2 waiter should refuse to check")
	}
	_ = store.View(ctx, time.Second, func(state queue.State) error {
		if state.Head().HeartbeatFailures != 0 {
			t.Fatal("back waiter mutated heartbeat failures")
		}
		return nil
	})

	// Once promoted to head, the former index-1 checker stands down.
	_ = store.CompleteAndProgress(ctx, time.Second, reqs[0].ID)
	front := NewChecker(store, reqs[1].ID, time.Millisecond, time.Second, slog.Default())
	if status, _ := front.check(ctx); status != CheckNotNext {
		t.Fatal("promoted request should stop checking")
	}
}

func TestUpdaterRunStopsOnCompletion(t *testing.T) {
	store, reqs := newQueueWith(t, 1)
	updater := NewUpdater(store, reqs[0].ID, 2*time.Millisecond, time.Second, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- updater.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	if err := store.CompleteAndProgress(ctx, time.Second, reqs[0].ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("updater run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("updater did not stop after completion")
	}
}
