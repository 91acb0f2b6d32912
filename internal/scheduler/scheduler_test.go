package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "reportbot/pkg/logx"
)

func startedService(t *testing.T) *Service {
	t.Helper()
	s := New(Config{Workers: 1}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		s.Stop()
		cancel()
	})
	return s
}

func TestAddOnceFires(t *testing.T) {
	t.Parallel()
	s := startedService(t)

	fired := make(chan struct{})
	err := s.AddOnce("tick", time.Millisecond, 0, func(ctx context.Context) error {
		close(fired)
		return nil
	})
	if err != nil {
		t.Fatalf("AddOnce error: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestAddOnceRearmReplacesPendingTimer(t *testing.T) {
	t.Parallel()
	s := startedService(t)

	var stale atomic.Int32
	if err := s.AddOnce("report:r1", 10*time.Millisecond, 0, func(ctx context.Context) error {
		stale.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddOnce error: %v", err)
	}

	fired := make(chan struct{})
	if err := s.AddOnce("report:r1", 30*time.Millisecond, 0, func(ctx context.Context) error {
		close(fired)
		return nil
	}); err != nil {
		t.Fatalf("re-arm error: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("re-armed timer never fired")
	}
	if n := stale.Load(); n != 0 {
		t.Fatalf("replaced timer fired %d times, want 0", n)
	}
}

func TestRemoveCancelsPendingTimer(t *testing.T) {
	t.Parallel()
	s := startedService(t)

	var fired atomic.Int32
	if err := s.AddOnce("doomed", 20*time.Millisecond, 0, func(ctx context.Context) error {
		fired.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddOnce error: %v", err)
	}
	if !s.Remove("doomed") {
		t.Fatal("Remove returned false for a pending timer")
	}

	time.Sleep(100 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Fatalf("removed timer fired %d times, want 0", n)
	}
}

func TestAddCronRejectsInvalidSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if err := s.AddCron("bad", "not a spec", 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestAddCronBeforeStartRegistersOnStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop())
	if err := s.AddCron("renew", "0 2 * * *", 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("AddCron before Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.mu.Lock()
	registered := len(s.defs) == 1 && s.defs[0].entryID != 0
	s.mu.Unlock()
	if !registered {
		t.Fatal("definition not registered with the cron engine after Start")
	}
}
