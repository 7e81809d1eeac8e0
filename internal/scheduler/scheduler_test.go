package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartRunsImmediatelyAndRepeats(t *testing.T) {
	s := New(context.Background())
	defer s.StopAll()

	var runs atomic.Int32
	s.Start("messages", 10*time.Millisecond, func(ctx context.Context) {
		runs.Add(1)
	})

	waitFor(t, func() bool { return runs.Load() >= 3 })
}

func TestTicksOfOneTaskNeverOverlap(t *testing.T) {
	s := New(context.Background())
	defer s.StopAll()

	var inFlight, maxInFlight, runs atomic.Int32
	s.Start("unread", time.Millisecond, func(ctx context.Context) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		runs.Add(1)
	})

	waitFor(t, func() bool { return runs.Load() >= 5 })
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", got)
	}
}

func TestTriggerForcesImmediateTick(t *testing.T) {
	s := New(context.Background())
	defer s.StopAll()

	var runs atomic.Int32
	s.Start("messages", time.Hour, func(ctx context.Context) {
		runs.Add(1)
	})
	waitFor(t, func() bool { return runs.Load() == 1 })

	if !s.Trigger("messages") {
		t.Fatal("Trigger() = false, want true")
	}
	waitFor(t, func() bool { return runs.Load() == 2 })

	if s.Trigger("missing") {
		t.Fatal("Trigger() on unknown task = true, want false")
	}
}

func TestStartReplacesAndCancelsPreviousTask(t *testing.T) {
	s := New(context.Background())
	defer s.StopAll()

	cancelled := make(chan struct{})
	var once sync.Once
	s.Start("messages", time.Hour, func(ctx context.Context) {
		<-ctx.Done()
		once.Do(func() { close(cancelled) })
	})

	var second atomic.Int32
	s.Start("messages", time.Hour, func(ctx context.Context) {
		second.Add(1)
	})

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("previous task context was not cancelled")
	}
	waitFor(t, func() bool { return second.Load() == 1 })
}

func TestStopAllIsIndependentPerTask(t *testing.T) {
	s := New(context.Background())

	var a, b atomic.Int32
	s.Start("a", 5*time.Millisecond, func(ctx context.Context) { a.Add(1) })
	s.Start("b", 5*time.Millisecond, func(ctx context.Context) { b.Add(1) })
	waitFor(t, func() bool { return a.Load() > 0 && b.Load() > 0 })

	s.Stop("a")
	if s.Running("a") {
		t.Fatal("Running(a) = true after Stop")
	}
	if !s.Running("b") {
		t.Fatal("Running(b) = false, stopping a must not stop b")
	}

	s.StopAll()
	stopped := b.Load()
	time.Sleep(20 * time.Millisecond)
	if b.Load() != stopped {
		t.Fatal("task b kept running after StopAll")
	}
}
