package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RunFunc is one tick of a task. It must honor ctx: the context is cancelled
// when the task is stopped or replaced.
type RunFunc func(ctx context.Context)

type task struct {
	name     string
	interval time.Duration
	run      RunFunc
	cancel   context.CancelFunc
	trigger  chan struct{}
	done     chan struct{}
}

// Scheduler owns a set of named repeating tasks. Each task runs on its own
// goroutine, so ticks of one task are strictly sequential while different
// tasks have no ordering relative to each other.
type Scheduler struct {
	mu     sync.Mutex
	parent context.Context
	tasks  map[string]*task
}

func New(parent context.Context) *Scheduler {
	return &Scheduler{
		parent: parent,
		tasks:  make(map[string]*task),
	}
}

// Start runs fn immediately and then every interval. A task already running
// under the same name is stopped first and its in-flight tick cancelled.
func (s *Scheduler) Start(name string, interval time.Duration, fn RunFunc) {
	s.mu.Lock()
	old := s.tasks[name]
	ctx, cancel := context.WithCancel(s.parent)
	t := &task{
		name:     name,
		interval: interval,
		run:      fn,
		cancel:   cancel,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.tasks[name] = t
	s.mu.Unlock()

	if old != nil {
		old.cancel()
	}

	go t.loop(ctx)
}

// Trigger asks the named task for an immediate tick. Requests made while a
// tick is in flight collapse into a single follow-up tick.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case t.trigger <- struct{}{}:
	default:
	}
	return true
}

// Stop cancels the named task and waits for its goroutine to exit. It must
// not be called from inside that task's RunFunc.
func (s *Scheduler) Stop(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	if ok {
		t.cancel()
		<-t.done
	}
}

// StopAll cancels every task and waits for all of them to exit.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for name, t := range s.tasks {
		tasks = append(tasks, t)
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

func (t *task) loop(ctx context.Context) {
	defer close(t.done)

	slog.Debug("task started", "component", "scheduler", "task", t.name, "interval", t.interval)

	t.run(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("task stopped", "component", "scheduler", "task", t.name)
			return
		case <-ticker.C:
		case <-t.trigger:
		}

		if ctx.Err() != nil {
			return
		}
		t.run(ctx)
		dropMissedTick(ticker)
	}
}

// dropMissedTick discards a tick that fired while a run was in flight, so a
// slow fetch is superseded by the next scheduled tick instead of queueing one.
func dropMissedTick(ticker *time.Ticker) {
	select {
	case <-ticker.C:
	default:
	}
}
