// Package scheduler runs a periodic task, one run at a time.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/paper-broker/internal/metrics"
)

// ErrLockHeld is returned by a Locker when another holder owns the lock.
var ErrLockHeld = errors.New("scheduler: lock held")

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Locker guards a run across processes. Acquire returns ErrLockHeld when
// another process is running the task.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Scheduler runs a task every interval. A run never starts while the
// previous one is still in progress, whether triggered by the ticker or by
// RunOnce.
type Scheduler struct {
	name     string
	interval time.Duration
	task     Task
	locker   Locker

	mu      sync.Mutex // held for the duration of a run
	running bool
}

// New creates a scheduler. locker may be nil for a single-process
// deployment.
func New(name string, interval time.Duration, task Task, locker Locker) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: interval,
		task:     task,
		locker:   locker,
	}
}

// Start runs the task every interval until ctx is cancelled. A run that is
// in flight when ctx is cancelled completes before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	slog.Info("scheduler started", "task", s.name, "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped", "task", s.name)
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs the task now unless a run is already in progress here or,
// with a locker, in another process. It reports whether the task ran.
// The task runs to completion even if ctx is cancelled.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	ctx = context.WithoutCancel(ctx)
	if !s.begin() {
		metrics.ScansSkipped.Inc()
		slog.Warn("previous run still in progress, skipping", "task", s.name)
		return false
	}
	defer s.end()

	if s.locker != nil {
		unlock, err := s.locker.Acquire(ctx, "scheduler:"+s.name, s.interval)
		if errors.Is(err, ErrLockHeld) {
			metrics.ScansSkipped.Inc()
			slog.Debug("task running elsewhere, skipping", "task", s.name)
			return false
		}
		if err != nil {
			slog.Warn("scheduler lock unavailable, running unguarded", "task", s.name, "err", err)
		} else {
			defer unlock()
		}
	}

	if err := s.task(ctx); err != nil {
		slog.Error("scheduled task failed", "task", s.name, "err", err)
	}
	return true
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
