// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schedule fires registered tasks on interval or cron triggers.
//
// Each task runs on its own timer goroutine and never overlaps itself;
// distinct tasks may run at the same wall-clock time. Tasks flagged as
// provider-dependent are skipped while a rate limit is active.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
)

// Handler is the unit of scheduled work.
type Handler func(ctx context.Context) error

// ProviderGate reports whether the primary AI provider is currently
// rate limited. Satisfied by provider.ResilientProvider.
type ProviderGate interface {
	Limited() bool
}

// TaskConfig registers one scheduled task.
type TaskConfig struct {
	// ID uniquely identifies the task.
	ID string

	// Name is the human-readable task name shown on the dashboard.
	Name string

	// Interval fires the task at a fixed period. Exactly one of
	// Interval and Cron must be set.
	Interval time.Duration

	// Cron is a standard 5-field cron expression.
	Cron string

	// Enabled gates whether the task's timer starts at all.
	Enabled bool

	// RequiresProvider marks tasks that call an AI provider; their
	// runs are skipped while the provider is rate limited.
	RequiresProvider bool

	// MaxRetries is how many times a failed run is retried before the
	// task waits for its next trigger. Default 2.
	MaxRetries int

	// RetryBackoff is the wait before the first retry, doubling per
	// retry. Default 30s.
	RetryBackoff time.Duration
}

// TaskStatus is a point-in-time snapshot for the status dashboard.
type TaskStatus struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Enabled          bool       `json:"enabled"`
	RequiresProvider bool       `json:"requires_provider"`
	Running          bool       `json:"running"`
	LastRun          *time.Time `json:"last_run,omitempty"`
	NextRun          *time.Time `json:"next_run,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	Runs             int        `json:"runs"`
	Failures         int        `json:"failures"`
	SkippedRateLimit int        `json:"skipped_rate_limit"`
}

type task struct {
	cfg      TaskConfig
	handler  Handler
	schedule cron.Schedule

	mu       sync.Mutex
	running  bool
	lastRun  *time.Time
	nextRun  *time.Time
	lastErr  string
	runs     int
	failures int
	skipped  int
}

// Scheduler owns the registered tasks and their timer goroutines.
//
// # Thread Safety
//
// Register must complete before Start; Tasks, Start and Stop are safe
// for concurrent use.
type Scheduler struct {
	gate   ProviderGate
	logger *logging.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// now is replaceable in tests.
	now func() time.Time
}

// NewScheduler creates an empty scheduler. gate may be nil when no
// registered task requires a provider.
func NewScheduler(gate ProviderGate, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		gate:   gate,
		logger: logger.With("component", "scheduler"),
		tasks:  make(map[string]*task),
		now:    time.Now,
	}
}

// Register adds a task. Exactly one of Interval and Cron must be set.
func (s *Scheduler) Register(cfg TaskConfig, handler Handler) error {
	if cfg.ID == "" {
		return errors.New("task id is required")
	}
	if handler == nil {
		return fmt.Errorf("task %s: handler is required", cfg.ID)
	}
	if (cfg.Interval > 0) == (cfg.Cron != "") {
		return fmt.Errorf("task %s: exactly one of interval and cron must be set", cfg.ID)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}

	t := &task{cfg: cfg, handler: handler}
	if cfg.Cron != "" {
		schedule, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return fmt.Errorf("task %s: parsing cron %q: %w", cfg.ID, cfg.Cron, err)
		}
		t.schedule = schedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("task %s: scheduler already started", cfg.ID)
	}
	if _, exists := s.tasks[cfg.ID]; exists {
		return fmt.Errorf("task %s: already registered", cfg.ID)
	}
	s.tasks[cfg.ID] = t
	s.order = append(s.order, cfg.ID)
	return nil
}

// Start launches a timer goroutine per enabled task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, id := range s.order {
		t := s.tasks[id]
		if !t.cfg.Enabled {
			s.logger.Info("task disabled", "task_id", t.cfg.ID, "task", t.cfg.Name)
			continue
		}
		s.wg.Add(1)
		go s.runLoop(runCtx, t)
	}
	s.logger.Info("scheduler started", "tasks", len(s.order))
	return nil
}

// Stop cancels all task loops and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Tasks returns a snapshot of every registered task in registration
// order.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	statuses := make([]TaskStatus, 0, len(order))
	for _, id := range order {
		s.mu.Lock()
		t := s.tasks[id]
		s.mu.Unlock()

		t.mu.Lock()
		statuses = append(statuses, TaskStatus{
			ID:               t.cfg.ID,
			Name:             t.cfg.Name,
			Enabled:          t.cfg.Enabled,
			RequiresProvider: t.cfg.RequiresProvider,
			Running:          t.running,
			LastRun:          t.lastRun,
			NextRun:          t.nextRun,
			LastError:        t.lastErr,
			Runs:             t.runs,
			Failures:         t.failures,
			SkippedRateLimit: t.skipped,
		})
		t.mu.Unlock()
	}
	return statuses
}

// RunNow executes a task immediately, outside its timer. Used by the
// CLI's one-shot mode. Returns an error if the task is unknown or
// already running.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("task %s is already running", id)
	}
	t.running = true
	t.mu.Unlock()

	s.execute(ctx, t)
	return nil
}

func (s *Scheduler) next(t *task, after time.Time) time.Time {
	if t.schedule != nil {
		return t.schedule.Next(after)
	}
	return after.Add(t.cfg.Interval)
}

func (s *Scheduler) runLoop(ctx context.Context, t *task) {
	defer s.wg.Done()

	for {
		fireAt := s.next(t, s.now())
		t.mu.Lock()
		t.nextRun = &fireAt
		t.mu.Unlock()

		timer := time.NewTimer(time.Until(fireAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if t.cfg.RequiresProvider && s.gate != nil && s.gate.Limited() {
			t.mu.Lock()
			t.skipped++
			t.mu.Unlock()
			s.logger.Warn("task skipped, provider rate limited",
				"task_id", t.cfg.ID, "task", t.cfg.Name)
			continue
		}

		t.mu.Lock()
		if t.running {
			// A RunNow invocation is still in flight; a task never
			// overlaps itself.
			t.mu.Unlock()
			continue
		}
		t.running = true
		t.mu.Unlock()
		s.execute(ctx, t)
	}
}

// execute runs the handler with retries and records the outcome.
// Caller must have set t.running.
func (s *Scheduler) execute(ctx context.Context, t *task) {
	started := s.now()
	var err error
	for attempt := 0; ; attempt++ {
		err = s.runHandler(ctx, t)
		if err == nil || attempt >= t.cfg.MaxRetries || ctx.Err() != nil {
			break
		}
		wait := t.cfg.RetryBackoff << attempt
		s.logger.Warn("task failed, retrying",
			"task_id", t.cfg.ID,
			"task", t.cfg.Name,
			"attempt", attempt+1,
			"wait", wait.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		if ctx.Err() != nil {
			break
		}
	}

	t.mu.Lock()
	t.running = false
	t.lastRun = &started
	t.runs++
	if err != nil {
		t.failures++
		t.lastErr = err.Error()
	} else {
		t.lastErr = ""
	}
	t.mu.Unlock()

	if err != nil {
		s.logger.Error("task failed", "task_id", t.cfg.ID, "task", t.cfg.Name, "error", err)
	} else {
		s.logger.Info("task completed",
			"task_id", t.cfg.ID,
			"task", t.cfg.Name,
			"duration", s.now().Sub(started).String(),
		)
	}
}

// runHandler isolates handler panics so a misbehaving task cannot take
// down the scheduler.
func (s *Scheduler) runHandler(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.cfg.ID, r)
		}
	}()
	return t.handler(ctx)
}
