// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the composition root: it builds every subsystem
// from one Config and owns their lifecycle. There are no package-level
// singletons; everything is wired here and handed down explicitly.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/config"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/cycle"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/dashboard"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/history"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/provider"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/review"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/schedule"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/snapshot"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/telemetry"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/track"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/trouble"
)

// Engine owns every subsystem of the repair engine.
type Engine struct {
	cfg    config.Config
	logger *logging.Logger

	telemetry *telemetry.Telemetry

	monitor   *provider.HealthMonitor
	resilient *provider.ResilientProvider
	providers []provider.Provider

	tracker       *track.Tracker
	confirmations *track.ConfirmationQueue

	aggregator *trouble.Aggregator
	breaker    *trouble.Breaker
	repairs    *trouble.Queue
	repairer   *trouble.Repairer

	hist         *history.Store
	orchestrator *cycle.Orchestrator
	scheduler    *schedule.Scheduler
	dash         *dashboard.Server
}

// New wires the engine from configuration.
func New(cfg config.Config, logger *logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.Default()
	}
	stateDir := cfg.ExpandedStateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir %s: %w", stateDir, err)
	}

	e := &Engine{cfg: cfg, logger: logger}

	tel, err := telemetry.Init("kairos-engine")
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	e.telemetry = tel

	if err := e.buildProviders(); err != nil {
		return nil, err
	}
	e.buildTrouble(stateDir)

	hist, err := history.Open(filepath.Join(stateDir, "history"), logger)
	if err != nil {
		return nil, err
	}
	e.hist = hist

	e.buildPipeline(stateDir)
	if err := e.buildScheduler(); err != nil {
		return nil, err
	}
	e.buildDashboard()

	return e, nil
}

func (e *Engine) buildProviders() error {
	cfg := e.cfg

	e.monitor = provider.NewHealthMonitor(provider.HealthMonitorConfig{
		BrokenThreshold: cfg.Health.BrokenThreshold,
		ProbeCooldown:   cfg.Health.ProbeCooldown,
	}, e.logger, func(msg string) {
		e.logger.Error("provider alert", "alert", msg)
	})

	primary, err := buildProvider(cfg.Providers.Primary, e.logger)
	if err != nil {
		return fmt.Errorf("building primary provider: %w", err)
	}
	fallback, err := buildProvider(cfg.Providers.Fallback, e.logger)
	if err != nil {
		return fmt.Errorf("building fallback provider: %w", err)
	}
	e.providers = []provider.Provider{primary, fallback}

	e.confirmations = track.NewConfirmationQueue(e.cfg.ExpandedStateDir(), e.logger)
	e.tracker = track.NewTracker(e.cfg.ExpandedStateDir(), e.confirmations, e.logger)

	limits := provider.NewRateLimitHandler(provider.RateLimitConfig{
		BaseBackoff:      cfg.RateLimit.BaseBackoff,
		MaxBackoff:       cfg.RateLimit.MaxBackoff,
		FailureThreshold: cfg.RateLimit.FailureThreshold,
	})
	recorder := &meteredRecorder{tracker: e.tracker, metrics: e.telemetry.Metrics}
	e.resilient = provider.NewResilientProvider(primary, fallback, limits, e.monitor, recorder, e.logger)
	return nil
}

func (e *Engine) buildTrouble(stateDir string) {
	cfg := e.cfg.Repair
	e.aggregator = trouble.NewAggregator(stateDir, e.logger)
	e.breaker = trouble.NewBreaker(stateDir, trouble.BreakerConfig{
		GlobalThreshold: cfg.GlobalThreshold,
		SourceThreshold: cfg.SourceThreshold,
		Cooldown:        cfg.Cooldown,
		HalfOpenBudget:  cfg.HalfOpenBudget,
	}, e.logger)
	e.repairs = trouble.NewQueue(stateDir, e.aggregator, e.breaker, e.logger)
	e.repairer = trouble.NewRepairer(trouble.RepairerConfig{
		Concurrency:         cfg.Concurrency,
		MaxAttemptsPerError: cfg.MaxAttemptsPerError,
	}, e.repairs, e.aggregator, e.breaker, e.resilient, e.logger)
}

func (e *Engine) buildPipeline(stateDir string) {
	cfg := e.cfg

	guard := review.NewGuard(cfg.Guard.MaxFiles, cfg.Guard.ProtectedPatterns,
		cfg.Guard.AllowedExtensions, e.logger)

	var judges []review.WeightedJudge
	for _, jc := range cfg.Providers.Judges {
		p, err := buildProvider(jc.Provider, e.logger)
		if err != nil {
			e.logger.Warn("judge provider unavailable, excluded from panel",
				"judge", jc.Provider.Name, "error", err.Error())
			continue
		}
		judges = append(judges, review.WeightedJudge{
			Judge:  review.NewProviderJudge(p),
			Weight: jc.Weight,
		})
	}
	reviewer := review.NewMultiJudgeReviewer(judges, cfg.Review.ApprovalThreshold,
		cfg.Review.MinJudges, cfg.Review.SingleJudgeFallback, e.logger)
	appeals := review.NewAppealManager(reviewer, cfg.Review.MaxTrials, e.logger)

	workspace := cycle.NewWorkspace(cfg.Workspace)
	snapshots := snapshot.NewManager(cfg.Workspace, stateDir, e.logger)
	extensions := cfg.Guard.AllowedExtensions

	phases := []cycle.Phase{
		cycle.NewHealthCheckPhase(e.providers, e.monitor, e.logger),
		cycle.NewErrorDetectPhase(e.resilient, workspace, e.aggregator, extensions, e.logger),
		cycle.NewImproveFindPhase(e.resilient, workspace, extensions, e.logger),
		cycle.NewSearchPhase(e.resilient, workspace, extensions, e.logger),
		cycle.NewPlanPhase(e.resilient, e.logger),
		cycle.NewImplementPhase(e.resilient, workspace, guard, appeals, snapshots, e.logger),
		cycle.NewTestGenPhase(e.resilient, workspace, guard, snapshots, e.logger),
		cycle.NewVerifyPhase(workspace, snapshots, e.aggregator,
			cfg.Cycle.VerifyCommand, cfg.Cycle.VerifyTimeout, e.logger),
	}
	e.orchestrator = cycle.NewOrchestrator(phases, e.hist, e.telemetry.Metrics, e.logger)
}

func (e *Engine) buildScheduler() error {
	cfg := e.cfg.Scheduler
	e.scheduler = schedule.NewScheduler(e.resilient, e.logger)

	tasks := []struct {
		cfg     schedule.TaskConfig
		handler schedule.Handler
	}{
		{
			cfg: schedule.TaskConfig{
				ID:               "repair-cycle",
				Name:             "repair cycle",
				Interval:         cfg.CycleInterval,
				Enabled:          true,
				RequiresProvider: true,
				MaxRetries:       cfg.MaxRetries,
				RetryBackoff:     cfg.RetryBackoff,
			},
			handler: e.runCycleTask,
		},
		{
			cfg: schedule.TaskConfig{
				ID:               "repair-drain",
				Name:             "auto-repair drain",
				Interval:         5 * time.Minute,
				Enabled:          true,
				RequiresProvider: true,
				MaxRetries:       cfg.MaxRetries,
				RetryBackoff:     cfg.RetryBackoff,
			},
			handler: e.drainRepairsTask,
		},
		{
			cfg: schedule.TaskConfig{
				ID:       "provider-probe",
				Name:     "provider recovery probe",
				Interval: e.cfg.Health.ProbeCooldown,
				Enabled:  true,
			},
			handler: e.probeProvidersTask,
		},
	}

	// Config extras override built-in triggers by matching id; unknown
	// ids have no handler to run.
	for _, extra := range e.cfg.Scheduler.Extra {
		matched := false
		for i := range tasks {
			if tasks[i].cfg.ID != extra.ID {
				continue
			}
			matched = true
			tasks[i].cfg.Enabled = extra.Enabled
			if extra.Interval > 0 {
				tasks[i].cfg.Interval = extra.Interval
				tasks[i].cfg.Cron = ""
			}
			if extra.Cron != "" {
				tasks[i].cfg.Cron = extra.Cron
				tasks[i].cfg.Interval = 0
			}
		}
		if !matched {
			e.logger.Warn("ignoring unknown scheduled task", "task_id", extra.ID)
		}
	}

	for _, t := range tasks {
		if err := e.scheduler.Register(t.cfg, e.metered(t.cfg.ID, t.handler)); err != nil {
			return fmt.Errorf("registering task %s: %w", t.cfg.ID, err)
		}
	}
	return nil
}

func (e *Engine) buildDashboard() {
	if !e.cfg.Dashboard.Enabled {
		return
	}
	e.dash = dashboard.NewServer(e.cfg.Dashboard.Addr, dashboard.Sources{
		Scheduler:     e.scheduler,
		Monitor:       e.monitor,
		Primary:       e.resilient,
		Breaker:       e.breaker,
		RepairQueue:   e.repairs,
		Confirmations: e.confirmations,
		History:       e.hist,
		Metrics:       e.telemetry.Handler(),
	}, e.logger)
}

// Start launches the scheduler and, when enabled, the dashboard.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	if e.dash != nil {
		e.dash.Start()
	}
	e.logger.Info("engine started",
		"workspace", e.cfg.Workspace,
		"state_dir", e.cfg.ExpandedStateDir(),
	)
	return nil
}

// Stop shuts everything down in reverse order of Start.
func (e *Engine) Stop(ctx context.Context) error {
	e.scheduler.Stop()
	if e.dash != nil {
		if err := e.dash.Shutdown(ctx); err != nil {
			e.logger.Warn("dashboard shutdown failed", "error", err.Error())
		}
	}
	if err := e.hist.Close(); err != nil {
		e.logger.Warn("history close failed", "error", err.Error())
	}
	if err := e.telemetry.Shutdown(ctx); err != nil {
		e.logger.Warn("telemetry shutdown failed", "error", err.Error())
	}
	e.logger.Info("engine stopped")
	return nil
}

// RunCycleOnce runs a single repair cycle outside the schedule.
func (e *Engine) RunCycleOnce(ctx context.Context) (*cycle.CycleContext, error) {
	return e.orchestrator.RunCycle(ctx)
}

// Accessors for the CLI's status and confirm commands.

func (e *Engine) Scheduler() *schedule.Scheduler          { return e.scheduler }
func (e *Engine) Monitor() *provider.HealthMonitor        { return e.monitor }
func (e *Engine) Breaker() *trouble.Breaker               { return e.breaker }
func (e *Engine) RepairQueue() *trouble.Queue             { return e.repairs }
func (e *Engine) Confirmations() *track.ConfirmationQueue { return e.confirmations }
func (e *Engine) Tracker() *track.Tracker                 { return e.tracker }
func (e *Engine) History() *history.Store                 { return e.hist }
func (e *Engine) Provider() *provider.ResilientProvider   { return e.resilient }

func (e *Engine) runCycleTask(ctx context.Context) error {
	_, err := e.orchestrator.RunCycle(ctx)
	return err
}

// drainRepairsTask promotes new aggregated errors into repair tasks and
// drains the queue.
func (e *Engine) drainRepairsTask(ctx context.Context) error {
	// Unresolved covers new errors and earlier failed repairs alike;
	// failed ones go back on the queue until they hit the attempt cap,
	// and each retry prompt carries the prior attempts.
	open, err := e.aggregator.Unresolved()
	if err != nil {
		return fmt.Errorf("listing unresolved errors: %w", err)
	}
	maxAttempts := e.cfg.Repair.MaxAttemptsPerError
	for _, aggErr := range open {
		if aggErr.FailedAttempts() >= maxAttempts {
			continue
		}
		if _, err := e.repairs.Enqueue(aggErr); err != nil {
			e.logger.Warn("repair enqueue refused",
				"error_id", aggErr.ID, "source", aggErr.Source, "reason", err.Error())
		}
	}

	done, err := e.repairer.Drain(ctx)
	if done > 0 {
		e.logger.Info("repair drain finished", "tasks", done)
	}
	return err
}

func (e *Engine) probeProvidersTask(ctx context.Context) error {
	for _, p := range e.providers {
		if e.monitor.Health(p.Name()).Status == provider.StatusHealthy {
			continue
		}
		e.monitor.Probe(ctx, p)
	}
	return nil
}

// metered wraps a task handler with the scheduled-run counter.
func (e *Engine) metered(taskID string, handler schedule.Handler) schedule.Handler {
	return func(ctx context.Context) error {
		err := handler(ctx)
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		e.telemetry.Metrics.ScheduledRunsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task", taskID),
			attribute.String("outcome", outcome),
		))
		return err
	}
}

// meteredRecorder tracks fallback-served calls and counts them.
type meteredRecorder struct {
	tracker *track.Tracker
	metrics *telemetry.Metrics
}

func (r *meteredRecorder) RecordFallback(ctx context.Context, use provider.FallbackUse) error {
	r.metrics.FailoversTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("primary", use.Primary),
		attribute.String("fallback", use.Fallback),
	))
	return r.tracker.RecordFallback(ctx, use)
}

// buildProvider constructs one concrete provider client from config.
func buildProvider(cfg config.ProviderConfig, logger *logging.Logger) (provider.Provider, error) {
	switch cfg.Kind {
	case "ollama":
		return provider.NewOllamaProvider(cfg.Name, cfg.Endpoint, cfg.Model, cfg.Timeout, logger), nil
	case "openai":
		return provider.NewOpenAIProvider(cfg.Name, cfg.Endpoint, cfg.Model, cfg.Timeout, logger)
	case "command":
		return provider.NewCommandProvider(cfg.Name, cfg.Command, cfg.Args, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}
