// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the engine configuration.
//
// Configuration is a single YAML document. Defaults are applied before
// validation so a minimal file (or none at all) yields a runnable engine.
// There is no package-level singleton: the composition root loads one
// Config and hands it to each component explicitly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root engine configuration.
type Config struct {
	// StateDir is where durable stores, snapshots, history and logs live.
	// Supports ~ expansion. Default: ~/.kairos
	StateDir string `yaml:"state_dir" validate:"required"`

	// Workspace is the root of the codebase the engine repairs.
	// Default: current working directory.
	Workspace string `yaml:"workspace" validate:"required"`

	Logging   LoggingConfig   `yaml:"logging"`
	Providers ProvidersConfig `yaml:"providers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Health    HealthConfig    `yaml:"health"`
	Guard     GuardConfig     `yaml:"guard"`
	Review    ReviewConfig    `yaml:"review"`
	Repair    RepairConfig    `yaml:"repair"`
	Cycle     CycleConfig     `yaml:"cycle"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// JSON switches stderr output to JSON lines.
	JSON bool `yaml:"json"`

	// RingSize bounds the dashboard's recent-log ring. Default: 200.
	RingSize int `yaml:"ring_size" validate:"gte=0"`
}

// ProviderConfig describes one AI provider.
type ProviderConfig struct {
	// Name identifies the provider in health tracking and logs.
	Name string `yaml:"name" validate:"required"`

	// Kind selects the client implementation: ollama, openai, or command.
	Kind string `yaml:"kind" validate:"oneof=ollama openai command"`

	// Endpoint is the base URL for HTTP providers.
	Endpoint string `yaml:"endpoint"`

	// Model is the model identifier passed on every request.
	Model string `yaml:"model"`

	// Command and Args define the subprocess for kind=command providers.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Timeout bounds every call to this provider. Default: 120s.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// ProvidersConfig names the primary/fallback pair and the judge pool.
type ProvidersConfig struct {
	// Primary is the provider used for all phase operations.
	Primary ProviderConfig `yaml:"primary"`

	// Fallback serves calls when the primary is limited or failing.
	Fallback ProviderConfig `yaml:"fallback"`

	// Judges are the independent reviewers for protected-file changes.
	// Weight skews the voting ratio toward more trusted judges.
	Judges []JudgeConfig `yaml:"judges" validate:"dive"`
}

// JudgeConfig is one judge in the review pool.
type JudgeConfig struct {
	Provider ProviderConfig `yaml:"provider"`

	// Weight is this judge's share of the weighted vote. Default: 1.0.
	Weight float64 `yaml:"weight" validate:"gt=0"`
}

// RateLimitConfig tunes the per-wrapper rate-limit handler.
type RateLimitConfig struct {
	// BaseBackoff seeds the exponential backoff. Default: 30s.
	BaseBackoff time.Duration `yaml:"base_backoff" validate:"gt=0"`

	// MaxBackoff caps the computed backoff. Default: 15m.
	MaxBackoff time.Duration `yaml:"max_backoff" validate:"gt=0"`

	// FailureThreshold opens the circuit (fast-fail to fallback) once
	// consecutive failures reach it. Default: 3.
	FailureThreshold int `yaml:"failure_threshold" validate:"gt=0"`
}

// HealthConfig tunes the provider health monitor.
type HealthConfig struct {
	// BrokenThreshold is consecutive failures before a provider is
	// classified broken. One failure already means degraded. Default: 3.
	BrokenThreshold int `yaml:"broken_threshold" validate:"gt=0"`

	// ProbeCooldown is the minimum interval between recovery probes of
	// the same provider. Default: 5m.
	ProbeCooldown time.Duration `yaml:"probe_cooldown" validate:"gt=0"`
}

// GuardConfig tunes the static policy checks.
type GuardConfig struct {
	// MaxFiles rejects changes touching more than this many files.
	// Default: 10.
	MaxFiles int `yaml:"max_files" validate:"gt=0"`

	// ProtectedPatterns are doublestar globs; matching paths require
	// multi-judge approval. Defaults cover the engine's own core.
	ProtectedPatterns []string `yaml:"protected_patterns"`

	// AllowedExtensions is the file-extension allow-list.
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// ReviewConfig tunes the multi-judge voting gate.
type ReviewConfig struct {
	// ApprovalThreshold is the minimum weighted ratio, boundary
	// inclusive. Default: 0.6.
	ApprovalThreshold float64 `yaml:"approval_threshold" validate:"gt=0,lte=1"`

	// MinJudges is the quorum for a valid vote. Default: 2.
	MinJudges int `yaml:"min_judges" validate:"gt=0"`

	// SingleJudgeFallback permits a one-judge decision when the quorum
	// cannot be met. When false, an under-quorum review is a terminal,
	// non-appealable rejection. Default: false — fail safe.
	SingleJudgeFallback bool `yaml:"single_judge_fallback"`

	// MaxTrials bounds the appeal ladder. Default: 3.
	MaxTrials int `yaml:"max_trials" validate:"gt=0,lte=3"`
}

// RepairConfig tunes the error-aggregation/auto-repair loop.
type RepairConfig struct {
	// GlobalThreshold is consecutive repair failures (any source) before
	// the breaker opens. Default: 5.
	GlobalThreshold int `yaml:"global_threshold" validate:"gt=0"`

	// SourceThreshold is consecutive failures for one source before
	// repairs for that source are forbidden. Default: 3.
	SourceThreshold int `yaml:"source_threshold" validate:"gt=0"`

	// Cooldown is how long the breaker stays open. Default: 10m.
	Cooldown time.Duration `yaml:"cooldown" validate:"gt=0"`

	// HalfOpenBudget is the number of trial repairs permitted while
	// half-open. Default: 2.
	HalfOpenBudget int `yaml:"half_open_budget" validate:"gt=0"`

	// MaxAttemptsPerError caps retries of a single error independent of
	// the breaker. Default: 3.
	MaxAttemptsPerError int `yaml:"max_attempts_per_error" validate:"gt=0"`

	// Concurrency is how many repair tasks drain at once. Default: 1.
	Concurrency int `yaml:"concurrency" validate:"gt=0"`
}

// CycleConfig tunes the repair cycle phases.
type CycleConfig struct {
	// VerifyCommand runs in the workspace after changes are applied;
	// a non-zero exit rolls the cycle's changes back. Empty disables
	// verification.
	VerifyCommand []string `yaml:"verify_command"`

	// VerifyTimeout bounds the verification run. Default: 10m.
	VerifyTimeout time.Duration `yaml:"verify_timeout" validate:"gt=0"`
}

// ScheduledTaskConfig declares one scheduler entry.
type ScheduledTaskConfig struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name"`

	// Interval and Cron are mutually exclusive triggers.
	Interval time.Duration `yaml:"interval"`
	Cron     string        `yaml:"cron"`

	Enabled bool `yaml:"enabled"`

	// RequiresProvider skips runs while a provider rate limit is active.
	RequiresProvider bool `yaml:"requires_provider"`
}

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	// CycleInterval is how often the repair cycle fires. Default: 30m.
	CycleInterval time.Duration `yaml:"cycle_interval" validate:"gt=0"`

	// RetryBackoff is the wait before retrying a failed task run.
	// Default: 1m.
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"gt=0"`

	// MaxRetries bounds retries of one task run. Default: 2.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`

	// Extra declares additional maintenance tasks from config.
	Extra []ScheduledTaskConfig `yaml:"extra" validate:"dive"`
}

// DashboardConfig tunes the status HTTP server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

var configValidate = validator.New()

// Default returns the full default configuration.
func Default() Config {
	return Config{
		StateDir:  "~/.kairos",
		Workspace: ".",
		Logging: LoggingConfig{
			Level:    "info",
			RingSize: 200,
		},
		Providers: ProvidersConfig{
			Primary: ProviderConfig{
				Name:     "ollama-primary",
				Kind:     "ollama",
				Endpoint: "http://localhost:11434",
				Model:    "qwen2.5-coder:14b",
				Timeout:  120 * time.Second,
			},
			Fallback: ProviderConfig{
				Name:     "ollama-fallback",
				Kind:     "ollama",
				Endpoint: "http://localhost:11434",
				Model:    "qwen2.5-coder:7b",
				Timeout:  120 * time.Second,
			},
		},
		RateLimit: RateLimitConfig{
			BaseBackoff:      30 * time.Second,
			MaxBackoff:       15 * time.Minute,
			FailureThreshold: 3,
		},
		Health: HealthConfig{
			BrokenThreshold: 3,
			ProbeCooldown:   5 * time.Minute,
		},
		Guard: GuardConfig{
			MaxFiles: 10,
			ProtectedPatterns: []string{
				"cmd/**",
				"services/engine/**",
				"pkg/**",
				"go.mod",
				"go.sum",
			},
			AllowedExtensions: []string{".go", ".md", ".yaml", ".yml", ".json", ".txt"},
		},
		Review: ReviewConfig{
			ApprovalThreshold: 0.6,
			MinJudges:         2,
			MaxTrials:         3,
		},
		Repair: RepairConfig{
			GlobalThreshold:     5,
			SourceThreshold:     3,
			Cooldown:            10 * time.Minute,
			HalfOpenBudget:      2,
			MaxAttemptsPerError: 3,
			Concurrency:         1,
		},
		Cycle: CycleConfig{
			VerifyCommand: []string{"go", "build", "./..."},
			VerifyTimeout: 10 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			CycleInterval: 30 * time.Minute,
			RetryBackoff:  time.Minute,
			MaxRetries:    2,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8917",
		},
	}
}

// Load reads the YAML file at path, applies defaults for absent fields,
// and validates the result.
//
// Inputs:
//   - path: Config file path. When the file does not exist, a default
//     file is written there first (first-run convenience).
//
// Outputs:
//   - Config: The merged, validated configuration.
//   - error: Non-nil on read, parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return cfg, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules the tags cannot express.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.RateLimit.MaxBackoff < c.RateLimit.BaseBackoff {
		return fmt.Errorf("invalid configuration: max_backoff %v below base_backoff %v",
			c.RateLimit.MaxBackoff, c.RateLimit.BaseBackoff)
	}
	for _, task := range c.Scheduler.Extra {
		if task.Interval <= 0 && task.Cron == "" {
			return fmt.Errorf("invalid configuration: task %q needs an interval or cron trigger", task.ID)
		}
		if task.Interval > 0 && task.Cron != "" {
			return fmt.Errorf("invalid configuration: task %q has both interval and cron triggers", task.ID)
		}
	}
	return nil
}

// ExpandedStateDir returns StateDir with ~ expanded.
func (c Config) ExpandedStateDir() string {
	return expandPath(c.StateDir)
}

// applyDefaults fills zero values the YAML file omitted. Lists are left
// alone: an explicitly empty list in the file means empty.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	fillProvider(&c.Providers.Primary, def.Providers.Primary)
	fillProvider(&c.Providers.Fallback, def.Providers.Fallback)
	for i := range c.Providers.Judges {
		if c.Providers.Judges[i].Weight == 0 {
			c.Providers.Judges[i].Weight = 1.0
		}
		if c.Providers.Judges[i].Provider.Timeout == 0 {
			c.Providers.Judges[i].Provider.Timeout = def.Providers.Primary.Timeout
		}
		if c.Providers.Judges[i].Provider.Kind == "" {
			c.Providers.Judges[i].Provider.Kind = "ollama"
		}
	}
	if c.RateLimit.BaseBackoff == 0 {
		c.RateLimit.BaseBackoff = def.RateLimit.BaseBackoff
	}
	if c.RateLimit.MaxBackoff == 0 {
		c.RateLimit.MaxBackoff = def.RateLimit.MaxBackoff
	}
	if c.RateLimit.FailureThreshold == 0 {
		c.RateLimit.FailureThreshold = def.RateLimit.FailureThreshold
	}
	if c.Health.BrokenThreshold == 0 {
		c.Health.BrokenThreshold = def.Health.BrokenThreshold
	}
	if c.Health.ProbeCooldown == 0 {
		c.Health.ProbeCooldown = def.Health.ProbeCooldown
	}
	if c.Guard.MaxFiles == 0 {
		c.Guard.MaxFiles = def.Guard.MaxFiles
	}
	if c.Review.ApprovalThreshold == 0 {
		c.Review.ApprovalThreshold = def.Review.ApprovalThreshold
	}
	if c.Review.MinJudges == 0 {
		c.Review.MinJudges = def.Review.MinJudges
	}
	if c.Review.MaxTrials == 0 {
		c.Review.MaxTrials = def.Review.MaxTrials
	}
	if c.Repair.GlobalThreshold == 0 {
		c.Repair.GlobalThreshold = def.Repair.GlobalThreshold
	}
	if c.Repair.SourceThreshold == 0 {
		c.Repair.SourceThreshold = def.Repair.SourceThreshold
	}
	if c.Repair.Cooldown == 0 {
		c.Repair.Cooldown = def.Repair.Cooldown
	}
	if c.Repair.HalfOpenBudget == 0 {
		c.Repair.HalfOpenBudget = def.Repair.HalfOpenBudget
	}
	if c.Repair.MaxAttemptsPerError == 0 {
		c.Repair.MaxAttemptsPerError = def.Repair.MaxAttemptsPerError
	}
	if c.Repair.Concurrency == 0 {
		c.Repair.Concurrency = def.Repair.Concurrency
	}
	if c.Cycle.VerifyTimeout == 0 {
		c.Cycle.VerifyTimeout = def.Cycle.VerifyTimeout
	}
	if c.Cycle.VerifyCommand == nil {
		c.Cycle.VerifyCommand = def.Cycle.VerifyCommand
	}
	if c.Scheduler.CycleInterval == 0 {
		c.Scheduler.CycleInterval = def.Scheduler.CycleInterval
	}
	if c.Scheduler.RetryBackoff == 0 {
		c.Scheduler.RetryBackoff = def.Scheduler.RetryBackoff
	}
	if c.Dashboard.Addr == "" {
		c.Dashboard.Addr = def.Dashboard.Addr
	}
	if c.StateDir == "" {
		c.StateDir = def.StateDir
	}
	if c.Workspace == "" {
		c.Workspace = def.Workspace
	}
	if c.Logging.RingSize == 0 {
		c.Logging.RingSize = def.Logging.RingSize
	}
}

func fillProvider(p *ProviderConfig, def ProviderConfig) {
	if p.Name == "" {
		p.Name = def.Name
	}
	if p.Kind == "" {
		p.Kind = def.Kind
	}
	if p.Endpoint == "" && (p.Kind == "ollama" || p.Kind == "openai") {
		p.Endpoint = def.Endpoint
	}
	if p.Model == "" {
		p.Model = def.Model
	}
	if p.Timeout == 0 {
		p.Timeout = def.Timeout
	}
}

func writeDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}

// Watch reports modifications of the config file on the returned channel
// until ctx-independent Close. The caller decides what a reload means;
// most components are constructed once and restart on change.
//
// Outputs:
//   - <-chan struct{}: Receives one value per detected modification.
//   - func(): Stops the watcher and closes the channel.
//   - error: Non-nil if the watcher cannot be created.
func Watch(path string) (<-chan struct{}, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("watching config directory: %w", err)
	}

	changes := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(changes)
		target := filepath.Clean(path)
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case changes <- struct{}{}:
				default:
					// A pending notification already covers this change.
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	stop := func() {
		close(done)
		watcher.Close()
	}
	return changes, stop, nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
