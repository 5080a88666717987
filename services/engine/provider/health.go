// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
)

// Status classifies a provider's health. Transitions are monotonic
// threshold crossings driven by call outcomes; external code can only
// reset, not set.
type Status int

const (
	// StatusHealthy means the last call succeeded.
	StatusHealthy Status = iota

	// StatusDegraded means at least one consecutive failure.
	StatusDegraded

	// StatusBroken means consecutive failures reached the broken
	// threshold.
	StatusBroken
)

// String returns "healthy", "degraded", "broken", or "unknown".
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Health is one provider's tracked state.
type Health struct {
	Name                string    `json:"name"`
	Status              Status    `json:"-"`
	StatusText          string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// AlertFunc receives critical, system-wide conditions that are distinct
// from per-call errors.
type AlertFunc func(msg string)

// HealthMonitorConfig configures a HealthMonitor.
type HealthMonitorConfig struct {
	// BrokenThreshold is consecutive failures before StatusBroken.
	// Default: 3.
	BrokenThreshold int

	// ProbeCooldown is the minimum interval between recovery probes of
	// one provider. Default: 5m.
	ProbeCooldown time.Duration
}

func (c *HealthMonitorConfig) applyDefaults() {
	if c.BrokenThreshold <= 0 {
		c.BrokenThreshold = 3
	}
	if c.ProbeCooldown <= 0 {
		c.ProbeCooldown = 5 * time.Minute
	}
}

// HealthMonitor tracks every registered provider's status across all
// wrappers and raises a critical alert when all of them are broken at
// once.
//
// Thread Safety: Safe for concurrent use.
type HealthMonitor struct {
	config HealthMonitorConfig
	logger *logging.Logger
	alert  AlertFunc

	mu        sync.Mutex
	providers map[string]*Health
	probes    map[string]*rate.Limiter

	// allBrokenRaised latches the system-wide alert so it fires once
	// per outage, not once per call.
	allBrokenRaised bool
}

// NewHealthMonitor creates a monitor with no registered providers.
//
// Inputs:
//   - config: Thresholds and probe cooldown. Zero values use defaults.
//   - logger: Destination for health transitions. If nil, a default
//     logger is used.
//   - alert: Hook for critical system-wide conditions. May be nil.
func NewHealthMonitor(config HealthMonitorConfig, logger *logging.Logger, alert AlertFunc) *HealthMonitor {
	config.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthMonitor{
		config:    config,
		logger:    logger.With("component", "health_monitor"),
		alert:     alert,
		providers: make(map[string]*Health),
		probes:    make(map[string]*rate.Limiter),
	}
}

// Register adds a provider to the monitor as healthy. Registering an
// existing name is a no-op.
func (m *HealthMonitor) Register(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[name]; ok {
		return
	}
	m.providers[name] = &Health{Name: name, Status: StatusHealthy, StatusText: StatusHealthy.String()}
	m.probes[name] = rate.NewLimiter(rate.Every(m.config.ProbeCooldown), 1)
}

// RecordSuccess marks a successful call. Exactly one success returns the
// provider to healthy regardless of how broken it was.
func (m *HealthMonitor) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.getLocked(name)
	prev := h.Status
	h.ConsecutiveFailures = 0
	h.Status = StatusHealthy
	h.StatusText = h.Status.String()
	h.LastSuccess = time.Now()
	h.LastError = ""
	m.allBrokenRaised = false

	if prev != StatusHealthy {
		m.logger.Info("provider recovered",
			"provider", name,
			"previous_status", prev.String(),
		)
	}
}

// RecordFailure marks a failed call and reclassifies the provider:
// degraded after 1 consecutive failure, broken at the threshold. When
// the failure breaks the last non-broken provider, the system-wide
// alert fires.
func (m *HealthMonitor) RecordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.getLocked(name)
	h.ConsecutiveFailures++
	h.LastFailure = time.Now()
	if err != nil {
		h.LastError = err.Error()
	}

	prev := h.Status
	if h.ConsecutiveFailures >= m.config.BrokenThreshold {
		h.Status = StatusBroken
	} else {
		h.Status = StatusDegraded
	}
	h.StatusText = h.Status.String()

	if h.Status != prev {
		m.logger.Warn("provider status changed",
			"provider", name,
			"status", h.Status.String(),
			"consecutive_failures", h.ConsecutiveFailures,
		)
	}

	if m.allBrokenLocked() && !m.allBrokenRaised {
		m.allBrokenRaised = true
		msg := fmt.Sprintf("all %d registered providers are broken", len(m.providers))
		m.logger.Error("critical: " + msg)
		if m.alert != nil {
			m.alert(msg)
		}
	}
}

// Reset explicitly returns a provider to healthy. This is the only
// external status mutation allowed.
func (m *HealthMonitor) Reset(name string) {
	m.RecordSuccess(name)
}

// Health returns a copy of one provider's state.
func (m *HealthMonitor) Health(name string) Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.getLocked(name)
}

// All returns a snapshot of every provider, sorted by name.
func (m *HealthMonitor) All() []Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Health, 0, len(m.providers))
	for _, h := range m.providers {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FallbackOrder returns provider names ordered healthy first, then
// degraded, then broken; names sort alphabetically within a class.
// Callers that want "try providers until one works" iterate this list.
func (m *HealthMonitor) FallbackOrder() []string {
	all := m.All()
	sort.SliceStable(all, func(i, j int) bool { return all[i].Status < all[j].Status })

	names := make([]string, len(all))
	for i, h := range all {
		names[i] = h.Name
	}
	return names
}

// AllowProbe reports whether a recovery probe of the named provider is
// permitted now. Probes are limited to one per cooldown per provider.
func (m *HealthMonitor) AllowProbe(name string) bool {
	m.mu.Lock()
	limiter, ok := m.probes[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return limiter.Allow()
}

// Probe runs an availability check against p if the cooldown permits,
// recording the outcome. Returns true when the probe ran and succeeded.
func (m *HealthMonitor) Probe(ctx context.Context, p Provider) bool {
	if !m.AllowProbe(p.Name()) {
		return false
	}
	if p.IsAvailable(ctx) {
		m.RecordSuccess(p.Name())
		return true
	}
	m.RecordFailure(p.Name(), fmt.Errorf("availability probe failed"))
	return false
}

// CrossRepair asks a healthy provider to diagnose a broken one's last
// error. Best effort: runs in the background, never blocks the caller,
// and failures are only logged. The diagnosis text is logged for the
// operator; nothing automated consumes it.
func (m *HealthMonitor) CrossRepair(ctx context.Context, healthy Provider, brokenName string) {
	broken := m.Health(brokenName)
	if broken.Status != StatusBroken || broken.LastError == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()

		prompt := fmt.Sprintf(
			"The AI provider %q is failing repeatedly. Its last error was:\n\n%s\n\nDiagnose the likely cause and suggest a remediation in a short paragraph.",
			brokenName, broken.LastError,
		)
		diagnosis, err := healthy.Chat(ctx, prompt)
		if err != nil {
			m.logger.Warn("cross-provider repair attempt failed",
				"healthy_provider", healthy.Name(),
				"broken_provider", brokenName,
				"error", err.Error(),
			)
			return
		}
		m.logger.Info("cross-provider diagnosis",
			"healthy_provider", healthy.Name(),
			"broken_provider", brokenName,
			"diagnosis", diagnosis,
		)
	}()
}

// getLocked returns the provider record, auto-registering unknown names
// so call sites cannot lose outcomes. Must be called with the lock held.
func (m *HealthMonitor) getLocked(name string) *Health {
	h, ok := m.providers[name]
	if !ok {
		h = &Health{Name: name, Status: StatusHealthy, StatusText: StatusHealthy.String()}
		m.providers[name] = h
		m.probes[name] = rate.NewLimiter(rate.Every(m.config.ProbeCooldown), 1)
	}
	return h
}

// allBrokenLocked reports whether every registered provider is broken.
// Must be called with the lock held.
func (m *HealthMonitor) allBrokenLocked() bool {
	if len(m.providers) == 0 {
		return false
	}
	for _, h := range m.providers {
		if h.Status != StatusBroken {
			return false
		}
	}
	return true
}
