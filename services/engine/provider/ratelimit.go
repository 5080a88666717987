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
	"sync"
	"time"
)

// CircuitState is the rate-limit circuit: closed (normal), open
// (fast-fail to fallback), half-open (one probe allowed).
type CircuitState int

const (
	// CircuitClosed allows primary calls through normally.
	CircuitClosed CircuitState = iota

	// CircuitOpen routes calls straight to the fallback.
	CircuitOpen

	// CircuitHalfOpen allows a single primary probe after the backoff
	// window elapses.
	CircuitHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// RateLimitConfig configures a RateLimitHandler.
type RateLimitConfig struct {
	// BaseBackoff seeds the exponential backoff. Default: 30s.
	BaseBackoff time.Duration

	// MaxBackoff caps the computed backoff. Default: 15m.
	MaxBackoff time.Duration

	// FailureThreshold is consecutive failures before the circuit
	// opens. Default: 3.
	FailureThreshold int
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       15 * time.Minute,
		FailureThreshold: 3,
	}
}

// applyDefaults fills zero fields.
func (c *RateLimitConfig) applyDefaults() {
	def := DefaultRateLimitConfig()
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
}

// RateLimitState is a snapshot of handler state for logs and the
// dashboard.
type RateLimitState struct {
	Limited             bool          `json:"limited"`
	LimitedAt           time.Time     `json:"limited_at,omitempty"`
	RetryAfter          time.Duration `json:"retry_after,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Circuit             string        `json:"circuit"`
}

// RateLimitHandler tracks backoff and circuit state for one resilient
// wrapper. It never sleeps; callers consult ShouldBypass before a call
// and route to the fallback when it returns true.
//
// Backoff is base × 2^(failures-1), capped at max — monotonically
// non-decreasing across consecutive failures, reset to base by any
// success.
//
// Thread Safety: Safe for concurrent use.
type RateLimitHandler struct {
	config RateLimitConfig

	mu                  sync.Mutex
	limited             bool
	limitedAt           time.Time
	retryAfter          time.Duration
	consecutiveFailures int
	circuit             CircuitState

	// now is replaceable for tests.
	now func() time.Time
}

// NewRateLimitHandler creates a handler in the closed state.
func NewRateLimitHandler(config RateLimitConfig) *RateLimitHandler {
	config.applyDefaults()
	return &RateLimitHandler{
		config: config,
		now:    time.Now,
	}
}

// ShouldBypass reports whether the primary should be skipped in favor of
// the fallback: the circuit is open, or a rate-limit window is active.
// When the window has elapsed the circuit moves to half-open and one
// primary probe is allowed through.
func (h *RateLimitHandler) ShouldBypass() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.limited && h.circuit == CircuitClosed {
		return false
	}

	if h.limited && h.now().Sub(h.limitedAt) < h.retryAfter {
		return true
	}

	// Window elapsed: allow one probe.
	h.circuit = CircuitHalfOpen
	h.limited = false
	return false
}

// RecordFailure registers a retryable failure. It advances the backoff,
// marks the limit window, and opens the circuit once the failure
// threshold is reached.
//
// Outputs:
//   - time.Duration: The backoff now in force.
func (h *RateLimitHandler) RecordFailure() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveFailures++
	h.retryAfter = h.backoffLocked()
	h.limited = true
	h.limitedAt = h.now()

	if h.circuit == CircuitHalfOpen || h.consecutiveFailures >= h.config.FailureThreshold {
		h.circuit = CircuitOpen
	}
	return h.retryAfter
}

// RecordSuccess resets the handler: counter to zero, backoff to base,
// circuit closed, window cleared.
func (h *RateLimitHandler) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveFailures = 0
	h.retryAfter = 0
	h.limited = false
	h.circuit = CircuitClosed
}

// Backoff returns the backoff that would apply after the next failure,
// without mutating state. With zero recorded failures this is the base.
func (h *RateLimitHandler) Backoff() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.consecutiveFailures == 0 {
		return h.config.BaseBackoff
	}
	return h.backoffLocked()
}

// State returns a snapshot for logs and the dashboard.
func (h *RateLimitHandler) State() RateLimitState {
	h.mu.Lock()
	defer h.mu.Unlock()

	return RateLimitState{
		Limited:             h.limited,
		LimitedAt:           h.limitedAt,
		RetryAfter:          h.retryAfter,
		ConsecutiveFailures: h.consecutiveFailures,
		Circuit:             h.circuit.String(),
	}
}

// backoffLocked computes base × 2^(failures-1) capped at max. Must be
// called with the lock held and consecutiveFailures ≥ 1.
func (h *RateLimitHandler) backoffLocked() time.Duration {
	backoff := h.config.BaseBackoff
	for i := 1; i < h.consecutiveFailures; i++ {
		backoff *= 2
		if backoff >= h.config.MaxBackoff {
			return h.config.MaxBackoff
		}
	}
	if backoff > h.config.MaxBackoff {
		return h.config.MaxBackoff
	}
	return backoff
}
