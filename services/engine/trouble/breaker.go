// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trouble aggregates errors reported by any subsystem,
// classifies them, and drives bounded automated repair behind a circuit
// breaker.
package trouble

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/store"
)

// ErrCircuitOpen is returned when the repair breaker forbids attempts.
var ErrCircuitOpen = errors.New("repair circuit breaker is open")

// BreakerConfig configures the repair circuit breaker.
type BreakerConfig struct {
	// GlobalThreshold is consecutive repair failures across all
	// sources before the breaker opens. Default: 5.
	GlobalThreshold int

	// SourceThreshold is consecutive failures from one source before
	// that source alone is forbidden. Default: 3.
	SourceThreshold int

	// Cooldown is how long the breaker stays open. Default: 10m.
	Cooldown time.Duration

	// HalfOpenBudget is how many trial repairs the half-open state
	// grants; that many consecutive successes close the breaker.
	// Default: 2.
	HalfOpenBudget int
}

func (c *BreakerConfig) applyDefaults() {
	if c.GlobalThreshold <= 0 {
		c.GlobalThreshold = 5
	}
	if c.SourceThreshold <= 0 {
		c.SourceThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Minute
	}
	if c.HalfOpenBudget <= 0 {
		c.HalfOpenBudget = 2
	}
}

// BreakerState is the breaker's durable state document.
type BreakerState struct {
	State           string         `json:"state"`
	GlobalFailures  int            `json:"global_failures"`
	SourceFailures  map[string]int `json:"source_failures"`
	OpenedAt        time.Time      `json:"opened_at,omitempty"`
	HalfOpenAllowed int            `json:"half_open_allowed"`
	HalfOpenPassed  int            `json:"half_open_passed"`
}

const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half-open"
)

// Breaker is the repair loop's circuit breaker. It tracks global and
// per-source consecutive failures against separate thresholds and
// persists its state across restarts.
//
// # Thread Safety
//
// Safe for concurrent use.
type Breaker struct {
	config BreakerConfig
	store  *store.Store[BreakerState]
	logger *logging.Logger

	mu sync.Mutex

	// now is replaceable for tests.
	now func() time.Time
}

// NewBreaker creates a breaker persisting under stateDir, starting from
// whatever state the store holds (closed on first run).
func NewBreaker(stateDir string, config BreakerConfig, logger *logging.Logger) *Breaker {
	config.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &Breaker{
		config: config,
		store: store.New(filepath.Join(stateDir, "repair_breaker.json"), func() BreakerState {
			return BreakerState{State: breakerClosed, SourceFailures: map[string]int{}}
		}),
		logger: logger.With("component", "repair_breaker"),
		now:    time.Now,
	}
}

// Allow reports whether a repair attempt for source may proceed.
//
// Outputs:
//   - bool: False when the breaker (globally or for this source)
//     forbids the attempt.
//   - string: Human-readable reason when forbidden.
func (b *Breaker) Allow(source string) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	allowed := false
	reason := ""
	err := b.store.Update(func(s *BreakerState) error {
		switch s.State {
		case breakerOpen:
			if b.now().Sub(s.OpenedAt) < b.config.Cooldown {
				reason = fmt.Sprintf("breaker open, %s of cooldown remaining",
					(b.config.Cooldown - b.now().Sub(s.OpenedAt)).Round(time.Second))
				return nil
			}
			// Cooldown elapsed: grant the trial budget.
			s.State = breakerHalfOpen
			s.HalfOpenAllowed = b.config.HalfOpenBudget
			s.HalfOpenPassed = 0
			b.logger.Info("repair breaker half-open", "budget", s.HalfOpenAllowed)
			allowed = true
			return nil

		case breakerHalfOpen:
			if s.HalfOpenAllowed <= 0 {
				reason = "half-open trial budget exhausted"
				return nil
			}
			allowed = true
			return nil
		}

		if s.SourceFailures[source] >= b.config.SourceThreshold {
			reason = fmt.Sprintf("source %s exceeded its failure threshold", source)
			return nil
		}
		allowed = true
		return nil
	})
	if err != nil {
		b.logger.Error("breaker state update failed", "error", err.Error())
		return false, "breaker state unavailable"
	}
	return allowed, reason
}

// RecordSuccess registers a successful repair from source. Consecutive
// half-open successes spend the trial budget toward closing.
func (b *Breaker) RecordSuccess(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.store.Update(func(s *BreakerState) error {
		s.GlobalFailures = 0
		delete(s.SourceFailures, source)

		if s.State == breakerHalfOpen {
			s.HalfOpenPassed++
			s.HalfOpenAllowed--
			if s.HalfOpenPassed >= b.config.HalfOpenBudget {
				s.State = breakerClosed
				s.HalfOpenAllowed = 0
				s.HalfOpenPassed = 0
				b.logger.Info("repair breaker closed")
			}
		}
		return nil
	})
	if err != nil {
		b.logger.Error("breaker state update failed", "error", err.Error())
	}
}

// RecordFailure registers a failed repair from source. Crossing the
// global threshold, or any failure while half-open, opens the breaker
// for the cooldown.
func (b *Breaker) RecordFailure(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.store.Update(func(s *BreakerState) error {
		s.GlobalFailures++
		if s.SourceFailures == nil {
			s.SourceFailures = map[string]int{}
		}
		s.SourceFailures[source]++

		if s.State == breakerHalfOpen || s.GlobalFailures >= b.config.GlobalThreshold {
			prev := s.State
			s.State = breakerOpen
			s.OpenedAt = b.now()
			s.HalfOpenAllowed = 0
			s.HalfOpenPassed = 0
			b.logger.Warn("repair breaker opened",
				"previous_state", prev,
				"global_failures", s.GlobalFailures,
				"source", source,
				"cooldown", b.config.Cooldown.String(),
			)
		}
		return nil
	})
	if err != nil {
		b.logger.Error("breaker state update failed", "error", err.Error())
	}
}

// State returns the current durable state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.store.Get()
	if err != nil {
		b.logger.Error("breaker state read failed", "error", err.Error())
		return BreakerState{State: breakerClosed}
	}
	return s
}
