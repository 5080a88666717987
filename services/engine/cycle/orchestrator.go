// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cycle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/history"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/telemetry"
)

// Orchestrator runs the phases in their fixed order over one fresh
// CycleContext per run. A phase failure or panic fails the cycle but
// never the process; every run ends with a structured summary, a
// history record, and metrics.
type Orchestrator struct {
	phases  []Phase
	history *history.Store
	metrics *telemetry.Metrics
	logger  *logging.Logger
}

// NewOrchestrator creates an orchestrator. history and metrics may be
// nil, which disables recording.
func NewOrchestrator(phases []Phase, hist *history.Store, metrics *telemetry.Metrics,
	logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		phases:  phases,
		history: hist,
		metrics: metrics,
		logger:  logger.With("component", "orchestrator"),
	}
}

// RunCycle executes one full cycle. The returned error reports cycle
// failure to the scheduler; the returned context is always populated,
// failed cycles included.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleContext, error) {
	cc := NewCycleContext()
	logger := o.logger.With("cycle_id", cc.CycleID)
	logger.Info("cycle started", "phases", len(o.phases))

	success := true
	var stoppedAt, stopReason string

	for _, phase := range o.phases {
		phaseStart := time.Now()
		result, err := o.runPhase(ctx, phase, cc)

		timing := PhaseTiming{
			Name:     phase.Name(),
			Success:  err == nil && result.Success,
			Duration: time.Since(phaseStart),
			Message:  result.Message,
		}
		cc.Phases = append(cc.Phases, timing)

		if err != nil || !result.Success {
			success = false
			stoppedAt = phase.Name()
			stopReason = result.Message
			if err != nil {
				if stopReason == "" {
					stopReason = err.Error()
				}
				logger.Error("phase failed", "phase", phase.Name(), "error", err.Error())
			} else {
				logger.Error("phase failed", "phase", phase.Name(), "message", result.Message)
			}
			o.countPhaseFailure(ctx, phase.Name())
			break
		}

		logger.Info("phase completed",
			"phase", phase.Name(),
			"duration", timing.Duration.String(),
			"message", result.Message,
		)

		if result.ShouldStop {
			stoppedAt = phase.Name()
			stopReason = result.Message
			break
		}
	}

	duration := time.Since(cc.StartedAt)
	o.record(ctx, cc, success, stoppedAt, stopReason, duration)

	logger.Info("cycle finished",
		"success", success,
		"duration", duration.String(),
		"issues", len(cc.Issues),
		"changes_applied", cc.AppliedCount(),
		"ai_calls", cc.AICalls,
		"rolled_back", cc.RolledBack,
		"stopped_at", stoppedAt,
		"stop_reason", stopReason,
	)

	if !success {
		return cc, fmt.Errorf("cycle %s failed at %s: %s", cc.CycleID, stoppedAt, stopReason)
	}
	return cc, nil
}

// runPhase isolates phase panics; a panicking phase fails the cycle,
// not the process.
func (o *Orchestrator) runPhase(ctx context.Context, phase Phase, cc *CycleContext) (result PhaseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = PhaseResult{Success: false, Message: fmt.Sprintf("phase panicked: %v", r)}
			err = fmt.Errorf("phase %s panicked: %v", phase.Name(), r)
		}
	}()
	return phase.Run(ctx, cc)
}

func (o *Orchestrator) countPhaseFailure(ctx context.Context, phase string) {
	if o.metrics == nil {
		return
	}
	o.metrics.PhaseFailuresTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("phase", phase)))
}

func (o *Orchestrator) record(ctx context.Context, cc *CycleContext, success bool,
	stoppedAt, stopReason string, duration time.Duration) {

	if o.metrics != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		o.metrics.CyclesTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
		o.metrics.CycleDuration.Record(ctx, duration.Seconds())
	}

	if o.history == nil {
		return
	}
	record := history.CycleRecord{
		CycleID:    cc.CycleID,
		StartedAt:  cc.StartedAt,
		FinishedAt: cc.StartedAt.Add(duration),
		Duration:   duration,
		Success:    success,
		StoppedAt:  stoppedAt,
		StopReason: stopReason,
		Issues:     len(cc.Issues),
		Changes:    cc.AppliedCount(),
		AICalls:    cc.AICalls,
		Failovers:  cc.Failovers,
		RolledBack: cc.RolledBack,
		SnapshotID: cc.SnapshotID,
	}
	for _, timing := range cc.Phases {
		record.Phases = append(record.Phases, history.PhaseRecord{
			Name:     timing.Name,
			Success:  timing.Success,
			Duration: timing.Duration,
			Message:  timing.Message,
		})
	}
	if err := o.history.Record(record); err != nil {
		o.logger.Warn("recording cycle history failed", "cycle_id", cc.CycleID, "error", err.Error())
	}
}
