// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the engine.
//
// All metrics use the "kairos_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Cycle Metrics ---

	// CyclesTotal counts completed repair cycles by outcome.
	CyclesTotal metric.Int64Counter

	// CycleDuration records full cycle duration in seconds.
	CycleDuration metric.Float64Histogram

	// PhaseFailuresTotal counts phase failures by phase name.
	PhaseFailuresTotal metric.Int64Counter

	// --- Provider Metrics ---

	// ProviderCallsTotal counts provider calls by provider and outcome.
	ProviderCallsTotal metric.Int64Counter

	// FailoversTotal counts calls served by the fallback provider.
	FailoversTotal metric.Int64Counter

	// --- Review Metrics ---

	// ReviewsTotal counts review decisions by outcome and trial level.
	ReviewsTotal metric.Int64Counter

	// --- Repair Metrics ---

	// RepairsTotal counts automated repair attempts by outcome.
	RepairsTotal metric.Int64Counter

	// RepairQueueDepth tracks pending repair tasks.
	RepairQueueDepth metric.Int64UpDownCounter

	// --- Scheduler Metrics ---

	// ScheduledRunsTotal counts scheduled task runs by task and outcome.
	ScheduledRunsTotal metric.Int64Counter
}

// NewMetrics registers the engine's instruments with meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CyclesTotal, err = meter.Int64Counter(
		"kairos_cycles_total",
		metric.WithDescription("Total repair cycles run"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycles_total: %w", err)
	}

	m.CycleDuration, err = meter.Float64Histogram(
		"kairos_cycle_duration_seconds",
		metric.WithDescription("Repair cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycle_duration: %w", err)
	}

	m.PhaseFailuresTotal, err = meter.Int64Counter(
		"kairos_phase_failures_total",
		metric.WithDescription("Phase failures by phase"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create phase_failures_total: %w", err)
	}

	m.ProviderCallsTotal, err = meter.Int64Counter(
		"kairos_provider_calls_total",
		metric.WithDescription("Provider calls by provider and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create provider_calls_total: %w", err)
	}

	m.FailoversTotal, err = meter.Int64Counter(
		"kairos_failovers_total",
		metric.WithDescription("Calls served by the fallback provider"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create failovers_total: %w", err)
	}

	m.ReviewsTotal, err = meter.Int64Counter(
		"kairos_reviews_total",
		metric.WithDescription("Review decisions by outcome and trial"),
		metric.WithUnit("{review}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reviews_total: %w", err)
	}

	m.RepairsTotal, err = meter.Int64Counter(
		"kairos_repairs_total",
		metric.WithDescription("Automated repair attempts by outcome"),
		metric.WithUnit("{repair}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create repairs_total: %w", err)
	}

	m.RepairQueueDepth, err = meter.Int64UpDownCounter(
		"kairos_repair_queue_depth",
		metric.WithDescription("Pending repair tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create repair_queue_depth: %w", err)
	}

	m.ScheduledRunsTotal, err = meter.Int64Counter(
		"kairos_scheduled_runs_total",
		metric.WithDescription("Scheduled task runs by task and outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduled_runs_total: %w", err)
	}

	return m, nil
}
