// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trouble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/extract"
	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/provider"
)

// RepairerConfig configures the auto-repairer.
type RepairerConfig struct {
	// Concurrency is how many tasks drain at once. Default: 1.
	Concurrency int

	// MaxAttemptsPerError caps repair tries on one error, independent
	// of the breaker. Default: 3.
	MaxAttemptsPerError int
}

func (c *RepairerConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttemptsPerError <= 0 {
		c.MaxAttemptsPerError = 3
	}
}

// repairVerdict is the structured reply expected from the repair
// provider.
type repairVerdict struct {
	Success bool   `json:"success"`
	Summary string `json:"summary"`
}

// Repairer drains the repair queue, asking a repair-capable provider to
// fix each aggregated error. Retries are additive: every prompt carries
// the text of all prior failed attempts on the same error.
//
// # Thread Safety
//
// Safe for concurrent use; Drain may not be called concurrently with
// itself.
type Repairer struct {
	config     RepairerConfig
	queue      *Queue
	aggregator *Aggregator
	breaker    *Breaker
	provider   provider.Provider
	logger     *logging.Logger
}

// NewRepairer wires the repair loop.
func NewRepairer(config RepairerConfig, queue *Queue, aggregator *Aggregator,
	breaker *Breaker, p provider.Provider, logger *logging.Logger) *Repairer {

	config.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &Repairer{
		config:     config,
		queue:      queue,
		aggregator: aggregator,
		breaker:    breaker,
		provider:   p,
		logger:     logger.With("component", "auto_repairer"),
	}
}

// Drain processes queued tasks until the queue is empty or ctx ends.
//
// Outputs:
//   - int: How many tasks were attempted.
//   - error: Context cancellation only; per-task failures are recorded,
//     not returned.
func (r *Repairer) Drain(ctx context.Context) (int, error) {
	attempted := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Concurrency)

	for {
		if err := ctx.Err(); err != nil {
			break
		}
		task, ok := r.queue.Next()
		if !ok {
			break
		}
		attempted++
		g.Go(func() error {
			r.repairOne(gctx, task)
			return nil
		})
	}

	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return attempted, ctxErr
	}
	return attempted, err
}

// repairOne runs a single task end to end.
func (r *Repairer) repairOne(ctx context.Context, task RepairTask) {
	logger := r.logger.With("task_id", task.ID, "error_id", task.ErrorID)

	aggErr, err := r.aggregator.Get(task.ErrorID)
	if err != nil {
		logger.Error("task references unknown error, cancelling", "error", err.Error())
		r.finish(task, TaskCancelled, logger)
		return
	}

	failedAttempts := aggErr.FailedAttempts()
	if failedAttempts >= r.config.MaxAttemptsPerError {
		logger.Warn("error reached its attempt cap, cancelling task",
			"attempts", failedAttempts,
			"cap", r.config.MaxAttemptsPerError,
		)
		r.finish(task, TaskCancelled, logger)
		if err := r.aggregator.SetStatus(aggErr.ID, ErrorFailed); err != nil {
			logger.Error("marking error failed", "error", err.Error())
		}
		return
	}

	if err := r.aggregator.SetStatus(aggErr.ID, ErrorRepairing); err != nil {
		logger.Error("marking error repairing", "error", err.Error())
	}

	start := time.Now()
	reply, callErr := r.provider.Chat(ctx, r.buildPrompt(aggErr))

	attempt := RepairAttempt{Timestamp: time.Now()}
	if callErr != nil {
		attempt.Error = callErr.Error()
	} else {
		var verdict repairVerdict
		if err := extract.Object(reply, &verdict); err != nil {
			attempt.Error = fmt.Sprintf("repair reply had no verdict: %v", err)
			attempt.Output = reply
		} else {
			attempt.Success = verdict.Success
			attempt.Output = verdict.Summary
			if !verdict.Success && verdict.Summary != "" {
				attempt.Error = verdict.Summary
			}
		}
	}

	if err := r.aggregator.AddAttempt(aggErr.ID, attempt); err != nil {
		logger.Error("recording repair attempt", "error", err.Error())
	}

	if attempt.Success {
		r.finish(task, TaskCompleted, logger)
		r.breaker.RecordSuccess(aggErr.Source)
		logger.Info("repair succeeded",
			"source", aggErr.Source,
			"duration", time.Since(start).String(),
		)
		return
	}

	r.finish(task, TaskFailed, logger)
	r.breaker.RecordFailure(aggErr.Source)
	logger.Warn("repair failed",
		"source", aggErr.Source,
		"reason", attempt.Error,
	)
}

func (r *Repairer) finish(task RepairTask, status TaskStatus, logger *logging.Logger) {
	if err := r.queue.Finish(task.ID, status); err != nil {
		logger.Error("finishing task", "error", err.Error())
	}
}

// buildPrompt assembles the repair request: the error, its context, and
// every prior failed attempt so retries build on each other instead of
// repeating blindly.
func (r *Repairer) buildPrompt(aggErr AggregatedError) string {
	var sb strings.Builder
	sb.WriteString("You are the automated repair service of an unattended system.\n")
	sb.WriteString("Diagnose and, if possible, resolve the following error.\n\n")
	fmt.Fprintf(&sb, "Source: %s\nCategory: %s\nSeverity: %s\nError: %s\n",
		aggErr.Source, aggErr.Category, aggErr.Severity, aggErr.Message)

	if len(aggErr.Context) > 0 {
		keys := make([]string, 0, len(aggErr.Context))
		for k := range aggErr.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nContext:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %s\n", k, aggErr.Context[k])
		}
	}

	failed := 0
	for _, a := range aggErr.Attempts {
		if a.Success {
			continue
		}
		failed++
		fmt.Fprintf(&sb, "\nPrior failed attempt %d:\n%s\n", failed, a.Error)
		if a.Output != "" && a.Output != a.Error {
			fmt.Fprintf(&sb, "Output: %s\n", a.Output)
		}
	}
	if failed > 0 {
		sb.WriteString("\nDo not repeat the prior approaches; build on what they learned.\n")
	}

	sb.WriteString("\nRespond with a JSON object only: {\"success\": true|false, \"summary\": \"what you did or why it cannot be fixed\"}")
	return sb.String()
}
