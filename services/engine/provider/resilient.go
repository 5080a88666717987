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

	"go.opentelemetry.io/otel/attribute"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
)

// FallbackUse describes one call that the fallback provider served.
// Every such call is recorded for a later, healthier review pass.
type FallbackUse struct {
	// Operation is the provider method that failed over.
	Operation string

	// Phase is the pipeline phase that made the call, if any.
	Phase string

	// Primary and Fallback are the provider names involved.
	Primary  string
	Fallback string

	// Reason is the primary's error text, or "rate limited" for calls
	// that bypassed the primary entirely.
	Reason string
}

// FallbackRecorder receives every fallback-served call. The change
// tracker implements this; recording failures are logged but never fail
// the call that produced the work.
type FallbackRecorder interface {
	RecordFallback(ctx context.Context, use FallbackUse) error
}

// ResilientProvider wraps a primary provider with transparent failover
// to a fallback. The decision per call:
//
//  1. If the rate-limit handler says bypass, skip the primary.
//  2. Otherwise call the primary; success resets the handler and health.
//  3. On a retryable failure, record it and retry against the fallback.
//     Fatal failures propagate immediately with no fallback.
//  4. Every fallback-served call is reported to the FallbackRecorder.
//
// ResilientProvider itself implements Provider, so phases are oblivious
// to failover.
//
// Thread Safety: Safe for concurrent use.
type ResilientProvider struct {
	primary  Provider
	fallback Provider
	limits   *RateLimitHandler
	health   *HealthMonitor
	recorder FallbackRecorder
	logger   *logging.Logger
}

// NewResilientProvider wires a wrapper around primary and fallback.
//
// Inputs:
//   - primary, fallback: The provider pair. Both required.
//   - limits: Rate-limit handler owned by this wrapper.
//   - health: Shared monitor; both providers are registered with it.
//   - recorder: Destination for fallback-use records. May be nil, in
//     which case fallback uses are only logged.
//   - logger: If nil, a default logger is used.
func NewResilientProvider(primary, fallback Provider, limits *RateLimitHandler,
	health *HealthMonitor, recorder FallbackRecorder, logger *logging.Logger) *ResilientProvider {

	if logger == nil {
		logger = logging.Default()
	}
	health.Register(primary.Name())
	health.Register(fallback.Name())

	return &ResilientProvider{
		primary:  primary,
		fallback: fallback,
		limits:   limits,
		health:   health,
		recorder: recorder,
		logger:   logger.With("component", "resilient_provider", "primary", primary.Name()),
	}
}

// Name returns the primary's name; the wrapper is transparent.
func (r *ResilientProvider) Name() string {
	return r.primary.Name()
}

// RateLimitState exposes the wrapper's handler state for the dashboard.
func (r *ResilientProvider) RateLimitState() RateLimitState {
	return r.limits.State()
}

// Limited reports whether the wrapper is currently bypassing its
// primary. The scheduler consults this to skip provider-dependent runs.
func (r *ResilientProvider) Limited() bool {
	return r.limits.State().Limited
}

// GenerateCode proxies Provider.GenerateCode with failover.
func (r *ResilientProvider) GenerateCode(ctx context.Context, prompt, extra string) (string, error) {
	return call(r, ctx, "generate_code", func(p Provider) (string, error) {
		return p.GenerateCode(ctx, prompt, extra)
	})
}

// GenerateTest proxies Provider.GenerateTest with failover.
func (r *ResilientProvider) GenerateTest(ctx context.Context, prompt, extra string) (string, error) {
	return call(r, ctx, "generate_test", func(p Provider) (string, error) {
		return p.GenerateTest(ctx, prompt, extra)
	})
}

// AnalyzeCode proxies Provider.AnalyzeCode with failover.
func (r *ResilientProvider) AnalyzeCode(ctx context.Context, code string) (*Analysis, error) {
	return call(r, ctx, "analyze_code", func(p Provider) (*Analysis, error) {
		return p.AnalyzeCode(ctx, code)
	})
}

// SearchAndAnalyze proxies Provider.SearchAndAnalyze with failover.
func (r *ResilientProvider) SearchAndAnalyze(ctx context.Context, query string, files []string) (*SearchResult, error) {
	return call(r, ctx, "search_and_analyze", func(p Provider) (*SearchResult, error) {
		return p.SearchAndAnalyze(ctx, query, files)
	})
}

// Chat proxies Provider.Chat with failover.
func (r *ResilientProvider) Chat(ctx context.Context, prompt string) (string, error) {
	return call(r, ctx, "chat", func(p Provider) (string, error) {
		return p.Chat(ctx, prompt)
	})
}

// IsAvailable reports whether either provider answers.
func (r *ResilientProvider) IsAvailable(ctx context.Context) bool {
	if !r.limits.ShouldBypass() && r.primary.IsAvailable(ctx) {
		r.health.RecordSuccess(r.primary.Name())
		return true
	}
	return r.fallback.IsAvailable(ctx)
}

// call runs one proxied operation with the failover algorithm.
func call[T any](r *ResilientProvider, ctx context.Context, op string, fn func(Provider) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "ResilientProvider."+op)
	defer span.End()

	if r.limits.ShouldBypass() {
		span.SetAttributes(attribute.Bool("provider.bypassed", true))
		r.logger.Debug("primary bypassed by rate limit", "operation", op)
		return callFallback(r, ctx, op, fn, "rate limited")
	}

	result, err := fn(r.primary)
	if err == nil {
		r.limits.RecordSuccess()
		r.health.RecordSuccess(r.primary.Name())
		return result, nil
	}

	r.health.RecordFailure(r.primary.Name(), err)

	if !Retryable(err) {
		// Fatal: no fallback, the caller must see this.
		var zero T
		return zero, fmt.Errorf("%s via %s: %w", op, r.primary.Name(), err)
	}

	backoff := r.limits.RecordFailure()
	r.logger.Warn("primary call failed, trying fallback",
		"operation", op,
		"primary", r.primary.Name(),
		"fallback", r.fallback.Name(),
		"backoff", backoff.String(),
		"error", err.Error(),
	)
	span.SetAttributes(attribute.Bool("provider.failover", true))

	return callFallback(r, ctx, op, fn, err.Error())
}

// callFallback executes fn against the fallback and records the use.
func callFallback[T any](r *ResilientProvider, ctx context.Context, op string, fn func(Provider) (T, error), reason string) (T, error) {
	result, err := fn(r.fallback)
	if err != nil {
		r.health.RecordFailure(r.fallback.Name(), err)
		var zero T
		return zero, fmt.Errorf("%s via fallback %s: %w", op, r.fallback.Name(), err)
	}

	r.health.RecordSuccess(r.fallback.Name())

	use := FallbackUse{
		Operation: op,
		Phase:     PhaseFromContext(ctx),
		Primary:   r.primary.Name(),
		Fallback:  r.fallback.Name(),
		Reason:    reason,
	}
	if r.recorder != nil {
		if err := r.recorder.RecordFallback(ctx, use); err != nil {
			r.logger.Error("recording fallback use failed",
				"operation", op,
				"error", err.Error(),
			)
		}
	} else {
		r.logger.Info("fallback served call", "operation", op, "reason", reason)
	}
	return result, nil
}
