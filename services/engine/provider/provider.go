// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provider defines the AI provider boundary and the resilience
// layer wrapped around it.
//
// A Provider is an external code-generation/analysis service invoked by
// name. Everything externally observable about a provider call goes
// through ResilientProvider, which consults the RateLimitHandler and
// HealthMonitor and may transparently fail over to a secondary provider.
//
// The package contains three provider implementations:
//
//   - OllamaProvider: local Ollama HTTP API
//   - OpenAIProvider: OpenAI-compatible API via the go-openai client
//   - CommandProvider: an arbitrary CLI tool run as a subprocess
package provider

import (
	"context"
	"errors"
	"net"
	"strings"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("kairos.engine.provider")

// Provider is the boundary every AI service implements.
//
// All methods take a context carrying cancellation and deadline; a call
// exceeding the provider's timeout is forcibly terminated and reported
// as a retryable failure.
type Provider interface {
	// Name identifies the provider in health tracking and logs.
	Name() string

	// GenerateCode produces code for the prompt. extra carries
	// call-site context (file contents, prior attempts) verbatim.
	GenerateCode(ctx context.Context, prompt, extra string) (string, error)

	// GenerateTest produces test code for the prompt.
	GenerateTest(ctx context.Context, prompt, extra string) (string, error)

	// AnalyzeCode inspects code and reports issues and suggestions.
	AnalyzeCode(ctx context.Context, code string) (*Analysis, error)

	// SearchAndAnalyze answers a query over the given file list.
	SearchAndAnalyze(ctx context.Context, query string, files []string) (*SearchResult, error)

	// Chat sends a free-form prompt and returns the raw response text.
	Chat(ctx context.Context, prompt string) (string, error)

	// IsAvailable reports whether the provider answers a cheap probe.
	IsAvailable(ctx context.Context) bool
}

// Analysis is the structured result of AnalyzeCode.
type Analysis struct {
	Issues      []Issue  `json:"issues"`
	Suggestions []string `json:"suggestions"`

	// Quality is the provider's overall score in [0,1].
	Quality float64 `json:"quality"`
}

// Issue is one problem reported by analysis. Immutable once discovered;
// downstream phases only read it.
type Issue struct {
	// Type categorizes the issue (bug, style, performance, security...).
	Type string `json:"type"`

	Message string `json:"message"`

	// File and Line are optional locators.
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

// SearchResult is the structured result of SearchAndAnalyze.
type SearchResult struct {
	Findings []Finding `json:"findings"`

	// Analysis is the provider's free-text summary.
	Analysis string `json:"analysis"`
}

// Finding is one location the search surfaced.
type Finding struct {
	File    string `json:"file"`
	Line    int    `json:"line,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Note    string `json:"note,omitempty"`
}

// retryableKeywords mark transient provider failures worth failing over.
// Matching is case-insensitive substring search over the error text.
var retryableKeywords = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
	"overload",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
}

// Retryable reports whether err is a transient failure that should be
// retried against the fallback provider. Fatal errors (everything else)
// propagate immediately with no fallback.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	// Caller gave up: never retry.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Network-level failures are transient by definition here; the
	// server may be restarting or the socket was dropped mid-call.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	text := strings.ToLower(err.Error())
	for _, kw := range retryableKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// phaseKey carries the current pipeline phase through provider calls so
// fallback-originated changes can be attributed to the phase that made
// them.
type phaseKey struct{}

// WithPhase returns a context tagged with the current phase name.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey{}, phase)
}

// PhaseFromContext returns the phase name set by WithPhase, or "".
func PhaseFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(phaseKey{}).(string); ok {
		return v
	}
	return ""
}
