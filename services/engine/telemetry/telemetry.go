// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry metrics with a Prometheus
// exporter for the engine.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Telemetry owns the meter provider and the Prometheus scrape handler.
type Telemetry struct {
	provider *metric.MeterProvider
	handler  http.Handler

	// Metrics are the engine's registered instruments.
	Metrics *Metrics
}

// Init sets up a Prometheus-backed meter provider, installs it as the
// global provider, and registers the engine's instruments.
//
// Inputs:
//   - service: Resource service name, e.g. "kairos-engine".
//
// Outputs:
//   - *Telemetry: Handle owning the provider; call Shutdown on exit.
func Init(service string) (*Telemetry, error) {
	// A dedicated registry keeps repeated Init calls (tests, embedded
	// use) from colliding on the process-global default registry.
	registry := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(service)))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	metrics, err := NewMetrics(provider.Meter("kairos.engine"))
	if err != nil {
		return nil, fmt.Errorf("register engine metrics: %w", err)
	}

	return &Telemetry{
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Metrics:  metrics,
	}, nil
}

// Handler returns the /metrics scrape handler.
func (t *Telemetry) Handler() http.Handler {
	return t.handler
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
