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
	"strings"

	"github.com/google/uuid"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/provider"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/trouble"
)

// analyzeFileLimit bounds how many files the provider-backed analysis
// phases read per cycle.
const analyzeFileLimit = 5

// HealthCheckPhase verifies at least one provider answers before the
// cycle spends any work.
type HealthCheckPhase struct {
	providers []provider.Provider
	monitor   *provider.HealthMonitor
	logger    *logging.Logger
}

func NewHealthCheckPhase(providers []provider.Provider, monitor *provider.HealthMonitor,
	logger *logging.Logger) *HealthCheckPhase {
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthCheckPhase{providers: providers, monitor: monitor, logger: logger}
}

func (p *HealthCheckPhase) Name() string { return "health_check" }

func (p *HealthCheckPhase) Run(ctx context.Context, cc *CycleContext) (PhaseResult, error) {
	available := 0
	var healthy provider.Provider
	for _, prov := range p.providers {
		if prov.IsAvailable(ctx) {
			p.monitor.RecordSuccess(prov.Name())
			if healthy == nil {
				healthy = prov
			}
			available++
		} else {
			p.monitor.RecordFailure(prov.Name(), fmt.Errorf("availability check failed"))
		}
	}

	if available == 0 {
		return PhaseResult{
			Success:    false,
			ShouldStop: true,
			Message:    "no providers available",
		}, nil
	}

	// Best-effort diagnosis of broken providers by a healthy one.
	if healthy != nil {
		for _, h := range p.monitor.All() {
			if h.Status == provider.StatusBroken && h.Name != healthy.Name() {
				p.monitor.CrossRepair(ctx, healthy, h.Name)
			}
		}
	}

	return PhaseResult{
		Success: true,
		Message: fmt.Sprintf("%d of %d providers available", available, len(p.providers)),
	}, nil
}

// ErrorDetectPhase collects issues from three sources: unresolved
// system errors in the aggregator, a local static scan, and provider
// code analysis.
type ErrorDetectPhase struct {
	ai         provider.Provider
	workspace  *Workspace
	aggregator *trouble.Aggregator
	extensions []string
	logger     *logging.Logger
}

func NewErrorDetectPhase(ai provider.Provider, workspace *Workspace,
	aggregator *trouble.Aggregator, extensions []string, logger *logging.Logger) *ErrorDetectPhase {
	if logger == nil {
		logger = logging.Default()
	}
	return &ErrorDetectPhase{
		ai:         ai,
		workspace:  workspace,
		aggregator: aggregator,
		extensions: extensions,
		logger:     logger,
	}
}

func (p *ErrorDetectPhase) Name() string { return "error_detect" }

func (p *ErrorDetectPhase) Run(ctx context.Context, cc *CycleContext) (PhaseResult, error) {
	if p.aggregator != nil {
		reported, err := p.aggregator.New()
		if err != nil {
			return PhaseResult{Success: false, Message: "reading aggregated errors"}, err
		}
		for _, aggErr := range reported {
			cc.Issues = append(cc.Issues, provider.Issue{
				Type:    string(aggErr.Category),
				Message: fmt.Sprintf("[%s] %s", aggErr.Source, aggErr.Message),
			})
		}
	}

	files, err := p.workspace.SourceFiles(p.extensions, analyzeFileLimit)
	if err != nil {
		return PhaseResult{Success: false, Message: "scanning workspace"}, err
	}
	cc.Issues = append(cc.Issues, p.workspace.StaticScan(files)...)

	code, readFiles := concatFiles(p.workspace, files)
	if code != "" {
		cc.AICalls++
		analysis, err := p.ai.AnalyzeCode(provider.WithPhase(ctx, p.Name()), code)
		if err != nil {
			// Static and aggregated findings stand on their own.
			p.logger.Warn("provider analysis unavailable, using local findings only",
				"error", err.Error())
		} else {
			cc.Issues = append(cc.Issues, analysis.Issues...)
		}
	}

	return PhaseResult{
		Success: true,
		Message: fmt.Sprintf("%d issues across %d files", len(cc.Issues), readFiles),
	}, nil
}

// ImproveFindPhase asks the provider for enhancement suggestions on the
// most recently touched files.
type ImproveFindPhase struct {
	ai         provider.Provider
	workspace  *Workspace
	extensions []string
	logger     *logging.Logger
}

func NewImproveFindPhase(ai provider.Provider, workspace *Workspace,
	extensions []string, logger *logging.Logger) *ImproveFindPhase {
	if logger == nil {
		logger = logging.Default()
	}
	return &ImproveFindPhase{ai: ai, workspace: workspace, extensions: extensions, logger: logger}
}

func (p *ImproveFindPhase) Name() string { return "improve_find" }

func (p *ImproveFindPhase) Run(ctx context.Context, cc *CycleContext) (PhaseResult, error) {
	files, err := p.workspace.SourceFiles(p.extensions, analyzeFileLimit)
	if err != nil {
		return PhaseResult{Success: false, Message: "scanning workspace"}, err
	}
	code, _ := concatFiles(p.workspace, files)
	if code == "" {
		return PhaseResult{Success: true, Message: "no source files to inspect"}, nil
	}

	cc.AICalls++
	analysis, err := p.ai.AnalyzeCode(provider.WithPhase(ctx, p.Name()), code)
	if err != nil {
		p.logger.Warn("improvement analysis unavailable", "error", err.Error())
		return PhaseResult{Success: true, Message: "improvement analysis skipped"}, nil
	}

	for _, suggestion := range analysis.Suggestions {
		suggestion = strings.TrimSpace(suggestion)
		if suggestion == "" {
			continue
		}
		cc.Improvements = append(cc.Improvements, Improvement{
			ID:          uuid.NewString(),
			Description: suggestion,
		})
	}

	return PhaseResult{
		Success: true,
		Message: fmt.Sprintf("%d improvements suggested", len(cc.Improvements)),
	}, nil
}

// SearchPhase locates the code relevant to the discovered issues so the
// planner works from concrete locations instead of prose.
type SearchPhase struct {
	ai         provider.Provider
	workspace  *Workspace
	extensions []string
	logger     *logging.Logger
}

func NewSearchPhase(ai provider.Provider, workspace *Workspace,
	extensions []string, logger *logging.Logger) *SearchPhase {
	if logger == nil {
		logger = logging.Default()
	}
	return &SearchPhase{ai: ai, workspace: workspace, extensions: extensions, logger: logger}
}

func (p *SearchPhase) Name() string { return "search" }

func (p *SearchPhase) Run(ctx context.Context, cc *CycleContext) (PhaseResult, error) {
	if len(cc.Issues) == 0 && len(cc.Improvements) == 0 {
		return PhaseResult{Success: true, Message: "nothing to investigate"}, nil
	}

	var query strings.Builder
	for i, issue := range cc.Issues {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&query, "- %s\n", issue.Message)
	}
	for i, imp := range cc.Improvements {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&query, "- %s\n", imp.Description)
	}

	files, err := p.workspace.SourceFiles(p.extensions, 20)
	if err != nil {
		return PhaseResult{Success: false, Message: "scanning workspace"}, err
	}

	cc.AICalls++
	result, err := p.ai.SearchAndAnalyze(provider.WithPhase(ctx, p.Name()), query.String(), files)
	if err != nil {
		p.logger.Warn("search unavailable, planner will work from issue text",
			"error", err.Error())
		return PhaseResult{Success: true, Message: "search skipped"}, nil
	}
	cc.Findings = result.Findings

	return PhaseResult{
		Success: true,
		Message: fmt.Sprintf("%d findings", len(cc.Findings)),
	}, nil
}

// concatFiles joins file contents under per-file headers, returning how
// many files contributed.
func concatFiles(w *Workspace, files []string) (string, int) {
	var sb strings.Builder
	read := 0
	for _, rel := range files {
		content, err := w.Read(rel)
		if err != nil || content == "" {
			continue
		}
		fmt.Fprintf(&sb, "// file: %s\n%s\n\n", rel, content)
		read++
	}
	return sb.String(), read
}
