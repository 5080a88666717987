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

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/extract"
	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/provider"
)

// maxPlanSteps bounds how much one cycle is allowed to attempt.
const maxPlanSteps = 5

// PlanPhase turns the cycle's issues, improvements and findings into an
// ordered list of file-scoped steps.
type PlanPhase struct {
	ai     provider.Provider
	logger *logging.Logger
}

func NewPlanPhase(ai provider.Provider, logger *logging.Logger) *PlanPhase {
	if logger == nil {
		logger = logging.Default()
	}
	return &PlanPhase{ai: ai, logger: logger}
}

func (p *PlanPhase) Name() string { return "plan" }

func (p *PlanPhase) Run(ctx context.Context, cc *CycleContext) (PhaseResult, error) {
	if len(cc.Issues) == 0 && len(cc.Improvements) == 0 {
		return PhaseResult{
			Success:    true,
			ShouldStop: true,
			Message:    "no issues found",
		}, nil
	}

	cc.AICalls++
	raw, err := p.ai.Chat(provider.WithPhase(ctx, p.Name()), p.buildPrompt(cc))
	if err != nil {
		return PhaseResult{Success: false, Message: "planner call failed"},
			fmt.Errorf("planning cycle %s: %w", cc.CycleID, err)
	}

	var plan Plan
	if err := extract.Object(raw, &plan); err != nil {
		return PhaseResult{Success: false, Message: "planner returned no structured plan"},
			fmt.Errorf("decoding plan: %w", err)
	}

	// Steps without concrete files cannot be implemented or verified.
	steps := plan.Steps[:0]
	for _, step := range plan.Steps {
		if len(step.Files) == 0 || strings.TrimSpace(step.Description) == "" {
			continue
		}
		steps = append(steps, step)
		if len(steps) == maxPlanSteps {
			break
		}
	}
	plan.Steps = steps

	if len(plan.Steps) == 0 {
		return PhaseResult{
			Success:    true,
			ShouldStop: true,
			Message:    "planner produced no actionable steps",
		}, nil
	}

	cc.Plan = &plan
	return PhaseResult{
		Success: true,
		Message: fmt.Sprintf("%d steps over %d files", len(plan.Steps), len(plan.TargetFiles())),
	}, nil
}

func (p *PlanPhase) buildPrompt(cc *CycleContext) string {
	var sb strings.Builder
	sb.WriteString("You are planning one maintenance pass over a codebase.\n\nIssues:\n")
	for _, issue := range cc.Issues {
		if issue.File != "" {
			fmt.Fprintf(&sb, "- [%s] %s (%s:%d)\n", issue.Type, issue.Message, issue.File, issue.Line)
		} else {
			fmt.Fprintf(&sb, "- [%s] %s\n", issue.Type, issue.Message)
		}
	}
	if len(cc.Improvements) > 0 {
		sb.WriteString("\nSuggested improvements:\n")
		for _, imp := range cc.Improvements {
			fmt.Fprintf(&sb, "- %s\n", imp.Description)
		}
	}
	if len(cc.Findings) > 0 {
		sb.WriteString("\nRelevant locations:\n")
		for _, f := range cc.Findings {
			fmt.Fprintf(&sb, "- %s:%d %s\n", f.File, f.Line, f.Note)
		}
	}
	sb.WriteString("\nRespond with JSON only:\n")
	sb.WriteString(`{"summary": "...", "steps": [{"description": "...", "files": ["path/to/file.go"]}]}`)
	fmt.Fprintf(&sb, "\nAt most %d steps. Every step must list the exact files it changes.\n", maxPlanSteps)
	return sb.String()
}
