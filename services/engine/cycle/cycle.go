// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cycle runs one repair cycle: a fixed, ordered list of phases
// sharing a mutable per-cycle context. Phases communicate only through
// the context and the ShouldStop signal; cross-cycle memory lives in
// the durable stores individual phases consult.
package cycle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/provider"
)

// Improvement is one candidate enhancement found during a cycle.
type Improvement struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
	Rationale   string `json:"rationale,omitempty"`
}

// PlanStep is one unit of work in the cycle's plan.
type PlanStep struct {
	Description string   `json:"description"`
	Files       []string `json:"files"`
}

// Plan is what the plan phase produces and the implement phase executes.
type Plan struct {
	Summary string     `json:"summary"`
	Steps   []PlanStep `json:"steps"`
}

// TargetFiles returns the deduplicated union of every step's files.
func (p *Plan) TargetFiles() []string {
	seen := make(map[string]struct{})
	var files []string
	for _, step := range p.Steps {
		for _, f := range step.Files {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			files = append(files, f)
		}
	}
	return files
}

// AppliedChange records one change the implement phase wrote, or why it
// was withheld.
type AppliedChange struct {
	Step        string    `json:"step"`
	Files       []string  `json:"files"`
	Applied     bool      `json:"applied"`
	Reason      string    `json:"reason,omitempty"`
	AppliedAt   time.Time `json:"applied_at"`
	Reviewed    bool      `json:"reviewed"`
	ReviewNote  string    `json:"review_note,omitempty"`
}

// PhaseTiming captures one phase's outcome for the cycle summary.
type PhaseTiming struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
}

// CycleContext is the single mutable value threaded through the phases
// of one cycle. It is not shared across cycles and not safe for
// concurrent mutation; the orchestrator runs phases sequentially.
type CycleContext struct {
	CycleID   string
	StartedAt time.Time

	Issues       []provider.Issue
	Improvements []Improvement
	Findings     []provider.Finding
	Plan         *Plan
	Changes      []AppliedChange

	SnapshotID   string
	RolledBack   bool
	VerifyOutput string

	// AICalls and Failovers are bumped by phases after provider use,
	// feeding the cycle summary.
	AICalls   int
	Failovers int

	Phases []PhaseTiming
}

// NewCycleContext creates a fresh context with a unique cycle id.
func NewCycleContext() *CycleContext {
	return &CycleContext{
		CycleID:   uuid.NewString(),
		StartedAt: time.Now(),
	}
}

// AppliedCount returns how many planned changes were actually written.
func (cc *CycleContext) AppliedCount() int {
	n := 0
	for _, c := range cc.Changes {
		if c.Applied {
			n++
		}
	}
	return n
}

// PhaseResult is the uniform phase outcome. ShouldStop halts the
// remaining phases without failing the cycle; Success=false fails it.
type PhaseResult struct {
	Success    bool
	ShouldStop bool
	Message    string
	Data       map[string]any
}

// Phase is one step of the pipeline. Phases are stateless across
// cycles.
type Phase interface {
	Name() string
	Run(ctx context.Context, cc *CycleContext) (PhaseResult, error)
}
