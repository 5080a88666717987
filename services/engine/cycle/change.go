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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/provider"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/review"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/snapshot"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/trouble"
)

// ImplementPhase executes the plan: snapshot first, then generate and
// guard-check each file change, writing only what the policy allows.
type ImplementPhase struct {
	ai        provider.Provider
	workspace *Workspace
	guard     *review.Guard
	appeals   *review.AppealManager
	snapshots *snapshot.Manager
	logger    *logging.Logger
}

func NewImplementPhase(ai provider.Provider, workspace *Workspace, guard *review.Guard,
	appeals *review.AppealManager, snapshots *snapshot.Manager, logger *logging.Logger) *ImplementPhase {
	if logger == nil {
		logger = logging.Default()
	}
	return &ImplementPhase{
		ai:        ai,
		workspace: workspace,
		guard:     guard,
		appeals:   appeals,
		snapshots: snapshots,
		logger:    logger,
	}
}

func (p *ImplementPhase) Name() string { return "implement" }

func (p *ImplementPhase) Run(ctx context.Context, cc *CycleContext) (PhaseResult, error) {
	if cc.Plan == nil || len(cc.Plan.Steps) == 0 {
		return PhaseResult{Success: true, ShouldStop: true, Message: "nothing to implement"}, nil
	}

	snapshotID, err := p.snapshots.Create("cycle "+cc.CycleID, cc.Plan.TargetFiles())
	if err != nil {
		return PhaseResult{Success: false, Message: "snapshot failed"},
			fmt.Errorf("snapshotting before implement: %w", err)
	}
	cc.SnapshotID = snapshotID

	applied, attempted := 0, 0
	for _, step := range cc.Plan.Steps {
		for _, file := range step.Files {
			attempted++
			change := p.applyFile(ctx, cc, step, file)
			cc.Changes = append(cc.Changes, change)
			if change.Applied {
				applied++
			}
		}
	}

	if applied == 0 {
		return PhaseResult{
			Success:    true,
			ShouldStop: true,
			Message:    "no changes passed the guard",
		}, nil
	}
	return PhaseResult{
		Success: true,
		Message: fmt.Sprintf("%d of %d file changes applied", applied, attempted),
	}, nil
}

func (p *ImplementPhase) applyFile(ctx context.Context, cc *CycleContext,
	step PlanStep, file string) AppliedChange {

	change := AppliedChange{
		Step:      step.Description,
		Files:     []string{file},
		AppliedAt: time.Now(),
	}

	original, err := p.workspace.Read(file)
	if err != nil {
		change.Reason = err.Error()
		return change
	}

	prompt := fmt.Sprintf("Task: %s\n\nRewrite the file %s completely. Respond with the full new file content only, no commentary.", step.Description, file)
	extra := fmt.Sprintf("Current content of %s:\n%s", file, original)

	cc.AICalls++
	code, err := p.ai.GenerateCode(provider.WithPhase(ctx, p.Name()), prompt, extra)
	if err != nil {
		change.Reason = fmt.Sprintf("generation failed: %v", err)
		p.logger.Warn("code generation failed", "file", file, "error", err.Error())
		return change
	}
	code = stripFence(code)

	request := review.ChangeRequest{
		Description:  fmt.Sprintf("%s (%s)", step.Description, file),
		Files:        []string{file},
		TotalLines:   strings.Count(code, "\n") + 1,
		Code:         code,
		Original:     original,
		ContextFiles: p.contextFor(cc, file),
	}

	decision := p.guard.Check(request)
	if !decision.Allowed {
		change.Reason = "blocked: " + strings.Join(decision.Blocks, "; ")
		p.logger.Warn("change blocked", "file", file, "blocks", strings.Join(decision.Blocks, "; "))
		return change
	}

	if decision.RequiresReview {
		outcome, err := p.appeals.Run(ctx, request)
		if err != nil {
			change.Reason = fmt.Sprintf("review failed: %v", err)
			return change
		}
		change.Reviewed = true
		if !outcome.Approved {
			change.Reason = "rejected: " + outcome.FinalReason
			change.ReviewNote = string(outcome.DecidedAt)
			return change
		}
		change.ReviewNote = string(outcome.DecidedAt)
	}

	if err := p.workspace.Write(file, code); err != nil {
		change.Reason = err.Error()
		return change
	}
	change.Applied = true
	return change
}

// contextFor gives reviewers short excerpts of the other files the plan
// touches alongside this one.
func (p *ImplementPhase) contextFor(cc *CycleContext, current string) map[string]string {
	files := cc.Plan.TargetFiles()
	if len(files) < 2 {
		return nil
	}
	excerpts := make(map[string]string)
	for _, f := range files {
		if f == current {
			continue
		}
		content, err := p.workspace.Read(f)
		if err != nil || content == "" {
			continue
		}
		if len(content) > 600 {
			content = content[:600]
		}
		excerpts[f] = content
	}
	return excerpts
}

// stripFence removes a surrounding markdown code fence if the provider
// wrapped its output in one.
func stripFence(code string) string {
	trimmed := strings.TrimSpace(code)
	if !strings.HasPrefix(trimmed, "```") {
		return code
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return code
	}
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		return strings.Join(lines[1:len(lines)-1], "\n") + "\n"
	}
	return code
}

// TestGenPhase writes companion tests for every Go file the implement
// phase changed. Tests that the guard would send to review are withheld
// rather than appealed; the priority is covering the applied change,
// not negotiating over its tests.
type TestGenPhase struct {
	ai        provider.Provider
	workspace *Workspace
	guard     *review.Guard
	snapshots *snapshot.Manager
	logger    *logging.Logger
}

func NewTestGenPhase(ai provider.Provider, workspace *Workspace, guard *review.Guard,
	snapshots *snapshot.Manager, logger *logging.Logger) *TestGenPhase {
	if logger == nil {
		logger = logging.Default()
	}
	return &TestGenPhase{ai: ai, workspace: workspace, guard: guard, snapshots: snapshots, logger: logger}
}

func (p *TestGenPhase) Name() string { return "test_gen" }

func (p *TestGenPhase) Run(ctx context.Context, cc *CycleContext) (PhaseResult, error) {
	written := 0
	for _, change := range cc.Changes {
		if !change.Applied {
			continue
		}
		for _, file := range change.Files {
			if !strings.HasSuffix(file, ".go") || strings.HasSuffix(file, "_test.go") {
				continue
			}
			if p.generateTest(ctx, cc, file) {
				written++
			}
		}
	}
	return PhaseResult{
		Success: true,
		Message: fmt.Sprintf("%d test files written", written),
	}, nil
}

func (p *TestGenPhase) generateTest(ctx context.Context, cc *CycleContext, file string) bool {
	content, err := p.workspace.Read(file)
	if err != nil || content == "" {
		return false
	}
	testPath := strings.TrimSuffix(file, ".go") + "_test.go"

	cc.AICalls++
	prompt := fmt.Sprintf("Write a Go test file for %s covering its changed behavior. Respond with the full test file content only.", file)
	code, err := p.ai.GenerateTest(provider.WithPhase(ctx, p.Name()), prompt, content)
	if err != nil {
		p.logger.Warn("test generation failed", "file", file, "error", err.Error())
		return false
	}
	code = stripFence(code)

	decision := p.guard.Check(review.ChangeRequest{
		Description: "tests for " + file,
		Files:       []string{testPath},
		TotalLines:  strings.Count(code, "\n") + 1,
		Code:        code,
	})
	if !decision.Allowed || decision.RequiresReview {
		p.logger.Warn("generated test withheld by guard", "file", testPath)
		return false
	}

	// Register the test file in the cycle's snapshot before writing so
	// a verify rollback removes it along with the change it covers.
	if p.snapshots != nil && cc.SnapshotID != "" {
		if err := p.snapshots.AddFiles(cc.SnapshotID, []string{testPath}); err != nil {
			p.logger.Warn("snapshotting generated test failed, withholding it",
				"file", testPath, "error", err.Error())
			return false
		}
	}

	if err := p.workspace.Write(testPath, code); err != nil {
		p.logger.Warn("writing generated test failed", "file", testPath, "error", err.Error())
		return false
	}
	return true
}

// VerifyPhase runs the configured verification command against the
// workspace and rolls the cycle's snapshot back when it fails.
type VerifyPhase struct {
	workspace  *Workspace
	snapshots  *snapshot.Manager
	aggregator *trouble.Aggregator
	command    []string
	timeout    time.Duration
	logger     *logging.Logger
}

func NewVerifyPhase(workspace *Workspace, snapshots *snapshot.Manager,
	aggregator *trouble.Aggregator, command []string, timeout time.Duration,
	logger *logging.Logger) *VerifyPhase {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &VerifyPhase{
		workspace:  workspace,
		snapshots:  snapshots,
		aggregator: aggregator,
		command:    command,
		timeout:    timeout,
		logger:     logger,
	}
}

func (p *VerifyPhase) Name() string { return "verify" }

func (p *VerifyPhase) Run(ctx context.Context, cc *CycleContext) (PhaseResult, error) {
	if cc.AppliedCount() == 0 {
		return PhaseResult{Success: true, Message: "nothing to verify"}, nil
	}
	if len(p.command) == 0 {
		return PhaseResult{Success: true, Message: "verification disabled"}, nil
	}

	output, runErr := p.runCommand(ctx)
	cc.VerifyOutput = output

	if runErr == nil {
		return PhaseResult{Success: true, Message: "verification passed"}, nil
	}

	p.logger.Error("verification failed",
		"cycle_id", cc.CycleID,
		"snapshot_id", cc.SnapshotID,
		"error", runErr.Error(),
	)
	if p.aggregator != nil {
		_, _ = p.aggregator.Report("verify", runErr.Error(), map[string]string{
			"cycle_id": cc.CycleID,
			"output":   truncate(output, 2000),
		}, "", "")
	}

	if cc.SnapshotID != "" {
		if err := p.snapshots.Rollback(cc.SnapshotID, "verification failed"); err != nil {
			return PhaseResult{Success: false, ShouldStop: true, Message: "verification failed; rollback also failed"},
				fmt.Errorf("rolling back snapshot %s: %w", cc.SnapshotID, err)
		}
		cc.RolledBack = true
	}

	return PhaseResult{
		Success:    false,
		ShouldStop: true,
		Message:    "verification failed, changes rolled back",
	}, nil
}

func (p *VerifyPhase) runCommand(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Dir = p.workspace.Root()

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	// Graceful stop first so the command can release locks; the kill
	// follows after the wait delay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Run(); err != nil {
		return output.String(), fmt.Errorf("%s: %w", strings.Join(p.command, " "), err)
	}
	return output.String(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
