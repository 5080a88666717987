// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
)

// TrialLevel orders the review attempts of one appeal.
type TrialLevel string

const (
	TrialFirst  TrialLevel = "first"
	TrialAppeal TrialLevel = "appeal"
	TrialFinal  TrialLevel = "final"
)

var trialLevels = []TrialLevel{TrialFirst, TrialAppeal, TrialFinal}

// TrialResult records one review attempt inside an appeal.
type TrialResult struct {
	Level       TrialLevel         `json:"level"`
	Summary     VotingSummary      `json:"summary"`
	Rejection   *RejectionAnalysis `json:"rejection,omitempty"`
	Supplements []Supplement       `json:"supplements,omitempty"`
}

// AppealOutcome is the final result of a review with appeals.
type AppealOutcome struct {
	Approved bool `json:"approved"`

	// DecidedAt is the trial that produced the final decision.
	DecidedAt TrialLevel `json:"decided_at"`

	// FinalReason is the deciding trial's rejection text, empty on
	// approval.
	FinalReason string `json:"final_reason,omitempty"`

	// Terminal marks a rejection that permits no further appeal
	// (non-remediable category, final trial, or insufficient judges).
	Terminal bool `json:"terminal"`

	// Trials is the full per-trial history, kept for audit regardless
	// of outcome.
	Trials []TrialResult `json:"trials"`
}

// AppealManager runs up to three ordered trials — first, appeal, final —
// stopping at the first approval. Before a non-first trial it generates
// the supplements the last rejection category requires and re-submits
// with them attached.
//
// # Thread Safety
//
// Safe for concurrent use; all state is per-call.
type AppealManager struct {
	reviewer  *MultiJudgeReviewer
	maxTrials int
	logger    *logging.Logger
}

// NewAppealManager builds the manager. maxTrials outside [1,3] is
// clamped to 3.
func NewAppealManager(reviewer *MultiJudgeReviewer, maxTrials int, logger *logging.Logger) *AppealManager {
	if maxTrials < 1 || maxTrials > len(trialLevels) {
		maxTrials = len(trialLevels)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AppealManager{
		reviewer:  reviewer,
		maxTrials: maxTrials,
		logger:    logger.With("component", "appeal_manager"),
	}
}

// Run reviews the change with appeals.
//
// Outputs:
//   - AppealOutcome: Decision plus the full trial history.
//   - error: Only infrastructure failures; rejections are not errors.
func (m *AppealManager) Run(ctx context.Context, change ChangeRequest) (AppealOutcome, error) {
	outcome := AppealOutcome{}
	var supplements []Supplement
	var lastRejection RejectionAnalysis

	for i := 0; i < m.maxTrials; i++ {
		level := trialLevels[i]

		if i > 0 {
			supplements = append(supplements, m.buildSupplements(change, lastRejection)...)
		}

		summary, err := m.reviewer.Review(ctx, change, supplements)
		trial := TrialResult{Level: level, Summary: summary, Supplements: supplements}

		if err != nil {
			if errors.Is(err, ErrInsufficientJudges) {
				// Terminal, non-appealable.
				trial.Rejection = &RejectionAnalysis{Category: CategoryUnknown}
				outcome.Trials = append(outcome.Trials, trial)
				outcome.DecidedAt = level
				outcome.FinalReason = err.Error()
				outcome.Terminal = true
				m.logger.Error("review ended: insufficient judges", "trial", string(level))
				return outcome, nil
			}
			outcome.Trials = append(outcome.Trials, trial)
			return outcome, fmt.Errorf("trial %s: %w", level, err)
		}

		if summary.Approved {
			outcome.Trials = append(outcome.Trials, trial)
			outcome.Approved = true
			outcome.DecidedAt = level
			m.logger.Info("change approved", "trial", string(level), "ratio", summary.Ratio)
			return outcome, nil
		}

		lastRejection = AnalyzeRejection(summary.RejectionReasons())
		trial.Rejection = &lastRejection
		outcome.Trials = append(outcome.Trials, trial)

		m.logger.Warn("trial rejected",
			"trial", string(level),
			"ratio", summary.Ratio,
			"category", string(lastRejection.Category),
			"remediable", lastRejection.Remediable,
		)

		if !lastRejection.Remediable {
			outcome.DecidedAt = level
			outcome.FinalReason = summary.RejectionReasons()
			outcome.Terminal = true
			return outcome, nil
		}
	}

	// Remediable but out of trials.
	last := outcome.Trials[len(outcome.Trials)-1]
	outcome.DecidedAt = last.Level
	outcome.FinalReason = last.Summary.RejectionReasons()
	outcome.Terminal = true
	return outcome, nil
}

// buildSupplements generates the material the last rejection requires.
func (m *AppealManager) buildSupplements(change ChangeRequest, rejection RejectionAnalysis) []Supplement {
	var out []Supplement
	for _, kind := range rejection.Required {
		switch kind {
		case SupplementDiff:
			if s, ok := m.diffSupplement(change); ok {
				out = append(out, s)
			}
		case SupplementContext:
			out = append(out, m.contextSupplement(change))
		case SupplementJustification:
			out = append(out, Supplement{
				Kind:  SupplementJustification,
				Title: "Justification",
				Body: fmt.Sprintf(
					"This change exists to: %s. It touches %d file(s) (%s) and is limited to that intent; no unrelated files are modified.",
					change.Description, len(change.Files), strings.Join(change.Files, ", ")),
			})
		}
	}
	return out
}

// diffSupplement renders a unified diff of the change and validates its
// structure before attaching it. An unparseable diff is dropped rather
// than sent to judges.
func (m *AppealManager) diffSupplement(change ChangeRequest) (Supplement, bool) {
	fromFile := "a/change"
	toFile := "b/change"
	if len(change.Files) == 1 {
		fromFile = "a/" + change.Files[0]
		toFile = "b/" + change.Files[0]
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(change.Original),
		B:        difflib.SplitLines(change.Code),
		FromFile: fromFile,
		ToFile:   toFile,
		Context:  3,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		m.logger.Warn("diff supplement unavailable", "files", change.Files)
		return Supplement{}, false
	}

	if _, err := diff.ParseFileDiff([]byte(text)); err != nil {
		m.logger.Warn("generated diff failed validation", "error", err.Error())
		return Supplement{}, false
	}

	return Supplement{
		Kind:  SupplementDiff,
		Title: "Unified diff of the proposed change",
		Body:  text,
	}, true
}

// contextSupplement summarizes the files around the change.
func (m *AppealManager) contextSupplement(change ChangeRequest) Supplement {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Files touched: %s\n", strings.Join(change.Files, ", "))
	if len(change.ContextFiles) > 0 {
		paths := make([]string, 0, len(change.ContextFiles))
		for p := range change.ContextFiles {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		sb.WriteString("\nRelated files:\n")
		for _, p := range paths {
			fmt.Fprintf(&sb, "--- %s ---\n%s\n", p, change.ContextFiles[p])
		}
	}
	return Supplement{
		Kind:  SupplementContext,
		Title: "File and dependency context",
		Body:  sb.String(),
	}
}
