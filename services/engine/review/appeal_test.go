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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequenceJudge returns scripted verdicts one review round at a time,
// and remembers the supplements of each round.
type sequenceJudge struct {
	id          string
	verdicts    []Verdict
	round       int
	supplements [][]Supplement
}

func (s *sequenceJudge) Name() string { return s.id }

func (s *sequenceJudge) Review(ctx context.Context, change ChangeRequest, supplements []Supplement) (Verdict, error) {
	s.supplements = append(s.supplements, supplements)
	v := s.verdicts[s.round]
	if s.round < len(s.verdicts)-1 {
		s.round++
	}
	v.Judge = s.id
	return v, nil
}

func TestAnalyzeRejectionCategories(t *testing.T) {
	tests := []struct {
		text       string
		category   RejectionCategory
		remediable bool
	}{
		{"I cannot approve without a diff, show the change", CategoryMissingDiff, true},
		{"need more surrounding code and dependencies", CategoryMissingContext, true},
		{"this introduces a SQL injection vulnerability", CategorySecurityConcern, false},
		{"code quality is poor and untested", CategoryQualityConcern, false},
		{"this touches unrelated files, out of scope", CategoryScopeViolation, false},
		{"just no", CategoryUnknown, false},
		// A security concern mentioning a diff stays non-remediable.
		{"missing diff, and the change looks dangerous", CategorySecurityConcern, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			got := AnalyzeRejection(tt.text)
			assert.Equal(t, tt.category, got.Category, "text: %s", tt.text)
			assert.Equal(t, tt.remediable, got.Remediable)
		})
	}
}

func TestAppealApprovedFirstTrial(t *testing.T) {
	r := NewMultiJudgeReviewer([]WeightedJudge{approve("a", 0.9), approve("b", 0.9)}, 0.6, 2, false, nil)
	m := NewAppealManager(r, 3, nil)

	outcome, err := m.Run(context.Background(), ChangeRequest{Description: "fix"})
	require.NoError(t, err)
	assert.True(t, outcome.Approved)
	assert.Equal(t, TrialFirst, outcome.DecidedAt)
	assert.Len(t, outcome.Trials, 1)
}

func TestAppealSucceedsWithDiffSupplement(t *testing.T) {
	// Both judges reject the first round for a missing diff, then
	// approve once the diff supplement arrives.
	a := &sequenceJudge{id: "a", verdicts: []Verdict{
		{Approved: false, Confidence: 0.9, Reason: "cannot approve, missing diff"},
		{Approved: true, Confidence: 0.9},
	}}
	b := &sequenceJudge{id: "b", verdicts: []Verdict{
		{Approved: false, Confidence: 0.8, Reason: "show the change first"},
		{Approved: true, Confidence: 0.8},
	}}
	r := NewMultiJudgeReviewer([]WeightedJudge{{Judge: a, Weight: 1}, {Judge: b, Weight: 1}}, 0.6, 2, false, nil)
	m := NewAppealManager(r, 3, nil)

	outcome, err := m.Run(context.Background(), ChangeRequest{
		Description: "rename variable",
		Files:       []string{"pkg/x.go"},
		Original:    "package x\n\nvar old = 1\n",
		Code:        "package x\n\nvar renamed = 1\n",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Approved)
	assert.Equal(t, TrialAppeal, outcome.DecidedAt)
	require.Len(t, outcome.Trials, 2)
	assert.Equal(t, CategoryMissingDiff, outcome.Trials[0].Rejection.Category)

	// The second round must have carried a validated unified diff.
	require.Len(t, a.supplements, 2)
	require.Len(t, a.supplements[1], 1)
	sup := a.supplements[1][0]
	assert.Equal(t, SupplementDiff, sup.Kind)
	assert.Contains(t, sup.Body, "-var old = 1")
	assert.Contains(t, sup.Body, "+var renamed = 1")
}

func TestNonRemediableRejectionEndsAppeal(t *testing.T) {
	r := NewMultiJudgeReviewer([]WeightedJudge{
		reject("a", 0.9, "this is a security vulnerability"),
		reject("b", 0.9, "unsafe"),
	}, 0.6, 2, false, nil)
	m := NewAppealManager(r, 3, nil)

	outcome, err := m.Run(context.Background(), ChangeRequest{})
	require.NoError(t, err)
	assert.False(t, outcome.Approved)
	assert.True(t, outcome.Terminal)
	assert.Equal(t, TrialFirst, outcome.DecidedAt)
	assert.Len(t, outcome.Trials, 1, "non-remediable rejection permits no appeal")
	assert.Contains(t, outcome.FinalReason, "security")
}

func TestAppealExhaustsThreeTrials(t *testing.T) {
	// Remediable rejection every round: the appeal runs first, appeal,
	// final and then stops permanently.
	a := &sequenceJudge{id: "a", verdicts: []Verdict{
		{Approved: false, Confidence: 0.9, Reason: "missing diff"},
	}}
	b := &sequenceJudge{id: "b", verdicts: []Verdict{
		{Approved: false, Confidence: 0.9, Reason: "missing diff"},
	}}
	r := NewMultiJudgeReviewer([]WeightedJudge{{Judge: a, Weight: 1}, {Judge: b, Weight: 1}}, 0.6, 2, false, nil)
	m := NewAppealManager(r, 3, nil)

	outcome, err := m.Run(context.Background(), ChangeRequest{
		Original: "a\n",
		Code:     "b\n",
	})
	require.NoError(t, err)
	assert.False(t, outcome.Approved)
	assert.True(t, outcome.Terminal)
	assert.Equal(t, TrialFinal, outcome.DecidedAt)
	assert.Len(t, outcome.Trials, 3)
	assert.Equal(t, []TrialLevel{TrialFirst, TrialAppeal, TrialFinal},
		[]TrialLevel{outcome.Trials[0].Level, outcome.Trials[1].Level, outcome.Trials[2].Level})
}

func TestInsufficientJudgesIsTerminal(t *testing.T) {
	r := NewMultiJudgeReviewer([]WeightedJudge{approve("a", 0.9)}, 0.6, 2, false, nil)
	m := NewAppealManager(r, 3, nil)

	outcome, err := m.Run(context.Background(), ChangeRequest{})
	require.NoError(t, err)
	assert.False(t, outcome.Approved)
	assert.True(t, outcome.Terminal)
	assert.Contains(t, outcome.FinalReason, "insufficient judges")
	assert.Len(t, outcome.Trials, 1)
}

func TestTrialHistoryRetainedOnApproval(t *testing.T) {
	a := &sequenceJudge{id: "a", verdicts: []Verdict{
		{Approved: false, Confidence: 0.9, Reason: "need more surrounding code"},
		{Approved: true, Confidence: 0.9},
	}}
	b := &sequenceJudge{id: "b", verdicts: []Verdict{
		{Approved: false, Confidence: 0.9, Reason: "need callers for context"},
		{Approved: true, Confidence: 0.9},
	}}
	r := NewMultiJudgeReviewer([]WeightedJudge{{Judge: a, Weight: 1}, {Judge: b, Weight: 1}}, 0.6, 2, false, nil)
	m := NewAppealManager(r, 3, nil)

	outcome, err := m.Run(context.Background(), ChangeRequest{
		Description:  "adjust retry",
		Files:        []string{"pkg/x.go"},
		ContextFiles: map[string]string{"pkg/y.go": "func caller() { x() }"},
	})
	require.NoError(t, err)
	assert.True(t, outcome.Approved)
	require.Len(t, outcome.Trials, 2)
	assert.Equal(t, CategoryMissingContext, outcome.Trials[0].Rejection.Category)

	// Context rejections require context + justification supplements.
	kinds := []SupplementKind{}
	for _, s := range outcome.Trials[1].Supplements {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []SupplementKind{SupplementContext, SupplementJustification}, kinds)
}
