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
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/extract"
	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/provider"
)

// ErrInsufficientJudges is returned when too few judges respond and no
// single-judge fallback is configured. This rejection is terminal and
// non-appealable.
var ErrInsufficientJudges = errors.New("insufficient judges responded")

// Verdict is one judge's independent ruling.
type Verdict struct {
	Judge      string  `json:"judge"`
	Approved   bool    `json:"approved"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// VotingSummary aggregates the verdicts of one review round.
type VotingSummary struct {
	Verdicts []Verdict `json:"verdicts"`

	// Responding is how many judges returned a verdict; judges that
	// errored simply do not vote.
	Responding int `json:"responding"`

	// Ratio is the weighted approval ratio
	// Σ(weight × confidence × approved) / Σ(weight × confidence).
	Ratio float64 `json:"ratio"`

	Approved bool `json:"approved"`

	// SingleJudge marks a decision taken by the configured
	// single-judge fallback rather than a quorum vote.
	SingleJudge bool `json:"single_judge,omitempty"`
}

// RejectionReasons joins the reasons of every disapproving verdict.
func (s VotingSummary) RejectionReasons() string {
	var reasons []string
	for _, v := range s.Verdicts {
		if !v.Approved && v.Reason != "" {
			reasons = append(reasons, v.Reason)
		}
	}
	return strings.Join(reasons, "\n")
}

// Judge returns an independent verdict on a proposed change.
type Judge interface {
	Name() string
	Review(ctx context.Context, change ChangeRequest, supplements []Supplement) (Verdict, error)
}

// WeightedJudge pairs a judge with its voting weight.
type WeightedJudge struct {
	Judge  Judge
	Weight float64
}

// ProviderJudge adapts a Provider into a Judge: it prompts for a JSON
// verdict and decodes it with the tolerant extractor. A response with
// no decodable verdict is an error, so the judge abstains rather than
// casting a junk vote.
type ProviderJudge struct {
	provider provider.Provider
}

// NewProviderJudge wraps p as a judge.
func NewProviderJudge(p provider.Provider) *ProviderJudge {
	return &ProviderJudge{provider: p}
}

func (j *ProviderJudge) Name() string { return j.provider.Name() }

func (j *ProviderJudge) Review(ctx context.Context, change ChangeRequest, supplements []Supplement) (Verdict, error) {
	var sb strings.Builder
	sb.WriteString("You are an independent code-change reviewer for an unattended repair system.\n")
	sb.WriteString("Judge whether this change is safe and justified.\n\n")
	fmt.Fprintf(&sb, "Intent: %s\n", change.Description)
	fmt.Fprintf(&sb, "Files (%d): %s\n", len(change.Files), strings.Join(change.Files, ", "))
	fmt.Fprintf(&sb, "Total lines: %d\n", change.TotalLines)
	if change.Code != "" {
		sb.WriteString("\nProposed code:\n")
		sb.WriteString(change.Code)
		sb.WriteString("\n")
	}
	for _, s := range supplements {
		fmt.Fprintf(&sb, "\nSupplement (%s): %s\n%s\n", s.Kind, s.Title, s.Body)
	}
	sb.WriteString("\nRespond with a JSON object only: {\"approved\": true|false, \"reason\": \"...\", \"confidence\": 0.0}\n")
	sb.WriteString("confidence is your certainty in [0,1].")

	text, err := j.provider.Chat(ctx, sb.String())
	if err != nil {
		return Verdict{}, fmt.Errorf("judge %s: %w", j.Name(), err)
	}

	var verdict Verdict
	if err := extract.Object(text, &verdict); err != nil {
		return Verdict{}, fmt.Errorf("judge %s returned no verdict: %w", j.Name(), err)
	}
	verdict.Judge = j.Name()
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 1 {
		verdict.Confidence = 1
	}
	return verdict, nil
}

// MultiJudgeReviewer collects verdicts from several judges concurrently
// and decides by weighted approval ratio.
//
// # Thread Safety
//
// Safe for concurrent use.
type MultiJudgeReviewer struct {
	judges    []WeightedJudge
	threshold float64
	minJudges int

	// singleJudgeFallback permits deciding on one verdict when the
	// quorum is not met. When false, a missed quorum is a terminal
	// rejection.
	singleJudgeFallback bool

	logger *logging.Logger
}

// NewMultiJudgeReviewer builds the reviewer.
//
// Inputs:
//   - judges: The voting panel. Weights ≤ 0 are coerced to 1.
//   - threshold: Approval ratio boundary, inclusive. Default 0.6.
//   - minJudges: Quorum of responding judges. Default 2.
//   - singleJudgeFallback: Decide on one verdict below quorum instead
//     of rejecting.
func NewMultiJudgeReviewer(judges []WeightedJudge, threshold float64, minJudges int,
	singleJudgeFallback bool, logger *logging.Logger) *MultiJudgeReviewer {

	if threshold <= 0 {
		threshold = 0.6
	}
	if minJudges <= 0 {
		minJudges = 2
	}
	if logger == nil {
		logger = logging.Default()
	}
	for i := range judges {
		if judges[i].Weight <= 0 {
			judges[i].Weight = 1
		}
	}
	return &MultiJudgeReviewer{
		judges:              judges,
		threshold:           threshold,
		minJudges:           minJudges,
		singleJudgeFallback: singleJudgeFallback,
		logger:              logger.With("component", "multi_judge_reviewer"),
	}
}

// Review runs one voting round. Judge calls run concurrently; a judge
// that errors abstains. The change is approved iff the weighted ratio
// meets the threshold (boundary inclusive).
//
// Outputs:
//   - VotingSummary: Always populated, including on error.
//   - error: ErrInsufficientJudges when quorum fails without fallback.
func (r *MultiJudgeReviewer) Review(ctx context.Context, change ChangeRequest, supplements []Supplement) (VotingSummary, error) {
	type slot struct {
		verdict Verdict
		weight  float64
		ok      bool
	}
	slots := make([]slot, len(r.judges))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, wj := range r.judges {
		i, wj := i, wj
		g.Go(func() error {
			verdict, err := wj.Judge.Review(gctx, change, supplements)
			if err != nil {
				r.logger.Warn("judge abstained", "judge", wj.Judge.Name(), "error", err.Error())
				return nil
			}
			mu.Lock()
			slots[i] = slot{verdict: verdict, weight: wj.Weight, ok: true}
			mu.Unlock()
			return nil
		})
	}
	// Judges never return errors to the group; Wait only orders the
	// goroutines.
	_ = g.Wait()

	summary := VotingSummary{}
	var num, den float64
	for _, s := range slots {
		if !s.ok {
			continue
		}
		summary.Verdicts = append(summary.Verdicts, s.verdict)
		summary.Responding++
		den += s.weight * s.verdict.Confidence
		if s.verdict.Approved {
			num += s.weight * s.verdict.Confidence
		}
	}

	if summary.Responding < r.minJudges {
		if r.singleJudgeFallback && summary.Responding >= 1 {
			summary.SingleJudge = true
			summary.Approved = summary.Verdicts[0].Approved
			if summary.Approved {
				summary.Ratio = 1
			}
			r.logger.Warn("quorum missed, deciding on single judge",
				"responding", summary.Responding,
				"approved", summary.Approved,
			)
			return summary, nil
		}
		r.logger.Error("quorum missed, rejecting",
			"responding", summary.Responding,
			"required", r.minJudges,
		)
		return summary, fmt.Errorf("%w: %d of %d required", ErrInsufficientJudges, summary.Responding, r.minJudges)
	}

	if den > 0 {
		summary.Ratio = num / den
	}
	summary.Approved = summary.Ratio >= r.threshold

	r.logger.Info("review decided",
		"responding", summary.Responding,
		"ratio", summary.Ratio,
		"threshold", r.threshold,
		"approved", summary.Approved,
	)
	return summary, nil
}
