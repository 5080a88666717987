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

import "strings"

// RejectionCategory classifies why judges rejected a change.
type RejectionCategory string

const (
	CategoryMissingDiff     RejectionCategory = "missing-diff"
	CategoryMissingContext  RejectionCategory = "missing-context"
	CategorySecurityConcern RejectionCategory = "security-concern"
	CategoryQualityConcern  RejectionCategory = "quality-concern"
	CategoryScopeViolation  RejectionCategory = "scope-violation"
	CategoryUnknown         RejectionCategory = "unknown"
)

// SupplementKind names a kind of appeal material.
type SupplementKind string

const (
	SupplementDiff          SupplementKind = "diff"
	SupplementContext       SupplementKind = "context"
	SupplementJustification SupplementKind = "justification"
)

// Supplement is one piece of appeal material attached to a re-review.
type Supplement struct {
	Kind  SupplementKind `json:"kind"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
}

// RejectionAnalysis is the analyzer's reading of a rejection.
type RejectionAnalysis struct {
	Category RejectionCategory `json:"category"`

	// Remediable is true only for categories an appeal supplement can
	// address.
	Remediable bool `json:"remediable"`

	// Required lists the supplements an appeal should attach.
	Required []SupplementKind `json:"required,omitempty"`
}

// categoryRule maps keywords in rejection text to a category. Rules are
// checked in order; non-remediable concerns come first so a rejection
// that raises both a security issue and a missing diff stays blocked.
type categoryRule struct {
	category RejectionCategory
	keywords []string
}

var categoryRules = []categoryRule{
	{CategorySecurityConcern, []string{"security", "vulnerab", "injection", "unsafe", "dangerous", "credential", "secret"}},
	{CategoryScopeViolation, []string{"out of scope", "scope", "unrelated change", "unrelated file", "too broad"}},
	{CategoryMissingDiff, []string{"no diff", "missing diff", "without a diff", "show the change", "show the diff", "cannot see the change", "can't see the change"}},
	{CategoryMissingContext, []string{"context", "surrounding code", "dependencies", "callers", "more information", "not enough information"}},
	{CategoryQualityConcern, []string{"quality", "untested", "no test", "maintainab", "readab", "style", "complexity", "error handling"}},
}

// AnalyzeRejection pattern-matches combined rejection text into a
// category and its remediation requirements. Only missing-diff and
// missing-context are remediable.
func AnalyzeRejection(reasons string) RejectionAnalysis {
	text := strings.ToLower(reasons)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return analysisFor(rule.category)
			}
		}
	}
	return analysisFor(CategoryUnknown)
}

func analysisFor(category RejectionCategory) RejectionAnalysis {
	switch category {
	case CategoryMissingDiff:
		return RejectionAnalysis{
			Category:   category,
			Remediable: true,
			Required:   []SupplementKind{SupplementDiff},
		}
	case CategoryMissingContext:
		return RejectionAnalysis{
			Category:   category,
			Remediable: true,
			Required:   []SupplementKind{SupplementContext, SupplementJustification},
		}
	default:
		return RejectionAnalysis{Category: category}
	}
}
