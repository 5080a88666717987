// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package review gates proposed changes: a deterministic guard first,
// then a weighted multi-judge vote for protected files, with a bounded
// appeal process on rejection.
package review

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
)

// ErrBlocked is returned when the guard hard-blocks a change.
var ErrBlocked = errors.New("change blocked by guard")

// ChangeRequest describes one proposed change for the guard and the
// reviewer.
type ChangeRequest struct {
	// Description is a short human-readable statement of intent.
	Description string

	// Files are the paths the change touches, relative to the
	// workspace.
	Files []string

	// TotalLines is the size of the change.
	TotalLines int

	// Code is the generated content, concatenated across files.
	Code string

	// Original is the pre-change content, used to build diffs during
	// appeals. May be empty.
	Original string

	// ContextFiles maps related paths to short content excerpts, used
	// for context supplements. May be nil.
	ContextFiles map[string]string
}

// GuardDecision is the guard's ruling on one change.
type GuardDecision struct {
	// Allowed is false only when a hard block applies.
	Allowed bool

	// RequiresReview is true when the change touches protected paths
	// and must pass the multi-judge reviewer before it proceeds.
	RequiresReview bool

	// Protected lists the touched paths that matched a protected
	// pattern.
	Protected []string

	// Warnings are advisory findings on non-protected files.
	Warnings []string

	// Blocks are the findings that made the change unacceptable.
	Blocks []string
}

// dangerousPattern flags generated code constructs that an unattended
// system must not write without review.
type dangerousPattern struct {
	name string
	re   *regexp.Regexp
}

var dangerousPatterns = []dangerousPattern{
	{"dynamic evaluation", regexp.MustCompile(`(?i)\beval\s*\(|\bnew\s+Function\s*\(|\bexec\s*\(\s*["'` + "`" + `]`)},
	{"process termination", regexp.MustCompile(`(?i)\bos\.Exit\s*\(|\bprocess\.(exit|kill)\s*\(|\bsyscall\.Kill\b`)},
	{"subprocess spawning", regexp.MustCompile(`(?i)\bexec\.Command\b|\bsubprocess\.|\bchild_process\b|\bspawn(Sync)?\s*\(`)},
	{"recursive delete", regexp.MustCompile(`(?i)\brm\s+-rf?\b|\bos\.RemoveAll\s*\(|\bshutil\.rmtree\s*\(|\bfs\.rmSync\s*\([^)]*recursive`)},
}

// Guard performs synchronous, deterministic policy checks before any
// change is attempted. Violations are advisory warnings for changes
// confined to ordinary files; once a protected path is touched, every
// violation becomes a hard block.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Guard struct {
	maxFiles          int
	protectedPatterns []string
	allowedExtensions map[string]bool
	logger            *logging.Logger
}

// NewGuard compiles the guard's policy.
//
// Inputs:
//   - maxFiles: Maximum files one change may touch. Zero disables the
//     check.
//   - protectedPatterns: doublestar globs; matching paths require
//     multi-judge review.
//   - allowedExtensions: Extensions (with dot) generated code may
//     write. Empty disables the check.
func NewGuard(maxFiles int, protectedPatterns, allowedExtensions []string, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.Default()
	}
	allowed := make(map[string]bool, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[strings.ToLower(ext)] = true
	}
	return &Guard{
		maxFiles:          maxFiles,
		protectedPatterns: protectedPatterns,
		allowedExtensions: allowed,
		logger:            logger.With("component", "guard"),
	}
}

// Check rules on one change.
func (g *Guard) Check(change ChangeRequest) GuardDecision {
	decision := GuardDecision{Allowed: true}

	for _, file := range change.Files {
		if g.isProtected(file) {
			decision.Protected = append(decision.Protected, file)
		}
	}
	decision.RequiresReview = len(decision.Protected) > 0

	var findings []string
	if g.maxFiles > 0 && len(change.Files) > g.maxFiles {
		findings = append(findings, fmt.Sprintf("change touches %d files, limit is %d", len(change.Files), g.maxFiles))
	}
	if len(g.allowedExtensions) > 0 {
		for _, file := range change.Files {
			ext := strings.ToLower(filepath.Ext(file))
			if !g.allowedExtensions[ext] {
				findings = append(findings, fmt.Sprintf("extension %q of %s is not in the allow-list", ext, file))
			}
		}
	}
	for _, p := range dangerousPatterns {
		if p.re.MatchString(change.Code) {
			findings = append(findings, "generated code contains "+p.name)
		}
	}

	if decision.RequiresReview {
		decision.Blocks = findings
		decision.Allowed = len(findings) == 0
	} else {
		decision.Warnings = findings
	}

	if !decision.Allowed {
		g.logger.Warn("change blocked",
			"files", len(change.Files),
			"protected", decision.Protected,
			"blocks", decision.Blocks,
		)
	} else if len(decision.Warnings) > 0 {
		g.logger.Info("change allowed with warnings", "warnings", decision.Warnings)
	}
	return decision
}

func (g *Guard) isProtected(path string) bool {
	path = filepath.ToSlash(path)
	for _, pattern := range g.protectedPatterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}
