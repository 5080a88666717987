// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/extract"
	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
)

// backend is the minimal surface a concrete provider transport exposes.
// The client type turns it into a full Provider by supplying prompting
// and structured extraction.
type backend interface {
	name() string

	// complete sends one prompt and returns the raw response text.
	complete(ctx context.Context, prompt string) (string, error)

	// available reports whether a cheap probe answers.
	available(ctx context.Context) bool
}

// client implements Provider on top of a backend.
type client struct {
	b       backend
	timeout time.Duration
	logger  *logging.Logger
}

func newClient(b backend, timeout time.Duration, logger *logging.Logger) *client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &client{b: b, timeout: timeout, logger: logger.With("provider", b.name())}
}

func (c *client) Name() string {
	return c.b.name()
}

func (c *client) GenerateCode(ctx context.Context, prompt, extra string) (string, error) {
	full := "You are a careful software engineer. Produce only the code requested, inside a fenced code block.\n\n" + prompt
	if extra != "" {
		full += "\n\nContext:\n" + extra
	}
	return c.complete(ctx, full)
}

func (c *client) GenerateTest(ctx context.Context, prompt, extra string) (string, error) {
	full := "You are a careful software engineer. Write tests for the following, inside a fenced code block.\n\n" + prompt
	if extra != "" {
		full += "\n\nContext:\n" + extra
	}
	return c.complete(ctx, full)
}

func (c *client) AnalyzeCode(ctx context.Context, code string) (*Analysis, error) {
	prompt := `Analyze the following code. Respond with a JSON object of the form
{"issues": [{"type": "...", "message": "...", "file": "...", "line": 0}], "suggestions": ["..."], "quality": 0.0}
where quality is your overall score in [0,1]. Respond with JSON only.

` + code

	text, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var analysis Analysis
	if err := extract.Object(text, &analysis); err != nil {
		// Fallback: an empty analysis rather than a failed phase. The
		// raw text is preserved as a suggestion for the operator.
		c.logger.Warn("analysis response had no decodable JSON", "error", err.Error())
		return &Analysis{Suggestions: []string{strings.TrimSpace(text)}}, nil
	}
	return &analysis, nil
}

func (c *client) SearchAndAnalyze(ctx context.Context, query string, files []string) (*SearchResult, error) {
	prompt := fmt.Sprintf(`Search task: %s

Files in scope:
%s

Respond with a JSON object of the form
{"findings": [{"file": "...", "line": 0, "snippet": "...", "note": "..."}], "analysis": "..."}.
Respond with JSON only.`, query, strings.Join(files, "\n"))

	text, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var result SearchResult
	if err := extract.Object(text, &result); err != nil {
		c.logger.Warn("search response had no decodable JSON", "error", err.Error())
		return &SearchResult{Analysis: strings.TrimSpace(text)}, nil
	}
	return &result, nil
}

func (c *client) Chat(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, prompt)
}

func (c *client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.b.available(ctx)
}

// complete applies the provider timeout around the backend call.
func (c *client) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := c.b.complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return text, nil
}
