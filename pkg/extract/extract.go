// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extract pulls structured JSON out of free-text AI responses.
//
// Providers return prose that is merely expected to contain a JSON object
// or array. Extraction runs three strategies in order:
//
//  1. fenced code block (```json ... ```)
//  2. balanced-bracket scan from the first { or [
//  3. greedy regex match (last resort)
//
// The first candidate that survives cleaning and strict decoding wins.
// Cleaning removes the two artifacts local models produce constantly:
// line comments and trailing commas. Every call site must supply its own
// fallback value for the case where all three strategies fail.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when no decodable JSON is found in the input.
var ErrNoJSON = errors.New("no JSON found in response")

var (
	// fencePattern matches ``` or ```json fenced blocks.
	fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

	// objectPattern and arrayPattern are the greedy last-resort matches.
	objectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	arrayPattern  = regexp.MustCompile(`(?s)\[[\s\S]*\]`)

	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// Object decodes the first JSON object found in content into out.
//
// Inputs:
//   - content: Raw provider response text.
//   - out: Pointer to the schema struct to decode into.
//
// Outputs:
//   - error: ErrNoJSON if nothing decodable was found, or the last decode
//     error from the final candidate.
func Object(content string, out any) error {
	return decodeFirst(content, out, '{')
}

// Array decodes the first JSON array found in content into out.
func Array(content string, out any) error {
	return decodeFirst(content, out, '[')
}

func decodeFirst(content string, out any, open byte) error {
	var lastErr error
	for _, candidate := range candidates(content, open) {
		cleaned := Clean(candidate)
		if err := json.Unmarshal([]byte(cleaned), out); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNoJSON, lastErr)
	}
	return ErrNoJSON
}

// candidates returns extraction candidates in strategy order.
func candidates(content string, open byte) []string {
	var out []string

	// Strategy 1: fenced code blocks. A response can contain several
	// fences (explanation, then the payload); try each.
	for _, m := range fencePattern.FindAllStringSubmatch(content, -1) {
		body := strings.TrimSpace(m[1])
		if len(body) > 0 && body[0] == open {
			out = append(out, body)
		}
	}

	// Strategy 2: balanced-bracket scan.
	if s := balancedScan(content, open); s != "" {
		out = append(out, s)
	}

	// Strategy 3: greedy regex.
	pattern := objectPattern
	if open == '[' {
		pattern = arrayPattern
	}
	if m := pattern.FindString(content); m != "" {
		out = append(out, m)
	}

	return out
}

// balancedScan finds the first substring starting at open whose brackets
// balance, respecting JSON string literals and escapes.
func balancedScan(content string, open byte) string {
	var closer byte = '}'
	if open == '[' {
		closer = ']'
	}

	start := strings.IndexByte(content, open)
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
			// string contents are opaque
		case ch == open:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}

// Clean strips line comments and trailing commas from a JSON candidate.
// Local models emit both routinely.
func Clean(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")
	return trailingCommaPattern.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a line unless it sits inside
// a JSON string value.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
