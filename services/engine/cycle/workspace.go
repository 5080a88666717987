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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/provider"
)

// Workspace reads and writes files under the repaired codebase root.
// Paths are workspace-relative throughout.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at root.
func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root}
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

var skippedDirs = map[string]bool{
	".git":         true,
	"vendor":       true,
	"node_modules": true,
	".idea":        true,
	"testdata":     true,
}

// SourceFiles lists workspace-relative paths of files matching the
// extension allow-list, newest modification first, capped at limit.
func (w *Workspace) SourceFiles(extensions []string, limit int) ([]string, error) {
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[ext] = true
	}

	type entry struct {
		path    string
		modTime int64
	}
	var entries []entry

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(allowed) > 0 && !allowed[filepath.Ext(path)] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		entries = append(entries, entry{path: filepath.ToSlash(rel), modTime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning workspace: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime != entries[j].modTime {
			return entries[i].modTime > entries[j].modTime
		}
		return entries[i].path < entries[j].path
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	files := make([]string, len(entries))
	for i, e := range entries {
		files[i] = e.path
	}
	return files, nil
}

// Read returns a file's content, or "" when it does not exist.
func (w *Workspace) Read(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(w.root, rel))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rel, err)
	}
	return string(data), nil
}

// Write replaces a file's content, creating parent directories.
func (w *Workspace) Write(rel, content string) error {
	path := filepath.Join(w.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// staticChecks are the local lint patterns the error-detect phase runs
// without a provider. Cheap line scans only.
var staticChecks = []struct {
	issueType string
	message   string
	pattern   *regexp.Regexp
}{
	{"bug", "FIXME marker left in source", regexp.MustCompile(`\bFIXME\b`)},
	{"bug", "unchecked error discarded", regexp.MustCompile(`_\s*=\s*\w+(\.\w+)*\(.*\)\s*//\s*ignore`)},
	{"style", "debug print left in source", regexp.MustCompile(`fmt\.Print(ln|f)?\(`)},
	{"security", "credential-looking literal", regexp.MustCompile(`(?i)(api_key|password|secret)\s*[:=]\s*"[^"]+"`)},
}

// StaticScan reads each file and reports issues from the local pattern
// set. Files that cannot be read are skipped.
func (w *Workspace) StaticScan(files []string) []provider.Issue {
	var issues []provider.Issue
	for _, rel := range files {
		content, err := w.Read(rel)
		if err != nil || content == "" {
			continue
		}
		for lineNo, line := range strings.Split(content, "\n") {
			for _, check := range staticChecks {
				if check.pattern.MatchString(line) {
					issues = append(issues, provider.Issue{
						Type:    check.issueType,
						Message: check.message,
						File:    rel,
						Line:    lineNo + 1,
					})
				}
			}
		}
	}
	return issues
}
