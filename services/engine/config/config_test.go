// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kairos.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "first run should write a default config file")
	assert.Equal(t, 0.6, cfg.Review.ApprovalThreshold)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.BaseBackoff)
}

func TestLoadMergesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kairos.yaml")
	partial := `
review:
  approval_threshold: 0.75
providers:
  judges:
    - provider:
        name: judge-a
        kind: ollama
        endpoint: http://localhost:11434
        model: qwen2.5-coder:14b
      weight: 0.6
    - provider:
        name: judge-b
        kind: openai
        model: gpt-4o-mini
`
	require.NoError(t, os.WriteFile(path, []byte(partial), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.75, cfg.Review.ApprovalThreshold)
	// Untouched sections keep defaults.
	assert.Equal(t, 3, cfg.Health.BrokenThreshold)
	// Omitted judge weight defaults to 1.0.
	require.Len(t, cfg.Providers.Judges, 2)
	assert.Equal(t, 0.6, cfg.Providers.Judges[0].Weight)
	assert.Equal(t, 1.0, cfg.Providers.Judges[1].Weight)
	assert.NotZero(t, cfg.Providers.Judges[1].Provider.Timeout)
}

func TestValidateRejectsInvertedBackoff(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.BaseBackoff = time.Minute
	cfg.RateLimit.MaxBackoff = time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_backoff")
}

func TestValidateRejectsAmbiguousTask(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.Extra = []ScheduledTaskConfig{
		{ID: "cleanup", Interval: time.Hour, Cron: "0 * * * *", Enabled: true},
	}
	require.Error(t, cfg.Validate())

	cfg.Scheduler.Extra[0].Cron = ""
	require.NoError(t, cfg.Validate())

	cfg.Scheduler.Extra[0].Interval = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "loud"
	require.Error(t, cfg.Validate())
}

func TestWatchReportsConfigRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kairos.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state_dir: a\n"), 0o644))

	changes, stop, err := Watch(path)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("state_dir: b\n"), 0o644))

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a change notification after rewriting the file")
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kairos.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state_dir: a\n"), 0o644))

	changes, stop, err := Watch(path)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x\n"), 0o644))

	select {
	case <-changes:
		t.Fatal("sibling file writes must not notify")
	case <-time.After(300 * time.Millisecond):
	}
}
