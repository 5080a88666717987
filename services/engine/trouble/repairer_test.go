// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trouble

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/provider"
)

// chatStub implements provider.Provider for the repair loop; only Chat
// is exercised.
type chatStub struct {
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (c *chatStub) Name() string { return "repair-stub" }

func (c *chatStub) Chat(ctx context.Context, prompt string) (string, error) {
	i := c.calls
	c.calls++
	c.prompts = append(c.prompts, prompt)
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i < len(c.replies) {
		return c.replies[i], nil
	}
	return `{"success": false, "summary": "out of script"}`, nil
}

func (c *chatStub) GenerateCode(ctx context.Context, prompt, extra string) (string, error) {
	return "", nil
}

func (c *chatStub) GenerateTest(ctx context.Context, prompt, extra string) (string, error) {
	return "", nil
}

func (c *chatStub) AnalyzeCode(ctx context.Context, code string) (*provider.Analysis, error) {
	return &provider.Analysis{}, nil
}

func (c *chatStub) SearchAndAnalyze(ctx context.Context, query string, files []string) (*provider.SearchResult, error) {
	return &provider.SearchResult{}, nil
}

func (c *chatStub) IsAvailable(ctx context.Context) bool { return true }

func newRepairerForTest(t *testing.T, stub *chatStub, cfg RepairerConfig) (*Repairer, *Queue, *Aggregator, *Breaker) {
	t.Helper()
	dir := t.TempDir()
	aggregator := NewAggregator(dir, nil)
	breaker := NewBreaker(dir, BreakerConfig{GlobalThreshold: 5, SourceThreshold: 3, Cooldown: time.Hour, HalfOpenBudget: 1}, nil)
	queue := NewQueue(dir, aggregator, breaker, nil)
	return NewRepairer(cfg, queue, aggregator, breaker, stub, nil), queue, aggregator, breaker
}

func TestDrainRepairsSuccessfully(t *testing.T) {
	stub := &chatStub{replies: []string{`{"success": true, "summary": "cleared stale lock"}`}}
	r, q, a, _ := newRepairerForTest(t, stub, RepairerConfig{})

	entry, err := a.Report("scheduler", "timeout waiting for lock", map[string]string{"task": "cycle"}, "", "")
	require.NoError(t, err)
	_, err = q.Enqueue(entry)
	require.NoError(t, err)

	attempted, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	got, err := a.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ErrorResolved, got.Status)
	require.Len(t, got.Attempts, 1)
	assert.True(t, got.Attempts[0].Success)
	assert.Equal(t, "cleared stale lock", got.Attempts[0].Output)
	assert.Zero(t, q.Depth())
}

func TestFailedRepairFeedsBreaker(t *testing.T) {
	stub := &chatStub{replies: []string{`{"success": false, "summary": "cannot reach the service"}`}}
	r, q, a, b := newRepairerForTest(t, stub, RepairerConfig{})

	entry, err := a.Report("fetcher", "connection refused", nil, "", "")
	require.NoError(t, err)
	_, err = q.Enqueue(entry)
	require.NoError(t, err)

	_, err = r.Drain(context.Background())
	require.NoError(t, err)

	got, err := a.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ErrorFailed, got.Status)

	state := b.State()
	assert.Equal(t, 1, state.GlobalFailures)
	assert.Equal(t, 1, state.SourceFailures["fetcher"])
}

func TestRetryPromptIncludesPriorAttempts(t *testing.T) {
	stub := &chatStub{replies: []string{
		`{"success": false, "summary": "restarting did not help"}`,
		`{"success": true, "summary": "fixed the config path"}`,
	}}
	r, q, a, _ := newRepairerForTest(t, stub, RepairerConfig{})

	entry, err := a.Report("loader", "config file not found", nil, "", "")
	require.NoError(t, err)

	_, err = q.Enqueue(entry)
	require.NoError(t, err)
	_, err = r.Drain(context.Background())
	require.NoError(t, err)

	// Re-queue the failed error; the second prompt must carry the
	// first attempt's text.
	failed, err := a.Get(entry.ID)
	require.NoError(t, err)
	_, err = q.Enqueue(failed)
	require.NoError(t, err)
	_, err = r.Drain(context.Background())
	require.NoError(t, err)

	require.Len(t, stub.prompts, 2)
	assert.NotContains(t, stub.prompts[0], "Prior failed attempt")
	assert.Contains(t, stub.prompts[1], "Prior failed attempt 1")
	assert.Contains(t, stub.prompts[1], "restarting did not help")

	got, err := a.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ErrorResolved, got.Status)
}

func TestAttemptCapCancelsTask(t *testing.T) {
	stub := &chatStub{}
	r, q, a, _ := newRepairerForTest(t, stub, RepairerConfig{MaxAttemptsPerError: 2})

	entry, err := a.Report("x", "timeout", nil, "", "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		failed, err := a.Get(entry.ID)
		require.NoError(t, err)
		_, err = q.Enqueue(failed)
		require.NoError(t, err)
		_, err = r.Drain(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 2, stub.calls)

	// Third round: the cap stops the attempt before the provider is
	// called.
	failed, err := a.Get(entry.ID)
	require.NoError(t, err)
	_, err = q.Enqueue(failed)
	require.NoError(t, err)
	_, err = r.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stub.calls, "capped error must not reach the provider")
	got, err := a.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ErrorFailed, got.Status)
}

func TestProviderErrorRecordsFailedAttempt(t *testing.T) {
	stub := &chatStub{errs: []error{context.DeadlineExceeded}}
	r, q, a, _ := newRepairerForTest(t, stub, RepairerConfig{})

	entry, err := a.Report("x", "timeout", nil, "", "")
	require.NoError(t, err)
	_, err = q.Enqueue(entry)
	require.NoError(t, err)

	_, err = r.Drain(context.Background())
	require.NoError(t, err)

	got, err := a.Get(entry.ID)
	require.NoError(t, err)
	require.Len(t, got.Attempts, 1)
	assert.False(t, got.Attempts[0].Success)
	assert.Contains(t, got.Attempts[0].Error, "deadline")
}
