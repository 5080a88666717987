// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGate struct {
	limited atomic.Bool
}

func (g *fakeGate) Limited() bool { return g.limited.Load() }

func TestRegisterValidation(t *testing.T) {
	s := NewScheduler(nil, nil)
	noop := func(ctx context.Context) error { return nil }

	err := s.Register(TaskConfig{Name: "no id", Interval: time.Second}, noop)
	assert.Error(t, err)

	err = s.Register(TaskConfig{ID: "a", Interval: time.Second}, nil)
	assert.Error(t, err)

	err = s.Register(TaskConfig{ID: "a"}, noop)
	assert.Error(t, err, "neither interval nor cron")

	err = s.Register(TaskConfig{ID: "a", Interval: time.Second, Cron: "0 * * * *"}, noop)
	assert.Error(t, err, "both interval and cron")

	err = s.Register(TaskConfig{ID: "a", Cron: "not a cron"}, noop)
	assert.Error(t, err)

	err = s.Register(TaskConfig{ID: "a", Interval: time.Second}, noop)
	require.NoError(t, err)
	err = s.Register(TaskConfig{ID: "a", Interval: time.Second}, noop)
	assert.Error(t, err, "duplicate id")
}

func TestIntervalTaskFires(t *testing.T) {
	s := NewScheduler(nil, nil)
	var runs atomic.Int32
	err := s.Register(TaskConfig{
		ID:       "tick",
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Enabled:  true,
	}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)

	status := s.Tasks()
	require.Len(t, status, 1)
	assert.NotNil(t, status[0].LastRun)
	assert.NotNil(t, status[0].NextRun)
	assert.GreaterOrEqual(t, status[0].Runs, 2)
	assert.Empty(t, status[0].LastError)
}

func TestDisabledTaskNeverFires(t *testing.T) {
	s := NewScheduler(nil, nil)
	var runs atomic.Int32
	err := s.Register(TaskConfig{
		ID:       "off",
		Interval: 5 * time.Millisecond,
		Enabled:  false,
	}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	assert.Zero(t, runs.Load())
}

func TestRateLimitedRunsAreSkipped(t *testing.T) {
	gate := &fakeGate{}
	gate.limited.Store(true)

	s := NewScheduler(gate, nil)
	var runs atomic.Int32
	err := s.Register(TaskConfig{
		ID:               "cycle",
		Interval:         10 * time.Millisecond,
		Enabled:          true,
		RequiresProvider: true,
	}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Tasks()[0].SkippedRateLimit >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, runs.Load())

	gate.limited.Store(false)
	require.Eventually(t, func() bool { return runs.Load() >= 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestFailedRunRetriesWithBackoff(t *testing.T) {
	s := NewScheduler(nil, nil)
	var calls atomic.Int32
	err := s.Register(TaskConfig{
		ID:           "flaky",
		Interval:     time.Hour, // only the first trigger matters
		Enabled:      true,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}, func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.RunNow(ctx, "flaky"))

	assert.Equal(t, int32(3), calls.Load())
	status := s.Tasks()
	assert.Equal(t, 1, status[0].Runs)
	assert.Zero(t, status[0].Failures)
}

func TestExhaustedRetriesRecordFailure(t *testing.T) {
	s := NewScheduler(nil, nil)
	err := s.Register(TaskConfig{
		ID:           "broken",
		Interval:     time.Hour,
		Enabled:      true,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}, func(ctx context.Context) error {
		return errors.New("persistent failure")
	})
	require.NoError(t, err)

	require.NoError(t, s.RunNow(context.Background(), "broken"))

	status := s.Tasks()
	assert.Equal(t, 1, status[0].Failures)
	assert.Equal(t, "persistent failure", status[0].LastError)
}

func TestHandlerPanicIsContained(t *testing.T) {
	s := NewScheduler(nil, nil)
	err := s.Register(TaskConfig{
		ID:           "panicky",
		Interval:     time.Hour,
		Enabled:      true,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}, func(ctx context.Context) error {
		panic("unexpected state")
	})
	require.NoError(t, err)

	require.NoError(t, s.RunNow(context.Background(), "panicky"))

	status := s.Tasks()
	assert.Equal(t, 1, status[0].Failures)
	assert.Contains(t, status[0].LastError, "panicked")
}

func TestRunNowRejectsUnknownAndRunningTasks(t *testing.T) {
	s := NewScheduler(nil, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	err := s.Register(TaskConfig{
		ID:       "slow",
		Interval: time.Hour,
		Enabled:  true,
	}, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)

	assert.Error(t, s.RunNow(context.Background(), "missing"))

	go func() { _ = s.RunNow(context.Background(), "slow") }()
	<-started
	assert.Error(t, s.RunNow(context.Background(), "slow"), "already running")
	close(release)
}

func TestCronTaskComputesNextRun(t *testing.T) {
	s := NewScheduler(nil, nil)
	err := s.Register(TaskConfig{
		ID:      "daily",
		Name:    "daily maintenance",
		Cron:    "0 3 * * *",
		Enabled: true,
	}, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Tasks()[0].NextRun != nil
	}, time.Second, 5*time.Millisecond)

	next := *s.Tasks()[0].NextRun
	assert.Equal(t, 3, next.Hour())
	assert.Equal(t, 0, next.Minute())
}
