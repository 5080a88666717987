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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueueForTest(t *testing.T) (*Queue, *Aggregator, *Breaker) {
	t.Helper()
	dir := t.TempDir()
	aggregator := NewAggregator(dir, nil)
	breaker := NewBreaker(dir, BreakerConfig{GlobalThreshold: 3, SourceThreshold: 2, Cooldown: time.Hour, HalfOpenBudget: 1}, nil)
	return NewQueue(dir, aggregator, breaker, nil), aggregator, breaker
}

func TestEnqueueCreatesTaskAndMarksError(t *testing.T) {
	q, a, _ := newQueueForTest(t)

	entry, err := a.Report("cycle", "no space left on device", nil, "", "")
	require.NoError(t, err)

	task, err := q.Enqueue(entry)
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, task.Priority, "critical severity maps to urgent")
	assert.Equal(t, TaskPending, task.Status)

	got, err := a.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ErrorQueued, got.Status)
}

func TestEnqueueIdempotentPerError(t *testing.T) {
	q, a, _ := newQueueForTest(t)

	entry, err := a.Report("cycle", "timeout", nil, "", "")
	require.NoError(t, err)

	first, err := q.Enqueue(entry)
	require.NoError(t, err)
	second, err := q.Enqueue(entry)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "re-enqueue returns the existing task")
	assert.Equal(t, 1, q.Depth())
}

func TestEnqueueRefusedWhenBreakerOpen(t *testing.T) {
	q, a, b := newQueueForTest(t)

	for i := 0; i < 3; i++ {
		b.RecordFailure("anywhere")
	}

	entry, err := a.Report("cycle", "timeout", nil, "", "")
	require.NoError(t, err)

	_, err = q.Enqueue(entry)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, q.Depth())
}

func TestNextClaimsByPriorityThenAge(t *testing.T) {
	q, a, _ := newQueueForTest(t)

	low, err := a.Report("s1", "retry later", nil, "", "")
	require.NoError(t, err)
	urgent, err := a.Report("s2", "out of memory", nil, "", "")
	require.NoError(t, err)
	normal, err := a.Report("s3", "timeout", nil, "", "")
	require.NoError(t, err)

	for _, e := range []AggregatedError{low, urgent, normal} {
		_, err := q.Enqueue(e)
		require.NoError(t, err)
	}

	first, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, urgent.ID, first.ErrorID)
	assert.Equal(t, TaskInProgress, first.Status)
	assert.Equal(t, 1, first.Attempts)

	second, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, normal.ID, second.ErrorID)

	third, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, low.ID, third.ErrorID)

	_, ok = q.Next()
	assert.False(t, ok, "queue drained")
}

func TestFinishTask(t *testing.T) {
	q, a, _ := newQueueForTest(t)

	entry, err := a.Report("cycle", "timeout", nil, "", "")
	require.NoError(t, err)
	task, err := q.Enqueue(entry)
	require.NoError(t, err)

	claimed, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, task.ID, claimed.ID)

	require.NoError(t, q.Finish(task.ID, TaskCompleted))
	assert.Zero(t, q.Depth())

	// A finished task no longer blocks a fresh enqueue of the error.
	again, err := q.Enqueue(entry)
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, again.ID)

	assert.Error(t, q.Finish("missing", TaskFailed))
}
