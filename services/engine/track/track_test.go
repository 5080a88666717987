// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package track

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/provider"
)

func newTrackerForTest(t *testing.T) (*Tracker, *ConfirmationQueue) {
	t.Helper()
	dir := t.TempDir()
	queue := NewConfirmationQueue(dir, nil)
	return NewTracker(dir, queue, nil), queue
}

func TestRecordFallbackTracksAndEnqueues(t *testing.T) {
	tracker, queue := newTrackerForTest(t)

	err := tracker.RecordFallback(context.Background(), provider.FallbackUse{
		Operation: "generate_code",
		Phase:     "implement",
		Primary:   "claude",
		Fallback:  "ollama",
		Reason:    "rate limited",
	})
	require.NoError(t, err)

	changes, err := tracker.Unreviewed()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "generate_code", changes[0].Operation)
	assert.Equal(t, "implement", changes[0].Phase)
	assert.NotEmpty(t, changes[0].ID)
	assert.False(t, changes[0].Reviewed)

	pending, err := queue.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, changes[0].ID, pending[0].ChangeID)
	assert.Equal(t, ConfirmationPending, pending[0].Status)
}

func TestEnqueueIsIdempotentPerChange(t *testing.T) {
	dir := t.TempDir()
	queue := NewConfirmationQueue(dir, nil)

	change := TrackedChange{ID: "change-1", Description: "x"}
	require.NoError(t, queue.Enqueue(context.Background(), change))
	require.NoError(t, queue.Enqueue(context.Background(), change))
	require.NoError(t, queue.Enqueue(context.Background(), change))

	all, err := queue.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMarkReviewedAnnotates(t *testing.T) {
	tracker, _ := newTrackerForTest(t)

	change := TrackedChange{ID: "change-7", Operation: "generate_code", Description: "edit main.go"}
	require.NoError(t, tracker.Record(context.Background(), change))

	require.NoError(t, tracker.MarkReviewed("change-7", "approved"))

	got, err := tracker.Get("change-7")
	require.NoError(t, err)
	assert.True(t, got.Reviewed)
	assert.Equal(t, "approved", got.ReviewResult)

	unreviewed, err := tracker.Unreviewed()
	require.NoError(t, err)
	assert.Empty(t, unreviewed)

	assert.Error(t, tracker.MarkReviewed("missing", "x"))
}

func TestPendingOrderedByPriorityThenAge(t *testing.T) {
	dir := t.TempDir()
	queue := NewConfirmationQueue(dir, nil)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, TrackedChange{ID: "a", Operation: "chat"}))
	require.NoError(t, queue.Enqueue(ctx, TrackedChange{ID: "b", Operation: "generate_code"}))
	require.NoError(t, queue.Enqueue(ctx, TrackedChange{ID: "c", Operation: "generate_test"}))

	pending, err := queue.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "b", pending[0].ChangeID, "code generation reviews first")
	assert.Equal(t, "c", pending[1].ChangeID)
	assert.Equal(t, "a", pending[2].ChangeID)
}

func TestSetStatusLifecycle(t *testing.T) {
	dir := t.TempDir()
	queue := NewConfirmationQueue(dir, nil)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, TrackedChange{ID: "a", Operation: "chat"}))
	pending, err := queue.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, queue.SetStatus(pending[0].ID, ConfirmationInReview, ""))
	require.NoError(t, queue.SetStatus(pending[0].ID, ConfirmationConfirmed, "looks good"))

	assert.Zero(t, queue.Depth(), "confirmed items leave the pending set")

	all, err := queue.All()
	require.NoError(t, err)
	assert.Equal(t, ConfirmationConfirmed, all[0].Status)
	assert.Equal(t, "looks good", all[0].Note)

	err = queue.SetStatus("missing", ConfirmationRejected, "")
	assert.Error(t, err)
}

func TestTrackerPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	queue := NewConfirmationQueue(dir, nil)
	tracker := NewTracker(dir, queue, nil)

	err := tracker.RecordFallback(context.Background(), provider.FallbackUse{
		Operation: "chat", Primary: "p", Fallback: "f", Reason: "timeout",
	})
	require.NoError(t, err)

	reopened := NewTracker(dir, NewConfirmationQueue(dir, nil), nil)
	changes, err := reopened.All()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "chat", changes[0].Operation)
}
