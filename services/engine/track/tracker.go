// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package track keeps a durable, append-only log of changes produced
// while the primary provider was unavailable, plus the confirmation
// queue that routes those changes to a later review pass.
package track

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/provider"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/store"
)

// TrackedChange is one fallback-originated edit. Written once when the
// fallback serves a call, annotated later by review; never deleted.
type TrackedChange struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Phase       string    `json:"phase,omitempty"`
	Operation   string    `json:"operation"`
	Primary     string    `json:"primary"`
	Fallback    string    `json:"fallback"`
	Reason      string    `json:"reason"`
	Files       []string  `json:"files,omitempty"`
	Description string    `json:"description"`

	Reviewed     bool   `json:"reviewed"`
	ReviewResult string `json:"review_result,omitempty"`
}

type changeLog struct {
	Changes []TrackedChange `json:"changes"`
}

// Tracker is the durable change log. It implements
// provider.FallbackRecorder so the resilient wrapper can feed it
// directly.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying store serializes writers.
type Tracker struct {
	store  *store.Store[changeLog]
	queue  *ConfirmationQueue
	logger *logging.Logger
}

// NewTracker creates a tracker persisting under stateDir. The queue may
// be nil, in which case recorded changes are not enqueued for review.
func NewTracker(stateDir string, queue *ConfirmationQueue, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Tracker{
		store: store.New(filepath.Join(stateDir, "tracked_changes.json"), func() changeLog {
			return changeLog{Changes: []TrackedChange{}}
		}),
		queue:  queue,
		logger: logger.With("component", "change_tracker"),
	}
}

// RecordFallback implements provider.FallbackRecorder: it appends a
// TrackedChange and enqueues a confirmation item for it.
func (t *Tracker) RecordFallback(ctx context.Context, use provider.FallbackUse) error {
	change := TrackedChange{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Phase:     use.Phase,
		Operation: use.Operation,
		Primary:   use.Primary,
		Fallback:  use.Fallback,
		Reason:    use.Reason,
		Description: fmt.Sprintf("%s served by fallback %s (primary %s: %s)",
			use.Operation, use.Fallback, use.Primary, use.Reason),
	}
	return t.Record(ctx, change)
}

// Record appends a change and enqueues it for confirmation. A change
// with no ID gets one assigned.
func (t *Tracker) Record(ctx context.Context, change TrackedChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}

	err := t.store.Update(func(log *changeLog) error {
		log.Changes = append(log.Changes, change)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording tracked change: %w", err)
	}

	t.logger.Info("fallback change tracked",
		"change_id", change.ID,
		"operation", change.Operation,
		"phase", change.Phase,
		"fallback", change.Fallback,
	)

	if t.queue != nil {
		if err := t.queue.Enqueue(ctx, change); err != nil {
			return fmt.Errorf("enqueueing confirmation for change %s: %w", change.ID, err)
		}
	}
	return nil
}

// MarkReviewed annotates a change with its review outcome.
func (t *Tracker) MarkReviewed(changeID, result string) error {
	found := false
	err := t.store.Update(func(log *changeLog) error {
		for i := range log.Changes {
			if log.Changes[i].ID == changeID {
				log.Changes[i].Reviewed = true
				log.Changes[i].ReviewResult = result
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking change %s reviewed: %w", changeID, err)
	}
	if !found {
		return fmt.Errorf("tracked change %s not found", changeID)
	}
	return nil
}

// Get returns one change by id.
func (t *Tracker) Get(changeID string) (TrackedChange, error) {
	log, err := t.store.Get()
	if err != nil {
		return TrackedChange{}, err
	}
	for _, c := range log.Changes {
		if c.ID == changeID {
			return c, nil
		}
	}
	return TrackedChange{}, fmt.Errorf("tracked change %s not found", changeID)
}

// Unreviewed returns all changes awaiting review, oldest first.
func (t *Tracker) Unreviewed() ([]TrackedChange, error) {
	log, err := t.store.Get()
	if err != nil {
		return nil, err
	}
	var out []TrackedChange
	for _, c := range log.Changes {
		if !c.Reviewed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// All returns the full change history, oldest first.
func (t *Tracker) All() ([]TrackedChange, error) {
	log, err := t.store.Get()
	if err != nil {
		return nil, err
	}
	out := make([]TrackedChange, len(log.Changes))
	copy(out, log.Changes)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
