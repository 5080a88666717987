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
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/store"
)

// ConfirmationStatus is the lifecycle of a queued review item.
type ConfirmationStatus string

const (
	ConfirmationPending     ConfirmationStatus = "pending"
	ConfirmationInReview    ConfirmationStatus = "in_review"
	ConfirmationConfirmed   ConfirmationStatus = "confirmed"
	ConfirmationRejected    ConfirmationStatus = "rejected"
	ConfirmationNeedsReview ConfirmationStatus = "needs_review"
)

// ConfirmationItem queues one tracked change for a later review pass.
// Items deduplicate by ChangeID: re-adding an existing change is a
// no-op.
type ConfirmationItem struct {
	ID        string             `json:"id"`
	ChangeID  string             `json:"change_id"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Status    ConfirmationStatus `json:"status"`
	Priority  int                `json:"priority"`
	Summary   string             `json:"summary"`
	Note      string             `json:"note,omitempty"`
}

type confirmationQueue struct {
	Items []ConfirmationItem `json:"items"`
}

// ConfirmationQueue is the durable queue of fallback changes awaiting
// confirmation.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying store serializes writers.
type ConfirmationQueue struct {
	store  *store.Store[confirmationQueue]
	logger *logging.Logger
}

// NewConfirmationQueue creates a queue persisting under stateDir.
func NewConfirmationQueue(stateDir string, logger *logging.Logger) *ConfirmationQueue {
	if logger == nil {
		logger = logging.Default()
	}
	return &ConfirmationQueue{
		store: store.New(filepath.Join(stateDir, "confirmation_queue.json"), func() confirmationQueue {
			return confirmationQueue{Items: []ConfirmationItem{}}
		}),
		logger: logger.With("component", "confirmation_queue"),
	}
}

// Enqueue adds a confirmation item for a tracked change. Idempotent per
// change id: if an item for the change already exists in any status,
// nothing is added.
func (q *ConfirmationQueue) Enqueue(ctx context.Context, change TrackedChange) error {
	added := false
	err := q.store.Update(func(queue *confirmationQueue) error {
		for _, item := range queue.Items {
			if item.ChangeID == change.ID {
				return nil
			}
		}
		now := time.Now()
		queue.Items = append(queue.Items, ConfirmationItem{
			ID:        uuid.NewString(),
			ChangeID:  change.ID,
			CreatedAt: now,
			UpdatedAt: now,
			Status:    ConfirmationPending,
			Priority:  priorityFor(change),
			Summary:   change.Description,
		})
		added = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueueing confirmation item: %w", err)
	}
	if added {
		q.logger.Info("confirmation queued", "change_id", change.ID)
	}
	return nil
}

// SetStatus moves an item to a new status, with an optional reviewer
// note.
func (q *ConfirmationQueue) SetStatus(itemID string, status ConfirmationStatus, note string) error {
	found := false
	err := q.store.Update(func(queue *confirmationQueue) error {
		for i := range queue.Items {
			if queue.Items[i].ID == itemID {
				queue.Items[i].Status = status
				queue.Items[i].UpdatedAt = time.Now()
				if note != "" {
					queue.Items[i].Note = note
				}
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating confirmation item %s: %w", itemID, err)
	}
	if !found {
		return fmt.Errorf("confirmation item %s not found", itemID)
	}
	return nil
}

// Pending returns items in pending or needs_review status, highest
// priority first, oldest first within a priority.
func (q *ConfirmationQueue) Pending() ([]ConfirmationItem, error) {
	queue, err := q.store.Get()
	if err != nil {
		return nil, err
	}
	var out []ConfirmationItem
	for _, item := range queue.Items {
		if item.Status == ConfirmationPending || item.Status == ConfirmationNeedsReview {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// All returns every item in the queue.
func (q *ConfirmationQueue) All() ([]ConfirmationItem, error) {
	queue, err := q.store.Get()
	if err != nil {
		return nil, err
	}
	out := make([]ConfirmationItem, len(queue.Items))
	copy(out, queue.Items)
	return out, nil
}

// Depth returns the number of items awaiting a decision.
func (q *ConfirmationQueue) Depth() int {
	pending, err := q.Pending()
	if err != nil {
		return 0
	}
	return len(pending)
}

// priorityFor ranks fallback work for review. Code-producing operations
// carry more risk than analysis, so they surface first.
func priorityFor(change TrackedChange) int {
	switch change.Operation {
	case "generate_code":
		return 3
	case "generate_test":
		return 2
	default:
		return 1
	}
}
