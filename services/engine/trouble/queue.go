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
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/store"
)

// TaskPriority ranks repair tasks. Higher drains first.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// TaskStatus is the lifecycle of a repair task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// RepairTask is one queued unit of automated repair work, derived from
// one aggregated error.
type RepairTask struct {
	ID        string       `json:"id"`
	ErrorID   string       `json:"error_id"`
	Source    string       `json:"source"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Priority  TaskPriority `json:"priority"`
	Status    TaskStatus   `json:"status"`
	Attempts  int          `json:"attempts"`
}

type repairQueue struct {
	Tasks []RepairTask `json:"tasks"`
}

// priorityFor maps error severity to queue priority.
func priorityFor(severity Severity) TaskPriority {
	switch severity {
	case SeverityCritical:
		return PriorityUrgent
	case SeverityHigh:
		return PriorityHigh
	case SeverityMedium:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Queue converts aggregated errors into repair tasks. Enqueue is
// idempotent per error id and consults the breaker before adding work.
//
// # Thread Safety
//
// Safe for concurrent use.
type Queue struct {
	store      *store.Store[repairQueue]
	aggregator *Aggregator
	breaker    *Breaker
	logger     *logging.Logger
}

// NewQueue creates a queue persisting under stateDir.
func NewQueue(stateDir string, aggregator *Aggregator, breaker *Breaker, logger *logging.Logger) *Queue {
	if logger == nil {
		logger = logging.Default()
	}
	return &Queue{
		store: store.New(filepath.Join(stateDir, "repair_queue.json"), func() repairQueue {
			return repairQueue{Tasks: []RepairTask{}}
		}),
		aggregator: aggregator,
		breaker:    breaker,
		logger:     logger.With("component", "repair_queue"),
	}
}

// Enqueue creates a repair task for an aggregated error. Skipped (with
// no error) when an unfinished task for the same error already exists;
// returns ErrCircuitOpen when the breaker forbids the error's source.
func (q *Queue) Enqueue(aggErr AggregatedError) (RepairTask, error) {
	if q.breaker != nil {
		if ok, reason := q.breaker.Allow(aggErr.Source); !ok {
			q.logger.Warn("repair enqueue refused",
				"error_id", aggErr.ID,
				"source", aggErr.Source,
				"reason", reason,
			)
			return RepairTask{}, fmt.Errorf("%w: %s", ErrCircuitOpen, reason)
		}
	}

	var task RepairTask
	added := false
	err := q.store.Update(func(queue *repairQueue) error {
		for _, t := range queue.Tasks {
			if t.ErrorID == aggErr.ID && (t.Status == TaskPending || t.Status == TaskInProgress) {
				task = t
				return nil
			}
		}
		now := time.Now()
		task = RepairTask{
			ID:        uuid.NewString(),
			ErrorID:   aggErr.ID,
			Source:    aggErr.Source,
			CreatedAt: now,
			UpdatedAt: now,
			Priority:  priorityFor(aggErr.Severity),
			Status:    TaskPending,
		}
		queue.Tasks = append(queue.Tasks, task)
		added = true
		return nil
	})
	if err != nil {
		return RepairTask{}, fmt.Errorf("enqueueing repair task: %w", err)
	}

	if added {
		if q.aggregator != nil {
			if err := q.aggregator.SetStatus(aggErr.ID, ErrorQueued); err != nil {
				q.logger.Error("marking error queued failed", "error_id", aggErr.ID, "error", err.Error())
			}
		}
		q.logger.Info("repair task queued",
			"task_id", task.ID,
			"error_id", aggErr.ID,
			"priority", int(task.Priority),
		)
	}
	return task, nil
}

// Next claims the highest-priority pending task, moving it to
// in_progress. Returns false when the queue has no pending work.
func (q *Queue) Next() (RepairTask, bool) {
	var claimed RepairTask
	found := false
	err := q.store.Update(func(queue *repairQueue) error {
		best := -1
		for i, t := range queue.Tasks {
			if t.Status != TaskPending {
				continue
			}
			if best == -1 ||
				queue.Tasks[i].Priority > queue.Tasks[best].Priority ||
				(queue.Tasks[i].Priority == queue.Tasks[best].Priority &&
					queue.Tasks[i].CreatedAt.Before(queue.Tasks[best].CreatedAt)) {
				best = i
			}
		}
		if best == -1 {
			return nil
		}
		queue.Tasks[best].Status = TaskInProgress
		queue.Tasks[best].Attempts++
		queue.Tasks[best].UpdatedAt = time.Now()
		claimed = queue.Tasks[best]
		found = true
		return nil
	})
	if err != nil {
		q.logger.Error("claiming repair task failed", "error", err.Error())
		return RepairTask{}, false
	}
	return claimed, found
}

// Finish records a task outcome.
func (q *Queue) Finish(taskID string, status TaskStatus) error {
	found := false
	err := q.store.Update(func(queue *repairQueue) error {
		for i := range queue.Tasks {
			if queue.Tasks[i].ID == taskID {
				queue.Tasks[i].Status = status
				queue.Tasks[i].UpdatedAt = time.Now()
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finishing repair task %s: %w", taskID, err)
	}
	if !found {
		return fmt.Errorf("repair task %s not found", taskID)
	}
	return nil
}

// Pending returns pending tasks, highest priority first.
func (q *Queue) Pending() ([]RepairTask, error) {
	queue, err := q.store.Get()
	if err != nil {
		return nil, err
	}
	var out []RepairTask
	for _, t := range queue.Tasks {
		if t.Status == TaskPending {
			out = append(out, t)
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

// Depth returns the number of pending tasks.
func (q *Queue) Depth() int {
	pending, err := q.Pending()
	if err != nil {
		return 0
	}
	return len(pending)
}
