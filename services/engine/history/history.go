// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history persists completed cycle records in an embedded
// BadgerDB store so past runs survive restarts and can be queried by
// the dashboard.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
)

// CycleRecord is the durable summary of one completed cycle.
type CycleRecord struct {
	CycleID     string        `json:"cycle_id"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	StoppedAt   string        `json:"stopped_at,omitempty"`
	StopReason  string        `json:"stop_reason,omitempty"`
	Phases      []PhaseRecord `json:"phases"`
	Issues      int           `json:"issues"`
	Changes     int           `json:"changes"`
	AICalls     int           `json:"ai_calls"`
	Failovers   int           `json:"failovers"`
	RolledBack  bool          `json:"rolled_back"`
	SnapshotID  string        `json:"snapshot_id,omitempty"`
}

// PhaseRecord summarizes one phase within a cycle.
type PhaseRecord struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
}

// keyPrefix orders records chronologically under iteration.
const keyPrefix = "cycle:"

// Store keeps cycle records in BadgerDB keyed by start time so reverse
// iteration yields newest first.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type Store struct {
	db     *badger.DB
	logger *logging.Logger
}

// badgerLogger adapts the engine logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates a history store at the given directory.
//
// Inputs:
//   - path: Directory for database files. Created if missing. An empty
//     path opens an in-memory store, used by tests.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("component", "history_store")

	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create history directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record persists a completed cycle.
func (s *Store) Record(record CycleRecord) error {
	if record.CycleID == "" {
		return errors.New("cycle id is required")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding cycle record: %w", err)
	}
	key := []byte(keyPrefix + record.StartedAt.UTC().Format(time.RFC3339Nano) + ":" + record.CycleID)

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("writing cycle record: %w", err)
	}

	s.logger.Debug("cycle recorded",
		"cycle_id", record.CycleID,
		"success", record.Success,
		"duration", record.Duration,
	)
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	records := make([]CycleRecord, 0, limit)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts just past the prefix range.
		seek := append([]byte(keyPrefix), 0xff)
		for it.Seek(seek); it.ValidForPrefix([]byte(keyPrefix)) && len(records) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var record CycleRecord
				if err := json.Unmarshal(val, &record); err != nil {
					return fmt.Errorf("decoding cycle record: %w", err)
				}
				records = append(records, record)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Stats summarizes recorded cycles.
type Stats struct {
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	RolledBack int           `json:"rolled_back"`
	AvgRuntime time.Duration `json:"avg_runtime"`
}

// Summarize walks every record and aggregates outcome counts.
func (s *Store) Summarize() (Stats, error) {
	var stats Stats
	var totalRuntime time.Duration

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte(keyPrefix)); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var record CycleRecord
				if err := json.Unmarshal(val, &record); err != nil {
					return fmt.Errorf("decoding cycle record: %w", err)
				}
				stats.Total++
				if record.Success {
					stats.Succeeded++
				} else {
					stats.Failed++
				}
				if record.RolledBack {
					stats.RolledBack++
				}
				totalRuntime += record.Duration
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	if stats.Total > 0 {
		stats.AvgRuntime = totalRuntime / time.Duration(stats.Total)
	}
	return stats, nil
}
