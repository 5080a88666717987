// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides single-document JSON persistence for the
// engine's durable state (queues, trackers, breaker snapshots).
//
// Each store is one JSON document in one file. Every mutation rewrites
// the whole document via write-temp-then-rename, so an abrupt
// termination can never leave a half-written store behind. A Store owns
// its file exclusively: all reads and writes go through its mutex, which
// makes it the single writer the rest of the engine relies on. Sharing
// one file between two Store instances (or two processes) is not
// supported.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Document is the envelope every store file carries.
type Document[T any] struct {
	// Version allows future format migrations.
	Version int `json:"version"`

	// Data is the store payload.
	Data T `json:"data"`
}

// currentVersion is the document format written by this build.
const currentVersion = 1

// Store persists one value of type T as a single JSON document.
//
// Thread Safety: Safe for concurrent use. The mutex serializes every
// read-modify-write, so Update callbacks see the latest state.
type Store[T any] struct {
	path string
	mu   sync.Mutex

	// cached holds the last read/written payload; nil until first load.
	cached *T

	// fresh constructs the payload for a store file that does not exist yet.
	fresh func() T
}

// New creates a Store backed by the file at path.
//
// Inputs:
//   - path: File location. Parent directories are created on first write.
//   - fresh: Constructor for the initial payload of a brand-new store.
//
// Outputs:
//   - *Store[T]: The store. The file is read lazily on first access.
func New[T any](path string, fresh func() T) *Store[T] {
	return &Store[T]{path: path, fresh: fresh}
}

// Path returns the backing file path.
func (s *Store[T]) Path() string {
	return s.path
}

// Get returns a copy of the current payload, loading the file if needed.
//
// Outputs:
//   - T: The payload. For a missing file this is fresh() without
//     creating the file.
//   - error: Non-nil on read or decode failure.
func (s *Store[T]) Get() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		var zero T
		return zero, err
	}
	return *s.cached, nil
}

// Update applies fn to the current payload and persists the result
// atomically. fn runs under the store lock; it must not call back into
// the store.
//
// Inputs:
//   - fn: Mutation applied to a pointer to the live payload.
//
// Outputs:
//   - error: Non-nil on load or persist failure; the mutation is
//     discarded when persisting fails.
func (s *Store[T]) Update(fn func(*T) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}

	if err := fn(s.cached); err != nil {
		// fn may have partially mutated the cache before failing;
		// drop it so the next access re-reads the persisted state.
		s.cached = nil
		return err
	}
	if err := s.writeLocked(*s.cached); err != nil {
		// Drop the cache so the next access re-reads what is actually
		// on disk instead of serving the unpersisted mutation.
		s.cached = nil
		return err
	}
	return nil
}

// loadLocked reads the file into the cache. Must be called with the lock
// held.
func (s *Store[T]) loadLocked() error {
	if s.cached != nil {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		payload := s.fresh()
		s.cached = &payload
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading store %s: %w", s.path, err)
	}

	var doc Document[T]
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decoding store %s: %w", s.path, err)
	}
	s.cached = &doc.Data
	return nil
}

// writeLocked persists the payload with write-temp-then-rename. Must be
// called with the lock held.
func (s *Store[T]) writeLocked(payload T) error {
	doc := Document[T]{Version: currentVersion, Data: payload}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding store %s: %w", s.path, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing store %s: %w", s.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing store %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp store file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing store %s: %w", s.path, err)
	}
	return nil
}
