// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type queue struct {
	Items []string `json:"items"`
}

func newQueue() queue {
	return queue{}
}

func TestGetMissingFileReturnsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	s := New(path, newQueue)

	q, err := s.Get()
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if len(q.Items) != 0 {
		t.Errorf("expected fresh payload, got %v", q)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Get() should not create the file")
	}
}

func TestUpdatePersistsAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	s := New(path, newQueue)

	err := s.Update(func(q *queue) error {
		q.Items = append(q.Items, "first")
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}

	// A second store instance reads the same data back.
	s2 := New(path, newQueue)
	q, err := s2.Get()
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if len(q.Items) != 1 || q.Items[0] != "first" {
		t.Errorf("round-trip mismatch: %v", q)
	}
}

func TestDocumentEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	s := New(path, newQueue)

	if err := s.Update(func(q *queue) error { return nil }); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading store file: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("store file is not JSON: %v", err)
	}
	if string(doc["version"]) != "1" {
		t.Errorf("expected version 1, got %s", doc["version"])
	}
}

func TestUpdateErrorDiscardsMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	s := New(path, newQueue)

	if err := s.Update(func(q *queue) error {
		q.Items = append(q.Items, "kept")
		return nil
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	wantErr := os.ErrPermission
	err := s.Update(func(q *queue) error {
		q.Items = append(q.Items, "dropped")
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected callback error, got %v", err)
	}

	// The failed mutation must not have been persisted.
	s2 := New(path, newQueue)
	q, _ := s2.Get()
	if len(q.Items) != 1 {
		t.Errorf("failed mutation leaked to disk: %v", q.Items)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	s := New(path, newQueue)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(func(q *queue) error {
				q.Items = append(q.Items, "x")
				return nil
			})
		}()
	}
	wg.Wait()

	q, err := s.Get()
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if len(q.Items) != 20 {
		t.Errorf("lost updates: got %d items, want 20", len(q.Items))
	}
}
