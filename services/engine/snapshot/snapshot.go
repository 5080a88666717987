// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot captures point-in-time copies of workspace files so
// the pipeline can roll back a failed change set.
package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
)

// Manifest describes one snapshot.
type Manifest struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`

	// Files maps workspace-relative paths to whether the file existed
	// when the snapshot was taken. Files that did not exist are removed
	// again on rollback.
	Files map[string]bool `json:"files"`

	// RolledBack records the rollback reason once used.
	RolledBack string `json:"rolled_back,omitempty"`
}

// Manager copies files under the workspace into per-snapshot
// directories and restores them on rollback.
//
// # Thread Safety
//
// Not safe for concurrent snapshots of overlapping file sets; the
// pipeline takes at most one snapshot per cycle.
type Manager struct {
	workspace   string
	snapshotDir string
	logger      *logging.Logger
}

// NewManager creates a manager storing snapshots under
// stateDir/snapshots.
func NewManager(workspace, stateDir string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		workspace:   workspace,
		snapshotDir: filepath.Join(stateDir, "snapshots"),
		logger:      logger.With("component", "snapshot_manager"),
	}
}

// Create snapshots the given workspace-relative files under a label.
//
// Outputs:
//   - string: The snapshot id, used for rollback.
func (m *Manager) Create(label string, files []string) (string, error) {
	id := time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
	dir := filepath.Join(m.snapshotDir, id)
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		return "", fmt.Errorf("creating snapshot dir: %w", err)
	}

	manifest := Manifest{
		ID:        id,
		Label:     label,
		CreatedAt: time.Now(),
		Files:     make(map[string]bool, len(files)),
	}

	for _, rel := range files {
		if err := validRelPath(rel); err != nil {
			return "", err
		}
		src := filepath.Join(m.workspace, rel)
		dst := filepath.Join(dir, "files", rel)

		if _, err := os.Stat(src); os.IsNotExist(err) {
			manifest.Files[rel] = false
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return "", fmt.Errorf("snapshotting %s: %w", rel, err)
		}
		manifest.Files[rel] = true
	}

	if err := writeManifest(dir, manifest); err != nil {
		return "", err
	}

	m.logger.Info("snapshot created", "snapshot_id", id, "label", label, "files", len(files))
	return id, nil
}

// AddFiles extends an existing snapshot with files about to be written
// after Create, capturing their current state. Files already in the
// manifest keep their original capture. Must be called before the new
// files are written, or rollback restores the wrong content.
func (m *Manager) AddFiles(id string, files []string) error {
	dir := filepath.Join(m.snapshotDir, id)
	manifest, err := readManifest(dir)
	if err != nil {
		return fmt.Errorf("loading snapshot %s: %w", id, err)
	}

	for _, rel := range files {
		if err := validRelPath(rel); err != nil {
			return err
		}
		if _, ok := manifest.Files[rel]; ok {
			continue
		}
		src := filepath.Join(m.workspace, rel)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			manifest.Files[rel] = false
			continue
		}
		if err := copyFile(src, filepath.Join(dir, "files", rel)); err != nil {
			return fmt.Errorf("snapshotting %s: %w", rel, err)
		}
		manifest.Files[rel] = true
	}

	return writeManifest(dir, manifest)
}

// Rollback restores every file in the snapshot and records the reason.
func (m *Manager) Rollback(id, reason string) error {
	dir := filepath.Join(m.snapshotDir, id)
	manifest, err := readManifest(dir)
	if err != nil {
		return fmt.Errorf("loading snapshot %s: %w", id, err)
	}

	for rel, existed := range manifest.Files {
		dst := filepath.Join(m.workspace, rel)
		if !existed {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing %s during rollback: %w", rel, err)
			}
			continue
		}
		if err := copyFile(filepath.Join(dir, "files", rel), dst); err != nil {
			return fmt.Errorf("restoring %s: %w", rel, err)
		}
	}

	manifest.RolledBack = reason
	if err := writeManifest(dir, manifest); err != nil {
		return err
	}

	m.logger.Warn("snapshot rolled back",
		"snapshot_id", id,
		"label", manifest.Label,
		"reason", reason,
	)
	return nil
}

// Get returns a snapshot's manifest.
func (m *Manager) Get(id string) (Manifest, error) {
	return readManifest(filepath.Join(m.snapshotDir, id))
}

func validRelPath(rel string) error {
	if filepath.IsAbs(rel) || strings.Contains(rel, "..") {
		return fmt.Errorf("snapshot path %q must be workspace-relative", rel)
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeManifest(dir string, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot manifest: %w", err)
	}
	tmp := filepath.Join(dir, "manifest.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, "manifest.json"))
}

func readManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decoding snapshot manifest: %w", err)
	}
	return manifest, nil
}
