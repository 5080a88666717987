// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkspaceFile(t *testing.T, workspace, rel, content string) {
	t.Helper()
	path := filepath.Join(workspace, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readWorkspaceFile(t *testing.T, workspace, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(workspace, rel))
	require.NoError(t, err)
	return string(data)
}

func TestRollbackRestoresModifiedFiles(t *testing.T) {
	workspace := t.TempDir()
	m := NewManager(workspace, t.TempDir(), nil)

	writeWorkspaceFile(t, workspace, "pkg/a.go", "package a\n")
	writeWorkspaceFile(t, workspace, "pkg/b.go", "package b\n")

	id, err := m.Create("before implement", []string{"pkg/a.go", "pkg/b.go"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	writeWorkspaceFile(t, workspace, "pkg/a.go", "package a // broken\n")
	writeWorkspaceFile(t, workspace, "pkg/b.go", "package b // broken\n")

	require.NoError(t, m.Rollback(id, "verification failed"))

	assert.Equal(t, "package a\n", readWorkspaceFile(t, workspace, "pkg/a.go"))
	assert.Equal(t, "package b\n", readWorkspaceFile(t, workspace, "pkg/b.go"))

	manifest, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "verification failed", manifest.RolledBack)
}

func TestRollbackRemovesFilesCreatedAfterSnapshot(t *testing.T) {
	workspace := t.TempDir()
	m := NewManager(workspace, t.TempDir(), nil)

	id, err := m.Create("before implement", []string{"pkg/new.go"})
	require.NoError(t, err)

	writeWorkspaceFile(t, workspace, "pkg/new.go", "package pkg\n")
	require.NoError(t, m.Rollback(id, "verification failed"))

	_, err = os.Stat(filepath.Join(workspace, "pkg/new.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateRejectsEscapingPaths(t *testing.T) {
	m := NewManager(t.TempDir(), t.TempDir(), nil)

	_, err := m.Create("bad", []string{"../outside.go"})
	assert.Error(t, err)

	_, err = m.Create("bad", []string{"/etc/passwd"})
	assert.Error(t, err)
}

func TestManifestRecordsLabelAndFiles(t *testing.T) {
	workspace := t.TempDir()
	m := NewManager(workspace, t.TempDir(), nil)
	writeWorkspaceFile(t, workspace, "main.go", "package main\n")

	id, err := m.Create("cycle 7", []string{"main.go", "absent.go"})
	require.NoError(t, err)

	manifest, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "cycle 7", manifest.Label)
	assert.True(t, manifest.Files["main.go"])
	assert.False(t, manifest.Files["absent.go"])
}

func TestAddFilesExtendsSnapshot(t *testing.T) {
	workspace := t.TempDir()
	m := NewManager(workspace, t.TempDir(), nil)

	writeWorkspaceFile(t, workspace, "pkg/a.go", "package a\n")
	id, err := m.Create("before implement", []string{"pkg/a.go"})
	require.NoError(t, err)

	// One file exists at add time, the other does not yet.
	writeWorkspaceFile(t, workspace, "pkg/b.go", "package b\n")
	require.NoError(t, m.AddFiles(id, []string{"pkg/b.go", "pkg/a_test.go"}))

	writeWorkspaceFile(t, workspace, "pkg/b.go", "package b // broken\n")
	writeWorkspaceFile(t, workspace, "pkg/a_test.go", "package a // generated\n")

	require.NoError(t, m.Rollback(id, "verification failed"))
	assert.Equal(t, "package b\n", readWorkspaceFile(t, workspace, "pkg/b.go"))
	_, statErr := os.Stat(filepath.Join(workspace, "pkg/a_test.go"))
	assert.True(t, os.IsNotExist(statErr), "files added as not-yet-existing are removed on rollback")
}

func TestAddFilesKeepsOriginalCapture(t *testing.T) {
	workspace := t.TempDir()
	m := NewManager(workspace, t.TempDir(), nil)

	writeWorkspaceFile(t, workspace, "pkg/a.go", "package a\n")
	id, err := m.Create("before implement", []string{"pkg/a.go"})
	require.NoError(t, err)

	// Re-adding a tracked file after it changed must not refresh the
	// captured bytes.
	writeWorkspaceFile(t, workspace, "pkg/a.go", "package a // changed\n")
	require.NoError(t, m.AddFiles(id, []string{"pkg/a.go"}))

	require.NoError(t, m.Rollback(id, "verification failed"))
	assert.Equal(t, "package a\n", readWorkspaceFile(t, workspace, "pkg/a.go"))
}
