// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer guards a bytes.Buffer against the animation goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinner_StartStop(t *testing.T) {
	var buf syncBuffer
	spin := NewSpinner(&buf, "working")
	spin.Start()
	time.Sleep(200 * time.Millisecond)
	spin.Stop()

	out := buf.String()
	if !strings.Contains(out, "working") {
		t.Errorf("expected output to contain the message, got %q", out)
	}
	if !strings.Contains(out, "\033[K") {
		t.Error("expected the spinner line to be cleared on Stop")
	}
}

func TestSpinner_StopWithoutStart(t *testing.T) {
	var buf syncBuffer
	spin := NewSpinner(&buf, "idle")
	spin.Stop()

	if buf.String() != "" {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestSpinner_DoubleStartIsNoop(t *testing.T) {
	var buf syncBuffer
	spin := NewSpinner(&buf, "once")
	spin.Start()
	spin.Start()
	spin.Stop()
}

func TestSpinner_UpdateMessage(t *testing.T) {
	var buf syncBuffer
	spin := NewSpinner(&buf, "phase one")
	spin.Start()
	time.Sleep(100 * time.Millisecond)
	spin.UpdateMessage("phase two")
	time.Sleep(200 * time.Millisecond)
	spin.Stop()

	if !strings.Contains(buf.String(), "phase two") {
		t.Errorf("expected updated message in output, got %q", buf.String())
	}
}

func TestWithSpinner_ReturnsFnError(t *testing.T) {
	var buf syncBuffer
	wantErr := errors.New("boom")
	err := WithSpinner(&buf, "running", func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("expected fn error to surface, got %v", err)
	}
}
