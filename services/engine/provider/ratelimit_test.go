// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	h := NewRateLimitHandler(RateLimitConfig{
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       15 * time.Minute,
		FailureThreshold: 3,
	})

	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		15 * time.Minute, // 16m capped
		15 * time.Minute, // stays at cap
	}
	for i, w := range want {
		got := h.RecordFailure()
		if got != w {
			t.Fatalf("failure %d: backoff = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffMonotonicWithoutSuccess(t *testing.T) {
	h := NewRateLimitHandler(RateLimitConfig{
		BaseBackoff:      time.Second,
		MaxBackoff:       time.Hour,
		FailureThreshold: 3,
	})

	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		got := h.RecordFailure()
		if got < prev {
			t.Fatalf("failure %d: backoff %v decreased from %v", i+1, got, prev)
		}
		prev = got
	}
}

func TestSuccessResetsBackoff(t *testing.T) {
	h := NewRateLimitHandler(RateLimitConfig{
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       15 * time.Minute,
		FailureThreshold: 3,
	})

	for i := 0; i < 5; i++ {
		h.RecordFailure()
	}
	h.RecordSuccess()

	if got := h.Backoff(); got != 30*time.Second {
		t.Fatalf("backoff after success = %v, want base 30s", got)
	}
	st := h.State()
	if st.Limited || st.ConsecutiveFailures != 0 || st.Circuit != "closed" {
		t.Fatalf("state after success = %+v, want cleared", st)
	}
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	h := NewRateLimitHandler(RateLimitConfig{
		BaseBackoff:      time.Second,
		MaxBackoff:       time.Minute,
		FailureThreshold: 3,
	})

	h.RecordFailure()
	h.RecordFailure()
	if st := h.State(); st.Circuit != "closed" {
		t.Fatalf("circuit after 2 failures = %s, want closed", st.Circuit)
	}
	h.RecordFailure()
	if st := h.State(); st.Circuit != "open" {
		t.Fatalf("circuit after 3 failures = %s, want open", st.Circuit)
	}
}

func TestBypassWindowAndHalfOpenProbe(t *testing.T) {
	h := NewRateLimitHandler(RateLimitConfig{
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       15 * time.Minute,
		FailureThreshold: 3,
	})

	clock := time.Now()
	h.now = func() time.Time { return clock }

	h.RecordFailure()
	if !h.ShouldBypass() {
		t.Fatal("expected bypass while limit window is active")
	}

	// Advance past the 30s window: one probe is allowed through and the
	// circuit sits half-open.
	clock = clock.Add(31 * time.Second)
	if h.ShouldBypass() {
		t.Fatal("expected probe allowance after window elapsed")
	}
	if st := h.State(); st.Circuit != "half-open" {
		t.Fatalf("circuit after window = %s, want half-open", st.Circuit)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	h := NewRateLimitHandler(RateLimitConfig{
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       15 * time.Minute,
		FailureThreshold: 3,
	})

	clock := time.Now()
	h.now = func() time.Time { return clock }

	h.RecordFailure()
	clock = clock.Add(time.Minute)
	h.ShouldBypass() // moves to half-open

	h.RecordFailure()
	if st := h.State(); st.Circuit != "open" {
		t.Fatalf("circuit after half-open failure = %s, want open", st.Circuit)
	}
	if !h.ShouldBypass() {
		t.Fatal("expected bypass after half-open probe failed")
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	h := NewRateLimitHandler(RateLimitConfig{
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       15 * time.Minute,
		FailureThreshold: 3,
	})

	clock := time.Now()
	h.now = func() time.Time { return clock }

	h.RecordFailure()
	clock = clock.Add(time.Minute)
	h.ShouldBypass()
	h.RecordSuccess()

	if st := h.State(); st.Circuit != "closed" || st.Limited {
		t.Fatalf("state after half-open success = %+v, want closed and unlimited", st)
	}
	if h.ShouldBypass() {
		t.Fatal("expected primary allowed after recovery")
	}
}

func TestDefaultsApplied(t *testing.T) {
	h := NewRateLimitHandler(RateLimitConfig{})
	if got := h.Backoff(); got != 30*time.Second {
		t.Fatalf("default base backoff = %v, want 30s", got)
	}
}
