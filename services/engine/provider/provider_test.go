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
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"http 429", errors.New("server returned 429 Too Many Requests"), true},
		{"rate limit text", errors.New("openai: rate_limit_reached"), true},
		{"overloaded", errors.New("model overloaded, retry later"), true},
		{"timeout text", errors.New("request timed out"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"connection refused", errors.New("dial tcp 127.0.0.1:11434: connection refused"), true},
		{"net op error", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"auth failure", errors.New("invalid api key"), false},
		{"model missing", errors.New("model 'x' not found. Please run: 'ollama pull x'"), false},
		{"empty response", errors.New("OpenAI returned no choices"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPhaseContext(t *testing.T) {
	ctx := context.Background()
	if got := PhaseFromContext(ctx); got != "" {
		t.Fatalf("PhaseFromContext on empty ctx = %q, want empty", got)
	}
	ctx = WithPhase(ctx, "verify")
	if got := PhaseFromContext(ctx); got != "verify" {
		t.Fatalf("PhaseFromContext = %q, want verify", got)
	}
}

func TestCircuitStateString(t *testing.T) {
	if CircuitClosed.String() != "closed" || CircuitOpen.String() != "open" || CircuitHalfOpen.String() != "half-open" {
		t.Fatal("unexpected circuit state strings")
	}
}
