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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{BrokenThreshold: 3}, nil, nil)
	m.Register("primary")

	assert.Equal(t, StatusHealthy, m.Health("primary").Status)

	m.RecordFailure("primary", errors.New("boom"))
	assert.Equal(t, StatusDegraded, m.Health("primary").Status)

	m.RecordFailure("primary", errors.New("boom"))
	assert.Equal(t, StatusDegraded, m.Health("primary").Status)

	m.RecordFailure("primary", errors.New("boom"))
	h := m.Health("primary")
	assert.Equal(t, StatusBroken, h.Status)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Equal(t, "boom", h.LastError)
}

func TestOneSuccessRestoresHealthy(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{BrokenThreshold: 3}, nil, nil)
	m.Register("primary")

	for i := 0; i < 10; i++ {
		m.RecordFailure("primary", errors.New("boom"))
	}
	require.Equal(t, StatusBroken, m.Health("primary").Status)

	m.RecordSuccess("primary")
	h := m.Health("primary")
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Empty(t, h.LastError)
}

func TestAllBrokenAlertFiresOnce(t *testing.T) {
	var alerts []string
	m := NewHealthMonitor(HealthMonitorConfig{BrokenThreshold: 2}, nil, func(msg string) {
		alerts = append(alerts, msg)
	})
	m.Register("a")
	m.Register("b")

	m.RecordFailure("a", errors.New("x"))
	m.RecordFailure("a", errors.New("x"))
	assert.Empty(t, alerts, "alert must not fire while one provider is up")

	m.RecordFailure("b", errors.New("x"))
	m.RecordFailure("b", errors.New("x"))
	require.Len(t, alerts, 1)

	// More failures during the same outage do not repeat the alert.
	m.RecordFailure("a", errors.New("x"))
	m.RecordFailure("b", errors.New("x"))
	assert.Len(t, alerts, 1)

	// Recovery re-arms it.
	m.RecordSuccess("a")
	m.RecordFailure("a", errors.New("x"))
	m.RecordFailure("a", errors.New("x"))
	assert.Len(t, alerts, 2)
}

func TestFallbackOrderPrefersHealthy(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{BrokenThreshold: 2}, nil, nil)
	m.Register("alpha")
	m.Register("beta")
	m.Register("gamma")

	m.RecordFailure("alpha", errors.New("x"))
	m.RecordFailure("alpha", errors.New("x")) // broken
	m.RecordFailure("gamma", errors.New("x")) // degraded

	assert.Equal(t, []string{"beta", "gamma", "alpha"}, m.FallbackOrder())
}

func TestAllowProbeCooldown(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{ProbeCooldown: time.Hour}, nil, nil)
	m.Register("primary")

	assert.True(t, m.AllowProbe("primary"), "first probe should pass")
	assert.False(t, m.AllowProbe("primary"), "second probe inside cooldown should be denied")
	assert.False(t, m.AllowProbe("unregistered"))
}

func TestRecordAutoRegisters(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{}, nil, nil)

	m.RecordFailure("late", errors.New("x"))
	h := m.Health("late")
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, 1, h.ConsecutiveFailures)
}

func TestAllSortedByName(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{}, nil, nil)
	m.Register("zeta")
	m.Register("alpha")

	all := m.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "zeta", all[1].Name)
}
