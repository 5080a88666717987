// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/history"
)

type stubPhase struct {
	name     string
	result   PhaseResult
	err      error
	panicMsg string
	runs     *[]string
}

func (p *stubPhase) Name() string { return p.name }

func (p *stubPhase) Run(ctx context.Context, cc *CycleContext) (PhaseResult, error) {
	if p.runs != nil {
		*p.runs = append(*p.runs, p.name)
	}
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	return p.result, p.err
}

func ok(name string, runs *[]string) *stubPhase {
	return &stubPhase{name: name, result: PhaseResult{Success: true}, runs: runs}
}

func TestPhasesRunInFixedOrder(t *testing.T) {
	var runs []string
	o := NewOrchestrator([]Phase{
		ok("health_check", &runs),
		ok("error_detect", &runs),
		ok("plan", &runs),
	}, nil, nil, nil)

	cc, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"health_check", "error_detect", "plan"}, runs)
	assert.Len(t, cc.Phases, 3)
}

func TestShouldStopHaltsRemainingPhases(t *testing.T) {
	var runs []string
	o := NewOrchestrator([]Phase{
		ok("health_check", &runs),
		&stubPhase{name: "plan", result: PhaseResult{Success: true, ShouldStop: true, Message: "no issues found"}, runs: &runs},
		ok("implement", &runs),
	}, nil, nil, nil)

	cc, err := o.RunCycle(context.Background())
	require.NoError(t, err, "an early stop is not a failure")
	assert.Equal(t, []string{"health_check", "plan"}, runs)
	assert.Len(t, cc.Phases, 2)
}

func TestPhaseErrorFailsCycle(t *testing.T) {
	var runs []string
	o := NewOrchestrator([]Phase{
		ok("health_check", &runs),
		&stubPhase{name: "plan", result: PhaseResult{Success: false, Message: "planner call failed"}, err: errors.New("boom"), runs: &runs},
		ok("implement", &runs),
	}, nil, nil, nil)

	cc, err := o.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed at plan")
	assert.Equal(t, []string{"health_check", "plan"}, runs)
	require.NotNil(t, cc)
	assert.False(t, cc.Phases[1].Success)
}

func TestPhasePanicIsContained(t *testing.T) {
	o := NewOrchestrator([]Phase{
		&stubPhase{name: "implement", panicMsg: "nil deref"},
	}, nil, nil, nil)

	cc, err := o.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	require.NotNil(t, cc)
	assert.False(t, cc.Phases[0].Success)
}

func TestCycleRecordedToHistory(t *testing.T) {
	hist, err := history.Open("", nil)
	require.NoError(t, err)
	defer hist.Close()

	var runs []string
	o := NewOrchestrator([]Phase{ok("health_check", &runs)}, hist, nil, nil)

	cc, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	recent, err := hist.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, cc.CycleID, recent[0].CycleID)
	assert.True(t, recent[0].Success)
	require.Len(t, recent[0].Phases, 1)
	assert.Equal(t, "health_check", recent[0].Phases[0].Name)
}

func TestFailedCycleRecordedToHistory(t *testing.T) {
	hist, err := history.Open("", nil)
	require.NoError(t, err)
	defer hist.Close()

	o := NewOrchestrator([]Phase{
		&stubPhase{name: "verify", result: PhaseResult{Success: false, ShouldStop: true, Message: "verification failed, changes rolled back"}},
	}, hist, nil, nil)

	_, err = o.RunCycle(context.Background())
	require.Error(t, err)

	recent, err := hist.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Success)
	assert.Equal(t, "verify", recent[0].StoppedAt)
}
