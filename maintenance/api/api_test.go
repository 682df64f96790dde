// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBlockingPolicy(t *testing.T) {
	policy := NewBlockingPolicy(BuiltinOperationTypes())

	// Normal mode: everything blocked except admin and read.
	for _, op := range BuiltinOperationTypes() {
		blocked := policy.IsBlocked(ModeNormal, op)
		switch op {
		case OperationAdminOperations, OperationReadOperations:
			assert.False(t, blocked, "%s must not be blocked in normal mode", op)
		default:
			assert.True(t, blocked, "%s must be blocked in normal mode", op)
		}
	}

	// Emergency mode: everything blocked except admin.
	for _, op := range BuiltinOperationTypes() {
		blocked := policy.IsBlocked(ModeEmergency, op)
		if op == OperationAdminOperations {
			assert.False(t, blocked, "admin operations must never be blocked")
		} else {
			assert.True(t, blocked, "%s must be blocked in emergency mode", op)
		}
	}

	// Inactive and test modes block nothing.
	for _, mode := range []Mode{ModeInactive, ModeTest} {
		for _, op := range BuiltinOperationTypes() {
			assert.False(t, policy.IsBlocked(mode, op), "%s must not be blocked in %s mode", op, mode)
		}
	}
}

func TestBlockingPolicyCoversCustomTypes(t *testing.T) {
	custom := OperationType("report_generation")
	policy := NewBlockingPolicy(append(BuiltinOperationTypes(), custom))

	assert.True(t, policy.IsBlocked(ModeNormal, custom))
	assert.True(t, policy.IsBlocked(ModeEmergency, custom))
}

func TestBlockedOperationsSorted(t *testing.T) {
	policy := NewBlockingPolicy(BuiltinOperationTypes())
	ops := policy.BlockedOperations(ModeNormal)
	for i := 1; i < len(ops); i++ {
		assert.Less(t, string(ops[i-1]), string(ops[i]))
	}
	assert.Nil(t, policy.BlockedOperations(ModeInactive))
}

func TestEstimatedCompletion(t *testing.T) {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s := &Status{Mode: ModeNormal, StartedAt: started, EstimatedDurationSeconds: 3600}
	completion, ok := s.EstimatedCompletion()
	assert.True(t, ok)
	assert.Equal(t, started.Add(time.Hour), completion)

	// No estimate given.
	s = &Status{Mode: ModeNormal, StartedAt: started}
	_, ok = s.EstimatedCompletion()
	assert.False(t, ok)

	// Inactive never has a completion.
	s = &Status{Mode: ModeInactive, EstimatedDurationSeconds: 3600}
	_, ok = s.EstimatedCompletion()
	assert.False(t, ok)
}

func TestModeHelpers(t *testing.T) {
	assert.False(t, ModeInactive.Active())
	assert.True(t, ModeNormal.Active())
	assert.True(t, ModeEmergency.Active())
	assert.True(t, ModeTest.Active())

	assert.True(t, ModeInactive.Valid())
	assert.False(t, Mode("banana").Valid())
}

func TestForcedJobCount(t *testing.T) {
	e := &EmergencyEvent{Jobs: []JobTermination{
		{JobID: "a", Forced: true},
		{JobID: "b"},
		{JobID: "c", Forced: true},
	}}
	assert.Equal(t, 2, e.ForcedJobCount())
}
