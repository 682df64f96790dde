// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/caretaker/maintenance/api"
)

func TestClassifyDefaults(t *testing.T) {
	c, err := NewWithDefaults()
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		method string
		want   api.OperationType
	}{
		{"caption creation", "/api/v1/captions", "POST", api.OperationCaptionGeneration},
		{"caption update", "/api/v1/captions/42", "PUT", api.OperationCaptionGeneration},
		{"caption read falls through", "/api/v1/captions/42", "GET", api.OperationReadOperations},
		{"job creation", "/api/v1/jobs", "POST", api.OperationJobCreation},
		{"job read falls through", "/api/v1/jobs/42", "GET", api.OperationReadOperations},
		{"platform any method", "/api/v1/platform/restart", "GET", api.OperationPlatformOperations},
		{"batch any method", "/api/v1/batch", "DELETE", api.OperationBatchOperations},
		{"user modification", "/api/v1/users/1", "PATCH", api.OperationUserDataModification},
		{"user lowercase method", "/api/v1/users/1", "delete", api.OperationUserDataModification},
		{"user read falls through", "/api/v1/users/1", "GET", api.OperationReadOperations},
		{"image upload", "/api/v1/images", "POST", api.OperationImageProcessing},
		{"admin endpoint", "/_caretaker/status", "GET", api.OperationAdminOperations},
		{"admin transition", "/_caretaker/admin/enable", "POST", api.OperationAdminOperations},
		{"unknown path", "/totally/unknown", "POST", api.OperationReadOperations},
		{"prefix must anchor", "/api/v1/imagesque", "POST", api.OperationReadOperations},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.path, tc.method))
		})
	}
}

func TestFirstMatchWins(t *testing.T) {
	c := New()
	require.NoError(t, c.AddRule(Rule{Name: "broad", Pattern: "^/api/", Type: api.OperationBatchOperations}))
	require.NoError(t, c.AddRule(Rule{Name: "narrow", Pattern: "^/api/v1/jobs", Type: api.OperationJobCreation}))

	// The broad rule was added first, so it shadows the narrow one.
	assert.Equal(t, api.OperationBatchOperations, c.Classify("/api/v1/jobs", "POST"))
}

func TestInsertRuleJumpsTheQueue(t *testing.T) {
	c := New()
	require.NoError(t, c.AddRule(Rule{Name: "broad", Pattern: "^/api/", Type: api.OperationBatchOperations}))
	require.NoError(t, c.InsertRule(0, Rule{Name: "narrow", Pattern: "^/api/v1/jobs", Type: api.OperationJobCreation}))

	assert.Equal(t, api.OperationJobCreation, c.Classify("/api/v1/jobs", "POST"))
	assert.Equal(t, api.OperationBatchOperations, c.Classify("/api/v1/other", "POST"))
}

func TestInsertRulePastEndAppends(t *testing.T) {
	c := New()
	require.NoError(t, c.AddRule(Rule{Name: "broad", Pattern: "^/api/", Type: api.OperationBatchOperations}))
	require.NoError(t, c.InsertRule(99, Rule{Name: "late", Pattern: "^/late/", Type: api.OperationJobCreation}))

	assert.Equal(t, api.OperationJobCreation, c.Classify("/late/thing", "POST"))
}

func TestAddRuleRejectsBadInput(t *testing.T) {
	c := New()
	assert.Error(t, c.AddRule(Rule{Name: "bad regex", Pattern: "^/api/(", Type: api.OperationJobCreation}))
	assert.Error(t, c.AddRule(Rule{Name: "no type", Pattern: "^/api/"}))
}

func TestTypesIncludesCustomAndFallback(t *testing.T) {
	c, err := NewWithDefaults()
	require.NoError(t, err)
	custom := api.OperationType("report_generation")
	require.NoError(t, c.AddRule(Rule{Name: "reports", Pattern: "^/api/v1/reports", Type: custom}))

	types := c.Types()
	assert.Contains(t, types, api.OperationReadOperations)
	assert.Contains(t, types, api.OperationAdminOperations)
	assert.Contains(t, types, custom)

	// No duplicates even though several rules share a type.
	seen := map[api.OperationType]int{}
	for _, op := range types {
		seen[op]++
	}
	for op, n := range seen {
		assert.Equal(t, 1, n, "duplicate type %s", op)
	}
}

func TestEmptyClassifierFallsThrough(t *testing.T) {
	c := New()
	assert.Equal(t, api.OperationReadOperations, c.Classify("/anything", "POST"))
}
