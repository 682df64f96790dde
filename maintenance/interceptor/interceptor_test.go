// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package interceptor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/caretaker/maintenance/api"
	"github.com/element-hq/caretaker/maintenance/classifier"
)

type staticSource struct {
	status *api.Status
}

func (s *staticSource) CurrentSnapshot() *api.Status { return s.status }

func newTestInterceptor(t *testing.T, status *api.Status) *Interceptor {
	t.Helper()
	c, err := classifier.NewWithDefaults()
	require.NoError(t, err)
	policy := api.NewBlockingPolicy(c.Types())
	return New(c, policy, &staticSource{status: status})
}

func TestInterceptModeMatrix(t *testing.T) {
	// Each operation type against each mode, using a representative request
	// per type.
	requests := map[api.OperationType]struct {
		path   string
		method string
	}{
		api.OperationCaptionGeneration:    {"/api/v1/captions", "POST"},
		api.OperationJobCreation:          {"/api/v1/jobs", "POST"},
		api.OperationPlatformOperations:   {"/api/v1/platform/restart", "POST"},
		api.OperationBatchOperations:      {"/api/v1/batch", "POST"},
		api.OperationUserDataModification: {"/api/v1/users/1", "PUT"},
		api.OperationImageProcessing:      {"/api/v1/images", "POST"},
		api.OperationAdminOperations:      {"/_caretaker/admin/enable", "POST"},
		api.OperationReadOperations:       {"/api/v1/captions/42", "GET"},
	}

	allowed := func(mode api.Mode, op api.OperationType) bool {
		switch mode {
		case api.ModeInactive, api.ModeTest:
			return true
		case api.ModeNormal:
			return op == api.OperationAdminOperations || op == api.OperationReadOperations
		case api.ModeEmergency:
			return op == api.OperationAdminOperations
		}
		return false
	}

	for _, mode := range []api.Mode{api.ModeInactive, api.ModeNormal, api.ModeEmergency, api.ModeTest} {
		icpt := newTestInterceptor(t, &api.Status{Mode: mode, Reason: "window"})
		for op, req := range requests {
			decision := icpt.Intercept(req.path, req.method, false)
			assert.Equal(t, op, decision.Operation, "mode=%s path=%s", mode, req.path)
			assert.Equal(t, allowed(mode, op), decision.Allowed, "mode=%s op=%s", mode, op)
			if !decision.Allowed {
				require.NotNil(t, decision.Denial)
				assert.Equal(t, api.ErrCodeMaintenanceActive, decision.Denial.ErrCode)
				assert.Equal(t, mode, decision.Denial.Mode)
				assert.Equal(t, op, decision.Denial.Operation)
			}
		}
	}
}

func TestInterceptAdminRequesterAlwaysAllowed(t *testing.T) {
	icpt := newTestInterceptor(t, &api.Status{Mode: api.ModeEmergency, Reason: "incident"})
	decision := icpt.Intercept("/api/v1/captions", "POST", true)
	assert.True(t, decision.Allowed)
	assert.Nil(t, decision.Denial)
}

func TestInterceptDenialEstimatedCompletion(t *testing.T) {
	status := &api.Status{
		Mode:                     api.ModeNormal,
		Reason:                   "DB maintenance",
		StartedAt:                time.Now().UTC(),
		EstimatedDurationSeconds: 3600,
	}
	icpt := newTestInterceptor(t, status)

	decision := icpt.Intercept("/api/v1/jobs", "POST", false)
	require.False(t, decision.Allowed)
	assert.Equal(t, "DB maintenance", decision.Denial.Reason)
	assert.NotEmpty(t, decision.Denial.EstimatedCompletion)
	assert.Greater(t, decision.Denial.RetryAfterSeconds, int64(0))

	// No estimate, no completion hint.
	icpt = newTestInterceptor(t, &api.Status{Mode: api.ModeNormal, Reason: "r", StartedAt: time.Now().UTC()})
	decision = icpt.Intercept("/api/v1/jobs", "POST", false)
	require.False(t, decision.Allowed)
	assert.Empty(t, decision.Denial.EstimatedCompletion)
	assert.Zero(t, decision.Denial.RetryAfterSeconds)
}

func TestMiddlewareBlocksWith503(t *testing.T) {
	status := &api.Status{
		Mode:                     api.ModeNormal,
		Reason:                   "window",
		StartedAt:                time.Now().UTC(),
		EstimatedDurationSeconds: 600,
	}
	icpt := newTestInterceptor(t, status)

	var nextCalled bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { nextCalled = true })
	handler := icpt.Middleware(nil)(next)

	req := httptest.NewRequest("POST", "/api/v1/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, nextCalled)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var payload api.DenyPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, api.ErrCodeMaintenanceActive, payload.ErrCode)
	assert.Equal(t, api.OperationJobCreation, payload.Operation)
}

func TestMiddlewarePassesAllowedRequests(t *testing.T) {
	icpt := newTestInterceptor(t, &api.Status{Mode: api.ModeNormal, Reason: "window"})

	var nextCalled bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { nextCalled = true })
	handler := icpt.Middleware(nil)(next)

	req := httptest.NewRequest("GET", "/api/v1/captions/42", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, nextCalled)
}

func TestMiddlewareAdminChecker(t *testing.T) {
	icpt := newTestInterceptor(t, &api.Status{Mode: api.ModeEmergency, Reason: "incident"})

	var nextCalled bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { nextCalled = true })
	handler := icpt.Middleware(func(req *http.Request) bool {
		user, _, ok := req.BasicAuth()
		return ok && user == "@admin"
	})(next)

	req := httptest.NewRequest("POST", "/api/v1/jobs", nil)
	req.SetBasicAuth("@admin", "secret")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, nextCalled)
}
