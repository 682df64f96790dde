// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/caretaker/maintenance/api"
	"github.com/element-hq/caretaker/setup/config"
)

type fakeSessionStore struct {
	mu          sync.Mutex
	sessions    []api.Session
	listErr     error
	failIDs     map[string]error
	invalidated []string
	listCalls   int
	release     chan struct{} // when set, ListSessions blocks until closed
}

func (f *fakeSessionStore) ListSessions(ctx context.Context) ([]api.Session, error) {
	f.mu.Lock()
	f.listCalls++
	release := f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]api.Session(nil), f.sessions...), nil
}

func (f *fakeSessionStore) InvalidateSession(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failIDs[sessionID]; ok {
		return false, err
	}
	f.invalidated = append(f.invalidated, sessionID)
	return true, nil
}

func (f *fakeSessionStore) invalidatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invalidated...)
}

type fakeResolver struct {
	mu        sync.Mutex
	admins    map[string]bool
	gate      bool
	gateCalls int
}

func (f *fakeResolver) IsAdmin(ctx context.Context, identity string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admins[identity], nil
}

func (f *fakeResolver) SetLoginGate(blocked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = blocked
	f.gateCalls++
}

func testConfig() *config.Maintenance {
	cfg := &config.Maintenance{}
	cfg.Defaults()
	cfg.StoreRetryBackoffMS = 1
	return cfg
}

func TestInvalidateNonPrivilegedSkipsAdmins(t *testing.T) {
	store := &fakeSessionStore{sessions: []api.Session{
		{ID: "s1", UserID: "@alice", Role: api.SessionRoleStandard},
		{ID: "s2", UserID: "@bob", Role: api.SessionRoleStandard},
		{ID: "s3", UserID: "@admin", Role: api.SessionRoleAdmin},
		{ID: "s4", UserID: "@carol", Role: api.SessionRoleStandard},
		{ID: "s5", UserID: "@dave", Role: api.SessionRoleStandard},
	}}
	c := NewCoordinator(testConfig(), store, &fakeResolver{})

	result, err := c.InvalidateNonPrivileged(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.InvalidatedCount)
	assert.Equal(t, 1, result.SkippedAdmin)
	assert.Empty(t, result.Failures)
	assert.NotContains(t, store.invalidatedIDs(), "s3")
}

func TestInvalidationFailuresAreCollected(t *testing.T) {
	store := &fakeSessionStore{
		sessions: []api.Session{
			{ID: "s1", Role: api.SessionRoleStandard},
			{ID: "s2", Role: api.SessionRoleStandard},
		},
		failIDs: map[string]error{"s2": errors.New("store timeout")},
	}
	c := NewCoordinator(testConfig(), store, &fakeResolver{})

	result, err := c.InvalidateNonPrivileged(context.Background())
	require.NoError(t, err, "per-session failures must not fail the pass")
	assert.Equal(t, 1, result.InvalidatedCount)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "s2", result.Failures[0].SessionID)
	assert.Contains(t, result.Failures[0].Error, "store timeout")
}

func TestInvalidationListFailure(t *testing.T) {
	store := &fakeSessionStore{listErr: errors.New("connection refused")}
	cfg := testConfig()
	cfg.StoreRetryAttempts = 2
	c := NewCoordinator(cfg, store, &fakeResolver{})

	result, err := c.InvalidateNonPrivileged(context.Background())
	assert.Error(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "*", result.Failures[0].SessionID)
	// The list call is retried up to the bound, never forever.
	assert.Equal(t, 2, store.listCalls)
}

func TestBeginPassDeduplicates(t *testing.T) {
	release := make(chan struct{})
	store := &fakeSessionStore{
		sessions: []api.Session{{ID: "s1", Role: api.SessionRoleStandard}},
		release:  release,
	}
	c := NewCoordinator(testConfig(), store, &fakeResolver{})

	first := c.BeginPass(context.Background())
	second := c.BeginPass(context.Background())
	assert.Equal(t, first.PassID, second.PassID, "a running pass must be reused")
	assert.Equal(t, api.PassStateRunning, second.State)

	close(release)
	c.WaitForPass()

	final := c.CurrentPass()
	require.NotNil(t, final)
	assert.Equal(t, first.PassID, final.PassID)
	assert.Equal(t, api.PassStateCompleted, final.State)
	assert.Equal(t, 1, final.Result.InvalidatedCount)
	assert.False(t, final.CompletedAt.IsZero())

	// Only one enumeration happened for the two BeginPass calls.
	assert.Equal(t, 1, store.listCalls)
}

func TestBeginPassAfterCompletionStartsFresh(t *testing.T) {
	store := &fakeSessionStore{sessions: []api.Session{{ID: "s1", Role: api.SessionRoleStandard}}}
	c := NewCoordinator(testConfig(), store, &fakeResolver{})

	first := c.BeginPass(context.Background())
	c.WaitForPass()
	second := c.BeginPass(context.Background())
	c.WaitForPass()
	assert.NotEqual(t, first.PassID, second.PassID)
}

func TestRunPassIsSynchronous(t *testing.T) {
	store := &fakeSessionStore{sessions: []api.Session{
		{ID: "s1", Role: api.SessionRoleStandard},
		{ID: "s2", Role: api.SessionRoleAdmin},
	}}
	c := NewCoordinator(testConfig(), store, &fakeResolver{})

	result := c.RunPass(context.Background())
	assert.Equal(t, 1, result.InvalidatedCount)
	assert.Equal(t, 1, result.SkippedAdmin)

	pass := c.CurrentPass()
	require.NotNil(t, pass)
	assert.Equal(t, api.PassStateCompleted, pass.State)
}

func TestLoginGate(t *testing.T) {
	resolver := &fakeResolver{admins: map[string]bool{"@admin": true}}
	c := NewCoordinator(testConfig(), &fakeSessionStore{}, resolver)

	// Gate open: everyone may log in.
	allowed, err := c.IsLoginAllowed(context.Background(), "@alice")
	require.NoError(t, err)
	assert.True(t, allowed)

	c.SetLoginGate(true)
	assert.True(t, resolver.gate, "resolver must be informed of the gate")

	allowed, err = c.IsLoginAllowed(context.Background(), "@alice")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = c.IsLoginAllowed(context.Background(), "@admin")
	require.NoError(t, err)
	assert.True(t, allowed, "admins may always log in")

	c.SetLoginGate(false)
	allowed, err = c.IsLoginAllowed(context.Background(), "@alice")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestWithRetryRespectsContext(t *testing.T) {
	cfg := testConfig()
	cfg.StoreRetryAttempts = 10
	cfg.StoreRetryBackoffMS = 50
	c := NewCoordinator(cfg, &fakeSessionStore{}, &fakeResolver{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := c.withRetry(ctx, func() error { return errors.New("always fails") })
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "cancelled context must stop the retry loop")
}
