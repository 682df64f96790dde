// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package host

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/caretaker/maintenance/api"
)

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	store.AddSession(api.Session{ID: "s1", UserID: "@alice", Role: api.SessionRoleStandard})
	store.AddSession(api.Session{ID: "s2", UserID: "@admin", Role: api.SessionRoleAdmin})

	listed, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	existed, err := store.InvalidateSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.InvalidateSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, existed, "already invalidated")

	listed, err = store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "s2", listed[0].ID)
}

func TestMemoryJobRegistryCooperativeCancel(t *testing.T) {
	registry := NewMemoryJobRegistry()
	ctx := context.Background()

	cancelRequested, complete := registry.Register(api.JobHandle{JobID: "job-1", Kind: "export", StartedAt: time.Now()})

	jobs, err := registry.ListActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	done := jobs[0].Done

	require.NoError(t, registry.RequestCancel(ctx, "job-1"))
	select {
	case <-cancelRequested:
	default:
		t.Fatal("cancellation was not signalled to the job")
	}

	// The job honours the request.
	complete()
	select {
	case <-done:
	default:
		t.Fatal("done channel not closed after completion")
	}

	jobs, err = registry.ListActiveJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestMemoryJobRegistryForceTerminate(t *testing.T) {
	registry := NewMemoryJobRegistry()
	ctx := context.Background()

	_, complete := registry.Register(api.JobHandle{JobID: "stuck", StartedAt: time.Now()})

	jobs, err := registry.ListActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	done := jobs[0].Done

	require.NoError(t, registry.ForceTerminate(ctx, "stuck"))
	select {
	case <-done:
	default:
		t.Fatal("force-terminate must close the done channel")
	}

	// Completing after a force-terminate must not panic.
	complete()

	// Unknown jobs are a no-op.
	assert.NoError(t, registry.RequestCancel(ctx, "unknown"))
	assert.NoError(t, registry.ForceTerminate(ctx, "unknown"))
}

func TestStaticIdentityResolver(t *testing.T) {
	resolver := NewStaticIdentityResolver([]string{"@admin", "@ops"})
	ctx := context.Background()

	isAdmin, err := resolver.IsAdmin(ctx, "@admin")
	require.NoError(t, err)
	assert.True(t, isAdmin)

	isAdmin, err = resolver.IsAdmin(ctx, "@alice")
	require.NoError(t, err)
	assert.False(t, isAdmin)

	assert.False(t, resolver.LoginGateBlocked())
	resolver.SetLoginGate(true)
	assert.True(t, resolver.LoginGateBlocked())
	resolver.SetLoginGate(false)
	assert.False(t, resolver.LoginGateBlocked())
}
