// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package host provides in-process implementations of the collaborator
// interfaces for deployments where the protected platform has not wired its
// own session store, job registry or identity system yet. They are also what
// the standalone binary runs with.
package host

import (
	"context"
	"sync"

	"github.com/element-hq/caretaker/maintenance/api"
	"go.uber.org/atomic"
)

// MemorySessionStore keeps session records in memory.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]api.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: map[string]api.Session{}}
}

// AddSession registers a session. Intended for the embedding platform's
// login path.
func (s *MemorySessionStore) AddSession(session api.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

func (s *MemorySessionStore) ListSessions(ctx context.Context) ([]api.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out, nil
}

func (s *MemorySessionStore) InvalidateSession(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(s.sessions, sessionID)
	return true, nil
}

// memoryJob pairs a handle with its cancellation plumbing.
type memoryJob struct {
	handle api.JobHandle
	cancel chan struct{} // closed on RequestCancel
	done   chan struct{} // closed when the job stops
	once   sync.Once
}

// MemoryJobRegistry tracks in-flight jobs in memory. Jobs registered here
// decide for themselves whether to honour a cancellation request; a job that
// never closes its done channel will be force-terminated by the emergency
// procedure once the grace period elapses.
type MemoryJobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*memoryJob
}

func NewMemoryJobRegistry() *MemoryJobRegistry {
	return &MemoryJobRegistry{jobs: map[string]*memoryJob{}}
}

// Register adds a job and returns the channel the job should watch for
// cancellation requests, plus a completion func the job must call when it
// stops.
func (r *MemoryJobRegistry) Register(handle api.JobHandle) (cancelRequested <-chan struct{}, complete func()) {
	j := &memoryJob{
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	handle.Done = j.done
	j.handle = handle
	r.mu.Lock()
	r.jobs[handle.JobID] = j
	r.mu.Unlock()
	return j.cancel, func() {
		j.once.Do(func() { close(j.done) })
		r.mu.Lock()
		delete(r.jobs, handle.JobID)
		r.mu.Unlock()
	}
}

func (r *MemoryJobRegistry) ListActiveJobs(ctx context.Context) ([]api.JobHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.JobHandle, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.handle)
	}
	return out, nil
}

func (r *MemoryJobRegistry) RequestCancel(ctx context.Context, jobID string) error {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-j.cancel:
	default:
		close(j.cancel)
	}
	return nil
}

func (r *MemoryJobRegistry) ForceTerminate(ctx context.Context, jobID string) error {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	delete(r.jobs, jobID)
	r.mu.Unlock()
	if ok {
		j.once.Do(func() { close(j.done) })
	}
	return nil
}

// StaticIdentityResolver resolves admin capability from a fixed list of
// identities and keeps the login gate as a process-local flag.
type StaticIdentityResolver struct {
	admins      map[string]struct{}
	gateBlocked atomic.Bool
}

func NewStaticIdentityResolver(adminIdentities []string) *StaticIdentityResolver {
	admins := make(map[string]struct{}, len(adminIdentities))
	for _, id := range adminIdentities {
		admins[id] = struct{}{}
	}
	return &StaticIdentityResolver{admins: admins}
}

func (r *StaticIdentityResolver) IsAdmin(ctx context.Context, identity string) (bool, error) {
	_, ok := r.admins[identity]
	return ok, nil
}

func (r *StaticIdentityResolver) SetLoginGate(blocked bool) {
	r.gateBlocked.Store(blocked)
}

// LoginGateBlocked reports the current gate state.
func (r *StaticIdentityResolver) LoginGateBlocked() bool {
	return r.gateBlocked.Load()
}
