// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sessions coordinates the best-effort invalidation of non-privileged
// sessions when a maintenance window begins. The session store itself is an
// external collaborator; per-session failures are collected for audit, never
// treated as fatal.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/caretaker/maintenance/api"
	"github.com/element-hq/caretaker/setup/config"
)

var sessionsInvalidated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "caretaker",
		Subsystem: "sessions",
		Name:      "invalidated",
		Help:      "Total number of session invalidation attempts by outcome",
	},
	[]string{"outcome"},
)

var registerSessionMetrics sync.Once

func init() {
	registerSessionMetrics.Do(func() {
		prometheus.MustRegister(sessionsInvalidated)
	})
}

// Coordinator is the SessionInvalidationCoordinator. It also owns the login
// gate that rejects new non-admin logins while emergency mode is active.
type Coordinator struct {
	cfg      *config.Maintenance
	store    api.SessionStore
	resolver api.IdentityResolver

	loginGate atomic.Bool

	mu      sync.Mutex
	current *api.InvalidationPass
	passWG  sync.WaitGroup
}

func NewCoordinator(cfg *config.Maintenance, store api.SessionStore, resolver api.IdentityResolver) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
	}
}

// InvalidateNonPrivileged enumerates sessions and invalidates every non-admin
// one. Store errors are retried up to the configured bound, then collected
// into the result. The operation completes best-effort: it never returns an
// error for individual session failures, only when the session list itself
// cannot be fetched.
func (c *Coordinator) InvalidateNonPrivileged(ctx context.Context) (api.InvalidationResult, error) {
	var result api.InvalidationResult

	var sessions []api.Session
	err := c.withRetry(ctx, func() error {
		var listErr error
		sessions, listErr = c.store.ListSessions(ctx)
		return listErr
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to enumerate sessions for invalidation")
		result.Failures = append(result.Failures, api.SessionFailure{
			SessionID: "*",
			Error:     err.Error(),
		})
		return result, api.TransientStoreError(err)
	}

	for _, session := range sessions {
		if session.Role == api.SessionRoleAdmin {
			result.SkippedAdmin++
			continue
		}
		sessionID := session.ID
		err := c.withRetry(ctx, func() error {
			_, invErr := c.store.InvalidateSession(ctx, sessionID)
			return invErr
		})
		if err != nil {
			sessionsInvalidated.WithLabelValues("failed").Inc()
			result.Failures = append(result.Failures, api.SessionFailure{
				SessionID: sessionID,
				Error:     err.Error(),
			})
			continue
		}
		sessionsInvalidated.WithLabelValues("invalidated").Inc()
		result.InvalidatedCount++
	}

	logrus.WithFields(logrus.Fields{
		"invalidated":   result.InvalidatedCount,
		"skipped_admin": result.SkippedAdmin,
		"failures":      len(result.Failures),
	}).Info("Session invalidation pass complete")
	return result, nil
}

// BeginPass starts an invalidation pass on a background worker and returns
// its progress record immediately. If a pass is already running the running
// pass is returned instead, so two racing transitions never invalidate the
// same sessions twice concurrently.
func (c *Coordinator) BeginPass(ctx context.Context) *api.InvalidationPass {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.State == api.PassStateRunning {
		return copyPass(c.current)
	}

	pass := &api.InvalidationPass{
		PassID:    uuid.NewString(),
		State:     api.PassStateRunning,
		StartedAt: time.Now().UTC(),
	}
	c.current = pass

	c.passWG.Add(1)
	go func() {
		defer c.passWG.Done()
		// The pass must survive the triggering request's lifetime.
		result, _ := c.InvalidateNonPrivileged(context.Background())

		c.mu.Lock()
		defer c.mu.Unlock()
		pass.Result = result
		pass.State = api.PassStateCompleted
		pass.CompletedAt = time.Now().UTC()
	}()

	return copyPass(pass)
}

// RunPass records a pass and runs it synchronously on the calling goroutine.
// The emergency procedure uses this so invalidation finishes before job
// termination begins while progress stays observable via CurrentPass.
func (c *Coordinator) RunPass(ctx context.Context) api.InvalidationResult {
	pass := &api.InvalidationPass{
		PassID:    uuid.NewString(),
		State:     api.PassStateRunning,
		StartedAt: time.Now().UTC(),
	}
	c.mu.Lock()
	c.current = pass
	c.mu.Unlock()

	result, _ := c.InvalidateNonPrivileged(ctx)

	c.mu.Lock()
	pass.Result = result
	pass.State = api.PassStateCompleted
	pass.CompletedAt = time.Now().UTC()
	c.mu.Unlock()
	return result
}

// CurrentPass returns a copy of the most recent invalidation pass, or nil if
// none has run. "Invalidation in progress" is observable here rather than
// hidden behind the triggering admin call.
func (c *Coordinator) CurrentPass() *api.InvalidationPass {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return copyPass(c.current)
}

// WaitForPass blocks until the running pass, if any, completes. Used on
// shutdown and in tests.
func (c *Coordinator) WaitForPass() {
	c.passWG.Wait()
}

// SetLoginGate flips the gate that rejects new non-admin logins. The external
// identity resolver is informed so the login path can consult its own copy.
func (c *Coordinator) SetLoginGate(blocked bool) {
	c.loginGate.Store(blocked)
	c.resolver.SetLoginGate(blocked)
	logrus.WithField("blocked", blocked).Info("Login gate updated")
}

// IsLoginAllowed reports whether the given identity may establish a new
// session. Admins may always log in; everyone else is gated while emergency
// mode is active.
func (c *Coordinator) IsLoginAllowed(ctx context.Context, identity string) (bool, error) {
	if !c.loginGate.Load() {
		return true, nil
	}
	isAdmin, err := c.resolver.IsAdmin(ctx, identity)
	if err != nil {
		return false, err
	}
	return isAdmin, nil
}

// withRetry runs fn up to the configured attempt bound with doubling backoff.
// There is no unbounded retry anywhere in this subsystem.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	attempts := c.cfg.StoreRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := c.cfg.StoreRetryBackoff()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return err
}

func copyPass(pass *api.InvalidationPass) *api.InvalidationPass {
	cp := *pass
	cp.Result.Failures = append([]api.SessionFailure(nil), pass.Result.Failures...)
	return &cp
}
