// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state owns the single authoritative maintenance status record.
// Transitions serialize on one writer mutex; reads go through an immutable
// snapshot that is swapped atomically on every commit, so the request hot
// path never takes a lock.
package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/caretaker/maintenance/api"
	"github.com/element-hq/caretaker/maintenance/storage"
	"github.com/element-hq/caretaker/setup/config"
)

var transitionsCommitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "caretaker",
		Subsystem: "state",
		Name:      "transitions_committed",
		Help:      "Total number of committed maintenance mode transitions",
	},
	[]string{"mode"},
)

var registerStateMetrics sync.Once

func init() {
	registerStateMetrics.Do(func() {
		prometheus.MustRegister(transitionsCommitted)
	})
}

// TransitionListener is invoked after a transition commits, while the writer
// mutex is still held; invocations therefore arrive in commit order.
// Listeners must not block: anything expensive belongs on a goroutine.
type TransitionListener func(oldStatus, newStatus *api.Status)

// Service is the MaintenanceStateService. One instance exists per process.
type Service struct {
	cfg *config.Maintenance
	db  storage.Database

	// OnCriticalError is called when the persisted status is unreadable on
	// load. The default implementation only logs; the main process wires this
	// to Sentry.
	OnCriticalError func(error)

	mu        sync.Mutex
	snapshot  atomic.Pointer[api.Status]
	listeners []TransitionListener
	persistWG sync.WaitGroup
}

// NewService returns a state service whose snapshot starts Inactive. Call
// Load before serving to restore any persisted state.
func NewService(cfg *config.Maintenance, db storage.Database) *Service {
	s := &Service{
		cfg: cfg,
		db:  db,
	}
	s.snapshot.Store(&api.Status{Mode: api.ModeInactive})
	return s
}

// AddListener registers a transition listener. Listeners are registered
// during startup, before the first transition can happen.
func (s *Service) AddListener(listener TransitionListener) {
	s.listeners = append(s.listeners, listener)
}

// Load restores the persisted status record. A record that cannot be parsed
// fails safe: the service stays Inactive, logs the corruption, raises the
// critical error hook and repairs the stored record. It deliberately does not
// fail closed into blocking everything, and it does not abort startup.
func (s *Service) Load(ctx context.Context) error {
	status, err := s.db.SelectMaintenanceStatus(ctx)
	if err != nil {
		var ce api.CaretakerError
		if errors.As(err, &ce) && ce.ErrCode == api.ErrCodeStateCorruption {
			logrus.WithError(err).Error("Persisted maintenance status is corrupt, failing safe to inactive")
			if s.OnCriticalError != nil {
				s.OnCriticalError(err)
			}
			inactive := &api.Status{Mode: api.ModeInactive}
			s.snapshot.Store(inactive)
			s.persistAsync(inactive)
			return nil
		}
		return err
	}
	if status == nil {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"mode":    status.Mode,
		"version": status.Version,
	}).Info("Restored persisted maintenance status")
	s.snapshot.Store(status)
	return nil
}

// CurrentSnapshot returns the latest published status. The returned value is
// immutable and safe to retain. Visibility is monotonic: once any caller has
// observed version N, no caller observes a version below N.
func (s *Service) CurrentSnapshot() *api.Status {
	return s.snapshot.Load()
}

// Enable transitions into normal or test maintenance. Callers queue on the
// writer mutex rather than receiving a concurrency error; both of two racing
// enables succeed, each with its own version increment.
func (s *Service) Enable(ctx context.Context, req api.EnableRequest) (*api.Status, error) {
	if req.Reason == "" {
		return nil, api.ValidationError("a reason is required to enable maintenance mode")
	}
	if req.Mode == api.ModeEmergency {
		return nil, api.ValidationError("emergency mode cannot be entered via enable, use emergency activation")
	}
	if req.Mode != api.ModeNormal && req.Mode != api.ModeTest {
		return nil, api.ValidationError("unknown maintenance mode %q", req.Mode)
	}
	if req.DurationSeconds < 0 {
		return nil, api.ValidationError("duration must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snapshot.Load()
	if old.Mode == api.ModeEmergency {
		return nil, api.ValidationError("emergency mode is active, deactivate it before changing modes")
	}

	startedAt := time.Now().UTC()
	if old.Mode == req.Mode {
		// Re-enabling the same mode adjusts reason and estimate without
		// restarting the window.
		startedAt = old.StartedAt
	}
	next := &api.Status{
		Mode:                     req.Mode,
		Reason:                   req.Reason,
		StartedAt:                startedAt,
		EstimatedDurationSeconds: req.DurationSeconds,
		TriggeredBy:              req.TriggeredBy,
		Version:                  old.Version + 1,
	}
	s.commitLocked(old, next)
	return next, nil
}

// Disable returns the service to Inactive from any active mode. Disabling an
// already inactive service is a no-op and does not bump the version.
func (s *Service) Disable(ctx context.Context, triggeredBy string) (*api.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snapshot.Load()
	if !old.Mode.Active() {
		return old, nil
	}
	next := &api.Status{
		Mode:        api.ModeInactive,
		TriggeredBy: triggeredBy,
		Version:     old.Version + 1,
	}
	s.commitLocked(old, next)
	return next, nil
}

// ActivateEmergency transitions into emergency mode from any state. It is
// idempotent: activating while already in emergency returns the current
// status unchanged and reports changed=false so callers skip the session and
// job procedures.
func (s *Service) ActivateEmergency(ctx context.Context, reason, triggeredBy string) (status *api.Status, changed bool, err error) {
	if reason == "" {
		return nil, false, api.ValidationError("a reason is required to activate emergency mode")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snapshot.Load()
	if old.Mode == api.ModeEmergency {
		return old, false, nil
	}
	next := &api.Status{
		Mode:        api.ModeEmergency,
		Reason:      reason,
		StartedAt:   time.Now().UTC(),
		TriggeredBy: triggeredBy,
		Version:     old.Version + 1,
	}
	s.commitLocked(old, next)
	return next, true, nil
}

// commitLocked publishes the new snapshot, kicks off persistence and notifies
// listeners. The caller holds the writer mutex, so snapshots and listener
// invocations happen in commit order and no reader ever observes a
// half-applied status.
func (s *Service) commitLocked(old, next *api.Status) {
	s.snapshot.Store(next)
	transitionsCommitted.WithLabelValues(string(next.Mode)).Inc()
	logrus.WithFields(logrus.Fields{
		"old_mode":     old.Mode,
		"new_mode":     next.Mode,
		"reason":       next.Reason,
		"triggered_by": next.TriggeredBy,
		"version":      next.Version,
	}).Info("Maintenance mode transition committed")
	s.persistAsync(next)
	for _, listener := range s.listeners {
		listener(old, next)
	}
}

// persistAsync writes the status record to the durable store on a background
// goroutine with bounded retry. A transition commit never waits on the store.
func (s *Service) persistAsync(status *api.Status) {
	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		backoff := s.cfg.StoreRetryBackoff()
		var err error
		for attempt := 1; attempt <= s.cfg.StoreRetryAttempts; attempt++ {
			if err = s.db.UpsertMaintenanceStatus(ctx, status); err == nil {
				return
			}
			logrus.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"version": status.Version,
			}).Warn("Failed to persist maintenance status, will retry")
			if attempt < s.cfg.StoreRetryAttempts {
				time.Sleep(backoff)
				backoff *= 2
			}
		}
		// The in-memory snapshot is still authoritative for this process; a
		// restart before the next successful write loses the transition.
		logrus.WithError(err).WithField("version", status.Version).
			Error("Giving up persisting maintenance status after bounded retries")
	}()
}

// WaitForPendingWrites blocks until in-flight persistence goroutines finish.
// Used on shutdown and in tests.
func (s *Service) WaitForPendingWrites() {
	s.persistWG.Wait()
}
