// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package emergency orchestrates emergency escalation: the state transition,
// the session invalidation pass, bounded job termination and the audit event.
// The orchestration is explicitly not a two-phase atomic operation — partial
// failures after the transition commits leave the mode Emergency and are
// surfaced only through the audit record.
package emergency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/caretaker/maintenance/api"
	"github.com/element-hq/caretaker/maintenance/sessions"
	"github.com/element-hq/caretaker/maintenance/state"
	"github.com/element-hq/caretaker/maintenance/storage"
	"github.com/element-hq/caretaker/setup/config"
)

var jobsTerminated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "caretaker",
		Subsystem: "emergency",
		Name:      "jobs_terminated",
		Help:      "Total number of background jobs terminated during emergency activation",
	},
	[]string{"forced"},
)

var registerEmergencyMetrics sync.Once

func init() {
	registerEmergencyMetrics.Do(func() {
		prometheus.MustRegister(jobsTerminated)
	})
}

// Notifier publishes an emergency event to the notification dispatcher.
// Publishing is fire-and-forget; errors are logged by the implementation.
type Notifier interface {
	NotifyEmergency(event *api.EmergencyEvent)
}

// Handler is the EmergencyProcedureHandler.
type Handler struct {
	cfg      *config.Maintenance
	state    *state.Service
	sessions *sessions.Coordinator
	jobs     api.JobRegistry
	db       storage.Database
	notifier Notifier

	procWG sync.WaitGroup
}

func NewHandler(
	cfg *config.Maintenance,
	stateSvc *state.Service,
	coordinator *sessions.Coordinator,
	jobs api.JobRegistry,
	db storage.Database,
	notifier Notifier,
) *Handler {
	return &Handler{
		cfg:      cfg,
		state:    stateSvc,
		sessions: coordinator,
		jobs:     jobs,
		db:       db,
		notifier: notifier,
	}
}

// Activation is returned to the caller as soon as the state transition
// commits. The remaining procedure steps run on a background worker; Done is
// closed once they finish and the audit event is written.
type Activation struct {
	EventID       string
	Status        *api.Status
	AlreadyActive bool
	Done          <-chan struct{}
}

// Activate runs the emergency escalation sequence. If the state transition
// fails, no further steps run, but an audit event recording the failed
// activation is still written. If emergency mode is already active the call
// is idempotent: no second audit event, no second invalidation pass.
func (h *Handler) Activate(ctx context.Context, reason, triggeredBy string) (*Activation, error) {
	status, changed, err := h.state.ActivateEmergency(ctx, reason, triggeredBy)
	if err != nil {
		h.persistEvent(&api.EmergencyEvent{
			EventID:          uuid.NewString(),
			CreatedAt:        time.Now().UTC(),
			Reason:           reason,
			TriggeredBy:      triggeredBy,
			ResolutionStatus: api.ResolutionActivationFailed,
		})
		return nil, err
	}

	if !changed {
		done := make(chan struct{})
		close(done)
		logrus.WithField("reason", reason).Info("Emergency activation requested while already active, no-op")
		return &Activation{Status: status, AlreadyActive: true, Done: done}, nil
	}

	h.sessions.SetLoginGate(true)

	eventID := uuid.NewString()
	done := make(chan struct{})
	h.procWG.Add(1)
	go func() {
		defer h.procWG.Done()
		defer close(done)
		// Once requested, the procedure runs to completion or timeout; it
		// outlives the triggering request and cannot be cancelled mid-flight.
		h.runProcedure(context.Background(), eventID, reason, triggeredBy)
	}()

	return &Activation{EventID: eventID, Status: status, Done: done}, nil
}

func (h *Handler) runProcedure(ctx context.Context, eventID, reason, triggeredBy string) {
	log := logrus.WithFields(logrus.Fields{
		"event_id":     eventID,
		"reason":       reason,
		"triggered_by": triggeredBy,
	})
	log.Warn("Running emergency maintenance procedure")

	sessionResult := h.sessions.RunPass(ctx)
	jobResults := h.terminateJobs(ctx)

	event := &api.EmergencyEvent{
		EventID:          eventID,
		CreatedAt:        time.Now().UTC(),
		Reason:           reason,
		TriggeredBy:      triggeredBy,
		Sessions:         sessionResult,
		Jobs:             jobResults,
		ResolutionStatus: api.ResolutionActivated,
	}
	h.persistEvent(event)
	if h.notifier != nil {
		h.notifier.NotifyEmergency(event)
	}

	log.WithFields(logrus.Fields{
		"sessions_invalidated": sessionResult.InvalidatedCount,
		"session_failures":     len(sessionResult.Failures),
		"jobs_terminated":      len(jobResults),
		"jobs_forced":          event.ForcedJobCount(),
	}).Warn("Emergency maintenance procedure complete")
}

// terminateJobs requests graceful cancellation of every active job and waits
// up to the grace period for each to stop. The grace period is a hard
// timeout: a job still running when it expires is force-terminated and tagged
// forced=true. Waits run in parallel so the whole phase is bounded by one
// grace period, not one per job.
func (h *Handler) terminateJobs(ctx context.Context) []api.JobTermination {
	jobs, err := h.jobs.ListActiveJobs(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to enumerate active jobs for emergency termination")
		return []api.JobTermination{{JobID: "*", Error: err.Error()}}
	}
	if len(jobs) == 0 {
		return nil
	}

	results := make([]api.JobTermination, len(jobs))
	var group errgroup.Group
	for i, job := range jobs {
		i, job := i, job
		group.Go(func() error {
			results[i] = h.terminateJob(ctx, job)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (h *Handler) terminateJob(ctx context.Context, job api.JobHandle) api.JobTermination {
	term := api.JobTermination{JobID: job.JobID, Kind: job.Kind}
	if err := h.jobs.RequestCancel(ctx, job.JobID); err != nil {
		logrus.WithError(err).WithField("job_id", job.JobID).
			Warn("Graceful cancellation request failed, will force-terminate after grace period")
		term.Error = err.Error()
	}

	timer := time.NewTimer(h.cfg.GracePeriod())
	defer timer.Stop()
	select {
	case <-job.Done:
		jobsTerminated.WithLabelValues("false").Inc()
		term.Forced = false
		return term
	case <-timer.C:
	}

	term.Forced = true
	jobsTerminated.WithLabelValues("true").Inc()
	if err := h.jobs.ForceTerminate(ctx, job.JobID); err != nil {
		logrus.WithError(err).WithField("job_id", job.JobID).Error("Force-terminate failed")
		term.Error = err.Error()
	}
	return term
}

// persistEvent writes the audit record with bounded retry. An event that
// cannot be written after the retry bound is logged and dropped; the mode
// transition it describes has already committed.
func (h *Handler) persistEvent(event *api.EmergencyEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	backoff := h.cfg.StoreRetryBackoff()
	var err error
	for attempt := 1; attempt <= h.cfg.StoreRetryAttempts; attempt++ {
		if err = h.db.InsertEmergencyEvent(ctx, event); err == nil {
			return
		}
		if attempt < h.cfg.StoreRetryAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	logrus.WithError(err).WithField("event_id", event.EventID).
		Error("Giving up persisting emergency event after bounded retries")
}

// Deactivate leaves emergency mode. The confirmation flag must be explicit —
// it is a parameter, never inferred. Sessions are not restored (users must
// re-authenticate) but the login gate is cleared.
func (h *Handler) Deactivate(ctx context.Context, confirm bool, triggeredBy string) (*api.Status, error) {
	if !confirm {
		return nil, api.ValidationError("emergency deactivation requires explicit confirmation")
	}
	status, err := h.state.Disable(ctx, triggeredBy)
	if err != nil {
		return nil, err
	}
	h.sessions.SetLoginGate(false)
	logrus.WithField("triggered_by", triggeredBy).Warn("Emergency maintenance deactivated")
	return status, nil
}

// WaitForProcedures blocks until background emergency procedures finish. Used
// on shutdown and in tests.
func (h *Handler) WaitForProcedures() {
	h.procWG.Wait()
}
