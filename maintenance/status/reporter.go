// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package status projects the maintenance state into the read-only shape
// served to external status queries. It never mutates anything.
package status

import (
	"fmt"

	"github.com/element-hq/caretaker/maintenance/api"
)

// SnapshotSource yields the latest published maintenance status.
type SnapshotSource interface {
	CurrentSnapshot() *api.Status
}

// PassSource yields the most recent session invalidation pass, if any.
type PassSource interface {
	CurrentPass() *api.InvalidationPass
}

// Reporter is the StatusReporter.
type Reporter struct {
	source SnapshotSource
	policy *api.BlockingPolicy
	passes PassSource
}

func NewReporter(source SnapshotSource, policy *api.BlockingPolicy, passes PassSource) *Reporter {
	return &Reporter{
		source: source,
		policy: policy,
		passes: passes,
	}
}

// Report builds the status projection from the current snapshot. It performs
// no I/O and is safe to call from any goroutine.
func (r *Reporter) Report() api.StatusReport {
	snapshot := r.source.CurrentSnapshot()
	report := api.StatusReport{
		IsActive:              snapshot.Mode.Active(),
		Mode:                  snapshot.Mode,
		Reason:                snapshot.Reason,
		BlockedOperationTypes: r.policy.BlockedOperations(snapshot.Mode),
		Version:               snapshot.Version,
	}
	if report.BlockedOperationTypes == nil {
		report.BlockedOperationTypes = []api.OperationType{}
	}
	if snapshot.Mode.Active() {
		startedAt := snapshot.StartedAt
		report.StartedAt = &startedAt
		report.EstimatedDurationSeconds = snapshot.EstimatedDurationSeconds
		if completion, ok := snapshot.EstimatedCompletion(); ok {
			report.EstimatedCompletion = &completion
		}
	}
	report.Message = message(snapshot)
	if r.passes != nil {
		report.Invalidation = r.passes.CurrentPass()
	}
	return report
}

func message(snapshot *api.Status) string {
	switch snapshot.Mode {
	case api.ModeNormal:
		if completion, ok := snapshot.EstimatedCompletion(); ok {
			return fmt.Sprintf("The service is undergoing maintenance, expected to finish by %s.", completion.UTC().Format("15:04 MST on 2 Jan 2006"))
		}
		return "The service is undergoing maintenance. Read access remains available."
	case api.ModeEmergency:
		return "The service is in emergency maintenance. Only administrators can access it."
	case api.ModeTest:
		return "A maintenance rehearsal is running. No operations are blocked."
	default:
		return "The service is operating normally."
	}
}
