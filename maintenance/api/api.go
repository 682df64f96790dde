// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"sort"
	"time"
)

// Mode is the current maintenance mode of the protected service.
type Mode string

const (
	// ModeInactive means no maintenance is in progress and nothing is blocked.
	ModeInactive Mode = "inactive"
	// ModeNormal blocks every operation type except admin and read operations.
	ModeNormal Mode = "normal"
	// ModeEmergency additionally blocks read operations and forces session
	// invalidation plus bounded job termination.
	ModeEmergency Mode = "emergency"
	// ModeTest runs classification and logging but blocks nothing. It exists
	// so operators can rehearse a maintenance window against live traffic.
	ModeTest Mode = "test"
)

// Active reports whether the mode restricts or simulates restricting traffic.
func (m Mode) Active() bool {
	return m == ModeNormal || m == ModeEmergency || m == ModeTest
}

// Valid reports whether the mode is one of the known values.
func (m Mode) Valid() bool {
	switch m {
	case ModeInactive, ModeNormal, ModeEmergency, ModeTest:
		return true
	}
	return false
}

// OperationType is the semantic category an inbound request is classified
// into. Blocking decisions are made per type, never per request path.
type OperationType string

const (
	OperationCaptionGeneration    OperationType = "caption_generation"
	OperationJobCreation          OperationType = "job_creation"
	OperationPlatformOperations   OperationType = "platform_operations"
	OperationBatchOperations      OperationType = "batch_operations"
	OperationUserDataModification OperationType = "user_data_modification"
	OperationImageProcessing      OperationType = "image_processing"
	OperationAdminOperations      OperationType = "admin_operations"
	OperationReadOperations       OperationType = "read_operations"
)

// BuiltinOperationTypes returns the closed set of operation types that ship
// with the default classifier ruleset. Custom types registered from config
// are not included.
func BuiltinOperationTypes() []OperationType {
	return []OperationType{
		OperationCaptionGeneration,
		OperationJobCreation,
		OperationPlatformOperations,
		OperationBatchOperations,
		OperationUserDataModification,
		OperationImageProcessing,
		OperationAdminOperations,
		OperationReadOperations,
	}
}

// Status is the single authoritative maintenance record. Instances are
// immutable once published: the state service builds a fresh Status for every
// committed transition and swaps it in atomically, so holders of a *Status
// may read it without locking.
type Status struct {
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason"`
	// StartedAt is when the current mode was entered. Zero when inactive.
	StartedAt time.Time `json:"started_at"`
	// EstimatedDurationSeconds is the operator's estimate for how long the
	// maintenance window lasts. Zero means no estimate was given.
	EstimatedDurationSeconds int64 `json:"estimated_duration_seconds,omitempty"`
	// TriggeredBy identifies the admin who requested the transition.
	TriggeredBy string `json:"triggered_by,omitempty"`
	// Version increases by one for every committed transition. Readers use it
	// for read-after-write consistency checks.
	Version uint64 `json:"version"`
}

// EstimatedCompletion returns the expected end of the maintenance window, if
// an estimate was provided.
func (s *Status) EstimatedCompletion() (time.Time, bool) {
	if s == nil || !s.Mode.Active() || s.EstimatedDurationSeconds <= 0 {
		return time.Time{}, false
	}
	return s.StartedAt.Add(time.Duration(s.EstimatedDurationSeconds) * time.Second), true
}

// BlockingPolicy maps each mode to the set of operation types denied in that
// mode. It is built once at startup and read concurrently without locking.
// Admin operations can never be added to any blocked set.
type BlockingPolicy struct {
	blocked map[Mode]map[OperationType]struct{}
}

// NewBlockingPolicy builds the default policy over the given set of known
// operation types (builtin plus any custom types the classifier registers):
// normal mode blocks everything except admin and read operations, emergency
// mode blocks everything except admin operations, test and inactive modes
// block nothing.
func NewBlockingPolicy(known []OperationType) *BlockingPolicy {
	p := &BlockingPolicy{
		blocked: map[Mode]map[OperationType]struct{}{
			ModeNormal:    {},
			ModeEmergency: {},
		},
	}
	for _, op := range known {
		if op == OperationAdminOperations {
			continue
		}
		if op != OperationReadOperations {
			p.blocked[ModeNormal][op] = struct{}{}
		}
		p.blocked[ModeEmergency][op] = struct{}{}
	}
	return p
}

// IsBlocked reports whether the operation type is denied in the given mode.
// Admin operations are never blocked, regardless of what the policy data
// says.
func (p *BlockingPolicy) IsBlocked(mode Mode, op OperationType) bool {
	if op == OperationAdminOperations {
		return false
	}
	set, ok := p.blocked[mode]
	if !ok {
		return false
	}
	_, blocked := set[op]
	return blocked
}

// BlockedOperations returns the sorted list of operation types denied in the
// given mode.
func (p *BlockingPolicy) BlockedOperations(mode Mode) []OperationType {
	set, ok := p.blocked[mode]
	if !ok {
		return nil
	}
	ops := make([]OperationType, 0, len(set))
	for op := range set {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// SessionRole distinguishes admin sessions, which survive maintenance, from
// standard sessions, which are invalidated.
type SessionRole string

const (
	SessionRoleAdmin    SessionRole = "admin"
	SessionRoleStandard SessionRole = "standard"
)

// Session is a reference to a session record owned by the external session
// store. This subsystem only ever triggers invalidation; it never creates or
// refreshes sessions.
type Session struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Role      SessionRole `json:"role"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// SessionFailure records a single session the store failed to invalidate.
type SessionFailure struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// InvalidationResult is the outcome of one best-effort invalidation pass over
// the session store.
type InvalidationResult struct {
	InvalidatedCount int              `json:"invalidated_count"`
	SkippedAdmin     int              `json:"skipped_admin"`
	Failures         []SessionFailure `json:"failures,omitempty"`
}

// PassState describes the lifecycle of an invalidation pass.
type PassState string

const (
	PassStateRunning   PassState = "running"
	PassStateCompleted PassState = "completed"
)

// InvalidationPass is the observable progress record for a session
// invalidation pass running on a background worker.
type InvalidationPass struct {
	PassID      string             `json:"pass_id"`
	State       PassState          `json:"state"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
	Result      InvalidationResult `json:"result"`
}

// JobHandle refers to an in-flight background job owned by the external job
// registry. Done is closed by the registry once the job has stopped, whether
// it completed or honoured a cancellation request.
type JobHandle struct {
	JobID     string
	Kind      string
	StartedAt time.Time
	Done      <-chan struct{}
}

// JobTermination records the outcome of terminating one job during emergency
// activation. Forced is true when the job blew through the grace period and
// had to be force-terminated.
type JobTermination struct {
	JobID  string `json:"job_id"`
	Kind   string `json:"kind,omitempty"`
	Forced bool   `json:"forced"`
	Error  string `json:"error,omitempty"`
}

// ResolutionStatus is the overall outcome recorded on an emergency event.
type ResolutionStatus string

const (
	ResolutionActivated        ResolutionStatus = "activated"
	ResolutionActivationFailed ResolutionStatus = "activation_failed"
)

// EmergencyEvent is the append-only audit record written for every emergency
// activation, including ones that failed validation. It is immutable after
// write; callers that need to know whether an activation "fully succeeded"
// must inspect the failure fields here rather than the activation's return
// code.
type EmergencyEvent struct {
	EventID          string             `json:"event_id"`
	CreatedAt        time.Time          `json:"created_at"`
	Reason           string             `json:"reason"`
	TriggeredBy      string             `json:"triggered_by,omitempty"`
	Sessions         InvalidationResult `json:"sessions"`
	Jobs             []JobTermination   `json:"jobs,omitempty"`
	ResolutionStatus ResolutionStatus   `json:"resolution_status"`
}

// ForcedJobCount returns how many jobs had to be force-terminated.
func (e *EmergencyEvent) ForcedJobCount() int {
	n := 0
	for _, j := range e.Jobs {
		if j.Forced {
			n++
		}
	}
	return n
}

// SessionStore is the narrow interface to the external session store.
type SessionStore interface {
	ListSessions(ctx context.Context) ([]Session, error)
	// InvalidateSession removes or marks the session so its holder is no
	// longer authenticated. The boolean reports whether the session existed.
	InvalidateSession(ctx context.Context, sessionID string) (bool, error)
}

// JobRegistry is the narrow interface to the external background job queue.
type JobRegistry interface {
	ListActiveJobs(ctx context.Context) ([]JobHandle, error)
	RequestCancel(ctx context.Context, jobID string) error
	ForceTerminate(ctx context.Context, jobID string) error
}

// IdentityResolver is the narrow interface to the external identity system.
// Admin capability checks and login gating both belong to the collaborator;
// this subsystem only flips the gate.
type IdentityResolver interface {
	IsAdmin(ctx context.Context, identity string) (bool, error)
	SetLoginGate(blocked bool)
}

// EnableRequest carries the parameters of an enable transition.
type EnableRequest struct {
	Reason          string `json:"reason"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
	Mode            Mode   `json:"mode"`
	TriggeredBy     string `json:"-"`
}

// StatusReport is the read-only projection returned by status queries.
type StatusReport struct {
	IsActive                 bool              `json:"is_active"`
	Mode                     Mode              `json:"mode"`
	Reason                   string            `json:"reason,omitempty"`
	EstimatedDurationSeconds int64             `json:"estimated_duration_seconds,omitempty"`
	StartedAt                *time.Time        `json:"started_at,omitempty"`
	EstimatedCompletion      *time.Time        `json:"estimated_completion,omitempty"`
	BlockedOperationTypes    []OperationType   `json:"blocked_operation_types"`
	Message                  string            `json:"message"`
	Invalidation             *InvalidationPass `json:"invalidation,omitempty"`
	Version                  uint64            `json:"version"`
}
