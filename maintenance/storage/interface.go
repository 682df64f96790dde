// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/element-hq/caretaker/maintenance/api"
)

// Database persists the maintenance status record across restarts and keeps
// the append-only emergency event journal.
type Database interface {
	SelectMaintenanceStatus(ctx context.Context) (*api.Status, error)
	UpsertMaintenanceStatus(ctx context.Context, status *api.Status) error
	InsertEmergencyEvent(ctx context.Context, event *api.EmergencyEvent) error
	SelectRecentEmergencyEvents(ctx context.Context, limit int) ([]api.EmergencyEvent, error)
}
