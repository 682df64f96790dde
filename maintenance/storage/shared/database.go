// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/element-hq/caretaker/maintenance/api"
	"github.com/element-hq/caretaker/maintenance/storage/tables"
)

// maintenanceStatusKey is the key the authoritative status record is
// persisted under in the config table.
const maintenanceStatusKey = "maintenance_status"

// Database wires the flavour-specific tables into the storage interface.
type Database struct {
	DB              *sql.DB
	Config          tables.ConfigTable
	EmergencyEvents tables.EmergencyEventsTable
}

// SelectMaintenanceStatus returns the persisted status record, or nil if none
// has ever been stored. An unparseable record is returned as a
// StateCorruptionError; the caller decides the fail-safe behaviour.
func (d *Database) SelectMaintenanceStatus(ctx context.Context) (*api.Status, error) {
	value, ok, err := d.Config.SelectValue(ctx, nil, maintenanceStatusKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var status api.Status
	if err := json.Unmarshal([]byte(value), &status); err != nil {
		return nil, api.StateCorruptionError(fmt.Errorf("persisted maintenance status is not valid JSON: %w", err))
	}
	if !status.Mode.Valid() {
		return nil, api.StateCorruptionError(fmt.Errorf("persisted maintenance status has unknown mode %q", status.Mode))
	}
	return &status, nil
}

// UpsertMaintenanceStatus persists the status record.
func (d *Database) UpsertMaintenanceStatus(ctx context.Context, status *api.Status) error {
	value, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return d.Config.UpsertValue(ctx, nil, maintenanceStatusKey, string(value))
}

// InsertEmergencyEvent appends one audit record to the journal.
func (d *Database) InsertEmergencyEvent(ctx context.Context, event *api.EmergencyEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return d.EmergencyEvents.InsertEvent(ctx, nil, tables.EmergencyEventRow{
		EventID:          event.EventID,
		CreatedTS:        event.CreatedAt,
		Reason:           event.Reason,
		TriggeredBy:      event.TriggeredBy,
		ResolutionStatus: string(event.ResolutionStatus),
		Payload:          string(payload),
	})
}

// SelectRecentEmergencyEvents returns up to limit events, newest first.
func (d *Database) SelectRecentEmergencyEvents(ctx context.Context, limit int) ([]api.EmergencyEvent, error) {
	rows, err := d.EmergencyEvents.SelectRecentEvents(ctx, nil, limit)
	if err != nil {
		return nil, err
	}
	events := make([]api.EmergencyEvent, 0, len(rows))
	for _, row := range rows {
		var event api.EmergencyEvent
		if err := json.Unmarshal([]byte(row.Payload), &event); err != nil {
			return nil, fmt.Errorf("emergency event %s has corrupt payload: %w", row.EventID, err)
		}
		events = append(events, event)
	}
	return events, nil
}
