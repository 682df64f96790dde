// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"
	"time"
)

// ConfigTable is the durable key/value store the maintenance status record is
// persisted into. Values are JSON documents.
type ConfigTable interface {
	SelectValue(ctx context.Context, txn *sql.Tx, key string) (value string, ok bool, err error)
	UpsertValue(ctx context.Context, txn *sql.Tx, key, value string) error
}

// EmergencyEventRow is the storage shape of one emergency audit record. The
// full event is stored as a JSON payload; the extracted columns exist for
// querying and retention tooling.
type EmergencyEventRow struct {
	EventID          string
	CreatedTS        time.Time
	Reason           string
	TriggeredBy      string
	ResolutionStatus string
	Payload          string
}

// EmergencyEventsTable is the append-only emergency event journal. Rows are
// never updated or deleted by this subsystem.
type EmergencyEventsTable interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, row EmergencyEventRow) error
	SelectRecentEvents(ctx context.Context, txn *sql.Tx, limit int) ([]EmergencyEventRow, error)
}
