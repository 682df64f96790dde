// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/element-hq/caretaker/internal/sqlutil"
	"github.com/element-hq/caretaker/maintenance/storage/tables"
)

const emergencyEventsSchema = `
CREATE TABLE IF NOT EXISTS caretaker_emergency_events (
    event_id TEXT NOT NULL PRIMARY KEY,
    -- Timestamp (ms since epoch) the event was created
    created_ts BIGINT NOT NULL,
    reason TEXT NOT NULL,
    triggered_by TEXT NOT NULL,
    resolution_status TEXT NOT NULL,
    -- The full event as a JSON document
    payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS caretaker_emergency_events_created_idx ON caretaker_emergency_events(created_ts);
`

const insertEmergencyEventSQL = "" +
	"INSERT INTO caretaker_emergency_events (event_id, created_ts, reason, triggered_by, resolution_status, payload)" +
	" VALUES ($1, $2, $3, $4, $5, $6)"

const selectRecentEmergencyEventsSQL = "" +
	"SELECT event_id, created_ts, reason, triggered_by, resolution_status, payload" +
	" FROM caretaker_emergency_events ORDER BY created_ts DESC, event_id DESC LIMIT $1"

type emergencyEventsStatements struct {
	insertEventStmt        *sql.Stmt
	selectRecentEventsStmt *sql.Stmt
}

func NewPostgresEmergencyEventsTable(db *sql.DB) (tables.EmergencyEventsTable, error) {
	s := &emergencyEventsStatements{}
	if _, err := db.Exec(emergencyEventsSchema); err != nil {
		return nil, err
	}
	var err error
	if s.insertEventStmt, err = db.Prepare(insertEmergencyEventSQL); err != nil {
		return nil, err
	}
	if s.selectRecentEventsStmt, err = db.Prepare(selectRecentEmergencyEventsSQL); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *emergencyEventsStatements) InsertEvent(ctx context.Context, txn *sql.Tx, row tables.EmergencyEventRow) error {
	stmt := sqlutil.TxStmt(txn, s.insertEventStmt)
	ts := row.CreatedTS.UTC().UnixMilli()
	_, err := stmt.ExecContext(ctx, row.EventID, ts, row.Reason, row.TriggeredBy, row.ResolutionStatus, row.Payload)
	return err
}

func (s *emergencyEventsStatements) SelectRecentEvents(ctx context.Context, txn *sql.Tx, limit int) ([]tables.EmergencyEventRow, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRecentEventsStmt)
	rows, err := stmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []tables.EmergencyEventRow
	for rows.Next() {
		var (
			row tables.EmergencyEventRow
			ts  int64
		)
		if err := rows.Scan(&row.EventID, &ts, &row.Reason, &row.TriggeredBy, &row.ResolutionStatus, &row.Payload); err != nil {
			return nil, err
		}
		row.CreatedTS = time.UnixMilli(ts).UTC()
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
