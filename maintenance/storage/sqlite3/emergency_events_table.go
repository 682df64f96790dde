package sqlite3

import (
	"context"
	"database/sql"
	"time"

	"github.com/element-hq/caretaker/internal/sqlutil"
	"github.com/element-hq/caretaker/maintenance/storage/tables"
)

const emergencyEventsSchema = `
CREATE TABLE IF NOT EXISTS caretaker_emergency_events (
    event_id TEXT PRIMARY KEY,
    created_ts BIGINT NOT NULL,
    reason TEXT NOT NULL,
    triggered_by TEXT NOT NULL,
    resolution_status TEXT NOT NULL,
    payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS caretaker_emergency_events_created_idx ON caretaker_emergency_events(created_ts);
`

const insertEmergencyEventSQL = "INSERT INTO caretaker_emergency_events" +
	" (event_id, created_ts, reason, triggered_by, resolution_status, payload) VALUES (?, ?, ?, ?, ?, ?)"
const selectRecentEmergencyEventsSQL = "SELECT event_id, created_ts, reason, triggered_by, resolution_status, payload" +
	" FROM caretaker_emergency_events ORDER BY created_ts DESC, event_id DESC LIMIT ?"

type sqliteEmergencyEventsTable struct {
	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
}

func NewSQLiteEmergencyEventsTable(db *sql.DB) (tables.EmergencyEventsTable, error) {
	if _, err := db.Exec(emergencyEventsSchema); err != nil {
		return nil, err
	}
	insertStmt, err := db.Prepare(insertEmergencyEventSQL)
	if err != nil {
		return nil, err
	}
	selectStmt, err := db.Prepare(selectRecentEmergencyEventsSQL)
	if err != nil {
		return nil, err
	}
	return &sqliteEmergencyEventsTable{
		insertStmt: insertStmt,
		selectStmt: selectStmt,
	}, nil
}

func (s *sqliteEmergencyEventsTable) InsertEvent(ctx context.Context, txn *sql.Tx, row tables.EmergencyEventRow) error {
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	ts := row.CreatedTS.UTC().UnixMilli()
	_, err := stmt.ExecContext(ctx, row.EventID, ts, row.Reason, row.TriggeredBy, row.ResolutionStatus, row.Payload)
	return err
}

func (s *sqliteEmergencyEventsTable) SelectRecentEvents(ctx context.Context, txn *sql.Tx, limit int) ([]tables.EmergencyEventRow, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStmt)
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
