// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/caretaker/internal/sqlutil"
	"github.com/element-hq/caretaker/maintenance/storage/tables"
)

const configSchema = `
CREATE TABLE IF NOT EXISTS caretaker_config (
    -- The well-known key, e.g. "maintenance_status"
    config_key TEXT NOT NULL PRIMARY KEY,
    -- JSON document
    config_value TEXT NOT NULL
);
`

const selectConfigValueSQL = "" +
	"SELECT config_value FROM caretaker_config WHERE config_key = $1"

const upsertConfigValueSQL = "" +
	"INSERT INTO caretaker_config (config_key, config_value) VALUES ($1, $2)" +
	" ON CONFLICT (config_key) DO UPDATE SET config_value = $2"

type configStatements struct {
	selectConfigValueStmt *sql.Stmt
	upsertConfigValueStmt *sql.Stmt
}

func NewPostgresConfigTable(db *sql.DB) (tables.ConfigTable, error) {
	s := &configStatements{}
	if _, err := db.Exec(configSchema); err != nil {
		return nil, err
	}
	var err error
	if s.selectConfigValueStmt, err = db.Prepare(selectConfigValueSQL); err != nil {
		return nil, err
	}
	if s.upsertConfigValueStmt, err = db.Prepare(upsertConfigValueSQL); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *configStatements) SelectValue(ctx context.Context, txn *sql.Tx, key string) (string, bool, error) {
	stmt := sqlutil.TxStmt(txn, s.selectConfigValueStmt)
	var value string
	err := stmt.QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *configStatements) UpsertValue(ctx context.Context, txn *sql.Tx, key, value string) error {
	stmt := sqlutil.TxStmt(txn, s.upsertConfigValueStmt)
	_, err := stmt.ExecContext(ctx, key, value)
	return err
}
