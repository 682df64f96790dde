package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/caretaker/internal/sqlutil"
	"github.com/element-hq/caretaker/maintenance/storage/tables"
)

const configSchema = `
CREATE TABLE IF NOT EXISTS caretaker_config (
    config_key TEXT PRIMARY KEY,
    config_value TEXT NOT NULL
);
`

const selectConfigValueSQL = "SELECT config_value FROM caretaker_config WHERE config_key = ?"
const upsertConfigValueSQL = "INSERT INTO caretaker_config (config_key, config_value) VALUES (?, ?)" +
	" ON CONFLICT (config_key) DO UPDATE SET config_value = excluded.config_value"

type sqliteConfigTable struct {
	selectStmt *sql.Stmt
	upsertStmt *sql.Stmt
}

func NewSQLiteConfigTable(db *sql.DB) (tables.ConfigTable, error) {
	if _, err := db.Exec(configSchema); err != nil {
		return nil, err
	}
	selectStmt, err := db.Prepare(selectConfigValueSQL)
	if err != nil {
		return nil, err
	}
	upsertStmt, err := db.Prepare(upsertConfigValueSQL)
	if err != nil {
		return nil, err
	}
	return &sqliteConfigTable{
		selectStmt: selectStmt,
		upsertStmt: upsertStmt,
	}, nil
}

func (s *sqliteConfigTable) SelectValue(ctx context.Context, txn *sql.Tx, key string) (string, bool, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStmt)
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

func (s *sqliteConfigTable) UpsertValue(ctx context.Context, txn *sql.Tx, key, value string) error {
	stmt := sqlutil.TxStmt(txn, s.upsertStmt)
	_, err := stmt.ExecContext(ctx, key, value)
	return err
}
