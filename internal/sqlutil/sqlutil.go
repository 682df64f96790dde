// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"strings"
)

// ConnectionString is a database connection URI. SQLite URIs start with
// file:, PostgreSQL URIs with postgres:// or postgresql://.
type ConnectionString string

func (s ConnectionString) IsSQLite() bool {
	return strings.HasPrefix(string(s), "file:")
}

func (s ConnectionString) IsPostgres() bool {
	return strings.HasPrefix(string(s), "postgres://") || strings.HasPrefix(string(s), "postgresql://")
}

// Open opens a database connection for the given connection string. SQLite
// connections are capped to a single open connection because the driver does
// not tolerate concurrent writers.
func Open(cs ConnectionString, maxOpenConns int) (*sql.DB, error) {
	var driverName string
	switch {
	case cs.IsSQLite():
		driverName = "sqlite3"
	case cs.IsPostgres():
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unrecognised database connection string %q", cs)
	}
	db, err := sql.Open(driverName, string(cs))
	if err != nil {
		return nil, err
	}
	if cs.IsSQLite() {
		db.SetMaxOpenConns(1)
	} else if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	return db, nil
}

// TxStmt wraps a prepared statement in the given transaction, if any.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn != nil {
		return txn.Stmt(stmt)
	}
	return stmt
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			txn.Rollback() // nolint: errcheck
			panic(r)
		}
		if err != nil {
			txn.Rollback() // nolint: errcheck
			return
		}
		err = txn.Commit()
	}()
	return fn(txn)
}
