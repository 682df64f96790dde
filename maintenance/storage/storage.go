// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	// Database drivers are registered by import.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/element-hq/caretaker/internal/sqlutil"
	"github.com/element-hq/caretaker/maintenance/storage/postgres"
	"github.com/element-hq/caretaker/maintenance/storage/shared"
	"github.com/element-hq/caretaker/maintenance/storage/sqlite3"
	"github.com/element-hq/caretaker/maintenance/storage/tables"
	"github.com/element-hq/caretaker/setup/config"
)

// NewDatabase opens the durable store named by the connection string,
// creating the schema if necessary.
func NewDatabase(opts *config.DatabaseOptions) (Database, error) {
	cs := sqlutil.ConnectionString(opts.ConnectionString)
	db, err := sqlutil.Open(cs, opts.MaxOpenConnections)
	if err != nil {
		return nil, err
	}

	var (
		configTable tables.ConfigTable
		eventsTable tables.EmergencyEventsTable
	)
	switch {
	case cs.IsSQLite():
		if configTable, err = sqlite3.NewSQLiteConfigTable(db); err != nil {
			return nil, fmt.Errorf("creating config table: %w", err)
		}
		if eventsTable, err = sqlite3.NewSQLiteEmergencyEventsTable(db); err != nil {
			return nil, fmt.Errorf("creating emergency events table: %w", err)
		}
	case cs.IsPostgres():
		if configTable, err = postgres.NewPostgresConfigTable(db); err != nil {
			return nil, fmt.Errorf("creating config table: %w", err)
		}
		if eventsTable, err = postgres.NewPostgresEmergencyEventsTable(db); err != nil {
			return nil, fmt.Errorf("creating emergency events table: %w", err)
		}
	default:
		return nil, fmt.Errorf("unrecognised database connection string %q", opts.ConnectionString)
	}

	return &shared.Database{
		DB:              db,
		Config:          configTable,
		EmergencyEvents: eventsTable,
	}, nil
}
