// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pipelinedb implements the pipeline databases on sqlite3 and postgres.
package pipelinedb

import (
	"context"

	_ "github.com/mattn/go-sqlite3" // used indirectly.
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/pipeline/archival"
	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/studies"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/autobids/private/dbutil"
	"storj.io/autobids/private/dbutil/pgutil"
	"storj.io/autobids/private/dbutil/sqliteutil"
	"storj.io/autobids/private/tagsql"
)

// VersionTable is the table that stores the schema version.
const VersionTable = "versions"

var (
	mon = monkit.Package()

	// Error is the default pipelinedb errs class.
	Error = errs.Class("pipelinedb")
)

// DB is the pipeline database.
type DB struct {
	log  *zap.Logger
	db   tagsql.DB
	impl dbutil.Implementation
}

// Open opens the database at databaseURL, which is either
// sqlite3://path or postgres://....
func Open(ctx context.Context, log *zap.Logger, databaseURL string) (*DB, error) {
	driver, source, impl, err := dbutil.SplitConnStr(databaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if impl == dbutil.Postgres {
		source = pgutil.CheckApplicationName(source, "autobids")
	}

	db, err := tagsql.Open(ctx, driver, source)
	if err != nil {
		return nil, Error.New("failed opening database %q: %v", impl, err)
	}
	log.Debug("Connected to:", zap.Stringer("db", impl))

	return &DB{log: log, db: db, impl: impl}, nil
}

// Close closes the underlying connections.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Implementation returns the database implementation.
func (db *DB) Implementation() dbutil.Implementation { return db.impl }

// Tasks returns the tasks database.
func (db *DB) Tasks() tasks.DB { return &tasksDB{db: db.db} }

// Notifications returns the user notifications database.
func (db *DB) Notifications() tasks.NotificationsDB { return &notificationsDB{db: db.db} }

// Studies returns the studies database.
func (db *DB) Studies() studies.DB { return &studiesDB{db: db.db} }

// Records returns the acquisition and conversion records database.
func (db *DB) Records() studies.RecordsDB { return &recordsDB{db: db.db} }

// Datasets returns the dataset handles database.
func (db *DB) Datasets() datasets.DB { return &datasetsDB{db: db.db} }

// DatasetLeases returns the dataset leases database.
func (db *DB) DatasetLeases() datasets.LeaseDB { return &leasesDB{db: db.db} }

// Snapshots returns the archive snapshots database.
func (db *DB) Snapshots() archival.DB { return &snapshotsDB{db: db.db} }

// isConstraintError returns true for unique and foreign key violations.
func isConstraintError(err error) bool {
	return pgutil.IsConstraintError(err) || sqliteutil.IsConstraintError(err)
}
