// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package pipelinedb

import (
	"context"
	"strings"

	"storj.io/autobids/private/dbutil"
	"storj.io/autobids/private/migrate"
)

// dialect replaces the column types which differ between implementations.
func dialect(impl dbutil.Implementation) *strings.Replacer {
	if impl == dbutil.Postgres {
		return strings.NewReplacer(
			"{serial}", "BIGSERIAL PRIMARY KEY",
			"{bytes}", "BYTEA",
			"{timestamp}", "TIMESTAMP WITH TIME ZONE",
		)
	}
	return strings.NewReplacer(
		"{serial}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{bytes}", "BLOB",
		"{timestamp}", "TIMESTAMP",
	)
}

func (db *DB) sql(statements ...string) migrate.SQL {
	replacer := dialect(db.impl)
	result := make(migrate.SQL, 0, len(statements))
	for _, statement := range statements {
		result = append(result, replacer.Replace(statement))
	}
	return result
}

// MigrateToLatest migrates the database to the latest version.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.Migration().Run(ctx, db.log.Named("migration"))
}

// CheckVersion confirms the database is at the desired version.
func (db *DB) CheckVersion(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.Migration().ValidateVersions(ctx, db.log)
}

// Migration returns the steps needed to create and migrate the database.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: VersionTable,
		Steps: []*migrate.Step{
			{
				DB:          db.db,
				Description: "Initial setup",
				Version:     0,
				Action: db.sql(
					`CREATE TABLE studies (
						id                  {serial},
						principal           TEXT NOT NULL,
						project_name        TEXT NOT NULL,
						submitter_email     TEXT NOT NULL,
						active              BOOLEAN NOT NULL,
						retrospective_data  BOOLEAN NOT NULL,
						retrospective_start {timestamp},
						retrospective_end   {timestamp},
						patient_str         TEXT NOT NULL,
						patient_name_re     TEXT NOT NULL,
						heuristic           TEXT NOT NULL,
						subj_expr           TEXT NOT NULL,
						deface              BOOLEAN NOT NULL,
						custom_bidsignore   TEXT NOT NULL,
						content_tree        TEXT NOT NULL,
						authorized_emails   TEXT NOT NULL,
						created_at          {timestamp} NOT NULL
					)`,
					`CREATE TABLE study_overrides (
						study_id           BIGINT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
						study_instance_uid TEXT NOT NULL,
						patient_name       TEXT NOT NULL,
						dicom_study_id     TEXT NOT NULL,
						included           BOOLEAN NOT NULL,
						PRIMARY KEY (study_id, study_instance_uid)
					)`,
					`CREATE TABLE acquisitions (
						id            {serial},
						study_id      BIGINT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
						tar_file      TEXT NOT NULL,
						uid           TEXT NOT NULL,
						date          {timestamp} NOT NULL,
						attached_file TEXT NOT NULL,
						created_at    {timestamp} NOT NULL,
						UNIQUE (study_id, uid)
					)`,
					`CREATE TABLE conversions (
						id         {serial},
						study_id   BIGINT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
						heuristic  TEXT NOT NULL,
						created_at {timestamp} NOT NULL
					)`,
					`CREATE TABLE conversion_members (
						conversion_id  BIGINT NOT NULL REFERENCES conversions(id) ON DELETE CASCADE,
						acquisition_id BIGINT NOT NULL REFERENCES acquisitions(id),
						PRIMARY KEY (conversion_id, acquisition_id)
					)`,
					`CREATE TABLE dataset_handles (
						id            {serial},
						study_id      BIGINT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
						kind          INTEGER NOT NULL,
						alias         TEXT NOT NULL,
						custom_remote TEXT NOT NULL,
						UNIQUE (study_id, kind)
					)`,
					`CREATE TABLE archive_snapshots (
						id           {serial},
						dataset_id   BIGINT NOT NULL REFERENCES dataset_handles(id),
						parent_id    BIGINT REFERENCES archive_snapshots(id),
						version_id   TEXT NOT NULL,
						committed_at {timestamp} NOT NULL,
						created_at   {timestamp} NOT NULL
					)`,
					`CREATE INDEX archive_snapshots_dataset_committed ON archive_snapshots (dataset_id, committed_at)`,
					`CREATE TABLE tasks (
						id          {bytes} NOT NULL PRIMARY KEY,
						stage       INTEGER NOT NULL,
						description TEXT NOT NULL,
						study_id    BIGINT NOT NULL,
						user_id     BIGINT NOT NULL,
						status      INTEGER NOT NULL,
						progress    INTEGER NOT NULL,
						start_time  {timestamp} NOT NULL,
						end_time    {timestamp},
						error       TEXT NOT NULL,
						log         TEXT NOT NULL
					)`,
					// at most one incomplete task per study and stage
					`CREATE UNIQUE INDEX tasks_in_flight ON tasks (study_id, stage) WHERE study_id <> 0 AND status IN (0, 1)`,
					`CREATE INDEX tasks_study_start ON tasks (study_id, start_time)`,
					`CREATE TABLE notifications (
						user_id    BIGINT NOT NULL,
						kind       TEXT NOT NULL,
						payload    {bytes} NOT NULL,
						created_at {timestamp} NOT NULL,
						PRIMARY KEY (user_id, kind)
					)`,
				),
			},
			{
				DB:          db.db,
				Description: "Add dataset leases",
				Version:     1,
				Action: db.sql(
					`CREATE TABLE dataset_leases (
						dataset_id BIGINT NOT NULL PRIMARY KEY,
						owner      TEXT NOT NULL,
						expires_at BIGINT NOT NULL
					)`,
				),
			},
		},
	}
}
