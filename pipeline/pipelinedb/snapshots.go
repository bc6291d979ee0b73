// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package pipelinedb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"storj.io/autobids/pipeline/archival"
	"storj.io/autobids/private/tagsql"
)

// ensures that snapshotsDB implements archival.DB.
var _ archival.DB = (*snapshotsDB)(nil)

// snapshotsDB is an implementation of archival.DB.
//
// architecture: Database
type snapshotsDB struct {
	db tagsql.DB
}

const snapshotColumns = `id, dataset_id, parent_id, version_id, committed_at, created_at`

func scanSnapshot(row scanner) (snapshot archival.Snapshot, err error) {
	var parent sql.NullInt64
	err = row.Scan(&snapshot.ID, &snapshot.DatasetID, &parent, &snapshot.VersionID, &snapshot.CommittedAt, &snapshot.CreatedAt)
	if parent.Valid {
		snapshot.ParentID = &parent.Int64
	}
	snapshot.CommittedAt = snapshot.CommittedAt.UTC()
	snapshot.CreatedAt = snapshot.CreatedAt.UTC()
	return snapshot, err
}

// Insert stores a new snapshot.
func (db *snapshotsDB) Insert(ctx context.Context, snapshot archival.Snapshot) (_ archival.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now()
	}
	snapshot.CreatedAt = snapshot.CreatedAt.UTC()
	snapshot.CommittedAt = snapshot.CommittedAt.UTC()

	var parent sql.NullInt64
	if snapshot.ParentID != nil {
		parent = sql.NullInt64{Int64: *snapshot.ParentID, Valid: true}
	}

	err = db.db.QueryRowContext(ctx, `
		INSERT INTO archive_snapshots (dataset_id, parent_id, version_id, committed_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`, snapshot.DatasetID, parent, snapshot.VersionID, snapshot.CommittedAt, snapshot.CreatedAt).Scan(&snapshot.ID)
	if err != nil {
		return archival.Snapshot{}, archival.Error.Wrap(err)
	}
	return snapshot, nil
}

// Get returns a snapshot.
func (db *snapshotsDB) Get(ctx context.Context, id int64) (_ archival.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	snapshot, err := scanSnapshot(db.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM archive_snapshots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return archival.Snapshot{}, archival.ErrNotFound.New("snapshot %d", id)
	}
	return snapshot, archival.Error.Wrap(err)
}

// Latest returns the snapshot with the newest commit time for the dataset.
func (db *snapshotsDB) Latest(ctx context.Context, datasetID int64) (_ archival.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	snapshot, err := scanSnapshot(db.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM archive_snapshots
		WHERE dataset_id = ?
		ORDER BY committed_at DESC, id DESC
		LIMIT 1
	`, datasetID))
	if errors.Is(err, sql.ErrNoRows) {
		return archival.Snapshot{}, archival.ErrNotFound.New("dataset %d has no snapshot", datasetID)
	}
	return snapshot, archival.Error.Wrap(err)
}

// List returns all snapshots of the dataset ordered by id.
func (db *snapshotsDB) List(ctx context.Context, datasetID int64) (_ []archival.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM archive_snapshots WHERE dataset_id = ? ORDER BY id
	`, datasetID)
	if err != nil {
		return nil, archival.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var snapshots []archival.Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, archival.Error.Wrap(err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, archival.Error.Wrap(rows.Err())
}
