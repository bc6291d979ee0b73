// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package pipelinedb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zeebo/errs"

	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/private/tagsql"
)

// ensures that datasetsDB implements datasets.DB.
var _ datasets.DB = (*datasetsDB)(nil)

// datasetsDB is an implementation of datasets.DB.
//
// architecture: Database
type datasetsDB struct {
	db tagsql.DB
}

const handleColumns = `id, study_id, kind, alias, custom_remote`

func scanHandle(row scanner) (handle datasets.Handle, err error) {
	err = row.Scan(&handle.ID, &handle.StudyID, &handle.Kind, &handle.Alias, &handle.CustomRemote)
	return handle, err
}

// Get returns the handle of the given kind for the study.
func (db *datasetsDB) Get(ctx context.Context, studyID int64, kind datasets.Kind) (_ datasets.Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	handle, err := scanHandle(db.db.QueryRowContext(ctx, `
		SELECT `+handleColumns+` FROM dataset_handles WHERE study_id = ? AND kind = ?
	`, studyID, int(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return datasets.Handle{}, datasets.ErrNotFound.New("study %d %s", studyID, kind)
	}
	return handle, datasets.Error.Wrap(err)
}

// List returns all handles of the study ordered by kind.
func (db *datasetsDB) List(ctx context.Context, studyID int64) (_ []datasets.Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT `+handleColumns+` FROM dataset_handles WHERE study_id = ? ORDER BY kind
	`, studyID)
	if err != nil {
		return nil, datasets.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var handles []datasets.Handle
	for rows.Next() {
		handle, err := scanHandle(rows)
		if err != nil {
			return nil, datasets.Error.Wrap(err)
		}
		handles = append(handles, handle)
	}
	return handles, datasets.Error.Wrap(rows.Err())
}

// Insert stores a new handle.
func (db *datasetsDB) Insert(ctx context.Context, handle datasets.Handle) (_ datasets.Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, `
		INSERT INTO dataset_handles (study_id, kind, alias, custom_remote)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`, handle.StudyID, int(handle.Kind), handle.Alias, handle.CustomRemote).Scan(&handle.ID)
	if err != nil {
		if isConstraintError(err) {
			return datasets.Handle{}, datasets.Error.New("study %d already has a %s dataset", handle.StudyID, handle.Kind)
		}
		return datasets.Handle{}, datasets.Error.Wrap(err)
	}
	return handle, nil
}

// SetCustomRemote sets or clears the custom remote of a handle.
func (db *datasetsDB) SetCustomRemote(ctx context.Context, id int64, remote string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `UPDATE dataset_handles SET custom_remote = ? WHERE id = ?`, remote, id)
	if err != nil {
		return datasets.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return datasets.Error.Wrap(err)
	}
	if affected == 0 {
		return datasets.ErrNotFound.New("dataset %d", id)
	}
	return nil
}
