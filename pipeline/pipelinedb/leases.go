// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package pipelinedb

import (
	"context"
	"time"

	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/private/tagsql"
)

// ensures that leasesDB implements datasets.LeaseDB.
var _ datasets.LeaseDB = (*leasesDB)(nil)

// leasesDB is an implementation of datasets.LeaseDB.
//
// architecture: Database
type leasesDB struct {
	db tagsql.DB
}

// Acquire takes or renews the lease of the dataset for owner.
func (db *leasesDB) Acquire(ctx context.Context, datasetID int64, owner string, now, expires time.Time) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	// expiry is stored as unix nanoseconds to compare the same way on every
	// implementation
	result, err := db.db.ExecContext(ctx, `
		INSERT INTO dataset_leases (dataset_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (dataset_id) DO UPDATE
			SET owner = excluded.owner, expires_at = excluded.expires_at
			WHERE dataset_leases.owner = excluded.owner OR dataset_leases.expires_at <= ?
	`, datasetID, owner, expires.UnixNano(), now.UnixNano())
	if err != nil {
		return false, datasets.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, datasets.Error.Wrap(err)
	}
	return affected > 0, nil
}

// Release drops the lease if owner holds it.
func (db *leasesDB) Release(ctx context.Context, datasetID int64, owner string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		DELETE FROM dataset_leases WHERE dataset_id = ? AND owner = ?
	`, datasetID, owner)
	return datasets.Error.Wrap(err)
}
