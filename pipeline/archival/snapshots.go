// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package archival

import (
	"context"
	"time"
)

// Snapshot is an archived version of a dataset. A snapshot without a
// parent is a full archive, otherwise it only holds the entries that
// changed since the parent.
type Snapshot struct {
	ID          int64
	DatasetID   int64
	ParentID    *int64
	VersionID   string
	CommittedAt time.Time
	CreatedAt   time.Time
}

// Full returns true for a snapshot which does not depend on another snapshot.
func (snapshot *Snapshot) Full() bool { return snapshot.ParentID == nil }

// DB stores archive snapshots. Rows are never updated or deleted.
//
// architecture: Database
type DB interface {
	// Insert stores a new snapshot and returns it with its id.
	Insert(ctx context.Context, snapshot Snapshot) (Snapshot, error)
	// Get returns a snapshot.
	Get(ctx context.Context, id int64) (Snapshot, error)
	// Latest returns the snapshot with the newest commit time for the
	// dataset, or ErrNotFound.
	Latest(ctx context.Context, datasetID int64) (Snapshot, error)
	// List returns all snapshots of the dataset ordered by id.
	List(ctx context.Context, datasetID int64) ([]Snapshot, error)
}
