// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package datasets

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"
)

// Locker serializes access to dataset handles.
type Locker interface {
	// Lock waits until the handle is free or ctx is done.
	Lock(ctx context.Context, id int64) (unlock func(), err error)
}

var (
	_ Locker = (*Locks)(nil)
	_ Locker = (*Leases)(nil)
)

// LeaseDB stores dataset leases shared by every process using the database.
//
// architecture: Database
type LeaseDB interface {
	// Acquire takes or renews the lease of the dataset for owner until
	// expires. It returns false when another owner holds a lease which has
	// not expired at now.
	Acquire(ctx context.Context, datasetID int64, owner string, now, expires time.Time) (bool, error)
	// Release drops the lease if owner holds it.
	Release(ctx context.Context, datasetID int64, owner string) error
}

// Leases is a Locker backed by expiring leases in the database, so that
// workers of different processes exclude each other. A lease of a process
// that died is taken over once it expires.
type Leases struct {
	log   *zap.Logger
	db    LeaseDB
	local *Locks
	ttl   time.Duration
	retry time.Duration
	nowFn func() time.Time
}

// NewLeases creates a lease backed locker.
func NewLeases(log *zap.Logger, db LeaseDB, config Config) *Leases {
	ttl := config.LeaseTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	retry := config.LeaseRetry
	if retry <= 0 {
		retry = time.Second
	}
	return &Leases{
		log:   log,
		db:    db,
		local: NewLocks(),
		ttl:   ttl,
		retry: retry,
		nowFn: time.Now,
	}
}

func (leases *Leases) now() time.Time { return leases.nowFn().UTC() }

// Lock waits until the lease of the handle is taken or ctx is done. The
// lease is renewed in the background until unlock is called.
func (leases *Leases) Lock(ctx context.Context, id int64) (_ func(), err error) {
	defer mon.Task()(&ctx)(&err)

	// only one worker of this process polls for a given handle
	unlockLocal, err := leases.local.Lock(ctx, id)
	if err != nil {
		return nil, err
	}

	ownerID, err := uuid.New()
	if err != nil {
		unlockLocal()
		return nil, Error.Wrap(err)
	}
	owner := ownerID.String()

	for {
		now := leases.now()
		acquired, err := leases.db.Acquire(ctx, id, owner, now, now.Add(leases.ttl))
		if err != nil {
			unlockLocal()
			if ctx.Err() != nil {
				return nil, Error.Wrap(ctx.Err())
			}
			return nil, err
		}
		if acquired {
			break
		}
		if !sync2.Sleep(ctx, leases.retry) {
			unlockLocal()
			return nil, Error.Wrap(ctx.Err())
		}
	}

	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		leases.renew(renewCtx, id, owner)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-renewed
			// an unreleased lease expires after the ttl
			if err := leases.db.Release(context.Background(), id, owner); err != nil {
				leases.log.Warn("failed to release dataset lease", zap.Int64("dataset", id), zap.Error(err))
			}
			unlockLocal()
		})
	}, nil
}

func (leases *Leases) renew(ctx context.Context, id int64, owner string) {
	ticker := time.NewTicker(leases.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := leases.now()
		renewed, err := leases.db.Acquire(ctx, id, owner, now, now.Add(leases.ttl))
		switch {
		case err != nil:
			if ctx.Err() == nil {
				leases.log.Warn("failed to renew dataset lease", zap.Int64("dataset", id), zap.Error(err))
			}
		case !renewed:
			mon.Counter("dataset_leases_lost").Inc(1)
			leases.log.Error("dataset lease lost", zap.Int64("dataset", id))
		}
	}
}
