// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package datasets

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Config configures the dataset service.
type Config struct {
	WorkDir string `help:"directory for temporary dataset working copies" default:"" testDefault:""`

	LeaseTTL   time.Duration `help:"how long the lock of a dataset outlives a process which died holding it" default:"2m"`
	LeaseRetry time.Duration `help:"how often a locked dataset is polled" default:"5s" testDefault:"10ms"`
}

// Service creates dataset handles and hands out exclusive working copies.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     DB
	store  Store
	config Config
	locker Locker

	// creating serializes lazy creation of handles.
	creating sync.Mutex
}

// NewService creates a new dataset service. Working copies of a handle are
// exclusive among all services sharing the locker.
func NewService(log *zap.Logger, db DB, store Store, locker Locker, config Config) *Service {
	return &Service{
		log:    log,
		db:     db,
		store:  store,
		config: config,
		locker: locker,
	}
}

// Lookup returns the handle of the given kind, or ErrNotFound.
func (service *Service) Lookup(ctx context.Context, studyID int64, kind Kind) (_ Handle, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.Get(ctx, studyID, kind)
}

// Ensure returns the handle of the given kind, creating the dataset first
// when it does not exist.
func (service *Service) Ensure(ctx context.Context, studyID int64, kind Kind) (_ Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	service.creating.Lock()
	defer service.creating.Unlock()

	handle, err := service.db.Get(ctx, studyID, kind)
	if err == nil {
		return handle, nil
	}
	if !ErrNotFound.Has(err) {
		return Handle{}, err
	}

	handle = Handle{
		StudyID: studyID,
		Kind:    kind,
		Alias:   Alias(studyID, kind),
	}
	if err := service.store.Create(ctx, handle.Alias, handle.CustomRemote); err != nil {
		return Handle{}, ErrDataset.Wrap(err)
	}

	service.log.Info("dataset created", zap.Int64("study", studyID), zap.String("alias", handle.Alias))
	return service.db.Insert(ctx, handle)
}

// SetCustomRemote changes the custom remote of the handle.
func (service *Service) SetCustomRemote(ctx context.Context, handle Handle, remote string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.SetCustomRemote(ctx, handle.ID, remote)
}

// Checkout locks the handle and clones the dataset into a temporary
// directory. The returned working copy must be closed.
func (service *Service) Checkout(ctx context.Context, handle Handle) (_ *WorkingCopy, err error) {
	defer mon.Task()(&ctx)(&err)

	unlock, err := service.locker.Lock(ctx, handle.ID)
	if err != nil {
		return nil, err
	}

	parent, err := os.MkdirTemp(service.config.WorkDir, handle.Alias+"-")
	if err != nil {
		unlock()
		return nil, Error.Wrap(err)
	}

	path, err := service.store.Checkout(ctx, handle.Alias, handle.CustomRemote, parent)
	if err != nil {
		unlock()
		return nil, errs.Combine(ErrDataset.Wrap(err), removeAll(parent))
	}

	return &WorkingCopy{
		Handle: handle,
		Path:   path,
		store:  service.store,
		parent: parent,
		unlock: unlock,
	}, nil
}

// WorkingCopy is a locked local clone of a dataset.
type WorkingCopy struct {
	Handle Handle
	Path   string

	store  Store
	parent string
	unlock func()
	closed bool
}

// Join returns the absolute path of an entry in the working copy.
func (wc *WorkingCopy) Join(relpath string) string {
	return filepath.Join(wc.Path, filepath.FromSlash(relpath))
}

// Commit records and publishes the working copy.
func (wc *WorkingCopy) Commit(ctx context.Context, message string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return ErrDataset.Wrap(wc.store.Commit(ctx, wc.Path, message))
}

// Version returns the current version.
func (wc *WorkingCopy) Version(ctx context.Context) (_ Version, err error) {
	defer mon.Task()(&ctx)(&err)
	version, err := wc.store.CurrentVersion(ctx, wc.Path)
	return version, ErrDataset.Wrap(err)
}

// Diff returns changes between two versions.
func (wc *WorkingCopy) Diff(ctx context.Context, from, to string) (_ []Change, err error) {
	defer mon.Task()(&ctx)(&err)
	changes, err := wc.store.Diff(ctx, wc.Path, from, to)
	return changes, ErrDataset.Wrap(err)
}

// FetchPath retrieves content for relpath.
func (wc *WorkingCopy) FetchPath(ctx context.Context, relpath string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return ErrDataset.Wrap(wc.store.FetchPath(ctx, wc.Path, relpath))
}

// FetchAll retrieves all content.
func (wc *WorkingCopy) FetchAll(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return ErrDataset.Wrap(wc.store.FetchAll(ctx, wc.Path))
}

// Remove removes relpath and publishes the change.
func (wc *WorkingCopy) Remove(ctx context.Context, relpath, message string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return ErrDataset.Wrap(wc.store.Remove(ctx, wc.Path, relpath, message))
}

// Wipe deletes all content except dataset metadata and commits the change.
func (wc *WorkingCopy) Wipe(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := os.ReadDir(wc.Path)
	if err != nil {
		return ErrDataset.Wrap(err)
	}
	for _, entry := range entries {
		switch entry.Name() {
		case ".git", ".datalad", ".dataladattributes":
			continue
		}
		if err := os.RemoveAll(filepath.Join(wc.Path, entry.Name())); err != nil {
			return ErrDataset.Wrap(err)
		}
	}
	return wc.Commit(ctx, "Wipe dataset contents.")
}

// Close discards the working copy and releases the lock.
func (wc *WorkingCopy) Close() error {
	if wc.closed {
		return nil
	}
	wc.closed = true
	defer wc.unlock()

	// the context of the task may already be done at this point
	err := wc.store.Release(context.Background(), wc.Path)
	return errs.Combine(ErrDataset.Wrap(err), removeAll(wc.parent))
}

// Locks serializes access to dataset handles within one process.
type Locks struct {
	mu    sync.Mutex
	locks map[int64]chan struct{}
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{locks: map[int64]chan struct{}{}}
}

// Lock waits until the handle is free or ctx is done.
func (locks *Locks) Lock(ctx context.Context, id int64) (unlock func(), err error) {
	locks.mu.Lock()
	ch, ok := locks.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		locks.locks[id] = ch
	}
	locks.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, Error.Wrap(ctx.Err())
	}
}
