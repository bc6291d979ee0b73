// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package archival ships versioned datasets to cold storage as a chain of
// full and incremental snapshots.
package archival

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/pipeline/coldstorage"
	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/tasks"
)

var (
	mon = monkit.Package()

	// Error is the default archival error class.
	Error = errs.Class("archival")
	// ErrNotFound is returned when a snapshot does not exist.
	ErrNotFound = errs.Class("snapshot not found")
)

// Config configures the archival engine.
type Config struct {
	KeepBlobs int    `help:"number of newest blobs kept per dataset in cold storage, 0 keeps every blob" default:"1"`
	TempDir   string `help:"directory where blobs are packaged before transfer" default:""`

	Storage coldstorage.Config
}

// Engine archives datasets.
//
// architecture: Service
type Engine struct {
	log      *zap.Logger
	config   Config
	db       DB
	datasets *datasets.Service
	storage  coldstorage.Storage

	nowFn func() time.Time
}

// NewEngine creates a new archival engine.
func NewEngine(log *zap.Logger, config Config, db DB, datasets *datasets.Service, storage coldstorage.Storage) *Engine {
	return &Engine{
		log:      log,
		config:   config,
		db:       db,
		datasets: datasets,
		storage:  storage,
		nowFn:    time.Now,
	}
}

// BlobName returns the name of the blob holding version of the dataset.
func BlobName(alias, version string) string {
	return fmt.Sprintf("%s_%s.zip", alias, version)
}

// Run is the handler of archival tasks.
func (engine *Engine) Run(ctx context.Context, task *tasks.Handle, args stages.Archival) (err error) {
	defer mon.Task()(&ctx)(&err)

	kinds := []datasets.Kind{args.Kind}
	if args.Kind == 0 {
		kinds = []datasets.Kind{datasets.Raw, datasets.Derived}
	}

	for _, kind := range kinds {
		message, err := engine.archiveKind(ctx, args.StudyID, kind)
		if err != nil {
			return err
		}
		if err := task.AppendLog(ctx, message+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func (engine *Engine) archiveKind(ctx context.Context, studyID int64, kind datasets.Kind) (string, error) {
	handle, err := engine.datasets.Lookup(ctx, studyID, kind)
	if err != nil {
		if datasets.ErrNotFound.Has(err) {
			return fmt.Sprintf("Study %d has no %s dataset, nothing to archive.", studyID, kind), nil
		}
		return "", err
	}

	snapshot, err := engine.Archive(ctx, handle)
	if err != nil {
		return "", err
	}
	if snapshot == nil {
		return fmt.Sprintf("Archive of %s is up to date.", handle.Alias), nil
	}

	mode := "incremental"
	if snapshot.Full() {
		mode = "full"
	}
	return fmt.Sprintf("Archived %s at version %s as %s snapshot.", handle.Alias, snapshot.VersionID, mode), nil
}

// Archive packages the changes of the dataset since its latest snapshot and
// transfers them to cold storage. It returns nil when there is nothing to
// archive.
func (engine *Engine) Archive(ctx context.Context, handle datasets.Handle) (_ *Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	log := engine.log.With(zap.String("alias", handle.Alias))
	if handle.CustomRemote != "" {
		log.Info("skipping dataset with custom remote")
		return nil, nil
	}

	wc, err := engine.datasets.Checkout(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer func() { err = errs.Combine(err, wc.Close()) }()

	empty, err := isEmpty(wc.Path)
	if err != nil {
		return nil, err
	}
	if empty {
		log.Info("skipping dataset without content")
		return nil, nil
	}

	version, err := wc.Version(ctx)
	if err != nil {
		return nil, err
	}

	var parent *Snapshot
	prior, err := engine.db.Latest(ctx, handle.ID)
	switch {
	case err == nil:
		if prior.VersionID == version.ID {
			log.Info("archive up to date", zap.String("version", version.ID))
			return nil, nil
		}
		parent = &prior
	case ErrNotFound.Has(err):
	default:
		return nil, err
	}

	var paths []string
	if parent == nil {
		if err := wc.FetchAll(ctx); err != nil {
			return nil, err
		}
		paths, err = listFiles(wc.Path)
		if err != nil {
			return nil, err
		}
	} else {
		changes, err := wc.Diff(ctx, parent.VersionID, version.ID)
		if err != nil {
			return nil, err
		}
		paths = Select(changes)
		for _, path := range paths {
			if err := wc.FetchPath(ctx, path); err != nil {
				return nil, err
			}
		}
	}

	dir, err := os.MkdirTemp(engine.config.TempDir, "archive-")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(os.RemoveAll(dir))) }()

	name := BlobName(handle.Alias, version.ID)
	blob := filepath.Join(dir, name)
	if err := WriteZip(blob, wc.Path, paths); err != nil {
		return nil, err
	}

	keep, err := engine.retained(ctx, handle, name)
	if err != nil {
		return nil, err
	}
	if err := engine.transfer(ctx, blob, handle.Alias, keep); err != nil {
		return nil, err
	}

	snapshot := Snapshot{
		DatasetID:   handle.ID,
		VersionID:   version.ID,
		CommittedAt: version.Time,
		CreatedAt:   engine.nowFn(),
	}
	if parent != nil {
		snapshot.ParentID = &parent.ID
	}
	snapshot, err = engine.db.Insert(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	if snapshot.Full() {
		mon.Counter("snapshots_full").Inc(1)
	} else {
		mon.Counter("snapshots_incremental").Inc(1)
	}
	log.Info("dataset archived",
		zap.String("version", version.ID),
		zap.Bool("full", snapshot.Full()),
		zap.Int("entries", len(paths)))

	engine.checkRestorable(ctx, log, handle)
	return &snapshot, nil
}

func (engine *Engine) transfer(ctx context.Context, blob, dir string, keep []string) error {
	if err := engine.storage.Ensure(ctx, dir); err != nil {
		return err
	}
	if err := engine.storage.Copy(ctx, blob, dir); err != nil {
		return err
	}
	if engine.config.KeepBlobs <= 0 {
		return nil
	}
	return engine.storage.Prune(ctx, dir, keep)
}

// retained returns the blob names that survive pruning once name is stored.
func (engine *Engine) retained(ctx context.Context, handle datasets.Handle, name string) ([]string, error) {
	if engine.config.KeepBlobs <= 1 {
		return []string{name}, nil
	}
	snapshots, err := engine.db.List(ctx, handle.ID)
	if err != nil {
		return nil, err
	}
	keep := []string{name}
	for i := len(snapshots) - 1; i >= 0 && len(keep) < engine.config.KeepBlobs; i-- {
		keep = append(keep, BlobName(handle.Alias, snapshots[i].VersionID))
	}
	return keep, nil
}

// checkRestorable warns when pruning removed a blob the latest snapshot
// depends on.
func (engine *Engine) checkRestorable(ctx context.Context, log *zap.Logger, handle datasets.Handle) {
	if engine.config.KeepBlobs <= 0 {
		return
	}
	snapshots, err := engine.db.List(ctx, handle.ID)
	if err != nil {
		log.Warn("unable to list snapshots", zap.Error(err))
		return
	}

	chain := 0
	for i := len(snapshots) - 1; i >= 0; i-- {
		chain++
		if snapshots[i].Full() {
			break
		}
	}
	if chain > engine.config.KeepBlobs {
		mon.Counter("snapshots_unrestorable").Inc(1)
		log.Warn("snapshot chain is not restorable from cold storage",
			zap.Int("chain", chain),
			zap.Int("kept", engine.config.KeepBlobs))
	}
}

// Select returns the paths of added or modified files and symlinks.
func Select(changes []datasets.Change) []string {
	var paths []string
	for _, change := range changes {
		if change.Kind != datasets.Added && change.Kind != datasets.Modified {
			continue
		}
		if change.Type != datasets.File && change.Type != datasets.Symlink {
			continue
		}
		paths = append(paths, change.Path)
	}
	return paths
}
