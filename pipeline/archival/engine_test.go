// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package archival_test

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"storj.io/autobids/pipeline/archival"
	"storj.io/autobids/pipeline/coldstorage"
	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/pipelinedb"
	"storj.io/autobids/pipeline/pipelinedb/pipelinedbtest"
	"storj.io/autobids/pipeline/pipelinetest"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/common/testcontext"
)

// failingStorage fails every copy.
type failingStorage struct {
	*coldstorage.Dir
}

func (failingStorage) Copy(ctx context.Context, file, dir string) error {
	return coldstorage.Error.New("host unreachable")
}

func commit(ctx context.Context, t *testing.T, env *pipelinetest.Env, handle datasets.Handle, files map[string]string) {
	wc, err := env.Datasets.Checkout(ctx, handle)
	require.NoError(t, err)
	for name, data := range files {
		path := wc.Join(name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	}
	require.NoError(t, wc.Commit(ctx, "update"))
	require.NoError(t, wc.Close())
}

func zipEntries(t *testing.T, path string) map[string]string {
	reader, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, reader.Close()) }()

	entries := map[string]string{}
	for _, file := range reader.File {
		rc, err := file.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		entries[file.Name] = string(data)
	}
	return entries
}

func TestArchiveChain(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := pipelinetest.NewEnv(ctx, t, db)
		study := env.CreateStudy(ctx, t, nil)

		cold := coldstorage.NewDir(ctx.Dir("cold"))
		engine := archival.NewEngine(env.Log.Named("archival"), archival.Config{KeepBlobs: 1, TempDir: ctx.Dir("tmp")},
			db.Snapshots(), env.Datasets, cold)

		handle, err := env.Datasets.Ensure(ctx, study.ID, datasets.Raw)
		require.NoError(t, err)

		// nothing to archive yet
		snapshot, err := engine.Archive(ctx, handle)
		require.NoError(t, err)
		require.Nil(t, snapshot)

		commit(ctx, t, env, handle, map[string]string{"dataset_description.json": "{}"})
		v1 := env.Store.Versions(handle.Alias)[1]

		first, err := engine.Archive(ctx, handle)
		require.NoError(t, err)
		require.NotNil(t, first)
		require.True(t, first.Full())
		require.Equal(t, v1, first.VersionID)

		again, err := engine.Archive(ctx, handle)
		require.NoError(t, err)
		require.Nil(t, again)

		snapshots, err := db.Snapshots().List(ctx, handle.ID)
		require.NoError(t, err)
		require.Len(t, snapshots, 1)

		blobs, err := cold.Blobs(handle.Alias)
		require.NoError(t, err)
		require.Equal(t, []string{archival.BlobName(handle.Alias, v1)}, blobs)
		require.Equal(t, map[string]string{"dataset_description.json": "{}"},
			zipEntries(t, filepath.Join(ctx.Dir("cold"), handle.Alias, blobs[0])))

		commit(ctx, t, env, handle, map[string]string{"sub-001/f1": "one", "sub-001/f2": "two"})
		v2 := env.Store.Versions(handle.Alias)[2]

		second, err := engine.Archive(ctx, handle)
		require.NoError(t, err)
		require.NotNil(t, second)
		require.False(t, second.Full())
		require.Equal(t, first.ID, *second.ParentID)
		require.Equal(t, v2, second.VersionID)

		blobs, err = cold.Blobs(handle.Alias)
		require.NoError(t, err)
		require.Equal(t, []string{archival.BlobName(handle.Alias, v2)}, blobs)
		require.Equal(t, map[string]string{"sub-001/f1": "one", "sub-001/f2": "two"},
			zipEntries(t, filepath.Join(ctx.Dir("cold"), handle.Alias, blobs[0])))

		latest, err := db.Snapshots().Latest(ctx, handle.ID)
		require.NoError(t, err)
		require.Equal(t, second.ID, latest.ID)
	})
}

func TestArchiveKeepBlobs(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := pipelinetest.NewEnv(ctx, t, db)
		study := env.CreateStudy(ctx, t, nil)

		core, logs := observer.New(zap.WarnLevel)
		cold := coldstorage.NewDir(ctx.Dir("cold"))
		engine := archival.NewEngine(zap.New(core), archival.Config{KeepBlobs: 2},
			db.Snapshots(), env.Datasets, cold)

		handle, err := env.Datasets.Ensure(ctx, study.ID, datasets.Raw)
		require.NoError(t, err)

		for i, name := range []string{"a", "b", "c"} {
			commit(ctx, t, env, handle, map[string]string{name: name})
			snapshot, err := engine.Archive(ctx, handle)
			require.NoError(t, err)
			require.NotNil(t, snapshot)
			require.Equal(t, i == 0, snapshot.Full())
		}

		versions := env.Store.Versions(handle.Alias)
		blobs, err := cold.Blobs(handle.Alias)
		require.NoError(t, err)
		sort.Strings(blobs)
		require.Equal(t, []string{
			archival.BlobName(handle.Alias, versions[2]),
			archival.BlobName(handle.Alias, versions[3]),
		}, blobs)

		require.Equal(t, 1, logs.FilterMessage("snapshot chain is not restorable from cold storage").Len())
	})
}

func TestArchiveTransferFailure(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := pipelinetest.NewEnv(ctx, t, db)
		study := env.CreateStudy(ctx, t, nil)

		cold := coldstorage.NewDir(ctx.Dir("cold"))
		handle, err := env.Datasets.Ensure(ctx, study.ID, datasets.Raw)
		require.NoError(t, err)
		commit(ctx, t, env, handle, map[string]string{"a": "a"})

		failing := archival.NewEngine(env.Log, archival.Config{KeepBlobs: 1}, db.Snapshots(), env.Datasets, failingStorage{cold})
		_, err = failing.Archive(ctx, handle)
		require.True(t, coldstorage.Error.Has(err))

		_, err = db.Snapshots().Latest(ctx, handle.ID)
		require.True(t, archival.ErrNotFound.Has(err))

		engine := archival.NewEngine(env.Log, archival.Config{KeepBlobs: 1}, db.Snapshots(), env.Datasets, cold)
		snapshot, err := engine.Archive(ctx, handle)
		require.NoError(t, err)
		require.True(t, snapshot.Full())
	})
}

func TestArchiveSkips(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := pipelinetest.NewEnv(ctx, t, db)
		study := env.CreateStudy(ctx, t, nil)

		engine := archival.NewEngine(env.Log, archival.Config{KeepBlobs: 1}, db.Snapshots(), env.Datasets,
			coldstorage.NewDir(ctx.Dir("cold")))

		// missing dataset
		task := env.StartTask(ctx, t, tasks.StageArchival, study.ID)
		require.NoError(t, engine.Run(ctx, task, stages.Archival{StudyID: study.ID, Kind: datasets.Derived}))
		require.Contains(t, env.Task(ctx, t, task).Log, "nothing to archive")

		// custom remote
		handle, err := env.Datasets.Ensure(ctx, study.ID, datasets.Raw)
		require.NoError(t, err)
		commit(ctx, t, env, handle, map[string]string{"a": "a"})
		require.NoError(t, env.Datasets.SetCustomRemote(ctx, handle, "ria+ssh://elsewhere"))
		handle, err = env.Datasets.Lookup(ctx, study.ID, datasets.Raw)
		require.NoError(t, err)

		snapshot, err := engine.Archive(ctx, handle)
		require.NoError(t, err)
		require.Nil(t, snapshot)

		_, err = db.Snapshots().Latest(ctx, handle.ID)
		require.True(t, archival.ErrNotFound.Has(err))
	})
}

func TestRun(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := pipelinetest.NewEnv(ctx, t, db)
		study := env.CreateStudy(ctx, t, nil)

		engine := archival.NewEngine(env.Log, archival.Config{KeepBlobs: 1}, db.Snapshots(), env.Datasets,
			coldstorage.NewDir(ctx.Dir("cold")))

		handle, err := env.Datasets.Ensure(ctx, study.ID, datasets.Raw)
		require.NoError(t, err)
		commit(ctx, t, env, handle, map[string]string{"a": "a"})

		task := env.StartTask(ctx, t, tasks.StageArchival, study.ID)
		require.NoError(t, engine.Run(ctx, task, stages.Archival{StudyID: study.ID, Kind: datasets.Raw}))
		require.NoError(t, engine.Run(ctx, task, stages.Archival{StudyID: study.ID, Kind: datasets.Raw}))

		log := env.Task(ctx, t, task).Log
		require.Contains(t, log, "as full snapshot")
		require.Contains(t, log, "is up to date")

		// every dataset of the study
		derivedHandle, err := env.Datasets.Ensure(ctx, study.ID, datasets.Derived)
		require.NoError(t, err)
		commit(ctx, t, env, derivedHandle, map[string]string{"sub-001/corrected": "c"})
		require.NoError(t, engine.Run(ctx, task, stages.Archival{StudyID: study.ID}))

		raw, err := db.Snapshots().List(ctx, handle.ID)
		require.NoError(t, err)
		require.Len(t, raw, 1)
		derived, err := db.Snapshots().List(ctx, derivedHandle.ID)
		require.NoError(t, err)
		require.Len(t, derived, 1)
	})
}

func TestSelect(t *testing.T) {
	changes := []datasets.Change{
		{Path: "added", Kind: datasets.Added, Type: datasets.File},
		{Path: "modified-link", Kind: datasets.Modified, Type: datasets.Symlink},
		{Path: "deleted", Kind: datasets.Deleted, Type: datasets.File},
		{Path: "retyped", Kind: datasets.TypeChanged, Type: datasets.Symlink},
		{Path: "submodule", Kind: datasets.Added, Type: datasets.Directory},
	}
	require.Equal(t, []string{"added", "modified-link"}, archival.Select(changes))
}

func TestWriteZipSymlinks(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	root := ctx.Dir("dataset")
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git", "annex"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "annex", "key"), []byte("annexed"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(".git", "annex", "key"), filepath.Join(root, "annexed.nii")))
	require.NoError(t, os.Symlink("/nowhere", filepath.Join(root, "dangling")))

	dst := filepath.Join(ctx.Dir("out"), "blob.zip")
	require.NoError(t, archival.WriteZip(dst, root, []string{"annexed.nii", "dangling"}))
	require.Equal(t, map[string]string{
		"annexed.nii": "annexed",
		"dangling":    "/nowhere",
	}, zipEntries(t, dst))
}
