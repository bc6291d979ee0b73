// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/autobids/pipeline"
	"storj.io/autobids/pipeline/archival"
	"storj.io/autobids/pipeline/coldstorage"
	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/datasets/datasetstest"
	"storj.io/autobids/pipeline/mailservice"
	"storj.io/autobids/pipeline/pipelinedb"
	"storj.io/autobids/pipeline/pipelinedb/pipelinedbtest"
	"storj.io/autobids/pipeline/queue/memqueue"
	"storj.io/autobids/pipeline/scheduler"
	"storj.io/autobids/pipeline/studies"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/autobids/pipeline/worker"
	"storj.io/common/testcontext"
)

func testConfig(ctx *testcontext.Context) *pipeline.Config {
	return &pipeline.Config{
		Worker: worker.Config{Concurrency: 2, Interval: 10 * time.Millisecond, Timeout: time.Minute},
		Archive: archival.Config{
			KeepBlobs: 1,
			TempDir:   ctx.Dir("tmp"),
			Storage:   coldstorage.Config{Backend: "local", Dir: ctx.Dir("cold")},
		},
		Datasets: datasets.Config{WorkDir: ctx.Dir("work")},
		Mail:     mailservice.Config{From: "autobids <autobids@example.com>", AuthType: "simulate"},
	}
}

func TestPeerArchivesEveryStudy(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		store := datasetstest.NewStore()
		peer, err := pipeline.New(zaptest.NewLogger(t), db, memqueue.New(), store, testConfig(ctx))
		require.NoError(t, err)

		study := studies.New("Khan", "NeuroAnalytics", "submitter@example.com")
		study.Active = true
		study, err = db.Studies().Create(ctx, study)
		require.NoError(t, err)

		handle, err := peer.Datasets.Service.Ensure(ctx, study.ID, datasets.Raw)
		require.NoError(t, err)
		wc, err := peer.Datasets.Service.Checkout(ctx, handle)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(wc.Join("participants.tsv"), []byte("participant_id\n"), 0o644))
		require.NoError(t, wc.Commit(ctx, "add participants"))
		require.NoError(t, wc.Close())

		summary, err := peer.Scheduler.Trigger.TriggerAll(ctx, scheduler.Archival, 0)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Launched)

		runCtx, cancel := context.WithCancel(ctx)
		stopped := make(chan error, 1)
		go func() { stopped <- peer.Run(runCtx) }()

		require.Eventually(t, func() bool {
			list, err := peer.Tasks.Service.List(ctx, tasks.ListOptions{StudyID: study.ID})
			return err == nil && len(list) == 1 && list[0].Status.Terminal()
		}, 10*time.Second, 10*time.Millisecond)

		cancel()
		require.NoError(t, <-stopped)
		require.NoError(t, peer.Close())

		list, err := peer.Tasks.Service.List(ctx, tasks.ListOptions{StudyID: study.ID})
		require.NoError(t, err)
		require.Equal(t, tasks.StatusSucceeded, list[0].Status, list[0].Error)

		snapshot, err := db.Snapshots().Latest(ctx, handle.ID)
		require.NoError(t, err)
		require.True(t, snapshot.Full())

		_, err = os.Stat(filepath.Join(ctx.Dir("cold"), handle.Alias, archival.BlobName(handle.Alias, snapshot.VersionID)))
		require.NoError(t, err)
	})
}

func TestOpenQueue(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)

	jobs, err := pipeline.OpenQueue(ctx, log, pipeline.QueueConfig{Backend: "memory"})
	require.NoError(t, err)
	require.NoError(t, jobs.Close())

	jobs, err = pipeline.OpenQueue(ctx, log, pipeline.QueueConfig{Backend: "bolt", Path: ctx.File("jobs.db")})
	require.NoError(t, err)
	require.NoError(t, jobs.Close())

	_, err = pipeline.OpenQueue(ctx, log, pipeline.QueueConfig{Backend: "kafka"})
	require.True(t, pipeline.Error.Has(err))
}
