// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/autobids/pipeline/pipelinedb"
	"storj.io/autobids/pipeline/pipelinedb/pipelinedbtest"
	"storj.io/autobids/pipeline/queue"
	"storj.io/autobids/pipeline/queue/memqueue"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/autobids/pipeline/worker"
	"storj.io/common/testcontext"
)

type env struct {
	tasks    *tasks.Service
	queue    *memqueue.Queue
	launcher *stages.Launcher
	pool     *worker.Pool
}

func newEnv(t *testing.T, db *pipelinedb.DB, config worker.Config) *env {
	log := zaptest.NewLogger(t)
	service := tasks.NewService(log, db.Tasks(), db.Notifications())
	jobs := memqueue.New()
	launcher := stages.NewLauncher(log, service, jobs)
	if config.Timeout == 0 {
		config.Timeout = time.Minute
	}
	return &env{
		tasks:    service,
		queue:    jobs,
		launcher: launcher,
		pool:     worker.NewPool(log, config, jobs, service, launcher),
	}
}

func (env *env) runOne(ctx context.Context, t *testing.T, args stages.Args) tasks.Task {
	handle, err := env.launcher.Launch(ctx, args, "test", 1)
	require.NoError(t, err)

	processed, err := env.pool.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	task, err := env.tasks.Get(ctx, handle.ID)
	require.NoError(t, err)
	return task
}

func TestPoolOutcomes(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := newEnv(t, db, worker.Config{})

		var received stages.Conversion
		env.pool.Register(tasks.StageConversion, worker.Typed(func(ctx context.Context, task *tasks.Handle, args stages.Conversion) error {
			received = args
			current, err := task.Task(ctx)
			require.NoError(t, err)
			require.Equal(t, tasks.StatusRunning, current.Status)
			return nil
		}))
		env.pool.Register(tasks.StageArchival, worker.HandlerFunc(func(ctx context.Context, task *tasks.Handle, args stages.Args) error {
			return worker.Error.New("archive unreachable")
		}))
		env.pool.Register(tasks.StageCorrection, worker.HandlerFunc(func(ctx context.Context, task *tasks.Handle, args stages.Args) error {
			panic("boom")
		}))
		env.pool.Register(tasks.StageConversionCheck, worker.HandlerFunc(func(ctx context.Context, task *tasks.Handle, args stages.Args) error {
			return task.MarkFailed(ctx, "reported by handler")
		}))

		task := env.runOne(ctx, t, stages.Conversion{StudyID: 1, AcquisitionIDs: []int64{4, 5}})
		require.Equal(t, tasks.StatusSucceeded, task.Status)
		require.Equal(t, []int64{4, 5}, received.AcquisitionIDs)

		task = env.runOne(ctx, t, stages.Archival{StudyID: 1})
		require.Equal(t, tasks.StatusFailed, task.Status)
		require.Contains(t, task.Error, "archive unreachable")

		task = env.runOne(ctx, t, stages.Correction{StudyID: 1})
		require.Equal(t, tasks.StatusFailed, task.Status)
		require.Equal(t, worker.UncaughtReason, task.Error)

		task = env.runOne(ctx, t, stages.ConversionCheck{StudyID: 1})
		require.Equal(t, tasks.StatusFailed, task.Status)
		require.Equal(t, "reported by handler", task.Error)

		task = env.runOne(ctx, t, stages.WipeDataset{StudyID: 1})
		require.Equal(t, tasks.StatusFailed, task.Status)
		require.Contains(t, task.Error, "no handler")

		processed, err := env.pool.ProcessNext(ctx)
		require.NoError(t, err)
		require.False(t, processed)
	})
}

func TestPoolTimeout(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := newEnv(t, db, worker.Config{Timeout: time.Minute, ArchivalTimeout: 50 * time.Millisecond})
		env.pool.Register(tasks.StageArchival, worker.HandlerFunc(func(ctx context.Context, task *tasks.Handle, args stages.Args) error {
			<-ctx.Done()
			return ctx.Err()
		}))

		task := env.runOne(ctx, t, stages.Archival{StudyID: 1})
		require.Equal(t, tasks.StatusFailed, task.Status)
		require.Contains(t, task.Error, "timed out")

		// the study is free for a new task of the stage
		inFlight, err := env.tasks.InFlight(ctx, 1, tasks.StageArchival)
		require.NoError(t, err)
		require.False(t, inFlight)
	})
}

func TestPoolChainConversion(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := newEnv(t, db, worker.Config{ChainConversion: true})
		env.pool.Register(tasks.StageAcquisition, worker.HandlerFunc(func(ctx context.Context, task *tasks.Handle, args stages.Args) error {
			return nil
		}))

		task := env.runOne(ctx, t, stages.Acquisition{StudyID: 3})
		require.Equal(t, tasks.StatusSucceeded, task.Status)

		pending, err := env.queue.Peekqueue(ctx, queue.LookupLimit)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, tasks.StageConversionCheck, pending[0].Stage)
	})
}

func TestPoolRun(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := newEnv(t, db, worker.Config{Concurrency: 2, Interval: 10 * time.Millisecond})

		done := make(chan struct{}, 3)
		env.pool.Register(tasks.StageArchival, worker.HandlerFunc(func(ctx context.Context, task *tasks.Handle, args stages.Args) error {
			done <- struct{}{}
			return nil
		}))

		for study := int64(1); study <= 3; study++ {
			_, err := env.launcher.Launch(ctx, stages.Archival{StudyID: study}, "archive", 0)
			require.NoError(t, err)
		}

		runCtx, cancel := context.WithCancel(ctx)
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			_ = env.pool.Run(runCtx)
		}()

		for i := 0; i < 3; i++ {
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Fatal("timed out waiting for tasks")
			}
		}
		cancel()
		<-stopped

		list, err := env.tasks.List(ctx, tasks.ListOptions{Stage: tasks.StageArchival})
		require.NoError(t, err)
		require.Len(t, list, 3)
	})
}

func TestTimeoutFor(t *testing.T) {
	config := worker.Config{Timeout: time.Hour, ConversionTimeout: time.Minute}
	require.Equal(t, time.Minute, config.TimeoutFor(tasks.StageConversion))
	require.Equal(t, time.Hour, config.TimeoutFor(tasks.StageAcquisition))
	require.Equal(t, time.Hour, config.TimeoutFor(tasks.StageUpdateHeuristics))
}
