// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package stages_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/pipelinedb"
	"storj.io/autobids/pipeline/pipelinedb/pipelinedbtest"
	"storj.io/autobids/pipeline/queue"
	"storj.io/autobids/pipeline/queue/memqueue"
	"storj.io/autobids/pipeline/reconcile"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/common/testcontext"
)

func TestEveryStageDecodes(t *testing.T) {
	for stage := tasks.StageUnknown + 1; stage < tasks.StageCount; stage++ {
		args, err := stages.Decode(stage, nil)
		require.NoError(t, err, stage)
		require.Equal(t, stage, args.Stage())
	}

	_, err := stages.Decode(tasks.StageUnknown, nil)
	require.True(t, stages.Error.Has(err))

	_, err = stages.Decode(tasks.StageConversion, []byte(`{"acquisition_ids":"x"}`))
	require.True(t, stages.Error.Has(err))
}

func TestEncodeDecode(t *testing.T) {
	acquisition := stages.Acquisition{
		StudyID: 4,
		Targets: []reconcile.Target{{
			StudyInstanceUID: "1.2.3",
			PatientName:      "P001",
			Series:           []reconcile.Series{{Number: 1, Description: "t1"}},
		}},
	}
	data, err := stages.Encode(acquisition)
	require.NoError(t, err)

	args, err := stages.Decode(tasks.StageAcquisition, data)
	require.NoError(t, err)
	require.Equal(t, acquisition, args)
	require.EqualValues(t, 4, args.Study())

	data, err = stages.Encode(stages.Archival{StudyID: 2, Kind: datasets.Raw})
	require.NoError(t, err)
	args, err = stages.Decode(tasks.StageArchival, data)
	require.NoError(t, err)
	require.Equal(t, stages.Archival{StudyID: 2, Kind: datasets.Raw}, args)

	require.Zero(t, stages.UpdateHeuristics{}.Study())
}

func TestLaunch(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		log := zaptest.NewLogger(t)
		service := tasks.NewService(log, db.Tasks(), db.Notifications())
		jobs := memqueue.New()
		launcher := stages.NewLauncher(log, service, jobs)

		handle, err := launcher.Launch(ctx, stages.ConversionCheck{StudyID: 7}, "Check study 7", 3)
		require.NoError(t, err)

		task, err := handle.Task(ctx)
		require.NoError(t, err)
		require.Equal(t, tasks.StageConversionCheck, task.Stage)
		require.EqualValues(t, 7, task.StudyID)
		require.EqualValues(t, 3, task.UserID)
		require.Equal(t, tasks.StatusPending, task.Status)

		_, err = launcher.Launch(ctx, stages.ConversionCheck{StudyID: 7}, "Check study 7 again", 3)
		require.True(t, tasks.ErrDuplicateInFlight.Has(err))

		pending, err := jobs.Peekqueue(ctx, queue.LookupLimit)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, handle.ID, pending[0].TaskID)

		args, err := stages.Decode(pending[0].Stage, pending[0].Args)
		require.NoError(t, err)
		require.Equal(t, stages.ConversionCheck{StudyID: 7}, args)
	})
}

type failingQueue struct{ memqueue.Queue }

func (*failingQueue) Enqueue(ctx context.Context, job queue.Job) error {
	return queue.Error.New("unavailable")
}

func TestLaunchEnqueueFailure(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		log := zaptest.NewLogger(t)
		service := tasks.NewService(log, db.Tasks(), db.Notifications())
		launcher := stages.NewLauncher(log, service, &failingQueue{})

		_, err := launcher.Launch(ctx, stages.Archival{StudyID: 1, Kind: datasets.Raw}, "Archive", 0)
		require.True(t, queue.Error.Has(err))

		inFlight, err := service.InFlight(ctx, 1, tasks.StageArchival)
		require.NoError(t, err)
		require.False(t, inFlight)
	})
}
