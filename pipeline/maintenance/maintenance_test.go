// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package maintenance_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/maintenance"
	"storj.io/autobids/pipeline/pipelinedb"
	"storj.io/autobids/pipeline/pipelinedb/pipelinedbtest"
	"storj.io/autobids/pipeline/pipelinetest"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/studies"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/common/testcontext"
)

func addFiles(ctx context.Context, t *testing.T, env *pipelinetest.Env, studyID int64, kind datasets.Kind, names ...string) {
	handle, err := env.Datasets.Ensure(ctx, studyID, kind)
	require.NoError(t, err)
	wc, err := env.Datasets.Checkout(ctx, handle)
	require.NoError(t, err)
	for _, name := range names {
		path := wc.Join(name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
	}
	require.NoError(t, wc.Commit(ctx, "add"))
	require.NoError(t, wc.Close())
}

func TestDeleteAcquisition(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := pipelinetest.NewEnv(ctx, t, db)
		service := maintenance.NewService(env.Log, db.Records(), env.Datasets)
		study := env.CreateStudy(ctx, t, nil)
		other := env.CreateStudy(ctx, t, nil)

		addFiles(ctx, t, env, study.ID, datasets.Source, "a.tar", "b.tar")
		records := db.Records()
		a, err := records.InsertAcquisition(ctx, studies.AcquisitionRecord{StudyID: study.ID, TarFile: "a.tar", UID: "1.1", Date: pipelinetest.Date(2023, 1, 1)})
		require.NoError(t, err)
		b, err := records.InsertAcquisition(ctx, studies.AcquisitionRecord{StudyID: study.ID, TarFile: "b.tar", UID: "1.2", Date: pipelinetest.Date(2023, 1, 2)})
		require.NoError(t, err)
		_, err = records.InsertConversion(ctx, studies.ConversionRecord{StudyID: study.ID, AcquisitionIDs: []int64{b.ID}})
		require.NoError(t, err)

		task := env.StartTask(ctx, t, tasks.StageDeleteAcquisition, study.ID)

		err = service.DeleteAcquisition(ctx, task, stages.DeleteAcquisition{StudyID: other.ID, AcquisitionID: a.ID})
		require.True(t, maintenance.Error.Has(err))

		err = service.DeleteAcquisition(ctx, task, stages.DeleteAcquisition{StudyID: study.ID, AcquisitionID: b.ID})
		require.True(t, maintenance.Error.Has(err))

		require.NoError(t, service.DeleteAcquisition(ctx, task, stages.DeleteAcquisition{StudyID: study.ID, AcquisitionID: a.ID}))

		alias := datasets.Alias(study.ID, datasets.Source)
		require.Equal(t, map[string]string{"b.tar": "b.tar"}, env.Store.Files(alias))
		require.Equal(t, "Remove a.tar", env.Store.Messages(alias)[2])

		_, err = records.GetAcquisition(ctx, a.ID)
		require.True(t, studies.ErrNotFound.Has(err))
		require.Contains(t, env.Task(ctx, t, task).Log, "Removed a.tar.")
	})
}

func TestWipeDataset(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := pipelinetest.NewEnv(ctx, t, db)
		service := maintenance.NewService(env.Log, db.Records(), env.Datasets)
		study := env.CreateStudy(ctx, t, nil)

		task := env.StartTask(ctx, t, tasks.StageWipeDataset, study.ID)
		err := service.WipeDataset(ctx, task, stages.WipeDataset{StudyID: study.ID, Kind: datasets.Raw})
		require.True(t, datasets.ErrNotFound.Has(err))

		addFiles(ctx, t, env, study.ID, datasets.Raw, "participants.tsv", "sub-001/anat/t1.nii.gz")
		require.NoError(t, service.WipeDataset(ctx, task, stages.WipeDataset{StudyID: study.ID, Kind: datasets.Raw}))

		alias := datasets.Alias(study.ID, datasets.Raw)
		require.Empty(t, env.Store.Files(alias))
		require.Equal(t, []string{"create", "add", "Wipe dataset contents."}, env.Store.Messages(alias))
	})
}
