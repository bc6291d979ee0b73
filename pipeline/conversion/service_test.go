// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package conversion_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/autobids/pipeline/conversion"
	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/pipelinedb"
	"storj.io/autobids/pipeline/pipelinedb/pipelinedbtest"
	"storj.io/autobids/pipeline/pipelinetest"
	"storj.io/autobids/pipeline/queue"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/studies"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/autobids/private/toolexec"
	"storj.io/common/testcontext"
)

// fakeTar2bids writes one subject per tar file. The subject is the last
// underscore separated token of the tar name before the extension.
type fakeTar2bids struct {
	mu       sync.Mutex
	failures map[string]bool
	commands []toolexec.Command
}

func (tool *fakeTar2bids) Run(ctx context.Context, cmd toolexec.Command) (toolexec.Result, error) {
	tool.mu.Lock()
	defer tool.mu.Unlock()
	tool.commands = append(tool.commands, cmd)

	var outDir string
	for i := 0; i+1 < len(cmd.Args); i++ {
		if cmd.Args[i] == "-o" {
			outDir = cmd.Args[i+1]
		}
	}
	tarFile := cmd.Args[len(cmd.Args)-1]
	if _, err := os.Stat(tarFile); err != nil {
		return toolexec.Result{}, err
	}

	name := strings.TrimSuffix(filepath.Base(tarFile), ".tar")
	subject := "sub-" + name[strings.LastIndex(name, "_")+1:]

	files := map[string]string{
		"dataset_description.json": `{"Name":"NeuroAnalytics"}`,
		"participants.tsv":         "participant_id\n" + subject + "\n",
		filepath.Join(subject, "anat", subject+"_T1w.nii.gz"): "converted " + name,
	}
	if tool.failures[filepath.Base(tarFile)] {
		files = map[string]string{filepath.Join(subject, "anat", "partial.nii"): "partial"}
	}
	for path, content := range files {
		full := filepath.Join(outDir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return toolexec.Result{}, err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return toolexec.Result{}, err
		}
	}

	if tool.failures[filepath.Base(tarFile)] {
		out := "heudiconv: error converting " + name + "\n"
		return toolexec.Result{Stdout: out}, &toolexec.ExitError{Command: cmd.Name, Code: 1, Result: toolexec.Result{Stdout: out}}
	}
	return toolexec.Result{Stdout: "converted " + name + "\n"}, nil
}

func newService(ctx *testcontext.Context, env *pipelinetest.Env, tool toolexec.Executor) *conversion.Service {
	config := conversion.Config{
		HeuristicsDir: "/heuristics",
		Tool:          conversion.ToolConfig{Executable: "tar2bids", TempDir: ctx.Dir("tar2bids")},
	}
	return conversion.NewService(env.Log.Named("conversion"), config,
		conversion.NewTar2bids(env.Log.Named("tar2bids"), tool, config.Tool),
		env.DB.Studies(), env.DB.Records(), env.Datasets, env.Launcher, env.Mail)
}

// acquire adds tar files to the source dataset and records them.
func acquire(ctx context.Context, t *testing.T, env *pipelinetest.Env, studyID int64, subjects ...string) []int64 {
	handle, err := env.Datasets.Ensure(ctx, studyID, datasets.Source)
	require.NoError(t, err)

	var ids []int64
	for _, subject := range subjects {
		name := fmt.Sprintf("Khan_NeuroAnalytics_20230615_%s.tar", subject)

		wc, err := env.Datasets.Checkout(ctx, handle)
		require.NoError(t, err)
		writeFile(t, wc.Join(name), "dicom "+subject)
		require.NoError(t, wc.Commit(ctx, "Add "+name))
		require.NoError(t, wc.Close())

		record, err := env.DB.Records().InsertAcquisition(ctx, studies.AcquisitionRecord{
			StudyID: studyID,
			TarFile: name,
			UID:     "uid-" + subject,
			Date:    pipelinetest.Date(2023, 6, 15),
		})
		require.NoError(t, err)
		ids = append(ids, record.ID)
	}
	return ids
}

func TestConvertFailFast(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := pipelinetest.NewEnv(ctx, t, db)
		tool := &fakeTar2bids{failures: map[string]bool{"Khan_NeuroAnalytics_20230615_002.tar": true}}
		service := newService(ctx, env, tool)
		study := env.CreateStudy(ctx, t, nil)
		ids := acquire(ctx, t, env, study.ID, "001", "002", "003")

		task := env.StartTask(ctx, t, tasks.StageConversion, study.ID)
		require.NoError(t, service.Convert(ctx, task, stages.Conversion{StudyID: study.ID, AcquisitionIDs: ids}))

		require.Len(t, tool.commands, 2)

		failed := env.Task(ctx, t, task)
		require.Equal(t, tasks.StatusFailed, failed.Status)
		require.Equal(t, "heudiconv: error converting Khan_NeuroAnalytics_20230615_002\n", failed.Error)
		require.Contains(t, failed.Log, "Dataset contents:\n")
		require.Contains(t, failed.Log, "partial.nii")

		// the acquisition merged before the failure counts as converted
		conversions, err := db.Records().Conversions(ctx, study.ID)
		require.NoError(t, err)
		require.Len(t, conversions, 1)
		require.Equal(t, ids[:1], conversions[0].AcquisitionIDs)

		unconverted, err := db.Records().Unconverted(ctx, study.ID)
		require.NoError(t, err)
		require.Len(t, unconverted, 2)
		require.Equal(t, ids[1], unconverted[0].ID)

		updated, err := db.Studies().Get(ctx, study.ID)
		require.NoError(t, err)
		require.NotNil(t, updated.ContentTree)
		require.Contains(t, updated.ContentTree.Dirs, "sub-001")

		// the first acquisition stays merged
		raw := datasets.Alias(study.ID, datasets.Raw)
		require.Equal(t, []string{"create", "Ran tar2bids on tar file Khan_NeuroAnalytics_20230615_001.tar"}, env.Store.Messages(raw))
		require.Contains(t, env.Store.Files(raw), "sub-001/anat/sub-001_T1w.nii.gz")
		require.NotContains(t, env.Store.Files(raw), "sub-002/anat/partial.nii")

		require.Equal(t, []string{"Failed tar2bids run"}, env.Recorder.Subjects())
		require.Equal(t, []string{pipelinetest.Admin}, env.Recorder.Messages()[0].Recipients())
	})
}

func TestConvert(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := pipelinetest.NewEnv(ctx, t, db)
		tool := &fakeTar2bids{}
		service := newService(ctx, env, tool)
		study := env.CreateStudy(ctx, t, func(study *studies.Study) {
			study.Deface = true
			study.CustomBidsignore = "*_sbref.nii.gz\n"
			study.AuthorizedEmails = []string{"member@example.com"}
		})
		ids := acquire(ctx, t, env, study.ID, "001", "002")

		task := env.StartTask(ctx, t, tasks.StageConversion, study.ID)
		require.NoError(t, service.Convert(ctx, task, stages.Conversion{StudyID: study.ID, AcquisitionIDs: ids}))
		require.Equal(t, tasks.StatusRunning, env.Task(ctx, t, task).Status)

		require.Len(t, tool.commands, 2)
		args := tool.commands[0].Args
		require.Equal(t, []string{"-P", studies.DefaultSubjExpr}, args[:2])
		require.Contains(t, args, "/heuristics/"+studies.DefaultHeuristic)
		require.Contains(t, args, "-b")
		require.Contains(t, args, "-D")
		require.True(t, tool.commands[0].MergeOutput)

		conversions, err := db.Records().Conversions(ctx, study.ID)
		require.NoError(t, err)
		require.Len(t, conversions, 1)
		require.ElementsMatch(t, ids, conversions[0].AcquisitionIDs)
		require.Equal(t, studies.DefaultHeuristic, conversions[0].Heuristic)

		raw := datasets.Alias(study.ID, datasets.Raw)
		files := env.Store.Files(raw)
		require.Equal(t, "participant_id\nsub-001\nsub-002\n", files["participants.tsv"])
		require.Contains(t, files, "sub-002/anat/sub-002_T1w.nii.gz")

		updated, err := db.Studies().Get(ctx, study.ID)
		require.NoError(t, err)
		require.NotNil(t, updated.ContentTree)
		require.Contains(t, updated.ContentTree.Dirs, "sub-001")
		require.Contains(t, updated.ContentTree.Dirs, "sub-002")

		messages := env.Recorder.Messages()
		require.Len(t, messages, 1)
		require.Equal(t, "Successful tar2bids run.", messages[0].Subject)
		require.Equal(t, []string{"submitter@example.com", "member@example.com"}, messages[0].Recipients())

		unconverted, err := db.Records().Unconverted(ctx, study.ID)
		require.NoError(t, err)
		require.Empty(t, unconverted)
	})
}

func TestCheck(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		env := pipelinetest.NewEnv(ctx, t, db)
		service := newService(ctx, env, &fakeTar2bids{})
		study := env.CreateStudy(ctx, t, nil)

		task := env.StartTask(ctx, t, tasks.StageConversionCheck, study.ID)
		require.NoError(t, service.Check(ctx, task, stages.ConversionCheck{StudyID: study.ID}))
		jobs, err := env.Queue.Peekqueue(ctx, queue.LookupLimit)
		require.NoError(t, err)
		require.Empty(t, jobs)

		ids := acquire(ctx, t, env, study.ID, "001", "002")
		require.NoError(t, service.Check(ctx, task, stages.ConversionCheck{StudyID: study.ID}))

		jobs, err = env.Queue.Peekqueue(ctx, queue.LookupLimit)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		args, err := stages.Decode(jobs[0].Stage, jobs[0].Args)
		require.NoError(t, err)
		require.Equal(t, stages.Conversion{StudyID: study.ID, AcquisitionIDs: ids}, args)
	})
}
