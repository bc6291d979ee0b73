// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package pipelinedb_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/autobids/pipeline/pipelinedb"
	"storj.io/autobids/pipeline/pipelinedb/pipelinedbtest"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/common/testcontext"
	"storj.io/common/testrand"
)

func newTask(studyID int64, stage tasks.Stage, start time.Time) tasks.Task {
	return tasks.Task{
		ID:          testrand.UUID(),
		Stage:       stage,
		Description: stage.String(),
		StudyID:     studyID,
		Status:      tasks.StatusPending,
		StartTime:   start,
	}
}

func TestTasksInFlightGuard(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		tasksDB := db.Tasks()
		now := time.Now().UTC().Truncate(time.Second)

		first := newTask(1, tasks.StageAcquisition, now)
		require.NoError(t, tasksDB.Insert(ctx, first))

		inFlight, err := tasksDB.InFlight(ctx, 1, tasks.StageAcquisition)
		require.NoError(t, err)
		require.True(t, inFlight)

		err = tasksDB.Insert(ctx, newTask(1, tasks.StageAcquisition, now))
		require.Error(t, err)
		require.True(t, tasks.ErrDuplicateInFlight.Has(err))

		// other stages and studies are independent
		require.NoError(t, tasksDB.Insert(ctx, newTask(1, tasks.StageConversion, now)))
		require.NoError(t, tasksDB.Insert(ctx, newTask(2, tasks.StageAcquisition, now)))

		// tasks without a study are never guarded
		require.NoError(t, tasksDB.Insert(ctx, newTask(0, tasks.StageUpdateHeuristics, now)))
		require.NoError(t, tasksDB.Insert(ctx, newTask(0, tasks.StageUpdateHeuristics, now)))

		_, err = tasksDB.Update(ctx, first.ID, func(task *tasks.Task) error {
			end := now.Add(time.Minute)
			task.Status = tasks.StatusFailed
			task.EndTime = &end
			task.Error = "boom"
			return nil
		})
		require.NoError(t, err)

		inFlight, err = tasksDB.InFlight(ctx, 1, tasks.StageAcquisition)
		require.NoError(t, err)
		require.False(t, inFlight)
		require.NoError(t, tasksDB.Insert(ctx, newTask(1, tasks.StageAcquisition, now)))
	})
}

func TestTasksUpdateAndList(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		tasksDB := db.Tasks()
		now := time.Now().UTC().Truncate(time.Second)

		older := newTask(3, tasks.StageConversion, now)
		newer := newTask(3, tasks.StageArchival, now.Add(time.Hour))
		require.NoError(t, tasksDB.Insert(ctx, older))
		require.NoError(t, tasksDB.Insert(ctx, newer))

		_, err := tasksDB.Get(ctx, testrand.UUID())
		require.True(t, tasks.ErrNotFound.Has(err))

		require.NoError(t, tasksDB.AppendLog(ctx, older.ID, "first\n"))
		require.NoError(t, tasksDB.AppendLog(ctx, older.ID, "second\n"))

		updated, err := tasksDB.Update(ctx, older.ID, func(task *tasks.Task) error {
			task.Status = tasks.StatusRunning
			task.Progress = 40
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 40, updated.Progress)

		got, err := tasksDB.Get(ctx, older.ID)
		require.NoError(t, err)
		require.Equal(t, tasks.StatusRunning, got.Status)
		require.Equal(t, 40, got.Progress)
		require.Equal(t, "first\nsecond\n", got.Log)
		require.Equal(t, now, got.StartTime)
		require.Nil(t, got.EndTime)

		// a failing callback leaves the task untouched
		_, err = tasksDB.Update(ctx, older.ID, func(task *tasks.Task) error {
			task.Progress = 99
			return tasks.ErrInvalidTransition.New("nope")
		})
		require.True(t, tasks.ErrInvalidTransition.Has(err))
		got, err = tasksDB.Get(ctx, older.ID)
		require.NoError(t, err)
		require.Equal(t, 40, got.Progress)

		list, err := tasksDB.List(ctx, tasks.ListOptions{StudyID: 3})
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, newer.ID, list[0].ID)
		require.Equal(t, older.ID, list[1].ID)

		list, err = tasksDB.List(ctx, tasks.ListOptions{StudyID: 3, Stage: tasks.StageConversion})
		require.NoError(t, err)
		require.Len(t, list, 1)

		list, err = tasksDB.List(ctx, tasks.ListOptions{Limit: 1})
		require.NoError(t, err)
		require.Len(t, list, 1)
	})
}

func TestNotificationsReplace(t *testing.T) {
	pipelinedbtest.Run(t, func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) {
		notifications := db.Notifications()
		now := time.Now().UTC().Truncate(time.Second)

		for _, payload := range []string{"10", "20", "30"} {
			require.NoError(t, notifications.Replace(ctx, tasks.Notification{
				UserID:    5,
				Kind:      tasks.NotificationKindProgress,
				Payload:   []byte(payload),
				CreatedAt: now,
			}))
		}
		require.NoError(t, notifications.Replace(ctx, tasks.Notification{
			UserID: 5, Kind: "other", Payload: []byte("x"), CreatedAt: now,
		}))

		list, err := notifications.List(ctx, 5)
		require.NoError(t, err)
		require.Len(t, list, 2)

		var progress []string
		for _, notification := range list {
			if notification.Kind == tasks.NotificationKindProgress {
				progress = append(progress, string(notification.Payload))
			}
		}
		require.Equal(t, []string{"30"}, progress)

		list, err = notifications.List(ctx, 6)
		require.NoError(t, err)
		require.Empty(t, list)
	})
}
