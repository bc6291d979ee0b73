// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package pipelinedb

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/zeebo/errs"

	"storj.io/autobids/pipeline/tasks"
	"storj.io/autobids/private/dbutil/txutil"
	"storj.io/autobids/private/tagsql"
	"storj.io/common/uuid"
)

// ensures that tasksDB implements tasks.DB.
var _ tasks.DB = (*tasksDB)(nil)

// tasksDB is an implementation of tasks.DB.
//
// architecture: Database
type tasksDB struct {
	db tagsql.DB
}

const taskColumns = `id, stage, description, study_id, user_id, status, progress, start_time, end_time, error, log`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (task tasks.Task, err error) {
	err = row.Scan(
		&task.ID, &task.Stage, &task.Description, &task.StudyID, &task.UserID,
		&task.Status, &task.Progress, &task.StartTime, &task.EndTime, &task.Error, &task.Log,
	)
	if err != nil {
		return tasks.Task{}, err
	}
	task.StartTime = task.StartTime.UTC()
	if task.EndTime != nil {
		end := task.EndTime.UTC()
		task.EndTime = &end
	}
	return task, nil
}

// Insert stores a new task.
func (db *tasksDB) Insert(ctx context.Context, task tasks.Task) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, int(task.Stage), task.Description, task.StudyID, task.UserID,
		int(task.Status), task.Progress, task.StartTime.UTC(), task.EndTime, task.Error, task.Log)
	if err != nil {
		if isConstraintError(err) {
			return tasks.ErrDuplicateInFlight.New("study %d stage %s", task.StudyID, task.Stage)
		}
		return tasks.Error.Wrap(err)
	}
	return nil
}

// Get returns the task with the given id.
func (db *tasksDB) Get(ctx context.Context, id uuid.UUID) (_ tasks.Task, err error) {
	defer mon.Task()(&ctx)(&err)

	task, err := scanTask(db.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, tasks.ErrNotFound.New("%s", id)
	}
	return task, tasks.Error.Wrap(err)
}

// Update atomically loads the task, applies fn and stores the result.
func (db *tasksDB) Update(ctx context.Context, id uuid.UUID, fn func(task *tasks.Task) error) (updated tasks.Task, err error) {
	defer mon.Task()(&ctx)(&err)

	err = txutil.WithTx(ctx, db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return tasks.ErrNotFound.New("%s", id)
		}
		if err != nil {
			return tasks.Error.Wrap(err)
		}

		if err := fn(&task); err != nil {
			return err
		}

		var endTime interface{}
		if task.EndTime != nil {
			endTime = task.EndTime.UTC()
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, progress = ?, start_time = ?, end_time = ?, error = ?, log = ?
			WHERE id = ?
		`, int(task.Status), task.Progress, task.StartTime.UTC(), endTime, task.Error, task.Log, id)
		if err != nil {
			return tasks.Error.Wrap(err)
		}
		updated = task
		return nil
	})
	return updated, err
}

// AppendLog appends text to the log of the task.
func (db *tasksDB) AppendLog(ctx context.Context, id uuid.UUID, text string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `UPDATE tasks SET log = log || ? WHERE id = ?`, text, id)
	if err != nil {
		return tasks.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return tasks.Error.Wrap(err)
	}
	if affected == 0 {
		return tasks.ErrNotFound.New("%s", id)
	}
	return nil
}

// List returns tasks, newest first.
func (db *tasksDB) List(ctx context.Context, opts tasks.ListOptions) (_ []tasks.Task, err error) {
	defer mon.Task()(&ctx)(&err)

	var conditions []string
	var args []interface{}
	if opts.StudyID != 0 {
		conditions = append(conditions, "study_id = ?")
		args = append(args, opts.StudyID)
	}
	if opts.Stage != tasks.StageUnknown {
		conditions = append(conditions, "stage = ?")
		args = append(args, int(opts.Stage))
	}
	if opts.Incomplete {
		conditions = append(conditions, "status IN (?, ?)")
		args = append(args, int(tasks.StatusPending), int(tasks.StatusRunning))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY start_time DESC, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, tasks.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var result []tasks.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, tasks.Error.Wrap(err)
		}
		result = append(result, task)
	}
	return result, tasks.Error.Wrap(rows.Err())
}

// InFlight returns true if a non-terminal task exists for the study and stage.
func (db *tasksDB) InFlight(ctx context.Context, studyID int64, stage tasks.Stage) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int
	err = db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE study_id = ? AND stage = ? AND status IN (?, ?)
	`, studyID, int(stage), int(tasks.StatusPending), int(tasks.StatusRunning)).Scan(&count)
	if err != nil {
		return false, tasks.Error.Wrap(err)
	}
	return count > 0, nil
}
