// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package stages

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/pipeline/queue"
	"storj.io/autobids/pipeline/tasks"
)

var mon = monkit.Package()

// Launcher creates tasks and puts them on the queue.
//
// architecture: Service
type Launcher struct {
	log   *zap.Logger
	tasks *tasks.Service
	queue queue.Queue
}

// NewLauncher creates a new launcher.
func NewLauncher(log *zap.Logger, tasks *tasks.Service, queue queue.Queue) *Launcher {
	return &Launcher{log: log, tasks: tasks, queue: queue}
}

// Launch creates a pending task for args and enqueues it. It fails with
// tasks.ErrDuplicateInFlight when the study already has an incomplete
// task of the same stage.
func (launcher *Launcher) Launch(ctx context.Context, args Args, description string, userID int64) (_ *tasks.Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := Encode(args)
	if err != nil {
		return nil, err
	}

	handle, err := launcher.tasks.Create(ctx, tasks.NewTask{
		Stage:       args.Stage(),
		Description: description,
		StudyID:     args.Study(),
		UserID:      userID,
	})
	if err != nil {
		return nil, err
	}

	err = launcher.queue.Enqueue(ctx, queue.Job{
		TaskID: handle.ID,
		Stage:  args.Stage(),
		Args:   data,
	})
	if err != nil {
		// a pending task which is never dequeued would block the study
		return nil, errs.Combine(err, handle.MarkFailed(context.WithoutCancel(ctx), "failed to enqueue task"))
	}

	launcher.log.Info("task launched",
		zap.Stringer("task", handle.ID),
		zap.Stringer("stage", args.Stage()),
		zap.Int64("study", args.Study()),
		zap.String("description", description))
	return handle, nil
}
