// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/pipeline/queue"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/common/sync2"
	"storj.io/common/uuid"
)

// AbandonedRunningReason is the failure reason of a task which kept running
// past its timeout, which only happens when its process died.
const AbandonedRunningReason = "task abandoned: worker stopped while it was running"

// AbandonedPendingReason is the failure reason of a pending task whose job
// is no longer in the queue.
const AbandonedPendingReason = "task abandoned: job was lost before a worker started it"

// Reaper fails tasks left incomplete by a process which died. Without it
// such a task would block its study and stage forever.
//
// architecture: Chore
type Reaper struct {
	log    *zap.Logger
	config Config
	queue  queue.Queue
	tasks  *tasks.Service
	nowFn  func() time.Time

	Loop *sync2.Cycle
}

// NewReaper creates a reaper which runs every config.ReapInterval.
func NewReaper(log *zap.Logger, config Config, queue queue.Queue, tasks *tasks.Service) *Reaper {
	return &Reaper{
		log:    log,
		config: config,
		queue:  queue,
		tasks:  tasks,
		nowFn:  time.Now,
		Loop:   sync2.NewCycle(config.ReapInterval),
	}
}

// TestSetNow overrides the clock of the reaper.
func (reaper *Reaper) TestSetNow(nowFn func() time.Time) {
	reaper.nowFn = nowFn
}

// Run reaps once at startup and then on every interval.
func (reaper *Reaper) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return reaper.Loop.Run(ctx, func(ctx context.Context) error {
		reaped, err := reaper.Reap(ctx)
		if err != nil {
			reaper.log.Error("reaping abandoned tasks failed", zap.Error(err))
		}
		if reaped > 0 {
			reaper.log.Info("failed abandoned tasks", zap.Int("count", reaped))
		}
		return nil
	})
}

// Close stops the reaper.
func (reaper *Reaper) Close() error {
	reaper.Loop.Close()
	return nil
}

// Reap fails every running task older than its timeout plus the grace
// period and every pending task missing from the queue for longer than the
// grace period. It returns the number of failed tasks.
func (reaper *Reaper) Reap(ctx context.Context) (reaped int, err error) {
	defer mon.Task()(&ctx)(&err)

	incomplete, err := reaper.tasks.List(ctx, tasks.ListOptions{Incomplete: true})
	if err != nil {
		return 0, err
	}
	if len(incomplete) == 0 {
		return 0, nil
	}

	jobs, err := reaper.queue.Peekqueue(ctx, queue.LookupLimit)
	if err != nil {
		return 0, err
	}
	queued := make(map[uuid.UUID]bool, len(jobs))
	for _, job := range jobs {
		queued[job.TaskID] = true
	}
	// a full page may hide older jobs
	queueComplete := len(jobs) < queue.LookupLimit

	now := reaper.nowFn().UTC()

	var group errs.Group
	for _, task := range incomplete {
		var reason string
		switch task.Status {
		case tasks.StatusRunning:
			deadline := task.StartTime.Add(reaper.config.TimeoutFor(task.Stage) + reaper.config.ReapGrace)
			if now.After(deadline) {
				reason = AbandonedRunningReason
			}
		case tasks.StatusPending:
			if queueComplete && !queued[task.ID] && now.Sub(task.StartTime) > reaper.config.ReapGrace {
				reason = AbandonedPendingReason
			}
		}
		if reason == "" {
			continue
		}

		handle, err := reaper.tasks.Open(ctx, task.ID)
		if err != nil {
			group.Add(err)
			continue
		}
		err = handle.MarkFailed(ctx, reason)
		if tasks.ErrInvalidTransition.Has(err) {
			// completed since it was listed
			continue
		}
		if err != nil {
			group.Add(err)
			continue
		}

		mon.Counter("tasks_reaped").Inc(1)
		reaper.log.Warn("failed abandoned task",
			zap.Stringer("task", task.ID),
			zap.Stringer("stage", task.Stage),
			zap.Int64("study", task.StudyID),
			zap.Stringer("status", task.Status))
		_ = handle.AppendLog(ctx, fmt.Sprintf("%s\n", reason))
		reaped++
	}
	return reaped, group.Err()
}
