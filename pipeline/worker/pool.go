// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package worker executes queued tasks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/autobids/pipeline/queue"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/common/sync2"
)

var (
	// Error is the default worker error class.
	Error = errs.Class("worker")

	mon = monkit.Package()
)

// UncaughtReason is the failure reason of a task whose handler panicked.
const UncaughtReason = "unknown uncaught exception"

// Config configures the worker pool.
type Config struct {
	Concurrency int           `help:"number of tasks processed in parallel" default:"2"`
	Interval    time.Duration `help:"how often an idle worker polls the queue" releaseDefault:"10s" devDefault:"1s" testDefault:"50ms"`

	Timeout            time.Duration `help:"hard timeout of a task" default:"27h46m40s"`
	AcquisitionTimeout time.Duration `help:"hard timeout of an acquisition task, zero uses timeout" default:"0s"`
	ConversionTimeout  time.Duration `help:"hard timeout of a conversion task, zero uses timeout" default:"0s"`
	CorrectionTimeout  time.Duration `help:"hard timeout of a correction task, zero uses timeout" default:"0s"`
	ArchivalTimeout    time.Duration `help:"hard timeout of an archival task, zero uses timeout" default:"0s"`

	ChainConversion bool `help:"launch a conversion check after every successful acquisition" default:"false"`

	ReapInterval time.Duration `help:"how often tasks abandoned by a crashed process are failed, zero disables" releaseDefault:"10m" devDefault:"1m" testDefault:"0s"`
	ReapGrace    time.Duration `help:"how long a running task may outlive its timeout, or a pending task may be missing from the queue, before it is failed" default:"10m"`
}

// TimeoutFor returns the hard timeout of stage.
func (config Config) TimeoutFor(stage tasks.Stage) time.Duration {
	var timeout time.Duration
	switch stage {
	case tasks.StageAcquisition:
		timeout = config.AcquisitionTimeout
	case tasks.StageConversion:
		timeout = config.ConversionTimeout
	case tasks.StageCorrection:
		timeout = config.CorrectionTimeout
	case tasks.StageArchival:
		timeout = config.ArchivalTimeout
	}
	if timeout <= 0 {
		timeout = config.Timeout
	}
	return timeout
}

// Handler runs the work of one stage. A returned error fails the task with
// the error message. Handlers may complete the task themselves, in which
// case the pool leaves it as is.
type Handler interface {
	Handle(ctx context.Context, task *tasks.Handle, args stages.Args) error
}

// HandlerFunc is a func implementing Handler.
type HandlerFunc func(ctx context.Context, task *tasks.Handle, args stages.Args) error

// Handle implements Handler.
func (fn HandlerFunc) Handle(ctx context.Context, task *tasks.Handle, args stages.Args) error {
	return fn(ctx, task, args)
}

// Typed adapts a function taking the concrete arguments of a stage.
func Typed[A stages.Args](fn func(ctx context.Context, task *tasks.Handle, args A) error) Handler {
	return HandlerFunc(func(ctx context.Context, task *tasks.Handle, args stages.Args) error {
		typed, ok := args.(A)
		if !ok {
			return Error.New("unexpected arguments %T", args)
		}
		return fn(ctx, task, typed)
	})
}

// Pool pulls jobs from the queue and runs them with the handler of their stage.
//
// architecture: Worker
type Pool struct {
	log      *zap.Logger
	config   Config
	queue    queue.Queue
	tasks    *tasks.Service
	launcher *stages.Launcher

	handlers [tasks.StageCount]Handler
	loops    []*sync2.Cycle
}

// NewPool creates a worker pool.
func NewPool(log *zap.Logger, config Config, queue queue.Queue, tasks *tasks.Service, launcher *stages.Launcher) *Pool {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	pool := &Pool{
		log:      log,
		config:   config,
		queue:    queue,
		tasks:    tasks,
		launcher: launcher,
	}
	for i := 0; i < config.Concurrency; i++ {
		pool.loops = append(pool.loops, sync2.NewCycle(config.Interval))
	}
	return pool
}

// Register sets the handler of stage.
func (pool *Pool) Register(stage tasks.Stage, handler Handler) {
	pool.handlers[stage] = handler
}

// Run runs the workers until ctx is canceled.
func (pool *Pool) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errgroup.Group
	for i, loop := range pool.loops {
		log := pool.log.With(zap.Int("worker", i))
		loop := loop
		group.Go(func() error {
			return loop.Run(ctx, func(ctx context.Context) error {
				pool.drain(ctx, log)
				return nil
			})
		})
	}
	return group.Wait()
}

// Close stops the workers.
func (pool *Pool) Close() error {
	for _, loop := range pool.loops {
		loop.Close()
	}
	return nil
}

// drain processes jobs until the queue is empty.
func (pool *Pool) drain(ctx context.Context, log *zap.Logger) {
	for ctx.Err() == nil {
		processed, err := pool.ProcessNext(ctx)
		if err != nil {
			log.Error("processing job failed", zap.Error(err))
			return
		}
		if !processed {
			return
		}
	}
}

// ProcessNext dequeues and runs one job. It returns false when the queue
// is empty.
func (pool *Pool) ProcessNext(ctx context.Context) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	job, err := pool.queue.Dequeue(ctx)
	if err != nil {
		if queue.ErrEmptyQueue.Has(err) {
			return false, nil
		}
		return false, err
	}
	return true, pool.process(ctx, job)
}

func (pool *Pool) process(ctx context.Context, job queue.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	log := pool.log.With(zap.Stringer("task", job.TaskID), zap.Stringer("stage", job.Stage))

	handle, err := pool.tasks.Open(ctx, job.TaskID)
	if err != nil {
		return err
	}
	task, err := handle.Task(ctx)
	if err != nil {
		return err
	}
	if task.Status != tasks.StatusPending {
		log.Warn("skipping task which is not pending", zap.Stringer("status", task.Status))
		return nil
	}

	var handler Handler
	if job.Stage.Valid() {
		handler = pool.handlers[job.Stage]
	}
	if handler == nil {
		return handle.MarkFailed(ctx, fmt.Sprintf("no handler for stage %s", job.Stage))
	}
	args, err := stages.Decode(job.Stage, job.Args)
	if err != nil {
		return handle.MarkFailed(ctx, err.Error())
	}

	if err := handle.MarkRunning(ctx); err != nil {
		if tasks.ErrInvalidTransition.Has(err) {
			log.Warn("task completed before it started", zap.Error(err))
			return nil
		}
		return err
	}

	timeout := pool.config.TimeoutFor(job.Stage)
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info("running task", zap.Int64("study", task.StudyID), zap.Duration("timeout", timeout))
	panicked, handlerErr := pool.run(taskCtx, handler, handle, args)

	// the task context may be done at this point
	finalCtx := context.WithoutCancel(ctx)
	task, err = handle.Task(finalCtx)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		log.Info("task finished", zap.Stringer("status", task.Status))
		return nil
	}

	switch {
	case panicked:
		log.Error("task handler panicked", zap.Error(handlerErr))
		return handle.MarkFailed(finalCtx, UncaughtReason)
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		mon.Counter("task_timeouts").Inc(1)
		return handle.MarkFailed(finalCtx, fmt.Sprintf("task timed out after %s", timeout))
	case handlerErr != nil:
		return handle.MarkFailed(finalCtx, handlerErr.Error())
	}

	if err := handle.MarkSucceeded(finalCtx); err != nil {
		return err
	}
	log.Info("task succeeded")

	if job.Stage == tasks.StageAcquisition && pool.config.ChainConversion {
		pool.chainConversion(finalCtx, log, task)
	}
	return nil
}

// run calls the handler and converts a panic into an error.
func (pool *Pool) run(ctx context.Context, handler Handler, handle *tasks.Handle, args stages.Args) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked, err = true, Error.New("panic: %v", r)
		}
	}()
	return false, handler.Handle(ctx, handle, args)
}

func (pool *Pool) chainConversion(ctx context.Context, log *zap.Logger, task tasks.Task) {
	_, err := pool.launcher.Launch(ctx, stages.ConversionCheck{StudyID: task.StudyID},
		fmt.Sprintf("Check for unconverted tar files in study %d", task.StudyID), task.UserID)
	if err != nil && !tasks.ErrDuplicateInFlight.Has(err) {
		log.Error("failed to launch conversion check", zap.Error(err))
	}
}
