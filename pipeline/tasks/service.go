// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/common/uuid"
)

var mon = monkit.Package()

// NewTask describes a task to create.
type NewTask struct {
	Stage       Stage
	Description string
	StudyID     int64
	UserID      int64
}

// Service manages task state.
//
// architecture: Service
type Service struct {
	log           *zap.Logger
	db            DB
	notifications NotificationsDB

	nowFn func() time.Time
}

// NewService creates a new task service.
func NewService(log *zap.Logger, db DB, notifications NotificationsDB) *Service {
	return &Service{
		log:           log,
		db:            db,
		notifications: notifications,
		nowFn:         time.Now,
	}
}

// TestSetNow overrides the clock of the service.
func (service *Service) TestSetNow(nowFn func() time.Time) {
	service.nowFn = nowFn
}

func (service *Service) now() time.Time { return service.nowFn().UTC() }

// Create stores a new pending task.
func (service *Service) Create(ctx context.Context, newTask NewTask) (_ *Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	if !newTask.Stage.Valid() {
		return nil, Error.New("invalid stage %d", int(newTask.Stage))
	}

	id, err := uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	task := Task{
		ID:          id,
		Stage:       newTask.Stage,
		Description: newTask.Description,
		StudyID:     newTask.StudyID,
		UserID:      newTask.UserID,
		Status:      StatusPending,
		StartTime:   service.now(),
	}
	if err := service.db.Insert(ctx, task); err != nil {
		return nil, err
	}

	service.log.Debug("task created",
		zap.Stringer("task", id),
		zap.Stringer("stage", task.Stage),
		zap.Int64("study", task.StudyID))

	return service.handle(task), nil
}

// Open returns a handle for an existing task.
func (service *Service) Open(ctx context.Context, id uuid.UUID) (_ *Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	task, err := service.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return service.handle(task), nil
}

// Get returns the task.
func (service *Service) Get(ctx context.Context, id uuid.UUID) (_ Task, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.Get(ctx, id)
}

// List lists tasks.
func (service *Service) List(ctx context.Context, opts ListOptions) (_ []Task, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.List(ctx, opts)
}

// InFlight returns true when a task for the study and stage has not completed.
func (service *Service) InFlight(ctx context.Context, studyID int64, stage Stage) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.InFlight(ctx, studyID, stage)
}

// Notifications returns the live notifications for the user.
func (service *Service) Notifications(ctx context.Context, userID int64) (_ []Notification, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.notifications.List(ctx, userID)
}

func (service *Service) handle(task Task) *Handle {
	return &Handle{
		service: service,
		ID:      task.ID,
		Stage:   task.Stage,
		StudyID: task.StudyID,
		UserID:  task.UserID,
	}
}

// Handle is used by the code running a task to report its state.
type Handle struct {
	service *Service

	ID      uuid.UUID
	Stage   Stage
	StudyID int64
	UserID  int64
}

// Task loads the current state of the task.
func (handle *Handle) Task(ctx context.Context) (Task, error) {
	return handle.service.db.Get(ctx, handle.ID)
}

// MarkRunning moves a pending task to running and restarts its clock.
func (handle *Handle) MarkRunning(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = handle.service.db.Update(ctx, handle.ID, func(task *Task) error {
		if task.Status != StatusPending {
			return ErrInvalidTransition.New("%s -> %s", task.Status, StatusRunning)
		}
		task.Status = StatusRunning
		task.Progress = 0
		task.StartTime = handle.service.now()
		return nil
	})
	if err != nil {
		return err
	}
	return handle.notify(ctx, 0)
}

// UpdateProgress records progress as a percentage and replaces the
// progress notification of the owning user.
func (handle *Handle) UpdateProgress(ctx context.Context, percent int) (err error) {
	defer mon.Task()(&ctx)(&err)

	if percent < 0 || percent > 100 {
		return Error.New("progress %d out of range", percent)
	}

	_, err = handle.service.db.Update(ctx, handle.ID, func(task *Task) error {
		if task.Status.Terminal() {
			return ErrInvalidTransition.New("progress update on %s task", task.Status)
		}
		task.Progress = percent
		return nil
	})
	if err != nil {
		return err
	}
	return handle.notify(ctx, percent)
}

// MarkSucceeded completes a running task successfully.
func (handle *Handle) MarkSucceeded(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = handle.service.db.Update(ctx, handle.ID, func(task *Task) error {
		if task.Status != StatusRunning {
			return ErrInvalidTransition.New("%s -> %s", task.Status, StatusSucceeded)
		}
		end := handle.service.now()
		task.Status = StatusSucceeded
		task.Progress = 100
		task.Error = ""
		task.EndTime = &end
		return nil
	})
	if err != nil {
		return err
	}
	mon.Counter("tasks_succeeded").Inc(1)
	return handle.notify(ctx, 100)
}

// MarkFailed completes the task with reason, truncated to MaxErrorLength.
func (handle *Handle) MarkFailed(ctx context.Context, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = handle.service.db.Update(ctx, handle.ID, func(task *Task) error {
		if task.Status.Terminal() {
			return ErrInvalidTransition.New("%s -> %s", task.Status, StatusFailed)
		}
		end := handle.service.now()
		task.Status = StatusFailed
		task.Error = Truncate(reason, MaxErrorLength)
		task.EndTime = &end
		return nil
	})
	if err != nil {
		return err
	}
	mon.Counter("tasks_failed").Inc(1)

	handle.service.log.Info("task failed",
		zap.Stringer("task", handle.ID),
		zap.Stringer("stage", handle.Stage),
		zap.String("reason", reason))
	return nil
}

// AppendLog adds text to the task log.
func (handle *Handle) AppendLog(ctx context.Context, text string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if text == "" {
		return nil
	}
	return handle.service.db.AppendLog(ctx, handle.ID, text)
}

func (handle *Handle) notify(ctx context.Context, progress int) error {
	if handle.UserID == 0 {
		return nil
	}

	payload, err := json.Marshal(struct {
		TaskID   string `json:"task_id"`
		Progress int    `json:"progress"`
	}{handle.ID.String(), progress})
	if err != nil {
		return Error.Wrap(err)
	}

	return handle.service.notifications.Replace(ctx, Notification{
		UserID:    handle.UserID,
		Kind:      NotificationKindProgress,
		Payload:   payload,
		CreatedAt: handle.service.now(),
	})
}

// Truncate shortens s to at most n characters.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
