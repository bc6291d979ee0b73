// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tasks tracks the lifecycle of every asynchronous unit of work.
package tasks

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
)

var (
	// Error is the default tasks error class.
	Error = errs.Class("tasks")
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errs.Class("task not found")
	// ErrDuplicateInFlight is returned when a task for the same study and
	// stage has not completed yet.
	ErrDuplicateInFlight = errs.Class("duplicate in-flight task")
	// ErrInvalidTransition is returned for a status change that is not allowed.
	ErrInvalidTransition = errs.Class("invalid task transition")
)

// MaxErrorLength is the number of characters of a failure reason kept on the task.
const MaxErrorLength = 128

// Stage identifies the kind of work a task performs.
type Stage int

const (
	// StageUnknown is the zero value and never dispatched.
	StageUnknown Stage = iota
	// StageAcquisitionCheck reconciles a study against the remote index.
	StageAcquisitionCheck
	// StageAcquisition downloads reconciled targets.
	StageAcquisition
	// StageConversionCheck looks for acquisitions which are not converted.
	StageConversionCheck
	// StageConversion converts a batch of acquisitions.
	StageConversion
	// StageCorrection corrects raw data into the derived dataset.
	StageCorrection
	// StageArchival ships a snapshot of a dataset to cold storage.
	StageArchival
	// StageUpdateHeuristics refreshes the heuristics repository.
	StageUpdateHeuristics
	// StageDeleteAcquisition removes an acquired file.
	StageDeleteAcquisition
	// StageWipeDataset removes all content from a dataset.
	StageWipeDataset

	// StageCount is the number of stages including StageUnknown.
	StageCount
)

var stageNames = [StageCount]string{
	StageUnknown:           "unknown",
	StageAcquisitionCheck:  "acquisition-check",
	StageAcquisition:       "acquisition",
	StageConversionCheck:   "conversion-check",
	StageConversion:        "conversion",
	StageCorrection:        "correction",
	StageArchival:          "archival",
	StageUpdateHeuristics:  "update-heuristics",
	StageDeleteAcquisition: "delete-acquisition",
	StageWipeDataset:       "wipe-dataset",
}

// String implements fmt.Stringer.
func (stage Stage) String() string {
	if stage < 0 || stage >= StageCount {
		return stageNames[StageUnknown]
	}
	return stageNames[stage]
}

// Valid returns true for a dispatchable stage.
func (stage Stage) Valid() bool {
	return stage > StageUnknown && stage < StageCount
}

// ParseStage returns the stage with the given name.
func ParseStage(name string) (Stage, error) {
	for stage := StageUnknown + 1; stage < StageCount; stage++ {
		if stageNames[stage] == name {
			return stage, nil
		}
	}
	return StageUnknown, Error.New("unknown stage %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (stage Stage) MarshalText() ([]byte, error) {
	if !stage.Valid() {
		return nil, Error.New("invalid stage %d", int(stage))
	}
	return []byte(stage.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (stage *Stage) UnmarshalText(data []byte) error {
	parsed, err := ParseStage(string(data))
	if err != nil {
		return err
	}
	*stage = parsed
	return nil
}

// Status is the state of a task.
type Status int

const (
	// StatusPending is a task which is queued but not started.
	StatusPending Status = iota
	// StatusRunning is a task which a worker is executing.
	StatusRunning
	// StatusSucceeded is a task that completed successfully.
	StatusSucceeded
	// StatusFailed is a task that completed with an error.
	StatusFailed
)

// String implements fmt.Stringer.
func (status Status) String() string {
	switch status {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Terminal returns true when no further transition is allowed.
func (status Status) Terminal() bool {
	return status == StatusSucceeded || status == StatusFailed
}

// Task is one invocation of a stage.
type Task struct {
	ID          uuid.UUID
	Stage       Stage
	Description string
	// StudyID and UserID are zero when the task has no study or owner.
	StudyID int64
	UserID  int64

	Status    Status
	Progress  int
	StartTime time.Time
	EndTime   *time.Time
	Error     string
	Log       string
}

// Complete returns true when the task reached a terminal status.
func (task *Task) Complete() bool { return task.Status.Terminal() }

// ListOptions filters tasks.
type ListOptions struct {
	StudyID int64
	Stage   Stage
	// Incomplete limits the result to pending and running tasks.
	Incomplete bool
	Limit      int
}

// DB stores tasks.
//
// architecture: Database
type DB interface {
	// Insert stores a pending task. It fails with ErrDuplicateInFlight when
	// the task has a study and a non-terminal task exists for the same study
	// and stage.
	Insert(ctx context.Context, task Task) error
	// Get returns the task with the given id.
	Get(ctx context.Context, id uuid.UUID) (Task, error)
	// Update atomically loads the task, applies fn and stores the result.
	Update(ctx context.Context, id uuid.UUID, fn func(task *Task) error) (Task, error)
	// AppendLog appends text to the log of the task.
	AppendLog(ctx context.Context, id uuid.UUID, text string) error
	// List returns tasks, newest first.
	List(ctx context.Context, opts ListOptions) ([]Task, error)
	// InFlight returns true if a non-terminal task exists for the study and stage.
	InFlight(ctx context.Context, studyID int64, stage Stage) (bool, error)
}

// NotificationKindProgress is the notification kind updated on task progress.
const NotificationKindProgress = "task_progress"

// Notification is a message shown to a user. There is at most one
// notification per user and kind.
type Notification struct {
	UserID    int64
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// NotificationsDB stores user notifications.
//
// architecture: Database
type NotificationsDB interface {
	// Replace stores the notification, removing any previous notification
	// of the same kind for the same user.
	Replace(ctx context.Context, notification Notification) error
	// List returns the notifications for the user.
	List(ctx context.Context, userID int64) ([]Notification, error)
}
