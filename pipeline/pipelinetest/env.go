// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pipelinetest wires the pipeline services for stage tests.
package pipelinetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/datasets/datasetstest"
	"storj.io/autobids/pipeline/mailservice"
	"storj.io/autobids/pipeline/mailservice/simulate"
	"storj.io/autobids/pipeline/pipelinedb"
	"storj.io/autobids/pipeline/queue/memqueue"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/studies"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/autobids/private/post"
	"storj.io/common/testcontext"
)

// Admin is the administrator address of the test environment.
const Admin = "admin@example.com"

// Env holds the services shared by all stages.
type Env struct {
	Log *zap.Logger
	DB  *pipelinedb.DB

	Tasks    *tasks.Service
	Queue    *memqueue.Queue
	Launcher *stages.Launcher

	Store    *datasetstest.Store
	Datasets *datasets.Service

	Mail     *mailservice.Service
	Recorder *simulate.Recorder
}

// NewEnv creates the services on top of db.
func NewEnv(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB) *Env {
	log := zaptest.NewLogger(t)

	service := tasks.NewService(log.Named("tasks"), db.Tasks(), db.Notifications())
	jobs := memqueue.New()
	store := datasetstest.NewStore()
	recorder := simulate.NewRecorder(log.Named("mail"), post.Address{Address: "autobids@example.com"})
	mail, err := mailservice.New(log.Named("mail"), recorder, mailservice.Config{Admins: Admin})
	require.NoError(t, err)

	config := datasets.Config{WorkDir: ctx.Dir("work"), LeaseRetry: 10 * time.Millisecond}

	return &Env{
		Log:      log,
		DB:       db,
		Tasks:    service,
		Queue:    jobs,
		Launcher: stages.NewLauncher(log.Named("launcher"), service, jobs),
		Store:    store,
		Datasets: datasets.NewService(log.Named("datasets"), db.Datasets(), store,
			datasets.NewLeases(log.Named("leases"), db.DatasetLeases(), config), config),
		Mail:     mail,
		Recorder: recorder,
	}
}

// CreateStudy stores a study with default configuration.
func (env *Env) CreateStudy(ctx context.Context, t *testing.T, configure func(study *studies.Study)) studies.Study {
	study := studies.New("Khan", "NeuroAnalytics", "submitter@example.com")
	study.Active = true
	if configure != nil {
		configure(&study)
	}
	study, err := env.DB.Studies().Create(ctx, study)
	require.NoError(t, err)
	return study
}

// StartTask creates a running task, as the worker pool does before calling
// a handler.
func (env *Env) StartTask(ctx context.Context, t *testing.T, stage tasks.Stage, studyID int64) *tasks.Handle {
	handle, err := env.Tasks.Create(ctx, tasks.NewTask{
		Stage:       stage,
		Description: "test " + stage.String(),
		StudyID:     studyID,
		UserID:      1,
	})
	require.NoError(t, err)
	require.NoError(t, handle.MarkRunning(ctx))
	return handle
}

// Task returns the current state of the task.
func (env *Env) Task(ctx context.Context, t *testing.T, handle *tasks.Handle) tasks.Task {
	task, err := handle.Task(ctx)
	require.NoError(t, err)
	return task
}

// Date returns midnight UTC of the day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
