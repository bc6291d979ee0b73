// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pipeline wires the acquisition, conversion, correction and
// archival stages into a single process.
package pipeline

import (
	"context"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/autobids/pipeline/acquisition"
	"storj.io/autobids/pipeline/archival"
	"storj.io/autobids/pipeline/coldstorage"
	"storj.io/autobids/pipeline/conversion"
	"storj.io/autobids/pipeline/correction"
	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/dicomindex"
	"storj.io/autobids/pipeline/heuristics"
	"storj.io/autobids/pipeline/mailservice"
	"storj.io/autobids/pipeline/maintenance"
	"storj.io/autobids/pipeline/queue"
	"storj.io/autobids/pipeline/queue/boltqueue"
	"storj.io/autobids/pipeline/queue/memqueue"
	"storj.io/autobids/pipeline/queue/redisqueue"
	"storj.io/autobids/pipeline/reconcile"
	"storj.io/autobids/pipeline/scheduler"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/studies"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/autobids/pipeline/worker"
	"storj.io/autobids/private/lifecycle"
	"storj.io/autobids/private/toolexec"
)

var (
	mon = monkit.Package()

	// Error is the default pipeline error class.
	Error = errs.Class("pipeline")
)

// DB is the master database of the pipeline.
//
// architecture: Master Database
type DB interface {
	// Tasks returns the tasks database.
	Tasks() tasks.DB
	// Notifications returns the user notifications database.
	Notifications() tasks.NotificationsDB
	// Studies returns the studies database.
	Studies() studies.DB
	// Records returns the acquisition and conversion records database.
	Records() studies.RecordsDB
	// Datasets returns the dataset handles database.
	Datasets() datasets.DB
	// DatasetLeases returns the dataset leases database.
	DatasetLeases() datasets.LeaseDB
	// Snapshots returns the archive snapshots database.
	Snapshots() archival.DB
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend string `help:"job queue backend, one of memory, redis or bolt" default:"bolt" devDefault:"memory"`
	URL     string `help:"redis url of the job queue" default:"redis://localhost:6379/0"`
	Key     string `help:"redis list holding the jobs" default:"autobids:jobs"`
	Path    string `help:"bolt file holding the jobs" default:"$CONFDIR/jobs.db"`
}

// OpenQueue opens the configured job queue.
func OpenQueue(ctx context.Context, log *zap.Logger, config QueueConfig) (queue.Queue, error) {
	switch strings.ToLower(config.Backend) {
	case "memory":
		return memqueue.New(), nil
	case "redis":
		return redisqueue.Open(ctx, config.URL, config.Key)
	case "bolt":
		return boltqueue.New(log, config.Path)
	default:
		return nil, Error.New("unknown queue backend %q", config.Backend)
	}
}

// Config is the configuration of the pipeline process.
type Config struct {
	Queue  QueueConfig
	Worker worker.Config

	Index       dicomindex.Config
	Acquisition acquisition.Config
	Conversion  conversion.Config
	Correction  correction.Config

	Datasets datasets.Config
	Datalad  datasets.DataladConfig
	Archive  archival.Config

	Heuristics heuristics.Config
	Mail       mailservice.Config
	Scheduler  scheduler.Config
}

// Peer is the pipeline process.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  DB

	Services *lifecycle.Group

	Queue queue.Queue

	Tasks struct {
		Service  *tasks.Service
		Launcher *stages.Launcher
	}

	Mail struct {
		Service *mailservice.Service
	}

	Datasets struct {
		Store   datasets.Store
		Service *datasets.Service
	}

	Index struct {
		Client     dicomindex.Client
		Reconciler *reconcile.Reconciler
	}

	Acquisition struct {
		Service *acquisition.Service
	}

	Conversion struct {
		Service *conversion.Service
	}

	Correction struct {
		Service *correction.Service
	}

	Archival struct {
		Storage coldstorage.Storage
		Engine  *archival.Engine
	}

	Heuristics struct {
		Repository *heuristics.Repository
	}

	Maintenance struct {
		Service *maintenance.Service
	}

	Scheduler struct {
		Trigger *scheduler.Trigger
		Chore   *scheduler.Chore
	}

	Worker struct {
		Pool   *worker.Pool
		Reaper *worker.Reaper
	}
}

// New creates the pipeline process. The store is used for datasets when
// not nil, otherwise datasets are kept in datalad.
func New(log *zap.Logger, db DB, jobs queue.Queue, store datasets.Store, config *Config) (_ *Peer, err error) {
	peer := &Peer{
		Log:      log,
		DB:       db,
		Queue:    jobs,
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup tasks
		peer.Tasks.Service = tasks.NewService(log.Named("tasks"), db.Tasks(), db.Notifications())
		peer.Tasks.Launcher = stages.NewLauncher(log.Named("launcher"), peer.Tasks.Service, jobs)
	}

	{ // setup mail
		sender, err := mailservice.NewSender(log.Named("mail:sender"), config.Mail)
		if err != nil {
			return nil, err
		}
		peer.Mail.Service, err = mailservice.New(log.Named("mail:service"), sender, config.Mail)
		if err != nil {
			return nil, err
		}
	}

	{ // setup datasets
		if store == nil {
			store = datasets.NewDatalad(log.Named("datalad"),
				toolexec.NewRunner(log.Named("datalad:exec"), config.Datalad.Image),
				config.Datalad)
		}
		peer.Datasets.Store = store
		leases := datasets.NewLeases(log.Named("datasets:leases"), db.DatasetLeases(), config.Datasets)
		peer.Datasets.Service = datasets.NewService(log.Named("datasets"), db.Datasets(), store, leases, config.Datasets)
	}

	{ // setup index
		peer.Index.Client = dicomindex.NewFindSCU(log.Named("findscu"),
			toolexec.NewRunner(log.Named("findscu:exec"), config.Index.Image),
			config.Index)
		peer.Index.Reconciler = reconcile.NewReconciler(log.Named("reconcile"), peer.Index.Client)
	}

	{ // setup heuristics
		peer.Heuristics.Repository = heuristics.NewRepository(log.Named("heuristics"), config.Heuristics,
			toolexec.NewRunner(log.Named("heuristics:exec"), toolexec.Image{}))
	}

	{ // setup acquisition
		tool := acquisition.NewCfmm2tar(log.Named("cfmm2tar"),
			toolexec.NewRunner(log.Named("cfmm2tar:exec"), config.Acquisition.Tool.Image),
			config.Acquisition.Tool)
		peer.Acquisition.Service = acquisition.NewService(log.Named("acquisition"), config.Acquisition, tool,
			peer.Index.Reconciler, db.Studies(), db.Records(), peer.Datasets.Service,
			peer.Tasks.Launcher, peer.Mail.Service)
	}

	{ // setup conversion
		conversionConfig := config.Conversion
		if conversionConfig.HeuristicsDir == "" {
			conversionConfig.HeuristicsDir = peer.Heuristics.Repository.Dir()
		}
		tool := conversion.NewTar2bids(log.Named("tar2bids"),
			toolexec.NewRunner(log.Named("tar2bids:exec"), conversionConfig.Tool.Image),
			conversionConfig.Tool)
		peer.Conversion.Service = conversion.NewService(log.Named("conversion"), conversionConfig, tool,
			db.Studies(), db.Records(), peer.Datasets.Service, peer.Tasks.Launcher, peer.Mail.Service)
	}

	{ // setup correction
		peer.Correction.Service = correction.NewService(log.Named("correction"), config.Correction,
			toolexec.NewRunner(log.Named("gradcorrect:exec"), config.Correction.Image),
			peer.Datasets.Service, peer.Tasks.Launcher)
	}

	{ // setup archival
		peer.Archival.Storage, err = coldstorage.Open(log.Named("coldstorage"),
			toolexec.NewRunner(log.Named("coldstorage:exec"), toolexec.Image{}),
			config.Archive.Storage)
		if err != nil {
			return nil, err
		}
		peer.Archival.Engine = archival.NewEngine(log.Named("archival"), config.Archive,
			db.Snapshots(), peer.Datasets.Service, peer.Archival.Storage)
	}

	{ // setup maintenance
		peer.Maintenance.Service = maintenance.NewService(log.Named("maintenance"), db.Records(), peer.Datasets.Service)
	}

	{ // setup scheduler
		peer.Scheduler.Trigger = scheduler.NewTrigger(log.Named("scheduler"), db.Studies(),
			peer.Tasks.Launcher, peer.Correction.Service)
		peer.Scheduler.Chore = scheduler.NewChore(log.Named("scheduler:chore"), peer.Scheduler.Trigger, config.Scheduler)
		peer.Services.Add(lifecycle.Item{
			Name:  "scheduler:chore",
			Run:   peer.Scheduler.Chore.Run,
			Close: peer.Scheduler.Chore.Close,
		})
	}

	{ // setup worker
		pool := worker.NewPool(log.Named("worker"), config.Worker, jobs, peer.Tasks.Service, peer.Tasks.Launcher)
		pool.Register(tasks.StageAcquisitionCheck, worker.Typed(peer.Acquisition.Service.Check))
		pool.Register(tasks.StageAcquisition, worker.Typed(peer.Acquisition.Service.Acquire))
		pool.Register(tasks.StageConversionCheck, worker.Typed(peer.Conversion.Service.Check))
		pool.Register(tasks.StageConversion, worker.Typed(peer.Conversion.Service.Convert))
		pool.Register(tasks.StageCorrection, worker.Typed(peer.Correction.Service.Correct))
		pool.Register(tasks.StageArchival, worker.Typed(peer.Archival.Engine.Run))
		pool.Register(tasks.StageUpdateHeuristics, worker.Typed(peer.Heuristics.Repository.Run))
		pool.Register(tasks.StageDeleteAcquisition, worker.Typed(peer.Maintenance.Service.DeleteAcquisition))
		pool.Register(tasks.StageWipeDataset, worker.Typed(peer.Maintenance.Service.WipeDataset))
		peer.Worker.Pool = pool

		peer.Services.Add(lifecycle.Item{
			Name:  "worker",
			Run:   pool.Run,
			Close: pool.Close,
		})

		peer.Worker.Reaper = worker.NewReaper(log.Named("worker:reaper"), config.Worker, jobs, peer.Tasks.Service)
		if config.Worker.ReapInterval > 0 {
			peer.Services.Add(lifecycle.Item{
				Name:  "worker:reaper",
				Run:   peer.Worker.Reaper.Run,
				Close: peer.Worker.Reaper.Close,
			})
		}
	}

	return peer, nil
}

// Run runs the pipeline until it's either closed or it errors.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Services.Run(ctx, group)
	return group.Wait()
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Services.Close(),
		peer.Queue.Close(),
	)
}
