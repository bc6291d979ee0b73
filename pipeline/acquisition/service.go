// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package acquisition reconciles studies against the remote index and
// downloads new records into the source dataset.
package acquisition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/mailservice"
	"storj.io/autobids/pipeline/reconcile"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/studies"
	"storj.io/autobids/pipeline/tasks"
)

var (
	// Error is the default acquisition error class.
	Error = errs.Class("acquisition")

	mon = monkit.Package()
)

// Config configures the acquisition stage.
type Config struct {
	MaxAttempts int `help:"attempts of cfmm2tar per target when the dicom server times out" default:"5"`

	Tool ToolConfig
}

// Service runs the acquisition check and acquisition stages.
//
// architecture: Service
type Service struct {
	log        *zap.Logger
	config     Config
	tool       *Cfmm2tar
	reconciler *reconcile.Reconciler
	studies    studies.DB
	records    studies.RecordsDB
	datasets   *datasets.Service
	launcher   *stages.Launcher
	notices    mailservice.Notifier
}

// NewService creates a new acquisition service.
func NewService(log *zap.Logger, config Config, tool *Cfmm2tar, reconciler *reconcile.Reconciler,
	studies studies.DB, records studies.RecordsDB, datasets *datasets.Service,
	launcher *stages.Launcher, notices mailservice.Notifier) *Service {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Service{
		log:        log,
		config:     config,
		tool:       tool,
		reconciler: reconciler,
		studies:    studies,
		records:    records,
		datasets:   datasets,
		launcher:   launcher,
		notices:    notices,
	}
}

// Check reconciles the study and launches an acquisition for new targets.
func (service *Service) Check(ctx context.Context, task *tasks.Handle, args stages.AcquisitionCheck) (err error) {
	defer mon.Task()(&ctx)(&err)

	study, err := service.studies.Get(ctx, args.StudyID)
	if err != nil {
		return err
	}
	overrides, err := service.studies.Overrides(ctx, study.ID)
	if err != nil {
		return err
	}
	acquired, err := service.acquiredUIDs(ctx, study.ID)
	if err != nil {
		return err
	}

	targets, err := service.reconciler.Reconcile(ctx, reconcile.Input{
		Study:     study,
		Overrides: overrides,
		Acquired:  acquired,
	})
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		service.log.Info("no new records", zap.Int64("study", study.ID))
		return nil
	}

	_, err = service.Launch(ctx, study.ID, targets, task.UserID)
	if tasks.ErrDuplicateInFlight.Has(err) {
		service.log.Info("acquisition already in flight", zap.Int64("study", study.ID))
		return task.AppendLog(ctx, "An acquisition is already running for this study.\n")
	}
	return err
}

// Launch launches an acquisition of explicit targets. Targets which were
// already acquired are skipped by the acquisition.
func (service *Service) Launch(ctx context.Context, studyID int64, targets []reconcile.Target, userID int64) (_ *tasks.Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(targets) == 0 {
		return nil, Error.New("no targets to acquire")
	}

	var names []string
	for _, target := range targets {
		name := target.PatientName
		if name == "" {
			name = target.StudyInstanceUID
		}
		names = append(names, name)
	}
	return service.launcher.Launch(ctx, stages.Acquisition{StudyID: studyID, Targets: targets},
		fmt.Sprintf("Get tar files %s in study %d", strings.Join(names, ", "), studyID), userID)
}

func (service *Service) acquiredUIDs(ctx context.Context, studyID int64) ([]string, error) {
	records, err := service.records.Acquisitions(ctx, studyID)
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(records))
	for _, record := range records {
		uids = append(uids, strings.TrimSpace(record.UID))
	}
	return uids, nil
}

// Acquire downloads every target which was not acquired yet. A failing
// target does not stop the batch; the task fails with the messages of all
// failed targets.
func (service *Service) Acquire(ctx context.Context, task *tasks.Handle, args stages.Acquisition) (err error) {
	defer mon.Task()(&ctx)(&err)

	study, err := service.studies.Get(ctx, args.StudyID)
	if err != nil {
		return err
	}
	acquired, err := service.acquiredUIDs(ctx, study.ID)
	if err != nil {
		return err
	}
	targets := pending(args.Targets, acquired)

	log := service.log.With(zap.Int64("study", study.ID))
	log.Info("running cfmm2tar", zap.Int("targets", len(targets)))
	if len(targets) == 0 {
		return nil
	}

	handle, err := service.datasets.Ensure(ctx, study.ID, datasets.Source)
	if err != nil {
		return err
	}

	var group errs.Group
	for i, target := range targets {
		if err := service.acquire(ctx, task, study, handle, target); err != nil {
			log.Error("cfmm2tar failed", zap.String("target", target.PatientName), zap.Error(err))
			group.Add(err)
		} else {
			log.Info("successfully ran cfmm2tar", zap.String("target", target.PatientName))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := task.UpdateProgress(ctx, min(99, (i+1)*100/len(targets))); err != nil {
			return err
		}
	}

	var messages []string
	for _, err := range group {
		messages = append(messages, err.Error())
	}

	body := []string{fmt.Sprintf("Attempted to download the following tar files for study %d:", study.ID)}
	for _, target := range targets {
		body = append(body, "PatientName: "+target.PatientName)
	}
	body = append(body, "\nErrors:\n")
	body = append(body, messages...)
	if err := service.notices.NotifyAdmins(ctx, "New cfmm2tar run", strings.Join(body, "\n")); err != nil {
		log.Warn("failed to send acquisition notice", zap.Error(err))
	}

	if len(messages) > 0 {
		return task.MarkFailed(ctx, strings.Join(messages, "\n"))
	}
	return nil
}

// pending drops targets whose uid is in acquired.
func pending(targets []reconcile.Target, acquired []string) []reconcile.Target {
	skip := make(map[string]bool, len(acquired))
	for _, uid := range acquired {
		skip[uid] = true
	}
	var result []reconcile.Target
	for _, target := range targets {
		if !skip[strings.TrimSpace(target.StudyInstanceUID)] {
			result = append(result, target)
		}
	}
	return result
}

// acquire downloads one target and commits it to the source dataset.
func (service *Service) acquire(ctx context.Context, task *tasks.Handle, study studies.Study, handle datasets.Handle, target reconcile.Target) (err error) {
	defer mon.Task()(&ctx)(&err)

	wc, err := service.datasets.Checkout(ctx, handle)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, wc.Close()) }()

	output, err := service.fetch(ctx, Request{
		StudyInstanceUID: target.StudyInstanceUID,
		PatientName:      target.PatientName,
		Project:          study.Description(),
		OutDir:           wc.Path,
	})
	if err != nil {
		return err
	}
	if err := task.AppendLog(ctx, output.Log); err != nil {
		return err
	}

	tarFile, err := filepath.Rel(wc.Path, output.TarFile)
	if err != nil || strings.HasPrefix(tarFile, "..") {
		return ErrParse.New("tar file %s is outside of the dataset", output.TarFile)
	}
	tarFile = filepath.ToSlash(tarFile)

	date, err := ParseDate(filepath.Base(tarFile))
	if err != nil {
		return err
	}

	uid, err := readUID(output.UIDFile)
	if err != nil {
		return err
	}

	if err := wc.Commit(ctx, fmt.Sprintf("Add tar file %s.", tarFile)); err != nil {
		return err
	}

	_, err = service.records.InsertAcquisition(ctx, studies.AcquisitionRecord{
		StudyID: study.ID,
		TarFile: tarFile,
		UID:     uid,
		Date:    date,
	})
	return err
}

// fetch runs cfmm2tar, retrying when the dicom server times out.
func (service *Service) fetch(ctx context.Context, req Request) (_ Output, err error) {
	defer mon.Task()(&ctx)(&err)

	for attempt := 1; ; attempt++ {
		output, err := service.tool.Fetch(ctx, req)
		if err == nil {
			return output, nil
		}
		if !ErrToolTimeout.Has(err) || attempt >= service.config.MaxAttempts {
			return Output{}, err
		}
		mon.Counter("acquisition_tool_timeouts").Inc(1)
		service.log.Warn("cfmm2tar timeout",
			zap.Int("attempt", attempt),
			zap.String("target", req.PatientName))
	}
}

// readUID reads the uid file and removes it so that it is not committed.
func readUID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", ErrParse.New("reading uid file: %v", err)
	}
	if err := os.Remove(path); err != nil {
		return "", Error.Wrap(err)
	}
	uid := strings.TrimSpace(string(data))
	if uid == "" {
		return "", ErrParse.New("uid file %s is empty", filepath.Base(path))
	}
	return uid, nil
}
