// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package conversion converts acquired tar files into the raw BIDS dataset.
package conversion

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
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/studies"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/autobids/private/dirtree"
)

var (
	// Error is the default conversion error class.
	Error = errs.Class("conversion")

	mon = monkit.Package()
)

// Config configures the conversion stage.
type Config struct {
	HeuristicsDir string `help:"directory holding the heuristic files, empty passes heuristic names as is" default:""`

	Tool ToolConfig
}

// Service runs the conversion check and conversion stages.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	config   Config
	tool     *Tar2bids
	studies  studies.DB
	records  studies.RecordsDB
	datasets *datasets.Service
	launcher *stages.Launcher
	notices  mailservice.Notifier
}

// NewService creates a new conversion service.
func NewService(log *zap.Logger, config Config, tool *Tar2bids, studies studies.DB, records studies.RecordsDB,
	datasets *datasets.Service, launcher *stages.Launcher, notices mailservice.Notifier) *Service {
	return &Service{
		log:      log,
		config:   config,
		tool:     tool,
		studies:  studies,
		records:  records,
		datasets: datasets,
		launcher: launcher,
		notices:  notices,
	}
}

// Check launches a conversion of every acquisition which was not converted.
func (service *Service) Check(ctx context.Context, task *tasks.Handle, args stages.ConversionCheck) (err error) {
	defer mon.Task()(&ctx)(&err)

	unconverted, err := service.records.Unconverted(ctx, args.StudyID)
	if err != nil {
		return err
	}
	if len(unconverted) == 0 {
		service.log.Info("no unconverted tar files", zap.Int64("study", args.StudyID))
		return nil
	}

	ids := make([]int64, 0, len(unconverted))
	for _, record := range unconverted {
		ids = append(ids, record.ID)
	}
	_, err = service.launcher.Launch(ctx, stages.Conversion{StudyID: args.StudyID, AcquisitionIDs: ids},
		"tar2bids run for all new tar files", task.UserID)
	if tasks.ErrDuplicateInFlight.Has(err) {
		service.log.Info("conversion already in flight", zap.Int64("study", args.StudyID))
		return task.AppendLog(ctx, "A conversion is already running for this study.\n")
	}
	return err
}

// Convert converts the acquisitions one by one, stopping at the first
// failure. Acquisitions merged before a failure are recorded as converted.
func (service *Service) Convert(ctx context.Context, task *tasks.Handle, args stages.Conversion) (err error) {
	defer mon.Task()(&ctx)(&err)

	study, err := service.studies.Get(ctx, args.StudyID)
	if err != nil {
		return err
	}

	var records []studies.AcquisitionRecord
	for _, id := range args.AcquisitionIDs {
		record, err := service.records.GetAcquisition(ctx, id)
		if err != nil {
			return err
		}
		if record.StudyID != study.ID {
			return Error.New("acquisition %d does not belong to study %d", id, study.ID)
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return nil
	}

	source, err := service.datasets.Ensure(ctx, study.ID, datasets.Source)
	if err != nil {
		return err
	}
	raw, err := service.datasets.Ensure(ctx, study.ID, datasets.Raw)
	if err != nil {
		return err
	}

	work, err := os.MkdirTemp(service.config.Tool.TempDir, "tar2bids-")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(os.RemoveAll(work))) }()

	log := service.log.With(zap.Int64("study", study.ID))
	log.Info("running tar2bids", zap.Int("tar files", len(records)))

	var tree dirtree.Tree
	for i, record := range records {
		incoming := filepath.Join(work, fmt.Sprintf("incoming-%d", i))

		output, err := service.convert(ctx, study, source, record, incoming, filepath.Join(work, fmt.Sprintf("work-%d", i)))
		if err := task.AppendLog(ctx, output); err != nil {
			return err
		}
		if err != nil {
			log.Error("tar2bids failed", zap.String("tar file", record.TarFile), zap.Error(err))
			if i > 0 {
				if err := service.record(ctx, study, records[:i], tree); err != nil {
					return err
				}
			}
			return service.fail(ctx, task, records, incoming, output, err)
		}

		tree, err = service.merge(ctx, raw, incoming, record)
		if err != nil {
			return err
		}
		if err := task.UpdateProgress(ctx, min(99, (i+1)*100/len(records))); err != nil {
			return err
		}
	}

	if err := service.record(ctx, study, records, tree); err != nil {
		return err
	}

	body := append([]string{"Tar2bids successfully run for tar files:"}, tarFiles(records)...)
	if err := service.notices.Notify(ctx, study.Recipients(), "Successful tar2bids run.", strings.Join(body, "\n")); err != nil {
		log.Warn("failed to send conversion notice", zap.Error(err))
	}
	return nil
}

// record stores a conversion record for the merged acquisitions and the
// resulting raw dataset tree.
func (service *Service) record(ctx context.Context, study studies.Study, records []studies.AcquisitionRecord, tree dirtree.Tree) error {
	ids := make([]int64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	_, err := service.records.InsertConversion(ctx, studies.ConversionRecord{
		StudyID:        study.ID,
		AcquisitionIDs: ids,
		Heuristic:      study.Heuristic,
	})
	if err != nil {
		return err
	}
	return service.studies.SetContentTree(ctx, study.ID, tree)
}

// convert materializes the tar file from the source dataset and runs tar2bids.
func (service *Service) convert(ctx context.Context, study studies.Study, source datasets.Handle, record studies.AcquisitionRecord, outDir, workDir string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	wc, err := service.datasets.Checkout(ctx, source)
	if err != nil {
		return "", err
	}
	defer func() { err = errs.Combine(err, wc.Close()) }()

	if err := wc.FetchPath(ctx, record.TarFile); err != nil {
		return "", err
	}

	heuristic := study.Heuristic
	if service.config.HeuristicsDir != "" && heuristic != "" {
		heuristic = filepath.Join(service.config.HeuristicsDir, heuristic)
	}

	return service.tool.Convert(ctx, Request{
		TarFiles:   []string{wc.Join(record.TarFile)},
		OutDir:     outDir,
		Heuristic:  heuristic,
		SubjExpr:   study.SubjExpr,
		WorkDir:    workDir,
		Bidsignore: study.CustomBidsignore,
		Deface:     study.Deface,
	})
}

// merge copies the converted tree into the raw dataset and commits it.
func (service *Service) merge(ctx context.Context, raw datasets.Handle, incoming string, record studies.AcquisitionRecord) (_ dirtree.Tree, err error) {
	defer mon.Task()(&ctx)(&err)

	wc, err := service.datasets.Checkout(ctx, raw)
	if err != nil {
		return dirtree.Tree{}, err
	}
	defer func() { err = errs.Combine(err, wc.Close()) }()

	if err := Merge(incoming, wc.Path); err != nil {
		return dirtree.Tree{}, err
	}
	if err := wc.Commit(ctx, fmt.Sprintf("Ran tar2bids on tar file %s", record.TarFile)); err != nil {
		return dirtree.Tree{}, err
	}
	return dirtree.Gen(wc.Path, dirtree.DatasetIgnore...)
}

// fail records the failure of the batch on the task and notifies the
// administrators.
func (service *Service) fail(ctx context.Context, task *tasks.Handle, records []studies.AcquisitionRecord, incoming, output string, cause error) error {
	reason := cause.Error()
	if ErrToolFailure.Has(cause) && strings.TrimSpace(output) != "" {
		reason = output
	}

	var listing []string
	if _, err := os.Stat(incoming); err == nil {
		tree, err := dirtree.Gen(incoming, dirtree.DatasetIgnore...)
		if err != nil {
			listing = []string{err.Error()}
		} else {
			listing = dirtree.Render(tree)
		}
	}
	if err := task.AppendLog(ctx, cause.Error()+"\nDataset contents:\n"+strings.Join(listing, "\n")); err != nil {
		return err
	}

	body := append([]string{"Tar2bids failed for tar files:"}, tarFiles(records)...)
	body = append(body,
		"Note: Some of the tar2bids runs may have completed. This email is sent if any of them fail.",
		"Error:",
		cause.Error())
	if err := service.notices.NotifyAdmins(ctx, "Failed tar2bids run", strings.Join(body, "\n")); err != nil {
		service.log.Warn("failed to send conversion failure notice", zap.Error(err))
	}

	return task.MarkFailed(ctx, reason)
}

func tarFiles(records []studies.AcquisitionRecord) []string {
	names := make([]string, 0, len(records))
	for _, record := range records {
		names = append(names, record.TarFile)
	}
	return names
}
