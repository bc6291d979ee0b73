// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package maintenance implements administrative changes to study datasets.
package maintenance

import (
	"context"
	"fmt"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/studies"
	"storj.io/autobids/pipeline/tasks"
)

var (
	mon = monkit.Package()

	// Error is the default maintenance error class.
	Error = errs.Class("maintenance")
)

// Service removes acquisitions and wipes datasets.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	records  studies.RecordsDB
	datasets *datasets.Service
}

// NewService creates a new maintenance service.
func NewService(log *zap.Logger, records studies.RecordsDB, datasets *datasets.Service) *Service {
	return &Service{log: log, records: records, datasets: datasets}
}

// DeleteAcquisition removes the tar file of an unconverted acquisition from
// the source dataset and forgets the acquisition.
func (service *Service) DeleteAcquisition(ctx context.Context, task *tasks.Handle, args stages.DeleteAcquisition) (err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := service.records.GetAcquisition(ctx, args.AcquisitionID)
	if err != nil {
		return err
	}
	if record.StudyID != args.StudyID {
		return Error.New("acquisition %d does not belong to study %d", record.ID, args.StudyID)
	}

	unconverted, err := service.records.Unconverted(ctx, args.StudyID)
	if err != nil {
		return err
	}
	if !contains(unconverted, record.ID) {
		return Error.New("acquisition %d is part of a conversion", record.ID)
	}

	handle, err := service.datasets.Lookup(ctx, args.StudyID, datasets.Source)
	if err != nil {
		return err
	}
	wc, err := service.datasets.Checkout(ctx, handle)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, wc.Close()) }()

	if err := wc.Remove(ctx, record.TarFile, "Remove "+record.TarFile); err != nil {
		return err
	}
	if err := service.records.DeleteAcquisition(ctx, record.ID); err != nil {
		return err
	}

	service.log.Info("acquisition deleted",
		zap.Int64("study", args.StudyID),
		zap.String("tar", record.TarFile))
	return task.AppendLog(ctx, fmt.Sprintf("Removed %s.\n", record.TarFile))
}

func contains(records []studies.AcquisitionRecord, id int64) bool {
	for _, record := range records {
		if record.ID == id {
			return true
		}
	}
	return false
}

// WipeDataset deletes all content of a dataset.
func (service *Service) WipeDataset(ctx context.Context, task *tasks.Handle, args stages.WipeDataset) (err error) {
	defer mon.Task()(&ctx)(&err)

	handle, err := service.datasets.Lookup(ctx, args.StudyID, args.Kind)
	if err != nil {
		return err
	}
	wc, err := service.datasets.Checkout(ctx, handle)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, wc.Close()) }()

	if err := wc.Wipe(ctx); err != nil {
		return err
	}

	service.log.Info("dataset wiped", zap.String("alias", handle.Alias))
	return nil
}
