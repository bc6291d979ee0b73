// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package reconcile decides which remote records of a study still need to
// be acquired.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/pipeline/dicomindex"
	"storj.io/autobids/pipeline/studies"
)

var (
	mon = monkit.Package()

	// Error is the default reconcile error class.
	Error = errs.Class("reconcile")
)

// Series is one series of a target.
type Series struct {
	Number      int    `json:"number"`
	Description string `json:"description"`
}

// Target is a remote record to acquire.
type Target struct {
	StudyInstanceUID string   `json:"study_instance_uid"`
	PatientName      string   `json:"patient_name"`
	PatientID        string   `json:"patient_id,omitempty"`
	PatientSex       string   `json:"patient_sex,omitempty"`
	StudyID          string   `json:"study_id,omitempty"`
	Series           []Series `json:"series,omitempty"`
}

// Input is the state a study is reconciled against.
type Input struct {
	Study     studies.Study
	Overrides []studies.Override
	// Acquired holds the uids which already have an acquisition record.
	Acquired []string
}

// Reconciler compares the remote index with the acquired records of a study.
type Reconciler struct {
	log   *zap.Logger
	index dicomindex.Client
}

// NewReconciler creates a new reconciler.
func NewReconciler(log *zap.Logger, index dicomindex.Client) *Reconciler {
	return &Reconciler{log: log, index: index}
}

// Reconcile returns the targets to acquire. Forced inclusions come first,
// followed by records matching the study criteria, in index order.
func (reconciler *Reconciler) Reconcile(ctx context.Context, input Input) (_ []Target, err error) {
	defer mon.Task()(&ctx)(&err)

	matcher, err := input.Study.PatientNameMatcher()
	if err != nil {
		return nil, err
	}

	included := map[string]bool{}
	excluded := map[string]bool{}
	var includedUIDs []string
	for _, override := range input.Overrides {
		if override.Included {
			if !included[override.StudyInstanceUID] {
				includedUIDs = append(includedUIDs, override.StudyInstanceUID)
			}
			included[override.StudyInstanceUID] = true
		} else {
			excluded[override.StudyInstanceUID] = true
		}
	}

	var inclusion []Target
	if len(includedUIDs) > 0 {
		records, err := reconciler.index.FindSeries(ctx, dicomindex.Query{
			StudyInstanceUIDs: includedUIDs,
			Level:             dicomindex.LevelSeries,
		})
		if err != nil {
			return nil, err
		}
		inclusion = Group(records)
	}

	query := dicomindex.Query{
		StudyDescription: input.Study.Description(),
		PatientName:      input.Study.PatientStr,
		Level:            dicomindex.LevelSeries,
	}
	if input.Study.RetrospectiveData {
		query.DateRangeStart = input.Study.RetrospectiveStart
		query.DateRangeEnd = input.Study.RetrospectiveEnd
	}
	records, err := reconciler.index.FindSeries(ctx, query)
	if err != nil {
		return nil, err
	}
	var description []Target
	for _, target := range Group(records) {
		if !matcher.MatchString(target.PatientName) || excluded[target.StudyInstanceUID] {
			continue
		}
		description = append(description, target)
	}

	acquired := make(map[string]bool, len(input.Acquired))
	for _, uid := range input.Acquired {
		acquired[uid] = true
	}

	targets := []Target{}
	for _, target := range inclusion {
		if !acquired[target.StudyInstanceUID] && !excluded[target.StudyInstanceUID] {
			targets = append(targets, target)
		}
	}
	for _, target := range description {
		if !acquired[target.StudyInstanceUID] && !included[target.StudyInstanceUID] {
			targets = append(targets, target)
		}
	}

	reconciler.log.Debug("reconciled study",
		zap.Int64("study", input.Study.ID),
		zap.Int("forced", len(inclusion)),
		zap.Int("matched", len(description)),
		zap.Int("targets", len(targets)))
	return targets, nil
}

// Group collects series records by StudyInstanceUID in order of first
// appearance and sorts the series of every target by zero padded number.
func Group(records []dicomindex.SeriesRecord) []Target {
	index := map[string]int{}
	var targets []Target
	for _, record := range records {
		i, ok := index[record.StudyInstanceUID]
		if !ok {
			i = len(targets)
			index[record.StudyInstanceUID] = i
			targets = append(targets, Target{
				StudyInstanceUID: record.StudyInstanceUID,
				PatientName:      record.PatientName,
				PatientID:        record.PatientID,
				PatientSex:       record.PatientSex,
				StudyID:          record.StudyID,
			})
		}
		targets[i].Series = append(targets[i].Series, Series{
			Number:      record.SeriesNumber,
			Description: record.SeriesDescription,
		})
	}
	for i := range targets {
		series := targets[i].Series
		sort.SliceStable(series, func(a, b int) bool {
			return fmt.Sprintf("%03d", series[a].Number) < fmt.Sprintf("%03d", series[b].Number)
		})
	}
	return targets
}
