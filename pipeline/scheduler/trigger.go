// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package scheduler launches stages across all active studies.
package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/studies"
	"storj.io/autobids/pipeline/tasks"
)

var (
	mon = monkit.Package()

	// Error is the default scheduler error class.
	Error = errs.Class("scheduler")
)

// Kind selects the stage launched for every study.
type Kind string

// Kinds of bulk triggers.
const (
	Acquisition Kind = "acquisition"
	Conversion  Kind = "conversion"
	Archival    Kind = "archival"
	Correction  Kind = "correction"
)

// Kinds lists every trigger kind.
var Kinds = []Kind{Acquisition, Conversion, Archival, Correction}

// ParseKind parses a trigger kind.
func ParseKind(s string) (Kind, error) {
	for _, kind := range Kinds {
		if strings.EqualFold(s, string(kind)) {
			return kind, nil
		}
	}
	return "", Error.New("unknown trigger %q", s)
}

// CorrectionLauncher launches correction tasks.
type CorrectionLauncher interface {
	Launch(ctx context.Context, studyID int64, subjects []string, userID int64) (*tasks.Handle, error)
}

// Summary counts the outcome of a bulk trigger.
type Summary struct {
	Launched int
	Inactive int
	InFlight int
}

// Trigger launches a stage for every active study.
//
// architecture: Service
type Trigger struct {
	log        *zap.Logger
	studies    studies.DB
	launcher   *stages.Launcher
	correction CorrectionLauncher
}

// NewTrigger creates a new bulk trigger.
func NewTrigger(log *zap.Logger, studies studies.DB, launcher *stages.Launcher, correction CorrectionLauncher) *Trigger {
	return &Trigger{
		log:        log,
		studies:    studies,
		launcher:   launcher,
		correction: correction,
	}
}

// TriggerAll launches the stage for every active study which has no task of
// that stage in flight.
func (trigger *Trigger) TriggerAll(ctx context.Context, kind Kind, userID int64) (summary Summary, err error) {
	defer mon.Task()(&ctx)(&err)

	all, err := trigger.studies.List(ctx)
	if err != nil {
		return summary, err
	}

	var group errs.Group
	for _, study := range all {
		if !study.Active {
			summary.Inactive++
			continue
		}

		_, err := trigger.launch(ctx, kind, study.ID, userID)
		switch {
		case err == nil:
			summary.Launched++
		case tasks.ErrDuplicateInFlight.Has(err):
			summary.InFlight++
		default:
			group.Add(err)
		}
	}

	trigger.log.Info("bulk trigger",
		zap.String("kind", string(kind)),
		zap.Int("launched", summary.Launched),
		zap.Int("inactive", summary.Inactive),
		zap.Int("in flight", summary.InFlight))
	return summary, group.Err()
}

func (trigger *Trigger) launch(ctx context.Context, kind Kind, studyID, userID int64) (*tasks.Handle, error) {
	switch kind {
	case Acquisition:
		return trigger.launcher.Launch(ctx, stages.AcquisitionCheck{StudyID: studyID},
			fmt.Sprintf("Check for new scans of study %d", studyID), userID)
	case Conversion:
		return trigger.launcher.Launch(ctx, stages.ConversionCheck{StudyID: studyID},
			fmt.Sprintf("Check for unconverted scans of study %d", studyID), userID)
	case Archival:
		return trigger.launcher.Launch(ctx, stages.Archival{StudyID: studyID},
			fmt.Sprintf("Archive datasets of study %d", studyID), userID)
	case Correction:
		return trigger.correction.Launch(ctx, studyID, nil, userID)
	default:
		return nil, Error.New("unknown trigger %q", kind)
	}
}
