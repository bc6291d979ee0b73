// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package correction runs gradient correction of raw data into the derived dataset.
package correction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/autobids/private/toolexec"
)

var (
	// Error is the default correction error class.
	Error = errs.Class("correction")
	// ErrToolFailure is returned when gradcorrect fails.
	ErrToolFailure = errs.Class("tool failure")

	mon = monkit.Package()
)

// scratchDir is written by gradcorrect and never committed.
const scratchDir = "code/gradcorrect"

// Config configures the correction stage.
type Config struct {
	Executable    string `help:"gradcorrect executable inside its image" default:"gradcorrect"`
	GradCoeffFile string `help:"gradient coefficient file of the scanner" default:""`

	Image toolexec.Image
}

// Service runs the correction stage.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	config   Config
	exec     toolexec.Executor
	datasets *datasets.Service
	launcher *stages.Launcher
}

// NewService creates a new correction service.
func NewService(log *zap.Logger, config Config, exec toolexec.Executor, datasets *datasets.Service, launcher *stages.Launcher) *Service {
	return &Service{
		log:      log,
		config:   config,
		exec:     exec,
		datasets: datasets,
		launcher: launcher,
	}
}

// Launch launches a correction of the subjects, or of all subjects when
// none are given. When the study has no derived dataset yet, an
// initializing correction of all subjects is launched instead.
func (service *Service) Launch(ctx context.Context, studyID int64, subjects []string, userID int64) (_ *tasks.Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = service.datasets.Lookup(ctx, studyID, datasets.Derived)
	switch {
	case datasets.ErrNotFound.Has(err):
		return service.launcher.Launch(ctx, stages.Correction{StudyID: studyID, Initialize: true},
			fmt.Sprintf("Initialize derived dataset of study %d", studyID), userID)
	case err != nil:
		return nil, err
	}

	subjects = normalize(subjects)
	return service.launcher.Launch(ctx, stages.Correction{StudyID: studyID, Subjects: subjects},
		fmt.Sprintf("%s in study %d", Message(subjects), studyID), userID)
}

// Message returns the commit message of a correction.
func Message(subjects []string) string {
	if len(subjects) == 0 {
		return "Run gradcorrect on all subjects"
	}
	return "Run gradcorrect on subjects " + strings.Join(subjects, ", ")
}

// normalize strips the "sub-" prefix of subject labels.
func normalize(subjects []string) []string {
	var labels []string
	for _, subject := range subjects {
		subject = strings.TrimPrefix(strings.TrimSpace(subject), "sub-")
		if subject != "" {
			labels = append(labels, subject)
		}
	}
	return labels
}

// Args returns the gradcorrect arguments.
func (service *Service) Args(input, output string, subjects []string) []string {
	args := []string{input, output, "participant", "--grad_coeff_file", service.config.GradCoeffFile}
	if len(subjects) > 0 {
		args = append(args, "--participant_label")
		args = append(args, subjects...)
	}
	return args
}

// Correct runs gradcorrect on the raw dataset into the derived dataset.
func (service *Service) Correct(ctx context.Context, task *tasks.Handle, args stages.Correction) (err error) {
	defer mon.Task()(&ctx)(&err)

	subjects := normalize(args.Subjects)
	if args.Initialize {
		subjects = nil
	}

	raw, err := service.datasets.Lookup(ctx, args.StudyID, datasets.Raw)
	if err != nil {
		if datasets.ErrNotFound.Has(err) {
			return Error.New("study %d has no raw dataset", args.StudyID)
		}
		return err
	}
	derived, err := service.datasets.Ensure(ctx, args.StudyID, datasets.Derived)
	if err != nil {
		return err
	}

	input, err := service.datasets.Checkout(ctx, raw)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, input.Close()) }()

	if len(subjects) == 0 {
		err = input.FetchAll(ctx)
	} else {
		for _, subject := range subjects {
			if err = input.FetchPath(ctx, "sub-"+subject); err != nil {
				break
			}
		}
	}
	if err != nil {
		return err
	}

	output, err := service.datasets.Checkout(ctx, derived)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, output.Close()) }()

	service.log.Info("running gradcorrect",
		zap.Int64("study", args.StudyID),
		zap.Strings("subjects", subjects))

	result, err := service.exec.Run(ctx, toolexec.Command{
		Name:        service.config.Executable,
		Args:        service.Args(input.Path, output.Path, subjects),
		MergeOutput: true,
	})
	if logErr := task.AppendLog(ctx, result.Stdout); logErr != nil {
		return errs.Combine(err, logErr)
	}
	if err != nil {
		var exitErr *toolexec.ExitError
		if errors.As(err, &exitErr) {
			return ErrToolFailure.New("gradcorrect failed:\n%s", exitErr.Stdout)
		}
		return err
	}

	if err := os.RemoveAll(output.Join(scratchDir)); err != nil {
		return Error.Wrap(err)
	}
	return output.Commit(ctx, Message(subjects))
}
