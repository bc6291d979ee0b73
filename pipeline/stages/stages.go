// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package stages defines the typed arguments of every task stage and
// launches tasks onto the queue.
package stages

import (
	"encoding/json"

	"github.com/zeebo/errs"

	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/reconcile"
	"storj.io/autobids/pipeline/tasks"
)

// Error is the default stages error class.
var Error = errs.Class("stages")

// Args are the arguments of a task. Every stage has exactly one Args type.
type Args interface {
	// Stage returns the stage which handles the arguments.
	Stage() tasks.Stage
	// Study returns the study the task works on, zero for none.
	Study() int64
}

// AcquisitionCheck reconciles a study against the remote index.
type AcquisitionCheck struct {
	StudyID int64 `json:"study_id"`
}

// Acquisition downloads targets into the source dataset. Targets which
// were already acquired are skipped.
type Acquisition struct {
	StudyID int64              `json:"study_id"`
	Targets []reconcile.Target `json:"targets"`
}

// ConversionCheck looks for acquisitions which were not converted.
type ConversionCheck struct {
	StudyID int64 `json:"study_id"`
}

// Conversion converts acquisitions into the raw dataset.
type Conversion struct {
	StudyID        int64   `json:"study_id"`
	AcquisitionIDs []int64 `json:"acquisition_ids"`
}

// Correction corrects raw data into the derived dataset. No subjects
// means all subjects.
type Correction struct {
	StudyID  int64    `json:"study_id"`
	Subjects []string `json:"subjects,omitempty"`
	// Initialize creates the derived dataset from all subjects.
	Initialize bool `json:"initialize,omitempty"`
}

// Archival archives a dataset of the study. A zero Kind archives the raw
// and derived datasets.
type Archival struct {
	StudyID int64         `json:"study_id"`
	Kind    datasets.Kind `json:"kind"`
}

// UpdateHeuristics refreshes the heuristics repository.
type UpdateHeuristics struct{}

// DeleteAcquisition removes an acquired file and its record.
type DeleteAcquisition struct {
	StudyID       int64 `json:"study_id"`
	AcquisitionID int64 `json:"acquisition_id"`
}

// WipeDataset removes all content of a dataset.
type WipeDataset struct {
	StudyID int64         `json:"study_id"`
	Kind    datasets.Kind `json:"kind"`
}

// Stage implements Args.
func (AcquisitionCheck) Stage() tasks.Stage { return tasks.StageAcquisitionCheck }

// Stage implements Args.
func (Acquisition) Stage() tasks.Stage { return tasks.StageAcquisition }

// Stage implements Args.
func (ConversionCheck) Stage() tasks.Stage { return tasks.StageConversionCheck }

// Stage implements Args.
func (Conversion) Stage() tasks.Stage { return tasks.StageConversion }

// Stage implements Args.
func (Correction) Stage() tasks.Stage { return tasks.StageCorrection }

// Stage implements Args.
func (Archival) Stage() tasks.Stage { return tasks.StageArchival }

// Stage implements Args.
func (UpdateHeuristics) Stage() tasks.Stage { return tasks.StageUpdateHeuristics }

// Stage implements Args.
func (DeleteAcquisition) Stage() tasks.Stage { return tasks.StageDeleteAcquisition }

// Stage implements Args.
func (WipeDataset) Stage() tasks.Stage { return tasks.StageWipeDataset }

// Study implements Args.
func (args AcquisitionCheck) Study() int64 { return args.StudyID }

// Study implements Args.
func (args Acquisition) Study() int64 { return args.StudyID }

// Study implements Args.
func (args ConversionCheck) Study() int64 { return args.StudyID }

// Study implements Args.
func (args Conversion) Study() int64 { return args.StudyID }

// Study implements Args.
func (args Correction) Study() int64 { return args.StudyID }

// Study implements Args.
func (args Archival) Study() int64 { return args.StudyID }

// Study implements Args.
func (UpdateHeuristics) Study() int64 { return 0 }

// Study implements Args.
func (args DeleteAcquisition) Study() int64 { return args.StudyID }

// Study implements Args.
func (args WipeDataset) Study() int64 { return args.StudyID }

// decoders returns a pointer to a zero value of the arguments of each stage.
var decoders = [tasks.StageCount]func() interface{}{
	tasks.StageAcquisitionCheck:  func() interface{} { return new(AcquisitionCheck) },
	tasks.StageAcquisition:       func() interface{} { return new(Acquisition) },
	tasks.StageConversionCheck:   func() interface{} { return new(ConversionCheck) },
	tasks.StageConversion:        func() interface{} { return new(Conversion) },
	tasks.StageCorrection:        func() interface{} { return new(Correction) },
	tasks.StageArchival:          func() interface{} { return new(Archival) },
	tasks.StageUpdateHeuristics:  func() interface{} { return new(UpdateHeuristics) },
	tasks.StageDeleteAcquisition: func() interface{} { return new(DeleteAcquisition) },
	tasks.StageWipeDataset:       func() interface{} { return new(WipeDataset) },
}

// Encode serializes args for the queue.
func Encode(args Args) (json.RawMessage, error) {
	data, err := json.Marshal(args)
	return data, Error.Wrap(err)
}

// Decode parses the arguments of stage.
func Decode(stage tasks.Stage, data json.RawMessage) (Args, error) {
	if !stage.Valid() || decoders[stage] == nil {
		return nil, Error.New("no arguments for stage %s", stage)
	}

	value := decoders[stage]()
	if len(data) > 0 {
		if err := json.Unmarshal(data, value); err != nil {
			return nil, Error.New("invalid %s arguments: %v", stage, err)
		}
	}

	switch value := value.(type) {
	case *AcquisitionCheck:
		return *value, nil
	case *Acquisition:
		return *value, nil
	case *ConversionCheck:
		return *value, nil
	case *Conversion:
		return *value, nil
	case *Correction:
		return *value, nil
	case *Archival:
		return *value, nil
	case *UpdateHeuristics:
		return *value, nil
	case *DeleteAcquisition:
		return *value, nil
	case *WipeDataset:
		return *value, nil
	default:
		return nil, Error.New("unhandled arguments %T", value)
	}
}
