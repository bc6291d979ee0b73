// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package dicomindex queries the remote DICOM index for series records.
package dicomindex

import (
	"context"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default dicomindex error class.
	Error = errs.Class("dicomindex")
	// ErrValidation is returned for an incomplete or contradictory query.
	ErrValidation = errs.Class("query validation")
	// ErrParse is returned when the index response has an unexpected shape.
	ErrParse = errs.Class("index response")
)

// Level is the level at which records are retrieved.
type Level string

// Retrieve levels understood by the index.
const (
	LevelPatient Level = "PATIENT"
	LevelStudy   Level = "STUDY"
	LevelSeries  Level = "SERIES"
	LevelImage   Level = "IMAGE"
)

// DateFormat is the format of DICOM dates.
const DateFormat = "20060102"

// Query selects records from the index. At least one criterion must be set
// and an exact date cannot be combined with a date range.
type Query struct {
	StudyDescription  string
	StudyDate         *time.Time
	DateRangeStart    *time.Time
	DateRangeEnd      *time.Time
	PatientName       string
	StudyInstanceUIDs []string

	Level Level
}

// Validate checks the query for missing or contradictory criteria.
func (query *Query) Validate() error {
	if query.StudyDescription == "" && query.StudyDate == nil && query.PatientName == "" &&
		len(query.StudyInstanceUIDs) == 0 && query.DateRangeStart == nil && query.DateRangeEnd == nil {
		return ErrValidation.New("at least one of study description, study date, patient name, study instance uids or date range is required")
	}
	if query.StudyDate != nil && (query.DateRangeStart != nil || query.DateRangeEnd != nil) {
		return ErrValidation.New("study date cannot be combined with a date range")
	}
	return nil
}

// Matches returns the attribute matches of the query as NAME=VALUE pairs.
func (query *Query) Matches(uidWildcard bool) []string {
	var matches []string
	if query.StudyDescription != "" {
		matches = append(matches, "StudyDescription="+query.StudyDescription)
	}
	switch {
	case query.StudyDate != nil:
		matches = append(matches, "StudyDate="+query.StudyDate.Format(DateFormat))
	case query.DateRangeStart != nil || query.DateRangeEnd != nil:
		matches = append(matches, "StudyDate="+formatDate(query.DateRangeStart)+"-"+formatDate(query.DateRangeEnd))
	}
	if query.PatientName != "" {
		matches = append(matches, "PatientName="+query.PatientName)
	}
	switch {
	case len(query.StudyInstanceUIDs) > 0:
		matches = append(matches, "StudyInstanceUID="+strings.Join(query.StudyInstanceUIDs, `\\`))
	case uidWildcard:
		matches = append(matches, "StudyInstanceUID=*")
	}
	return matches
}

func formatDate(date *time.Time) string {
	if date == nil {
		return ""
	}
	return date.Format(DateFormat)
}

// SeriesRecord is one series returned by the index.
type SeriesRecord struct {
	StudyInstanceUID  string
	PatientName       string
	PatientID         string
	PatientSex        string
	StudyID           string
	SeriesDescription string
	SeriesNumber      int
}

// Client queries the index.
type Client interface {
	// FindSeries returns every series matching the query.
	FindSeries(ctx context.Context, query Query) ([]SeriesRecord, error)
}
