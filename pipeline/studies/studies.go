// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package studies holds study configuration and the records produced for a study.
package studies

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"storj.io/autobids/private/dirtree"
)

var (
	// Error is the default studies error class.
	Error = errs.Class("studies")
	// ErrNotFound is returned when a study or record does not exist.
	ErrNotFound = errs.Class("not found")
	// ErrValidation is returned for contradictory or incomplete study configuration.
	ErrValidation = errs.Class("validation")
	// ErrDuplicateRecord is returned when an acquisition with the same
	// reference uid already exists for the study.
	ErrDuplicateRecord = errs.Class("duplicate record")
)

// Defaults for new studies.
const (
	DefaultHeuristic     = "cfmm_base.py"
	DefaultPatientStr    = "*"
	DefaultSubjExpr      = "*_{subject}"
	DefaultPatientNameRE = ".*"
)

// Study is the acquisition and conversion configuration of one study.
type Study struct {
	ID             int64
	Principal      string
	ProjectName    string
	SubmitterEmail string
	Active         bool

	RetrospectiveData  bool
	RetrospectiveStart *time.Time
	RetrospectiveEnd   *time.Time

	// PatientStr is the PatientName search string sent to the remote index.
	PatientStr string
	// PatientNameRE must match the whole PatientName of a remote record.
	PatientNameRE    string
	Heuristic        string
	SubjExpr         string
	Deface           bool
	CustomBidsignore string

	// ContentTree caches the content of the raw dataset.
	ContentTree *dirtree.Tree

	AuthorizedEmails []string
	CreatedAt        time.Time
}

// New returns a study with default configuration.
func New(principal, projectName, submitterEmail string) Study {
	return Study{
		Principal:      principal,
		ProjectName:    projectName,
		SubmitterEmail: submitterEmail,
		PatientStr:     DefaultPatientStr,
		Heuristic:      DefaultHeuristic,
		SubjExpr:       DefaultSubjExpr,
	}
}

// Description returns the StudyDescription used to query the remote index.
func (study *Study) Description() string {
	return study.Principal + "^" + study.ProjectName
}

// PatientNameMatcher returns the compiled patient name filter. The pattern is
// anchored so that it must match the whole name.
func (study *Study) PatientNameMatcher() (*regexp.Regexp, error) {
	pattern := study.PatientNameRE
	if pattern == "" {
		pattern = DefaultPatientNameRE
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, ErrValidation.New("invalid patient name pattern %q: %v", pattern, err)
	}
	return re, nil
}

// Recipients returns the submitter and authorized users without duplicates.
func (study *Study) Recipients() []string {
	seen := map[string]bool{}
	var recipients []string
	for _, email := range append([]string{study.SubmitterEmail}, study.AuthorizedEmails...) {
		email = strings.TrimSpace(email)
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		recipients = append(recipients, email)
	}
	return recipients
}

// Validate checks the configuration for contradictions.
func (study *Study) Validate() error {
	var group errs.Group
	if strings.TrimSpace(study.Principal) == "" {
		group.Add(ErrValidation.New("principal is required"))
	}
	if strings.TrimSpace(study.ProjectName) == "" {
		group.Add(ErrValidation.New("project name is required"))
	}
	if study.RetrospectiveData {
		if study.RetrospectiveStart == nil && study.RetrospectiveEnd == nil {
			group.Add(ErrValidation.New("retrospective study needs a start or end date"))
		}
		if study.RetrospectiveStart != nil && study.RetrospectiveEnd != nil &&
			study.RetrospectiveEnd.Before(*study.RetrospectiveStart) {
			group.Add(ErrValidation.New("retrospective end is before start"))
		}
	}
	if _, err := study.PatientNameMatcher(); err != nil {
		group.Add(err)
	}
	return group.Err()
}

// Override forces a remote record in or out of a study.
type Override struct {
	StudyID          int64
	StudyInstanceUID string
	PatientName      string
	DicomStudyID     string
	// Included forces inclusion when true and exclusion when false.
	Included bool
}

// AcquisitionRecord is a remote record downloaded into the source dataset.
type AcquisitionRecord struct {
	ID      int64
	StudyID int64
	// TarFile is the primary file name inside the source dataset.
	TarFile string
	// UID is the StudyInstanceUID of the remote record.
	UID          string
	Date         time.Time
	AttachedFile string
	CreatedAt    time.Time
}

// ConversionRecord is a successful conversion of a batch of acquisitions.
type ConversionRecord struct {
	ID             int64
	StudyID        int64
	AcquisitionIDs []int64
	Heuristic      string
	CreatedAt      time.Time
}

// DB stores studies and their overrides.
//
// architecture: Database
type DB interface {
	// Create stores a new study and returns it with its id.
	Create(ctx context.Context, study Study) (Study, error)
	// Get returns the study.
	Get(ctx context.Context, id int64) (Study, error)
	// List returns all studies ordered by id.
	List(ctx context.Context) ([]Study, error)
	// UpdateConfig stores the configuration fields of the study.
	UpdateConfig(ctx context.Context, study Study) error
	// SetActive activates or deactivates the study.
	SetActive(ctx context.Context, id int64, active bool) error
	// SetContentTree replaces the cached content tree.
	SetContentTree(ctx context.Context, id int64, tree dirtree.Tree) error

	// SetOverride creates or replaces the override for the uid.
	SetOverride(ctx context.Context, override Override) error
	// DeleteOverride removes the override for the uid.
	DeleteOverride(ctx context.Context, studyID int64, uid string) error
	// Overrides returns all overrides of the study.
	Overrides(ctx context.Context, studyID int64) ([]Override, error)
}

// RecordsDB stores acquisition and conversion records.
//
// architecture: Database
type RecordsDB interface {
	// InsertAcquisition stores a new acquisition record.
	InsertAcquisition(ctx context.Context, record AcquisitionRecord) (AcquisitionRecord, error)
	// GetAcquisition returns an acquisition record.
	GetAcquisition(ctx context.Context, id int64) (AcquisitionRecord, error)
	// Acquisitions returns all acquisitions of the study ordered by id.
	Acquisitions(ctx context.Context, studyID int64) ([]AcquisitionRecord, error)
	// DeleteAcquisition removes an acquisition which was not converted.
	DeleteAcquisition(ctx context.Context, id int64) error
	// Unconverted returns acquisitions not part of any conversion record.
	Unconverted(ctx context.Context, studyID int64) ([]AcquisitionRecord, error)

	// InsertConversion stores a conversion record with its acquisitions.
	InsertConversion(ctx context.Context, record ConversionRecord) (ConversionRecord, error)
	// Conversions returns all conversions of the study ordered by id.
	Conversions(ctx context.Context, studyID int64) ([]ConversionRecord, error)
}
