// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package datasets manages the versioned datasets of a study.
package datasets

import (
	"context"
	"fmt"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default datasets error class.
	Error = errs.Class("datasets")
	// ErrDataset is returned when an operation of the versioned store fails.
	ErrDataset = errs.Class("dataset")
	// ErrNotFound is returned when a dataset handle does not exist.
	ErrNotFound = errs.Class("dataset not found")
)

// Kind is the kind of data a dataset holds.
type Kind int

const (
	// Source holds acquired archives.
	Source Kind = iota + 1
	// Raw holds converted data.
	Raw
	// Derived holds corrected data.
	Derived
)

// String implements fmt.Stringer.
func (kind Kind) String() string {
	switch kind {
	case Source:
		return "sourcedata"
	case Raw:
		return "rawdata"
	case Derived:
		return "deriveddata"
	default:
		return fmt.Sprintf("kind(%d)", int(kind))
	}
}

// ParseKind parses the output of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, kind := range []Kind{Source, Raw, Derived} {
		if kind.String() == s {
			return kind, nil
		}
	}
	return 0, Error.New("unknown dataset kind %q", s)
}

// Alias returns the name of the dataset in the store.
func Alias(studyID int64, kind Kind) string {
	return fmt.Sprintf("study-%d_%s", studyID, kind)
}

// Handle is a dataset of one kind for one study.
type Handle struct {
	ID      int64
	StudyID int64
	Kind    Kind
	Alias   string
	// CustomRemote replaces the default store location. Datasets with a
	// custom remote are not archived.
	CustomRemote string
}

// DB stores dataset handles.
//
// architecture: Database
type DB interface {
	// Get returns the handle of the given kind for the study.
	Get(ctx context.Context, studyID int64, kind Kind) (Handle, error)
	// List returns all handles of the study ordered by kind.
	List(ctx context.Context, studyID int64) ([]Handle, error)
	// Insert stores a new handle.
	Insert(ctx context.Context, handle Handle) (Handle, error)
	// SetCustomRemote sets or clears the custom remote of a handle.
	SetCustomRemote(ctx context.Context, id int64, remote string) error
}

// ChangeKind is the kind of change of an entry between two versions.
type ChangeKind int

const (
	// Added is a new entry.
	Added ChangeKind = iota + 1
	// Modified is an entry whose content changed.
	Modified
	// Deleted is a removed entry.
	Deleted
	// TypeChanged is an entry which changed between file and symlink.
	TypeChanged
)

// EntryType is the type of a dataset entry.
type EntryType int

const (
	// File is a regular file.
	File EntryType = iota + 1
	// Symlink is a symbolic link, including annexed content.
	Symlink
	// Directory is a directory or nested dataset.
	Directory
)

// Change is one entry of a diff.
type Change struct {
	Path string
	Kind ChangeKind
	Type EntryType
}

// Version identifies the state of a dataset.
type Version struct {
	ID   string
	Time time.Time
}

// Store is the versioned dataset store.
type Store interface {
	// Create creates a new empty dataset.
	Create(ctx context.Context, alias, remote string) error
	// Checkout clones the dataset into parent and returns its local path.
	Checkout(ctx context.Context, alias, remote, parent string) (string, error)
	// Commit records the state of the working copy and publishes it.
	Commit(ctx context.Context, path, message string) error
	// CurrentVersion returns the version of the working copy.
	CurrentVersion(ctx context.Context, path string) (Version, error)
	// Diff returns the changes between two versions.
	Diff(ctx context.Context, path, from, to string) ([]Change, error)
	// FetchPath retrieves the content of a path inside the working copy.
	FetchPath(ctx context.Context, path, relpath string) error
	// FetchAll retrieves all content of the working copy.
	FetchAll(ctx context.Context, path string) error
	// Remove removes relpath from the dataset and publishes the change.
	Remove(ctx context.Context, path, relpath, message string) error
	// Release discards the working copy.
	Release(ctx context.Context, path string) error
}
