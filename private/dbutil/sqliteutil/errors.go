// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sqliteutil contains utilities for sqlite3.
package sqliteutil

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// IsConstraintError checks if given error is about constraint violation.
func IsConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
