// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package dbutil

import (
	"strings"

	"github.com/zeebo/errs"
)

// Implementation type of valid DBs.
type Implementation int

const (
	// Unknown is an unknown db type.
	Unknown Implementation = iota
	// Postgres is a Postgresdb type.
	Postgres
	// SQLite3 is a sqlite3 database.
	SQLite3
)

// String returns the driver-neutral name of the implementation.
func (impl Implementation) String() string {
	switch impl {
	case Postgres:
		return "postgres"
	case SQLite3:
		return "sqlite3"
	default:
		return "<unknown>"
	}
}

// ImplementationForDriver returns the implementation used by a database/sql driver name.
func ImplementationForDriver(driver string) Implementation {
	switch driver {
	case "pgx", "postgres":
		return Postgres
	case "sqlite3":
		return SQLite3
	default:
		return Unknown
	}
}

// SplitConnStr returns the driver and data source name for a database URL.
//
// postgres:// and postgresql:// URLs are passed through to pgx unchanged,
// sqlite3:// URLs have their scheme stripped.
func SplitConnStr(url string) (driver, source string, impl Implementation, err error) {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return "", "", Unknown, errs.New("invalid database url %q: missing scheme", url)
	}
	switch scheme {
	case "postgres", "postgresql":
		return "pgx", url, Postgres, nil
	case "sqlite3", "sqlite":
		return "sqlite3", rest, SQLite3, nil
	default:
		return "", "", Unknown, errs.New("unsupported database scheme %q", scheme)
	}
}
