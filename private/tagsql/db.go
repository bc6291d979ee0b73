// Copyright (C) 2020 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tagsql wraps database/sql so that queries are written once with
// `?` placeholders and rebound for the dialect of the underlying driver.
package tagsql

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/zeebo/errs"

	"storj.io/autobids/private/dbutil"
)

// Error is the default tagsql error class.
var Error = errs.Class("tagsql")

// DB is an interface for *sql.DB-like databases.
type DB interface {
	BeginTx(ctx context.Context, txOptions *sql.TxOptions) (Tx, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PingContext(ctx context.Context) error

	Implementation() dbutil.Implementation
	Close() error
}

// Rows is an interface for *sql.Rows-like results.
type Rows interface {
	Close() error
	Err() error
	Next() bool
	Scan(dest ...interface{}) error
}

// Open opens a database for the given driver and wraps it.
func Open(ctx context.Context, driverName, dataSourceName string) (DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errs.Combine(Error.Wrap(err), db.Close())
	}
	return Wrap(db, dbutil.ImplementationForDriver(driverName)), nil
}

// Wrap turns a *sql.DB into a DB.
func Wrap(db *sql.DB, impl dbutil.Implementation) DB {
	if impl == dbutil.SQLite3 {
		// sqlite has a single writer, and an in-memory database lives only
		// as long as its connection.
		db.SetMaxOpenConns(1)
	}
	return &sqlDB{db: db, impl: impl}
}

type sqlDB struct {
	db   *sql.DB
	impl dbutil.Implementation
}

func (s *sqlDB) Implementation() dbutil.Implementation { return s.impl }

func (s *sqlDB) BeginTx(ctx context.Context, txOptions *sql.TxOptions) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, txOptions)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx, impl: s.impl}, nil
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, Rebind(s.impl, query), args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return s.db.QueryContext(ctx, Rebind(s.impl, query), args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, Rebind(s.impl, query), args...)
}

func (s *sqlDB) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlDB) Close() error { return s.db.Close() }

// Rebind replaces `?` placeholders with the positional form the
// implementation expects. Quoted literals are left untouched.
func Rebind(impl dbutil.Implementation, query string) string {
	if impl != dbutil.Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
