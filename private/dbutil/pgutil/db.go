// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pgutil contains utilities for postgres.
package pgutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver.
	"github.com/zeebo/errs"
)

// CheckApplicationName ensures that the connection string contains an application name.
func CheckApplicationName(s string, app string) string {
	if strings.Contains(s, "application_name") {
		return s
	}
	if !strings.Contains(s, "?") {
		return s + "?application_name=" + app
	}
	return s + "&application_name=" + app
}

// IsConstraintError checks if given error is about constraint violation.
func IsConstraintError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	return false
}

// CreateRandomTestingSchemaName creates a random schema name string.
func CreateRandomTestingSchemaName(n int) string {
	data := make([]byte, n)
	_, _ = rand.Read(data)
	return hex.EncodeToString(data)
}

// ConnstrWithSchema adds schema to a connection string.
func ConnstrWithSchema(connstr, schema string) string {
	if strings.Contains(connstr, "?") {
		return connstr + "&search_path=" + url.QueryEscape(schema)
	}
	return connstr + "?search_path=" + url.QueryEscape(schema)
}

// QuoteIdentifier quotes an identifier for use in an interpolated SQL string.
func QuoteIdentifier(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// CreateSchema creates a schema if it doesn't exist.
func CreateSchema(ctx context.Context, db *sql.DB, schema string) error {
	_, err := db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+QuoteIdentifier(schema))
	return errs.Wrap(err)
}

// DropSchema drops the named schema.
func DropSchema(ctx context.Context, db *sql.DB, schema string) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA `+QuoteIdentifier(schema)+` CASCADE`)
	return errs.Wrap(err)
}

// TempSchema is a postgres schema which is dropped on Close.
type TempSchema struct {
	ConnStr string
	Schema  string

	db *sql.DB
}

// OpenUnique creates a uniquely named schema and returns a connection
// string which uses it.
func OpenUnique(ctx context.Context, connstr string, schemaPrefix string) (*TempSchema, error) {
	schema := schemaPrefix + "-" + CreateRandomTestingSchemaName(8)

	db, err := sql.Open("pgx", connstr)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if err := CreateSchema(ctx, db, schema); err != nil {
		return nil, errs.Combine(err, db.Close())
	}

	return &TempSchema{
		ConnStr: ConnstrWithSchema(connstr, schema),
		Schema:  schema,
		db:      db,
	}, nil
}

// Close drops the schema.
func (temp *TempSchema) Close() error {
	return errs.Combine(DropSchema(context.Background(), temp.db, temp.Schema), temp.db.Close())
}
