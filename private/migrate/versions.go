// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package migrate applies versioned schema changes and records each
// applied version in a table.
package migrate

import (
	"context"
	"database/sql"
	"regexp"
	"strconv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/private/dbutil/txutil"
	"storj.io/autobids/private/tagsql"
)

var (
	// Error is the default migrate errs class.
	Error = errs.Class("migrate")
	// ErrValidateVersionMismatch is when the database is older than the migration.
	ErrValidateVersionMismatch = errs.Class("validate db version mismatch")
)

var tableName = regexp.MustCompile(`^[a-z_]+$`)

// Migration is an ordered list of steps.
type Migration struct {
	Table string
	Steps []*Step
}

// Step describes a single step in migration.
type Step struct {
	DB          tagsql.DB
	Description string
	// Version must increase with every step.
	Version int
	Action  Action
}

// Action is something that needs to be done.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error
}

// Validate checks the table name and the order of the steps.
func (migration *Migration) Validate() error {
	var group errs.Group
	if !tableName.MatchString(migration.Table) {
		group.Add(Error.New("invalid table name %q", migration.Table))
	}
	for i, step := range migration.Steps {
		if step.DB == nil {
			group.Add(Error.New("step %d has no database", step.Version))
		}
		if i > 0 && step.Version <= migration.Steps[i-1].Version {
			group.Add(Error.New("step %d follows step %d", step.Version, migration.Steps[i-1].Version))
		}
	}
	return group.Err()
}

// ValidateVersions returns an error unless every step has been applied.
func (migration *Migration) ValidateVersions(ctx context.Context, log *zap.Logger) error {
	if len(migration.Steps) == 0 {
		return nil
	}
	last := migration.Steps[len(migration.Steps)-1]

	version, err := migration.latest(ctx, last.DB)
	if err != nil {
		return Error.New("querying version: %w", err)
	}
	if version < last.Version {
		return ErrValidateVersionMismatch.New("database is at version %d, expected %d", version, last.Version)
	}

	log.Debug("Database version is up to date", zap.Int("version", version))
	return nil
}

// Run applies every step newer than the version of its database. Each step
// runs in its own transaction together with recording its version.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger) error {
	if err := migration.Validate(); err != nil {
		return err
	}
	if len(migration.Steps) == 0 {
		return nil
	}

	applied := 0
	for _, step := range migration.Steps {
		if err := migration.ensureTable(ctx, step.DB); err != nil {
			return err
		}

		err := txutil.WithTx(ctx, step.DB, nil, func(ctx context.Context, tx tagsql.Tx) error {
			version, err := migration.latest(ctx, tx)
			if err != nil {
				return err
			}
			if step.Version <= version {
				return nil
			}

			log.Info("applying step", zap.Int("version", step.Version), zap.String("description", step.Description))
			if err := step.Action.Run(ctx, log.Named(strconv.Itoa(step.Version)), step.DB, tx); err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx,
				`INSERT INTO `+migration.Table+` (version, description, committed_at) VALUES (?, ?, ?)`,
				step.Version, step.Description, time.Now().UTC().Format(time.RFC3339))
			if err != nil {
				return err
			}
			applied++
			return nil
		})
		if err != nil {
			return Error.New("step %d: %w", step.Version, err)
		}
	}

	log.Info("Database migrated",
		zap.Int("version", migration.Steps[len(migration.Steps)-1].Version),
		zap.Int("applied", applied))
	return nil
}

// CurrentVersion returns the latest applied version of db, or -1 when no
// step was applied.
func (migration *Migration) CurrentVersion(ctx context.Context, db tagsql.DB) (int, error) {
	if err := migration.ensureTable(ctx, db); err != nil {
		return -1, err
	}
	version, err := migration.latest(ctx, db)
	return version, Error.Wrap(err)
}

func (migration *Migration) ensureTable(ctx context.Context, db tagsql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migration.Table+
		` (version INTEGER NOT NULL, description TEXT NOT NULL, committed_at TEXT NOT NULL)`)
	return Error.Wrap(err)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// latest returns the highest version in the table, or -1 when it is empty.
func (migration *Migration) latest(ctx context.Context, db rowQueryer) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM `+migration.Table).Scan(&version); err != nil {
		return -1, err
	}
	if !version.Valid {
		return -1, nil
	}
	return int(version.Int64), nil
}

// SQL statements that are executed on the database.
type SQL []string

// Run runs the SQL statements.
func (sql SQL) Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error {
	for _, query := range sql {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return errs.Wrap(err)
		}
	}
	return nil
}

// Func is an arbitrary operation.
type Func func(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error

// Run runs the migration.
func (fn Func) Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error {
	return fn(ctx, log, db, tx)
}
