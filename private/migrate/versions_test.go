// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package migrate_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"storj.io/autobids/private/dbutil"
	"storj.io/autobids/private/migrate"
	"storj.io/autobids/private/tagsql"
	"storj.io/common/testcontext"
)

func TestBasicMigrationSqlite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	raw, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	db := tagsql.Wrap(raw, dbutil.SQLite3)
	defer ctx.Check(db.Close)

	log := zaptest.NewLogger(t)

	var funcRan int
	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          db,
				Description: "Initialize Table",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE users (id int)`,
					`INSERT INTO users (id) VALUES (1)`,
				},
			},
			{
				DB:          db,
				Description: "Move files",
				Version:     2,
				Action: migrate.Func(func(ctx context.Context, log *zap.Logger, _ tagsql.DB, tx tagsql.Tx) error {
					funcRan++
					_, err := tx.ExecContext(ctx, `INSERT INTO users (id) VALUES (?)`, 2)
					return err
				}),
			},
		},
	}

	require.NoError(t, m.Run(ctx, log.Named("migrate")))

	version, err := m.CurrentVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 2, version)
	require.Equal(t, 1, funcRan)

	// running again must not repeat any step
	require.NoError(t, m.Run(ctx, log.Named("migrate")))
	require.Equal(t, 1, funcRan)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count))
	require.Equal(t, 2, count)

	require.NoError(t, m.ValidateVersions(ctx, log))

	// a step which was not applied yet fails validation
	m.Steps = append(m.Steps, &migrate.Step{
		DB:          db,
		Description: "Add column",
		Version:     3,
		Action:      migrate.SQL{`ALTER TABLE users ADD COLUMN name TEXT`},
	})
	require.True(t, migrate.ErrValidateVersionMismatch.Has(m.ValidateVersions(ctx, log)))
	require.NoError(t, m.Run(ctx, log.Named("migrate")))
	require.NoError(t, m.ValidateVersions(ctx, log))
}

func TestMigrationValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	raw, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	db := tagsql.Wrap(raw, dbutil.SQLite3)
	defer ctx.Check(db.Close)

	m := migrate.Migration{Table: "Bad-Name"}
	require.Error(t, m.Validate())

	m = migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{{DB: db, Version: 2}, {DB: db, Version: 1}},
	}
	require.Error(t, m.Validate())
	require.Error(t, m.Run(ctx, zaptest.NewLogger(t)))

	m.Steps = []*migrate.Step{{Version: 0}}
	require.Error(t, m.Validate())
}

func TestRebindPostgres(t *testing.T) {
	require.Equal(t,
		`SELECT a FROM t WHERE b = $1 AND c = '?' AND d = $2`,
		tagsql.Rebind(dbutil.Postgres, `SELECT a FROM t WHERE b = ? AND c = '?' AND d = ?`))
	require.Equal(t,
		`SELECT ?`,
		tagsql.Rebind(dbutil.SQLite3, `SELECT ?`))
}
