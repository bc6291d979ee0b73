// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package pipelinedbtest

// This package should be referenced only in test files!

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"storj.io/autobids/pipeline/pipelinedb"
	"storj.io/autobids/private/dbutil/pgutil"
	"storj.io/autobids/private/dbutil/pgutil/pgtest"
	"storj.io/common/testcontext"
)

// Database describes a test database.
type Database struct {
	Name    string
	URL     string
	Message string
}

var sqliteCounter int64

// Databases returns the databases tests run against.
func Databases() []Database {
	return []Database{
		{Name: "Sqlite3", URL: "sqlite3://"},
		{
			Name:    "Postgres",
			URL:     *pgtest.ConnStr,
			Message: "Postgres flag missing, example: -postgres-test-db=" + pgtest.DefaultConnStr + " or use STORJ_POSTGRES_TEST environment variable.",
		},
	}
}

// tempDB is a database that cleans up after itself when closed.
type tempDB struct {
	*pipelinedb.DB
	schema *pgutil.TempSchema
}

// Close closes the database and drops the temporary schema.
func (db *tempDB) Close() error {
	err := db.DB.Close()
	if db.schema != nil {
		err = errs.Combine(err, db.schema.Close())
	}
	return err
}

// CreateDB creates a new, empty and migrated database for testing.
func CreateDB(ctx context.Context, log *zap.Logger, name string, dbInfo Database) (_ *pipelinedb.DB, cleanup func() error, err error) {
	db := &tempDB{}

	url := dbInfo.URL
	if strings.HasPrefix(url, "sqlite3://") {
		// every test gets its own shared in-memory database
		n := atomic.AddInt64(&sqliteCounter, 1)
		url = "sqlite3://file:" + sanitize(name) + "-" + pgutil.CreateRandomTestingSchemaName(4) +
			"-" + strconv.FormatInt(n, 10) + "?mode=memory&cache=shared"
	} else {
		db.schema, err = pgutil.OpenUnique(ctx, url, sanitize(name))
		if err != nil {
			return nil, nil, err
		}
		url = db.schema.ConnStr
	}

	db.DB, err = pipelinedb.Open(ctx, log.Named("db"), url)
	if err != nil {
		if db.schema != nil {
			err = errs.Combine(err, db.schema.Close())
		}
		return nil, nil, err
	}

	if err := db.DB.MigrateToLatest(ctx); err != nil {
		return nil, nil, errs.Combine(err, db.Close())
	}
	return db.DB, db.Close, nil
}

// Run method will iterate over all supported databases. Will establish
// connection and will create tables for each DB.
func Run(t *testing.T, test func(ctx *testcontext.Context, t *testing.T, db *pipelinedb.DB)) {
	for _, dbInfo := range Databases() {
		dbInfo := dbInfo
		t.Run(dbInfo.Name, func(t *testing.T) {
			t.Parallel()

			ctx := testcontext.New(t)
			defer ctx.Cleanup()

			if dbInfo.URL == "" {
				t.Skipf("Database %s connection string not provided. %s", dbInfo.Name, dbInfo.Message)
			}

			db, cleanup, err := CreateDB(ctx, zaptest.NewLogger(t), t.Name(), dbInfo)
			if err != nil {
				t.Fatal(err)
			}
			defer func() {
				if err := cleanup(); err != nil {
					t.Fatal(err)
				}
			}()

			test(ctx, t, db)
		})
	}
}

func sanitize(name string) string {
	name = strings.ToLower(name)
	if len(name) > 40 {
		name = name[:40]
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
}
