// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/pipeline"
	"storj.io/autobids/pipeline/pipelinedb"
	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"
)

// Autobids defines the configuration of the autobids process.
type Autobids struct {
	Database string `help:"pipeline database connection string" releaseDefault:"postgres://" devDefault:"sqlite3://file:$CONFDIR/autobids.db"`

	pipeline.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "autobids",
		Short: "Imaging data acquisition, conversion and archival pipeline",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline workers",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the pipeline database to the latest version",
		RunE:  cmdMigrate,
	}

	runCfg   Autobids
	setupCfg Autobids
	adminCfg Autobids

	confDir string
)

func init() {
	defaultConfDir := fpath.ApplicationDir("storj", "autobids")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for autobids configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(studyCmd)
	rootCmd.AddCommand(tasksCmd)

	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	process.Bind(migrateCmd, &adminCfg, defaults, cfgstruct.ConfDir(confDir))
	for _, cmd := range adminCommands() {
		process.Bind(cmd, &adminCfg, defaults, cfgstruct.ConfDir(confDir))
	}
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := pipelinedb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("Error starting pipeline database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	if err := db.CheckVersion(ctx); err != nil {
		log.Error("Failed pipeline database version check.", zap.Error(err))
		return errs.New("Error checking version for pipeline database: %+v", err)
	}

	jobs, err := pipeline.OpenQueue(ctx, log.Named("queue"), runCfg.Queue)
	if err != nil {
		return errs.New("Error opening job queue: %+v", err)
	}

	peer, err := pipeline.New(log, db, jobs, nil, &runCfg.Config)
	if err != nil {
		return errs.Combine(err, jobs.Close())
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("autobids configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := pipelinedb.Open(ctx, log.Named("db"), adminCfg.Database)
	if err != nil {
		return errs.New("Error creating pipeline database connection: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("Error creating tables for pipeline database: %+v", err)
	}
	log.Info("Pipeline database migrated.")
	return nil
}

// withPeer opens the database and the job queue and runs fn with a peer
// that is never started. Tasks launched by fn are picked up by a running
// pipeline sharing the queue.
func withPeer(cmd *cobra.Command, fn func(ctx context.Context, peer *pipeline.Peer) error) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := pipelinedb.Open(ctx, log.Named("db"), adminCfg.Database)
	if err != nil {
		return errs.New("Error creating pipeline database connection: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	if err := db.CheckVersion(ctx); err != nil {
		return errs.New("Error checking version for pipeline database: %+v", err)
	}

	jobs, err := pipeline.OpenQueue(ctx, log.Named("queue"), adminCfg.Queue)
	if err != nil {
		return errs.New("Error opening job queue: %+v", err)
	}

	peer, err := pipeline.New(log, db, jobs, nil, &adminCfg.Config)
	if err != nil {
		return errs.Combine(err, jobs.Close())
	}
	defer func() {
		err = errs.Combine(err, peer.Close())
	}()

	return fn(ctx, peer)
}

func main() {
	logger, _, _ := process.NewLogger("autobids")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
