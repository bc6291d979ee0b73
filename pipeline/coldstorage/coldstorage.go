// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package coldstorage transfers archive blobs to long term storage.
package coldstorage

import (
	"context"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/private/toolexec"
)

var (
	mon = monkit.Package()

	// Error is the default cold storage error class.
	Error = errs.Class("cold storage")
)

// Storage holds archive blobs grouped into one directory per dataset.
type Storage interface {
	// Ensure creates the directory when it does not exist.
	Ensure(ctx context.Context, dir string) error
	// Copy uploads the local file into the directory.
	Copy(ctx context.Context, file, dir string) error
	// Prune deletes every blob in the directory whose name is not in keep.
	Prune(ctx context.Context, dir string, keep []string) error
}

// Config configures the cold storage backend.
type Config struct {
	Backend string `help:"cold storage backend, either ssh or local" default:"ssh" devDefault:"local"`

	BaseURL string `help:"host:path of the ssh cold storage" default:""`
	Port    int    `help:"ssh port of the cold storage host" default:"22"`
	Key     string `help:"ssh identity file used to reach the cold storage host" default:""`

	Dir string `help:"directory of the local cold storage" default:"" devDefault:"/tmp/autobids/archive"`
}

// Open returns the configured backend.
func Open(log *zap.Logger, exec toolexec.Executor, config Config) (Storage, error) {
	switch strings.ToLower(config.Backend) {
	case "ssh":
		return NewSSH(log, exec, config)
	case "local":
		if config.Dir == "" {
			return nil, Error.New("local cold storage requires a directory")
		}
		return NewDir(config.Dir), nil
	default:
		return nil, Error.New("unknown backend %q", config.Backend)
	}
}
