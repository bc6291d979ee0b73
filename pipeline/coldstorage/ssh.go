// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package coldstorage

import (
	"context"
	"errors"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"storj.io/autobids/private/toolexec"
)

// SSH stores blobs on a remote host reachable with ssh and scp.
type SSH struct {
	log  *zap.Logger
	exec toolexec.Executor

	host string
	root string
	port string
	key  string
}

var _ Storage = (*SSH)(nil)

// NewSSH creates a storage rooted at config.BaseURL.
func NewSSH(log *zap.Logger, exec toolexec.Executor, config Config) (*SSH, error) {
	host, root, ok := strings.Cut(config.BaseURL, ":")
	if !ok || host == "" || root == "" {
		return nil, Error.New("base url %q is not host:path", config.BaseURL)
	}
	if config.Port <= 0 {
		return nil, Error.New("invalid port %d", config.Port)
	}
	return &SSH{
		log:  log,
		exec: exec,
		host: host,
		root: root,
		port: strconv.Itoa(config.Port),
		key:  config.Key,
	}, nil
}

func (storage *SSH) remote(dir string) string { return path.Join(storage.root, dir) }

// options returns the connection flags shared by ssh and scp.
func (storage *SSH) options(portFlag string) []string {
	options := []string{portFlag, storage.port}
	if storage.key != "" {
		options = append(options, "-i", storage.key)
	}
	return options
}

func (storage *SSH) ssh(ctx context.Context, args ...string) error {
	args = append(append(storage.options("-p"), storage.host), args...)
	return storage.run(ctx, "ssh", args)
}

func (storage *SSH) run(ctx context.Context, name string, args []string) error {
	_, err := storage.exec.Run(ctx, toolexec.Command{Name: name, Args: args})
	if err != nil {
		var exitErr *toolexec.ExitError
		if errors.As(err, &exitErr) {
			return Error.New("%s failed: %s", name, strings.TrimSpace(exitErr.Stderr))
		}
		return Error.Wrap(err)
	}
	return nil
}

// Ensure implements Storage.
func (storage *SSH) Ensure(ctx context.Context, dir string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return storage.ssh(ctx, "mkdir", "-p", storage.remote(dir))
}

// Copy implements Storage.
func (storage *SSH) Copy(ctx context.Context, file, dir string) (err error) {
	defer mon.Task()(&ctx)(&err)

	storage.log.Debug("copying blob", zap.String("file", file), zap.String("dir", dir))
	args := append(storage.options("-P"), file, storage.host+":"+storage.remote(dir))
	return storage.run(ctx, "scp", args)
}

// Prune implements Storage.
func (storage *SSH) Prune(ctx context.Context, dir string, keep []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	args := []string{"find", storage.remote(dir)}
	for _, name := range keep {
		args = append(args, "!", "-name", name)
	}
	args = append(args, "-type", "f", "-exec", "rm", "-f", "{}", "+")
	return storage.ssh(ctx, args...)
}
