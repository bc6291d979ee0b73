// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package datasets

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/private/toolexec"
)

// DataladConfig configures the datalad backed store.
type DataladConfig struct {
	RIAURL  string         `help:"url of the RIA store holding the datasets" default:"" devDefault:"ria+file:///tmp/autobids/ria"`
	WorkDir string         `help:"directory for temporary datalad clones" default:""`
	Image   toolexec.Image `help:"container image providing datalad and git-annex"`
}

// Datalad is a Store backed by datalad datasets in a RIA store.
type Datalad struct {
	log    *zap.Logger
	exec   toolexec.Executor
	config DataladConfig
}

var _ Store = (*Datalad)(nil)

// NewDatalad creates a datalad store.
func NewDatalad(log *zap.Logger, exec toolexec.Executor, config DataladConfig) *Datalad {
	return &Datalad{log: log, exec: exec, config: config}
}

func (store *Datalad) run(ctx context.Context, name string, args ...string) (string, error) {
	result, err := store.exec.Run(ctx, toolexec.Command{Name: name, Args: args})
	if err != nil {
		var exitErr *toolexec.ExitError
		if errors.As(err, &exitErr) {
			return "", ErrDataset.New("%s %s: %s", name, strings.Join(args, " "), strings.TrimSpace(exitErr.Stderr))
		}
		return "", ErrDataset.Wrap(err)
	}
	return result.Stdout, nil
}

func (store *Datalad) url(alias, remote string) string {
	if remote != "" {
		return remote
	}
	return store.config.RIAURL + "#~" + alias
}

// Create implements Store.
func (store *Datalad) Create(ctx context.Context, alias, remote string) (err error) {
	defer mon.Task()(&ctx)(&err)

	tmp, err := os.MkdirTemp(store.config.WorkDir, "create-")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, removeAll(tmp)) }()

	path := filepath.Join(tmp, alias)
	if _, err := store.run(ctx, "datalad", "create", "-c", "text2git", path); err != nil {
		return err
	}
	if remote == "" {
		if _, err := store.run(ctx, "datalad", "create-sibling-ria",
			"-d", path, "-s", "origin", "--alias", alias, "--new-store-ok", store.config.RIAURL); err != nil {
			return err
		}
	} else {
		if _, err := store.run(ctx, "git", "-C", path, "remote", "add", "origin", remote); err != nil {
			return err
		}
	}
	if err := store.push(ctx, path); err != nil {
		return err
	}
	return store.Release(ctx, path)
}

// Checkout implements Store.
func (store *Datalad) Checkout(ctx context.Context, alias, remote, parent string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	path := filepath.Join(parent, alias)
	store.log.Debug("cloning dataset", zap.String("alias", alias), zap.String("path", path))
	if _, err := store.run(ctx, "datalad", "clone", store.url(alias, remote), path); err != nil {
		return "", err
	}
	return path, nil
}

// Commit implements Store.
func (store *Datalad) Commit(ctx context.Context, path, message string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := store.run(ctx, "datalad", "save", "-d", path, "-m", message); err != nil {
		return err
	}
	return store.push(ctx, path)
}

// push declares the local clone dead and pushes data to the origin sibling.
func (store *Datalad) push(ctx context.Context, path string) error {
	if _, err := store.run(ctx, "git", "-C", path, "annex", "dead", "here"); err != nil {
		return err
	}
	_, err := store.run(ctx, "datalad", "push", "-d", path, "--data", "anything", "--to", "origin")
	return err
}

// CurrentVersion implements Store.
func (store *Datalad) CurrentVersion(ctx context.Context, path string) (_ Version, err error) {
	defer mon.Task()(&ctx)(&err)

	out, err := store.run(ctx, "git", "-C", path, "log", "-1", "--format=%H%x00%cI")
	if err != nil {
		return Version{}, err
	}
	return parseVersion(out)
}

func parseVersion(out string) (Version, error) {
	id, when, ok := strings.Cut(strings.TrimSpace(out), "\x00")
	if !ok || id == "" {
		return Version{}, ErrDataset.New("unexpected git log output %q", out)
	}
	t, err := time.Parse(time.RFC3339, when)
	if err != nil {
		return Version{}, ErrDataset.Wrap(err)
	}
	return Version{ID: id, Time: t.UTC()}, nil
}

// Diff implements Store.
func (store *Datalad) Diff(ctx context.Context, path, from, to string) (_ []Change, err error) {
	defer mon.Task()(&ctx)(&err)

	out, err := store.run(ctx, "git", "-C", path, "diff", "--raw", "-z", "--no-renames", "--no-abbrev", from, to)
	if err != nil {
		return nil, err
	}
	return parseRawDiff([]byte(out))
}

// parseRawDiff parses `git diff --raw -z`, where every entry is
// ":oldmode newmode oldsha newsha status\0path\0".
func parseRawDiff(out []byte) ([]Change, error) {
	var changes []Change
	fields := bytes.Split(out, []byte{0})
	for i := 0; i < len(fields); i++ {
		header := string(fields[i])
		if header == "" {
			continue
		}
		if !strings.HasPrefix(header, ":") || i+1 >= len(fields) {
			return nil, ErrDataset.New("unexpected diff entry %q", header)
		}
		parts := strings.Fields(header[1:])
		if len(parts) != 5 || parts[4] == "" {
			return nil, ErrDataset.New("unexpected diff entry %q", header)
		}
		i++

		change := Change{Path: string(fields[i])}
		mode := parts[1]
		switch parts[4][0] {
		case 'A':
			change.Kind = Added
		case 'M':
			change.Kind = Modified
		case 'D':
			change.Kind = Deleted
			mode = parts[0]
		case 'T':
			change.Kind = TypeChanged
		default:
			return nil, ErrDataset.New("unexpected diff status %q", parts[4])
		}
		switch mode {
		case "120000":
			change.Type = Symlink
		case "160000", "040000":
			change.Type = Directory
		default:
			change.Type = File
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// FetchPath implements Store.
func (store *Datalad) FetchPath(ctx context.Context, path, relpath string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.run(ctx, "datalad", "get", "-d", path, filepath.Join(path, relpath))
	return err
}

// FetchAll implements Store.
func (store *Datalad) FetchAll(ctx context.Context, path string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.run(ctx, "datalad", "get", "-d", path, path)
	return err
}

// Remove implements Store.
func (store *Datalad) Remove(ctx context.Context, path, relpath, message string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := store.run(ctx, "datalad", "remove", "-d", path, "-m", message, filepath.Join(path, relpath)); err != nil {
		return err
	}
	return store.push(ctx, path)
}

// Release implements Store.
func (store *Datalad) Release(ctx context.Context, path string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.run(ctx, "datalad", "remove", "-d", path, "--reckless", "modification")
	return err
}

// removeAll removes a directory tree, making annexed content writable first.
func removeAll(path string) error {
	_ = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() {
			_ = os.Chmod(p, 0o755)
		}
		return nil
	})
	return Error.Wrap(os.RemoveAll(path))
}
