// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package coldstorage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
)

// Dir stores blobs in a local directory, usually a mounted tape or
// network share.
type Dir struct {
	root string
}

var _ Storage = (*Dir)(nil)

// NewDir creates a storage rooted at root.
func NewDir(root string) *Dir { return &Dir{root: root} }

// Ensure implements Storage.
func (storage *Dir) Ensure(ctx context.Context, dir string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(os.MkdirAll(filepath.Join(storage.root, dir), 0o755))
}

// Copy implements Storage.
func (storage *Dir) Copy(ctx context.Context, file, dir string) (err error) {
	defer mon.Task()(&ctx)(&err)

	src, err := os.Open(file)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(src.Close())) }()

	target := filepath.Join(storage.root, dir, filepath.Base(file))
	tmp := target + ".partial"

	dst, err := os.Create(tmp)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return Error.Wrap(errs.Combine(err, dst.Close(), os.Remove(tmp)))
	}
	if err := dst.Close(); err != nil {
		return Error.Wrap(errs.Combine(err, os.Remove(tmp)))
	}
	return Error.Wrap(os.Rename(tmp, target))
}

// Prune implements Storage.
func (storage *Dir) Prune(ctx context.Context, dir string, keep []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	kept := map[string]bool{}
	for _, name := range keep {
		kept[name] = true
	}

	path := filepath.Join(storage.root, dir)
	entries, err := os.ReadDir(path)
	if err != nil {
		return Error.Wrap(err)
	}

	var group errs.Group
	for _, entry := range entries {
		if !entry.Type().IsRegular() || kept[entry.Name()] {
			continue
		}
		group.Add(os.Remove(filepath.Join(path, entry.Name())))
	}
	return Error.Wrap(group.Err())
}

// Blobs lists the blob names of the directory.
func (storage *Dir) Blobs(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(storage.root, dir))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}
