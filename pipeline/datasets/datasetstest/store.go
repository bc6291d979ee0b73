// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package datasetstest implements an in-memory versioned dataset store.
package datasetstest

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"storj.io/autobids/pipeline/datasets"
)

// Error is the error class of the test store.
var Error = errs.Class("datasetstest")

// Store keeps every version of every dataset in memory and materializes
// working copies on disk.
type Store struct {
	mu       sync.Mutex
	datasets map[string]*dataset
	clones   map[string]string
	clock    time.Time

	// CommitHook is called before every commit and can fail it.
	CommitHook func(alias, message string) error
	// Fetched records every FetchPath call as alias/relpath.
	Fetched []string
}

var _ datasets.Store = (*Store)(nil)

type dataset struct {
	versions []version
}

type version struct {
	id      string
	time    time.Time
	message string
	files   map[string]entry
}

type entry struct {
	data   []byte
	target string
}

func (e entry) symlink() bool { return e.target != "" }

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		datasets: map[string]*dataset{},
		clones:   map[string]string{},
		clock:    time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (store *Store) tick() time.Time {
	store.clock = store.clock.Add(time.Minute)
	return store.clock
}

// Create implements datasets.Store.
func (store *Store) Create(ctx context.Context, alias, remote string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.datasets[alias]; ok {
		return Error.New("dataset %q exists", alias)
	}
	store.datasets[alias] = &dataset{versions: []version{{
		id:      alias + "-v0",
		time:    store.tick(),
		message: "create",
		files:   map[string]entry{},
	}}}
	return nil
}

// Checkout implements datasets.Store.
func (store *Store) Checkout(ctx context.Context, alias, remote, parent string) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	ds, ok := store.datasets[alias]
	if !ok {
		return "", Error.New("dataset %q does not exist", alias)
	}

	path := filepath.Join(parent, alias)
	if err := os.MkdirAll(filepath.Join(path, ".git"), 0o755); err != nil {
		return "", Error.Wrap(err)
	}
	for relpath, e := range ds.latest().files {
		full := filepath.Join(path, filepath.FromSlash(relpath))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", Error.Wrap(err)
		}
		var err error
		if e.symlink() {
			err = os.Symlink(e.target, full)
		} else {
			err = os.WriteFile(full, e.data, 0o644)
		}
		if err != nil {
			return "", Error.Wrap(err)
		}
	}
	store.clones[path] = alias
	return path, nil
}

func (ds *dataset) latest() version { return ds.versions[len(ds.versions)-1] }

func (store *Store) lookup(path string) (string, *dataset, error) {
	alias, ok := store.clones[path]
	if !ok {
		return "", nil, Error.New("%q is not a working copy", path)
	}
	return alias, store.datasets[alias], nil
}

// Commit implements datasets.Store.
func (store *Store) Commit(ctx context.Context, path, message string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	alias, ds, err := store.lookup(path)
	if err != nil {
		return err
	}
	if store.CommitHook != nil {
		if err := store.CommitHook(alias, message); err != nil {
			return err
		}
	}

	files, err := scan(path)
	if err != nil {
		return err
	}
	if sameFiles(ds.latest().files, files) {
		return nil
	}
	ds.versions = append(ds.versions, version{
		id:      fmt.Sprintf("%s-v%d", alias, len(ds.versions)),
		time:    store.tick(),
		message: message,
		files:   files,
	})
	return nil
}

func scan(root string) (map[string]entry, error) {
	files := map[string]entry{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", ".datalad":
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			files[rel] = entry{target: target}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = entry{data: data}
		return nil
	})
	return files, Error.Wrap(err)
}

func sameFiles(a, b map[string]entry) bool {
	if len(a) != len(b) {
		return false
	}
	for path, x := range a {
		y, ok := b[path]
		if !ok || x.target != y.target || !bytes.Equal(x.data, y.data) {
			return false
		}
	}
	return true
}

// CurrentVersion implements datasets.Store.
func (store *Store) CurrentVersion(ctx context.Context, path string) (datasets.Version, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, ds, err := store.lookup(path)
	if err != nil {
		return datasets.Version{}, err
	}
	latest := ds.latest()
	return datasets.Version{ID: latest.id, Time: latest.time}, nil
}

// Diff implements datasets.Store.
func (store *Store) Diff(ctx context.Context, path, from, to string) ([]datasets.Change, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, ds, err := store.lookup(path)
	if err != nil {
		return nil, err
	}
	a, ok := ds.find(from)
	if !ok {
		return nil, Error.New("unknown version %q", from)
	}
	b, ok := ds.find(to)
	if !ok {
		return nil, Error.New("unknown version %q", to)
	}

	var changes []datasets.Change
	for relpath, y := range b.files {
		x, existed := a.files[relpath]
		switch {
		case !existed:
			changes = append(changes, datasets.Change{Path: relpath, Kind: datasets.Added, Type: entryType(y)})
		case x.symlink() != y.symlink():
			changes = append(changes, datasets.Change{Path: relpath, Kind: datasets.TypeChanged, Type: entryType(y)})
		case x.target != y.target || !bytes.Equal(x.data, y.data):
			changes = append(changes, datasets.Change{Path: relpath, Kind: datasets.Modified, Type: entryType(y)})
		}
	}
	for relpath, x := range a.files {
		if _, ok := b.files[relpath]; !ok {
			changes = append(changes, datasets.Change{Path: relpath, Kind: datasets.Deleted, Type: entryType(x)})
		}
	}
	sort.Slice(changes, func(i, k int) bool { return changes[i].Path < changes[k].Path })
	return changes, nil
}

func entryType(e entry) datasets.EntryType {
	if e.symlink() {
		return datasets.Symlink
	}
	return datasets.File
}

func (ds *dataset) find(id string) (version, bool) {
	for _, v := range ds.versions {
		if v.id == id {
			return v, true
		}
	}
	return version{}, false
}

// FetchPath implements datasets.Store.
func (store *Store) FetchPath(ctx context.Context, path, relpath string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	alias, _, err := store.lookup(path)
	if err != nil {
		return err
	}
	store.Fetched = append(store.Fetched, alias+"/"+relpath)
	return nil
}

// FetchAll implements datasets.Store.
func (store *Store) FetchAll(ctx context.Context, path string) error {
	return store.FetchPath(ctx, path, ".")
}

// Remove implements datasets.Store.
func (store *Store) Remove(ctx context.Context, path, relpath, message string) error {
	if err := os.RemoveAll(filepath.Join(path, filepath.FromSlash(relpath))); err != nil {
		return Error.Wrap(err)
	}
	return store.Commit(ctx, path, message)
}

// Release implements datasets.Store.
func (store *Store) Release(ctx context.Context, path string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.clones, path)
	return nil
}

// Versions returns the version ids of a dataset, oldest first.
func (store *Store) Versions(alias string) []string {
	store.mu.Lock()
	defer store.mu.Unlock()

	ds, ok := store.datasets[alias]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(ds.versions))
	for _, v := range ds.versions {
		ids = append(ids, v.id)
	}
	return ids
}

// Messages returns the commit messages of a dataset, oldest first.
func (store *Store) Messages(alias string) []string {
	store.mu.Lock()
	defer store.mu.Unlock()

	ds, ok := store.datasets[alias]
	if !ok {
		return nil
	}
	messages := make([]string, 0, len(ds.versions))
	for _, v := range ds.versions {
		messages = append(messages, v.message)
	}
	return messages
}

// Files returns the content of the latest version of a dataset.
func (store *Store) Files(alias string) map[string]string {
	store.mu.Lock()
	defer store.mu.Unlock()

	ds, ok := store.datasets[alias]
	if !ok {
		return nil
	}
	files := map[string]string{}
	for relpath, e := range ds.latest().files {
		if e.symlink() {
			files[relpath] = "-> " + e.target
		} else {
			files[relpath] = string(e.data)
		}
	}
	return files
}

// Exists returns whether the dataset was created.
func (store *Store) Exists(alias string) bool {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, ok := store.datasets[alias]
	return ok
}
