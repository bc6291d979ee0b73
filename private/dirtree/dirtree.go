// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package dirtree captures a directory hierarchy and renders it like tree(1).
package dirtree

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/errs"
)

// Error is the dirtree error class.
var Error = errs.Class("dirtree")

// DatasetIgnore lists the entries that are never part of a dataset's content.
var DatasetIgnore = []string{".git", ".datalad"}

const (
	space  = "    "
	branch = "│   "
	tee    = "├── "
	last   = "└── "
)

// Tree is a directory listing. Files holds regular files and symlinks.
type Tree struct {
	Files []string        `json:"files"`
	Dirs  map[string]Tree `json:"dirs"`
}

// Empty returns true when the tree has no files and no directories.
func (tree Tree) Empty() bool {
	return len(tree.Files) == 0 && len(tree.Dirs) == 0
}

// Gen walks root and returns its tree, skipping entries named in ignore.
func Gen(root string, ignore ...string) (Tree, error) {
	skip := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		skip[name] = true
	}
	tree, err := gen(root, skip)
	return tree, Error.Wrap(err)
}

func gen(dir string, skip map[string]bool) (Tree, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Tree{}, err
	}

	tree := Tree{Files: []string{}, Dirs: map[string]Tree{}}
	for _, entry := range entries {
		if skip[entry.Name()] {
			continue
		}
		if entry.IsDir() {
			sub, err := gen(filepath.Join(dir, entry.Name()), skip)
			if err != nil {
				return Tree{}, err
			}
			tree.Dirs[entry.Name()] = sub
			continue
		}
		if entry.Type().IsRegular() || entry.Type()&os.ModeSymlink != 0 {
			tree.Files = append(tree.Files, entry.Name())
		}
	}
	sort.Strings(tree.Files)
	return tree, nil
}

// Render returns the lines of the tree, files before directories.
func Render(tree Tree) []string {
	return render(tree, "")
}

func render(tree Tree, prefix string) []string {
	dirs := make([]string, 0, len(tree.Dirs))
	for name := range tree.Dirs {
		dirs = append(dirs, name)
	}
	sort.Strings(dirs)

	total := len(tree.Files) + len(dirs)
	pointer := func(i int) string {
		if i == total-1 {
			return last
		}
		return tee
	}

	var lines []string
	for i, name := range tree.Files {
		lines = append(lines, prefix+pointer(i)+name)
	}
	for i, name := range dirs {
		p := pointer(len(tree.Files) + i)
		lines = append(lines, prefix+p+name)

		extension := space
		if p == tee {
			extension = branch
		}
		lines = append(lines, render(tree.Dirs[name], prefix+extension)...)
	}
	return lines
}
