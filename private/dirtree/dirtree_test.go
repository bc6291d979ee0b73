// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package dirtree_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/autobids/private/dirtree"
	"storj.io/common/testcontext"
)

func TestGenAndRender(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	root := ctx.Dir("dataset")
	for _, path := range []string{
		"dataset_description.json",
		"participants.tsv",
		"sub-001/anat/sub-001_T1w.nii.gz",
		"sub-001/anat/sub-001_T1w.json",
		"sub-002/func/sub-002_bold.nii.gz",
		".git/HEAD",
		".datalad/config",
	} {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(path), 0o644))
	}
	require.NoError(t, os.Symlink("participants.tsv", filepath.Join(root, "link.tsv")))

	tree, err := dirtree.Gen(root, dirtree.DatasetIgnore...)
	require.NoError(t, err)
	require.False(t, tree.Empty())
	require.Equal(t, []string{"dataset_description.json", "link.tsv", "participants.tsv"}, tree.Files)
	require.Len(t, tree.Dirs, 2)

	expected := strings.Join([]string{
		"├── dataset_description.json",
		"├── link.tsv",
		"├── participants.tsv",
		"├── sub-001",
		"│   └── anat",
		"│       ├── sub-001_T1w.json",
		"│       └── sub-001_T1w.nii.gz",
		"└── sub-002",
		"    └── func",
		"        └── sub-002_bold.nii.gz",
	}, "\n")
	require.Equal(t, expected, strings.Join(dirtree.Render(tree), "\n"))
}

func TestEmpty(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	root := ctx.Dir("empty")
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))

	tree, err := dirtree.Gen(root, dirtree.DatasetIgnore...)
	require.NoError(t, err)
	require.True(t, tree.Empty())
	require.Empty(t, dirtree.Render(tree))

	_, err = dirtree.Gen(filepath.Join(root, "missing"))
	require.Error(t, err)
}
