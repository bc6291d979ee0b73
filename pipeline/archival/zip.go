// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package archival

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/errs"
)

// isEmpty returns true when root holds nothing but dataset metadata.
func isEmpty(root string) (bool, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false, Error.Wrap(err)
	}
	for _, entry := range entries {
		if !metadata(entry.Name()) {
			return false, nil
		}
	}
	return true, nil
}

func metadata(name string) bool {
	switch name {
	case ".git", ".datalad", ".dataladattributes", ".gitattributes":
		return true
	}
	return false
}

// listFiles returns the slash separated paths of every file and symlink
// below root, excluding dataset metadata.
func listFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == ".datalad" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(paths)
	return paths, Error.Wrap(err)
}

// WriteZip packages paths relative to root into a zip file at dst.
// Symlinks resolving to a file inside root, such as annexed content, are
// stored with the content they point to; other symlinks are stored as
// links.
func WriteZip(dst, root string, paths []string) (err error) {
	file, err := os.Create(dst)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(file.Close())) }()

	archive := zip.NewWriter(file)
	for _, path := range paths {
		if err := addEntry(archive, root, path); err != nil {
			return errs.Combine(Error.Wrap(err), archive.Close())
		}
	}
	return Error.Wrap(archive.Close())
}

func addEntry(archive *zip.Writer, root, rel string) error {
	path := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		if target, ok := contained(root, path); ok {
			path = target
			if info, err = os.Stat(target); err != nil {
				return err
			}
		} else {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			header, err := zip.FileInfoHeader(info)
			if err != nil {
				return err
			}
			header.Name = rel
			w, err := archive.CreateHeader(header)
			if err != nil {
				return err
			}
			_, err = io.WriteString(w, link)
			return err
		}
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = rel
	header.Method = zip.Deflate

	w, err := archive.CreateHeader(header)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return errs.Combine(err, src.Close())
}

// contained resolves the symlink at path and reports whether it points to
// a regular file inside root.
func contained(root, path string) (string, bool) {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(resolvedRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return target, true
}
