// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package conversion

import (
	"bufio"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"
)

// participantsFile is merged row by row instead of being replaced.
const participantsFile = "participants.tsv"

// Merge copies the tree at src into dst. Existing files are replaced,
// except the top level participants.tsv whose rows are united.
func Merge(src, dst string) error {
	return Error.Wrap(filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if entry.IsDir() && (entry.Name() == ".git" || entry.Name() == ".datalad") {
			return filepath.SkipDir
		}

		target := filepath.Join(dst, rel)
		switch {
		case entry.IsDir():
			return os.MkdirAll(target, 0o755)
		case entry.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := replaceable(target); err != nil {
				return err
			}
			return os.Symlink(link, target)
		case rel == participantsFile:
			return mergeParticipants(path, target)
		default:
			if err := replaceable(target); err != nil {
				return err
			}
			return copyFile(path, target)
		}
	}))
}

// replaceable removes the entry at path, if any.
func replaceable(path string) error {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Remove(path)
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, in.Close()) }()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	return errs.Combine(err, out.Close())
}

// mergeParticipants adds the rows of src whose participant is not in dst.
func mergeParticipants(src, dst string) error {
	incoming, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	existing, err := os.ReadFile(dst)
	if os.IsNotExist(err) {
		return os.WriteFile(dst, incoming, 0o644)
	}
	if err != nil {
		return err
	}

	header, rows := splitRows(existing)
	if header == "" {
		return os.WriteFile(dst, incoming, 0o644)
	}
	seen := map[string]bool{}
	for _, row := range rows {
		seen[participant(row)] = true
	}

	_, added := splitRows(incoming)
	var buf bytes.Buffer
	buf.WriteString(header + "\n")
	for _, row := range rows {
		buf.WriteString(row + "\n")
	}
	for _, row := range added {
		if !seen[participant(row)] {
			seen[participant(row)] = true
			buf.WriteString(row + "\n")
		}
	}

	if err := replaceable(dst); err != nil {
		return err
	}
	return os.WriteFile(dst, buf.Bytes(), 0o644)
}

func splitRows(data []byte) (header string, rows []string) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if header == "" {
			header = line
			continue
		}
		rows = append(rows, line)
	}
	return header, rows
}

func participant(row string) string {
	id, _, _ := strings.Cut(row, "\t")
	return id
}
