// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package heuristics keeps the local clone of the conversion heuristics
// repository up to date.
package heuristics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/autobids/private/toolexec"
)

var (
	mon = monkit.Package()

	// Error is the default heuristics error class.
	Error = errs.Class("heuristics")
)

// Config configures the heuristics repository.
type Config struct {
	GitURL   string `help:"url of the heuristics git repository" default:"https://github.com/khanlab/heuristics.git"`
	RepoPath string `help:"local clone of the heuristics repository" default:"/var/lib/autobids/heuristics" devDefault:"/tmp/autobids/heuristics"`
	Dir      string `help:"directory of the heuristic files inside the repository" default:"heuristics"`
}

// Repository manages the heuristics clone.
//
// architecture: Service
type Repository struct {
	log    *zap.Logger
	config Config
	exec   toolexec.Executor
}

// NewRepository creates a new heuristics repository.
func NewRepository(log *zap.Logger, config Config, exec toolexec.Executor) *Repository {
	return &Repository{log: log, config: config, exec: exec}
}

// Dir returns the directory holding the heuristic files.
func (repo *Repository) Dir() string {
	return filepath.Join(repo.config.RepoPath, repo.config.Dir)
}

// Update clones the repository when there is no valid clone, then pulls.
func (repo *Repository) Update(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.exec.Run(ctx, toolexec.Command{Name: "git", Args: []string{"-C", repo.config.RepoPath, "status"}})
	if err != nil {
		var exitErr *toolexec.ExitError
		if !errors.As(err, &exitErr) {
			return Error.Wrap(err)
		}
		repo.log.Info("no heuristics clone present, cloning", zap.String("url", repo.config.GitURL))
		if err := repo.git(ctx, "clone", repo.config.GitURL, repo.config.RepoPath); err != nil {
			return err
		}
	}

	repo.log.Info("pulling heuristics")
	return repo.git(ctx, "-C", repo.config.RepoPath, "pull")
}

func (repo *Repository) git(ctx context.Context, args ...string) error {
	_, err := repo.exec.Run(ctx, toolexec.Command{Name: "git", Args: args, MergeOutput: true})
	if err != nil {
		var exitErr *toolexec.ExitError
		if errors.As(err, &exitErr) {
			return Error.New("git %s: %s", args[len(args)-1], strings.TrimSpace(exitErr.Stdout))
		}
		return Error.Wrap(err)
	}
	return nil
}

// Available lists the heuristic files of the clone.
func (repo *Repository) Available() ([]string, error) {
	entries, err := os.ReadDir(repo.Dir())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), ".py") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Run is the handler of heuristics update tasks.
func (repo *Repository) Run(ctx context.Context, task *tasks.Handle, _ stages.UpdateHeuristics) error {
	return repo.Update(ctx)
}
