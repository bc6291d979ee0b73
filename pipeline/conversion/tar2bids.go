// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package conversion

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/private/toolexec"
)

// ErrToolFailure is returned when tar2bids fails. The message holds the
// output of the tool.
var ErrToolFailure = errs.Class("tool failure")

// ToolConfig configures tar2bids.
type ToolConfig struct {
	Executable string `help:"path of tar2bids inside its image" default:"/opt/tar2bids/tar2bids" devDefault:"tar2bids"`
	TempDir    string `help:"directory for tar2bids working files" default:""`

	Image toolexec.Image
}

// Request describes one tar2bids run.
type Request struct {
	TarFiles  []string
	OutDir    string
	Heuristic string
	// SubjExpr is the pattern extracting the subject from the PatientName.
	SubjExpr string
	WorkDir  string
	// Bidsignore is the content of the .bidsignore file, empty for none.
	Bidsignore string
	Deface     bool
}

// Tar2bids converts tar files into a BIDS dataset.
type Tar2bids struct {
	log    *zap.Logger
	exec   toolexec.Executor
	config ToolConfig
}

// NewTar2bids creates a tar2bids driver.
func NewTar2bids(log *zap.Logger, exec toolexec.Executor, config ToolConfig) *Tar2bids {
	return &Tar2bids{log: log, exec: exec, config: config}
}

// Args returns the command line arguments. bidsignore is the path of the
// bidsignore file or empty.
func (tool *Tar2bids) Args(req Request, bidsignore string) []string {
	var args []string
	if req.SubjExpr != "" {
		args = append(args, "-P", req.SubjExpr)
	}
	args = append(args, "-o", req.OutDir)
	if req.Heuristic != "" {
		args = append(args, "-h", req.Heuristic)
	}
	if req.WorkDir != "" {
		args = append(args, "-w", req.WorkDir)
	}
	if bidsignore != "" {
		args = append(args, "-b", bidsignore)
	}
	if req.Deface {
		args = append(args, "-D")
	}
	return append(args, req.TarFiles...)
}

// Convert runs tar2bids and returns its combined output.
func (tool *Tar2bids) Convert(ctx context.Context, req Request) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	var bidsignore string
	if req.Bidsignore != "" {
		file, err := os.CreateTemp(tool.config.TempDir, "bidsignore-")
		if err != nil {
			return "", Error.Wrap(err)
		}
		bidsignore = file.Name()
		defer func() { err = errs.Combine(err, Error.Wrap(os.Remove(bidsignore))) }()

		_, err = file.WriteString(req.Bidsignore)
		if err = errs.Combine(err, file.Close()); err != nil {
			return "", Error.Wrap(err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(req.OutDir), 0o755); err != nil {
		return "", Error.Wrap(err)
	}

	result, err := tool.exec.Run(ctx, toolexec.Command{
		Name:        tool.config.Executable,
		Args:        tool.Args(req, bidsignore),
		MergeOutput: true,
	})
	if err != nil {
		var exitErr *toolexec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Stdout, ErrToolFailure.New("tar2bids failed:\n%s", exitErr.Stdout)
		}
		return result.Stdout, err
	}
	return result.Stdout, nil
}
