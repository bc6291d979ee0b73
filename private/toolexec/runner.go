// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package toolexec runs external command line tools, optionally inside an
// apptainer image, and captures their output.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sys/execabs"
)

var (
	mon = monkit.Package()

	// Error is the error class for failures to run a tool.
	Error = errs.Class("toolexec")
)

// waitDelay bounds how long Run waits for the output pipes after the tool
// was killed.
const waitDelay = 2 * time.Second

// Image configures the container image a tool runs in.
type Image struct {
	Path  string `help:"apptainer image to run the tool in, empty to run the tool directly" default:""`
	Binds string `help:"comma separated bind mounts passed to apptainer" default:""`
}

// Wrap returns the executable and arguments that run name inside the image.
func (image Image) Wrap(name string, args []string) (string, []string) {
	if image.Path == "" {
		return name, args
	}

	wrapped := []string{"exec"}
	for _, bind := range strings.Split(image.Binds, ",") {
		if bind = strings.TrimSpace(bind); bind != "" {
			wrapped = append(wrapped, "-B", bind)
		}
	}
	wrapped = append(wrapped, image.Path, name)
	return "apptainer", append(wrapped, args...)
}

// Command describes one invocation of a tool.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string

	// MergeOutput sends stderr to the same buffer as stdout.
	MergeOutput bool
}

// String returns the command line.
func (cmd Command) String() string {
	return strings.Join(append([]string{cmd.Name}, cmd.Args...), " ")
}

// Result is the captured output of a finished tool.
type Result struct {
	Stdout string
	Stderr string
}

// Combined returns stdout followed by stderr.
func (result Result) Combined() string { return result.Stdout + result.Stderr }

// ExitError is returned when the tool exits with a non-zero status.
type ExitError struct {
	Command string
	Code    int
	Result
}

// Error implements error.
func (err *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", err.Command, err.Code)
}

// Executor runs commands.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Runner is an Executor backed by subprocesses.
type Runner struct {
	log   *zap.Logger
	image Image
}

var _ Executor = (*Runner)(nil)

// NewRunner creates a runner which runs tools inside image.
func NewRunner(log *zap.Logger, image Image) *Runner {
	return &Runner{log: log, image: image}
}

// Run runs the command until it exits or ctx is done, in which case the
// process and every process it started are killed. A non-zero exit status is returned as an *ExitError.
func (runner *Runner) Run(ctx context.Context, cmd Command) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	executable, args := runner.image.Wrap(cmd.Name, cmd.Args)
	log := runner.log.With(zap.String("tool", cmd.Name))

	var stdout, stderr bytes.Buffer
	writer := &zapWriter{log: log.Named("stderr")}

	process := execabs.CommandContext(ctx, executable, args...)
	process.Dir = cmd.Dir
	process.WaitDelay = waitDelay
	killGroupOnCancel(process)
	if len(cmd.Env) > 0 {
		process.Env = append(process.Environ(), cmd.Env...)
	}
	if cmd.MergeOutput {
		// identical writers share a single pipe
		merged := io.MultiWriter(&stdout, writer)
		process.Stdout = merged
		process.Stderr = merged
	} else {
		process.Stdout = &stdout
		process.Stderr = io.MultiWriter(&stderr, writer)
	}

	log.Debug("starting tool", zap.Stringer("command", cmd))
	if err := process.Start(); err != nil {
		log.Error("failed to start tool", zap.Error(err))
		return Result{}, Error.Wrap(err)
	}

	err = process.Wait()
	writer.flush()

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Info("tool killed", zap.Error(err))
			return result, Error.Wrap(ctxErr)
		}

		var exitErr *execabs.ExitError
		if errors.As(err, &exitErr) {
			log.Info("tool exited with status", zap.Int("status", exitErr.ExitCode()))
			return result, Error.Wrap(&ExitError{
				Command: cmd.Name,
				Code:    exitErr.ExitCode(),
				Result:  result,
			})
		}
		log.Error("tool exited with error", zap.Error(err))
		return result, Error.Wrap(err)
	}

	log.Debug("tool finished successfully")
	return result, nil
}

// zapWriter logs every complete line written to it.
type zapWriter struct {
	log     *zap.Logger
	partial []byte
}

// Write implements io.Writer.
func (w *zapWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *zapWriter) flush() {
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

func (w *zapWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.log.Debug(string(line))
}
