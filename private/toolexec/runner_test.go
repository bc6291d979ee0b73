// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package toolexec

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"storj.io/common/testcontext"
)

func TestZapWriter(t *testing.T) {
	observedZapCore, observedLogs := observer.New(zap.DebugLevel)
	w := &zapWriter{log: zap.New(observedZapCore)}

	_, err := io.WriteString(w, "first line\nsecond ")
	require.NoError(t, err)
	_, err = io.WriteString(w, "line\r\n\npartial")
	require.NoError(t, err)
	require.Equal(t, 2, observedLogs.Len())

	w.flush()
	logs := observedLogs.All()
	require.Len(t, logs, 3)
	require.Equal(t, "first line", logs[0].Message)
	require.Equal(t, "second line", logs[1].Message)
	require.Equal(t, "partial", logs[2].Message)
}

func TestImageWrap(t *testing.T) {
	name, args := Image{}.Wrap("cfmm2tar", []string{"-c", "creds"})
	require.Equal(t, "cfmm2tar", name)
	require.Equal(t, []string{"-c", "creds"}, args)

	name, args = Image{Path: "/images/cfmm2tar.sif", Binds: "/data, /scratch:/tmp"}.Wrap("cfmm2tar", []string{"out"})
	require.Equal(t, "apptainer", name)
	require.Equal(t, []string{"exec", "-B", "/data", "-B", "/scratch:/tmp", "/images/cfmm2tar.sif", "cfmm2tar", "out"}, args)
}

func TestRunnerCapturesOutput(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	runner := NewRunner(zaptest.NewLogger(t), Image{})

	result, err := runner.Run(ctx, Command{Name: "sh", Args: []string{"-c", "echo out; echo err 1>&2"}})
	require.NoError(t, err)
	require.Equal(t, "out\n", result.Stdout)
	require.Equal(t, "err\n", result.Stderr)

	result, err = runner.Run(ctx, Command{Name: "sh", Args: []string{"-c", "echo out; echo err 1>&2"}, MergeOutput: true})
	require.NoError(t, err)
	require.Contains(t, result.Stdout, "out\n")
	require.Contains(t, result.Stdout, "err\n")
	require.Empty(t, result.Stderr)
}

func TestRunnerExitError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	runner := NewRunner(zaptest.NewLogger(t), Image{})

	_, err := runner.Run(ctx, Command{Name: "sh", Args: []string{"-c", "echo Timeout.java 1>&2; exit 3"}})
	require.Error(t, err)
	require.True(t, Error.Has(err))

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 3, exitErr.Code)
	require.Contains(t, exitErr.Stderr, "Timeout.java")
}

func TestRunnerKilledOnDeadline(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	runner := NewRunner(zaptest.NewLogger(t), Image{})

	timeoutCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runner.Run(timeoutCtx, Command{Name: "sleep", Args: []string{"30"}})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunnerKillsProcessGroup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	runner := NewRunner(zaptest.NewLogger(t), Image{})

	timeoutCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	// the shell forks sleep, which inherits the output pipes
	start := time.Now()
	result, err := runner.Run(timeoutCtx, Command{Name: "sh", Args: []string{"-c", "sleep 4; echo done"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
	require.NotContains(t, result.Stdout, "done")
}
