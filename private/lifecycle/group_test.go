// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"storj.io/common/testcontext"
)

func TestGroupClosesInReverseOrder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	var closed []string
	group := NewGroup(zaptest.NewLogger(t))
	for _, name := range []string{"a", "b", "c"} {
		name := name
		group.Add(Item{
			Name:  name,
			Run:   func(ctx context.Context) error { return nil },
			Close: func() error { closed = append(closed, name); return nil },
		})
	}

	var g errgroup.Group
	group.Run(ctx, &g)
	require.NoError(t, g.Wait())

	require.NoError(t, group.Close())
	require.Equal(t, []string{"c", "b", "a"}, closed)
}

func TestGroupRunError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	failure := errors.New("failure")

	group := NewGroup(zaptest.NewLogger(t))
	group.Add(Item{Name: "failing", Run: func(ctx context.Context) error { return failure }})
	group.Add(Item{Name: "closeonly", Close: func() error { return nil }})

	g, gctx := errgroup.WithContext(ctx)
	group.Run(gctx, g)
	require.ErrorIs(t, g.Wait(), failure)
}

func TestCondenseStack(t *testing.T) {
	dump := []byte("goroutine 1 [running]:\n" +
		"main.work(0x1)\n" +
		"\t/src/main.go:10 +0x1d\n" +
		"created by main.main in goroutine 1\n" +
		"\t/src/main.go:3 +0x2\n" +
		"\n" +
		"goroutine 7 [select]:\n" +
		"other.loop()\n" +
		"\t/src/other.go:5 +0x3\n")

	require.Equal(t, "goroutine 1\n\tmain.work\n", string(condenseStack(dump, []byte("main.work"))))
	require.Equal(t, "goroutine 1\n\tmain.work\ngoroutine 7\n\tother.loop\n", string(condenseStack(dump, nil)))
}
