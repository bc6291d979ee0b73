// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package queuetest contains the common tests for queue implementations.
package queuetest

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"storj.io/autobids/pipeline/queue"
	"storj.io/autobids/pipeline/tasks"
	"storj.io/common/testcontext"
	"storj.io/common/testrand"
)

// RunTests runs the common queue tests against an empty queue.
func RunTests(t *testing.T, q queue.Queue) {
	t.Run("Order", func(t *testing.T) { testOrder(t, q) })
	t.Run("Parallel", func(t *testing.T) { testParallel(t, q) })
}

func newJob(stage tasks.Stage) queue.Job {
	return queue.Job{
		TaskID: testrand.UUID(),
		Stage:  stage,
		Args:   json.RawMessage(`{"study_id":1}`),
	}
}

func testOrder(t *testing.T, q queue.Queue) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, err := q.Dequeue(ctx)
	require.True(t, queue.ErrEmptyQueue.Has(err), err)

	jobs := []queue.Job{
		newJob(tasks.StageAcquisition),
		newJob(tasks.StageConversion),
		newJob(tasks.StageArchival),
	}
	for _, job := range jobs {
		require.NoError(t, q.Enqueue(ctx, job))
	}

	peeked, err := q.Peekqueue(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, jobs[:2], peeked)

	for _, expected := range jobs {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, expected.TaskID, job.TaskID)
		require.Equal(t, expected.Stage, job.Stage)
		require.JSONEq(t, string(expected.Args), string(job.Args))
	}

	_, err = q.Dequeue(ctx)
	require.True(t, queue.ErrEmptyQueue.Has(err), err)
}

func testParallel(t *testing.T, q queue.Queue) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	const count = 50
	for i := 0; i < count; i++ {
		require.NoError(t, q.Enqueue(ctx, newJob(tasks.StageConversion)))
	}

	var mu sync.Mutex
	var group errgroup.Group
	seen := map[string]int{}
	for w := 0; w < 5; w++ {
		group.Go(func() error {
			for {
				job, err := q.Dequeue(ctx)
				if queue.ErrEmptyQueue.Has(err) {
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				seen[job.TaskID.String()]++
				mu.Unlock()
			}
		})
	}
	require.NoError(t, group.Wait())

	require.Len(t, seen, count)
	for id, n := range seen {
		require.Equal(t, 1, n, id)
	}
}
