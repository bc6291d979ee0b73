// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package memqueue implements an in-process job queue.
package memqueue

import (
	"context"
	"sync"

	"storj.io/autobids/pipeline/queue"
)

// Queue is an in-memory queue.Queue.
type Queue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

var _ queue.Queue = (*Queue)(nil)

// New returns an empty queue.
func New() *Queue { return &Queue{} }

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

// Dequeue implements queue.Queue.
func (q *Queue) Dequeue(ctx context.Context) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return queue.Job{}, queue.ErrEmptyQueue.New("")
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

// Peekqueue implements queue.Queue.
func (q *Queue) Peekqueue(ctx context.Context, limit int) ([]queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > queue.LookupLimit {
		limit = queue.LookupLimit
	}
	if limit > len(q.jobs) {
		limit = len(q.jobs)
	}
	return append([]queue.Job(nil), q.jobs[:limit]...), nil
}

// Close implements queue.Queue.
func (q *Queue) Close() error { return nil }
