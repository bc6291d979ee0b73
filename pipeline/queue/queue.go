// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package queue defines the shared job queue the workers pull from.
package queue

import (
	"context"
	"encoding/json"

	"github.com/zeebo/errs"

	"storj.io/autobids/pipeline/tasks"
	"storj.io/common/uuid"
)

var (
	// Error is the default queue error class.
	Error = errs.Class("queue")
	// ErrEmptyQueue is returned when dequeueing from an empty queue.
	ErrEmptyQueue = errs.Class("empty queue")
)

// LookupLimit is the maximum number of jobs returned by Peekqueue.
const LookupLimit = 1000

// Job is a task waiting for a worker.
type Job struct {
	TaskID uuid.UUID       `json:"task_id"`
	Stage  tasks.Stage     `json:"stage"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Marshal encodes the job for storage.
func (job Job) Marshal() ([]byte, error) {
	data, err := json.Marshal(job)
	return data, Error.Wrap(err)
}

// Unmarshal decodes a stored job.
func Unmarshal(data []byte) (Job, error) {
	var job Job
	err := json.Unmarshal(data, &job)
	return job, Error.Wrap(err)
}

// Queue is a FIFO of jobs. A dequeued job is handed to exactly one caller.
type Queue interface {
	// Enqueue adds a job at the end of the queue.
	Enqueue(ctx context.Context, job Job) error
	// Dequeue removes the oldest job, or returns ErrEmptyQueue.
	Dequeue(ctx context.Context) (Job, error)
	// Peekqueue returns up to limit jobs without removing them, oldest first.
	Peekqueue(ctx context.Context, limit int) ([]Job, error)
	// Close releases the resources of the queue.
	Close() error
}
