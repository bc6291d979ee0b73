// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package redisqueue implements the job queue on a redis list.
package redisqueue

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/autobids/pipeline/queue"
)

var (
	// Error is a redis queue error.
	Error = errs.Class("redisqueue")

	mon = monkit.Package()
)

// DefaultKey is the redis list holding the jobs.
const DefaultKey = "autobids:jobs"

// Queue is a queue.Queue backed by a redis list.
type Queue struct {
	db  *redis.Client
	key string
}

var _ queue.Queue = (*Queue)(nil)

// Open connects to the redis server at address, a redis:// URL, and
// verifies the connection.
func Open(ctx context.Context, address, key string) (*Queue, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, Error.New("invalid redis url: %v", err)
	}
	if key == "" {
		key = DefaultKey
	}

	q := &Queue{db: redis.NewClient(opts), key: key}

	// ping here to verify we are able to connect to redis with the initialized client.
	if err := q.db.Ping(ctx).Err(); err != nil {
		return nil, errs.Combine(Error.New("ping failed: %v", err), q.db.Close())
	}
	return q, nil
}

// Close closes the redis client.
func (q *Queue) Close() error {
	return Error.Wrap(q.db.Close())
}

// Enqueue adds a FIFO element.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := job.Marshal()
	if err != nil {
		return err
	}
	if err := q.db.LPush(ctx, q.key, data).Err(); err != nil {
		return Error.New("enqueue error: %v", err)
	}
	return nil
}

// Dequeue removes a FIFO element.
func (q *Queue) Dequeue(ctx context.Context) (_ queue.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	out, err := q.db.RPop(ctx, q.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return queue.Job{}, queue.ErrEmptyQueue.New("")
		}
		return queue.Job{}, Error.New("dequeue error: %v", err)
	}
	return queue.Unmarshal(out)
}

// Peekqueue returns up to limit entries in the queue without removing them.
func (q *Queue) Peekqueue(ctx context.Context, limit int) (_ []queue.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 || limit > queue.LookupLimit {
		limit = queue.LookupLimit
	}
	// the oldest element is at the right end of the list
	items, err := q.db.LRange(ctx, q.key, -int64(limit), -1).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	jobs := make([]queue.Job, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		job, err := queue.Unmarshal([]byte(items[i]))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
