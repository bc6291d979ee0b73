// Copyright (C) 2018 Storj Labs, Inc.
// See LICENSE for copying information.

// Package boltqueue implements the job queue in an embedded bolt database.
package boltqueue

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/zeebo/errs"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"storj.io/autobids/pipeline/queue"
)

// Error is the default boltqueue error class.
var Error = errs.Class("boltqueue")

var (
	defaultTimeout = 1 * time.Second
	bucketName     = []byte("jobs")
)

const (
	// fileMode sets permissions so owner can read and write
	fileMode = 0600
)

// Queue is a queue.Queue stored in a bolt database file.
type Queue struct {
	log  *zap.Logger
	db   *bbolt.DB
	Path string
}

var _ queue.Queue = (*Queue)(nil)

// New opens the queue stored at path.
func New(log *zap.Logger, path string) (*Queue, error) {
	db, err := bbolt.Open(path, fileMode, &bbolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, errs.Combine(Error.Wrap(err), db.Close())
	}

	return &Queue{log: log, db: db, Path: path}, nil
}

// Close closes the bolt database.
func (q *Queue) Close() error {
	return Error.Wrap(q.db.Close())
}

// Enqueue implements queue.Queue. Keys are big endian sequence numbers so
// that the cursor order is the insertion order.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	data, err := job.Marshal()
	if err != nil {
		return err
	}
	return Error.Wrap(q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bucket.Put(key[:], data)
	}))
}

// Dequeue implements queue.Queue.
func (q *Queue) Dequeue(ctx context.Context) (job queue.Job, err error) {
	var data []byte
	err = q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		key, value := bucket.Cursor().First()
		if key == nil {
			return queue.ErrEmptyQueue.New("")
		}
		data = append([]byte(nil), value...)
		return bucket.Delete(key)
	})
	if err != nil {
		if queue.ErrEmptyQueue.Has(err) {
			return queue.Job{}, err
		}
		return queue.Job{}, Error.Wrap(err)
	}
	return queue.Unmarshal(data)
}

// Peekqueue implements queue.Queue.
func (q *Queue) Peekqueue(ctx context.Context, limit int) (jobs []queue.Job, err error) {
	if limit <= 0 || limit > queue.LookupLimit {
		limit = queue.LookupLimit
	}
	err = q.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketName).Cursor()
		for key, value := cursor.First(); key != nil && len(jobs) < limit; key, value = cursor.Next() {
			job, err := queue.Unmarshal(value)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, Error.Wrap(err)
}
