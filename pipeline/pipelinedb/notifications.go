// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package pipelinedb

import (
	"context"

	"github.com/zeebo/errs"

	"storj.io/autobids/pipeline/tasks"
	"storj.io/autobids/private/dbutil/txutil"
	"storj.io/autobids/private/tagsql"
)

// ensures that notificationsDB implements tasks.NotificationsDB.
var _ tasks.NotificationsDB = (*notificationsDB)(nil)

// ErrNotificationsDB represents errors from the notifications database.
var ErrNotificationsDB = errs.Class("notificationsDB")

// notificationsDB is an implementation of tasks.NotificationsDB.
//
// architecture: Database
type notificationsDB struct {
	db tagsql.DB
}

// Replace stores the notification, removing the previous one of the same kind.
func (db *notificationsDB) Replace(ctx context.Context, notification tasks.Notification) (err error) {
	defer mon.Task()(&ctx)(&err)

	return ErrNotificationsDB.Wrap(txutil.WithTx(ctx, db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE user_id = ? AND kind = ?`,
			notification.UserID, notification.Kind)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO notifications (user_id, kind, payload, created_at)
			VALUES (?, ?, ?, ?)
		`, notification.UserID, notification.Kind, notification.Payload, notification.CreatedAt.UTC())
		return err
	}))
}

// List returns the notifications for the user.
func (db *notificationsDB) List(ctx context.Context, userID int64) (_ []tasks.Notification, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT user_id, kind, payload, created_at FROM notifications
		WHERE user_id = ?
		ORDER BY created_at, kind
	`, userID)
	if err != nil {
		return nil, ErrNotificationsDB.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var notifications []tasks.Notification
	for rows.Next() {
		var notification tasks.Notification
		err := rows.Scan(&notification.UserID, &notification.Kind, &notification.Payload, &notification.CreatedAt)
		if err != nil {
			return nil, ErrNotificationsDB.Wrap(err)
		}
		notification.CreatedAt = notification.CreatedAt.UTC()
		notifications = append(notifications, notification)
	}
	return notifications, ErrNotificationsDB.Wrap(rows.Err())
}
