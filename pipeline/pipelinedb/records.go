// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package pipelinedb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"storj.io/autobids/pipeline/studies"
	"storj.io/autobids/private/dbutil/txutil"
	"storj.io/autobids/private/tagsql"
)

// ensures that recordsDB implements studies.RecordsDB.
var _ studies.RecordsDB = (*recordsDB)(nil)

// recordsDB is an implementation of studies.RecordsDB.
//
// architecture: Database
type recordsDB struct {
	db tagsql.DB
}

const acquisitionColumns = `id, study_id, tar_file, uid, date, attached_file, created_at`

func scanAcquisition(row scanner) (record studies.AcquisitionRecord, err error) {
	err = row.Scan(&record.ID, &record.StudyID, &record.TarFile, &record.UID,
		&record.Date, &record.AttachedFile, &record.CreatedAt)
	record.Date = record.Date.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	return record, err
}

func (db *recordsDB) queryAcquisitions(ctx context.Context, query string, args ...interface{}) (_ []studies.AcquisitionRecord, err error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, studies.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var records []studies.AcquisitionRecord
	for rows.Next() {
		record, err := scanAcquisition(rows)
		if err != nil {
			return nil, studies.Error.Wrap(err)
		}
		records = append(records, record)
	}
	return records, studies.Error.Wrap(rows.Err())
}

// InsertAcquisition stores a new acquisition record.
func (db *recordsDB) InsertAcquisition(ctx context.Context, record studies.AcquisitionRecord) (_ studies.AcquisitionRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.Date = record.Date.UTC()

	err = db.db.QueryRowContext(ctx, `
		INSERT INTO acquisitions (study_id, tar_file, uid, date, attached_file, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`, record.StudyID, record.TarFile, record.UID, record.Date, record.AttachedFile, record.CreatedAt).Scan(&record.ID)
	if err != nil {
		if isConstraintError(err) {
			return studies.AcquisitionRecord{}, studies.ErrDuplicateRecord.New("study %d uid %s", record.StudyID, record.UID)
		}
		return studies.AcquisitionRecord{}, studies.Error.Wrap(err)
	}
	return record, nil
}

// GetAcquisition returns an acquisition record.
func (db *recordsDB) GetAcquisition(ctx context.Context, id int64) (_ studies.AcquisitionRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := scanAcquisition(db.db.QueryRowContext(ctx, `SELECT `+acquisitionColumns+` FROM acquisitions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return studies.AcquisitionRecord{}, studies.ErrNotFound.New("acquisition %d", id)
	}
	return record, studies.Error.Wrap(err)
}

// Acquisitions returns all acquisitions of the study ordered by id.
func (db *recordsDB) Acquisitions(ctx context.Context, studyID int64) (_ []studies.AcquisitionRecord, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.queryAcquisitions(ctx, `SELECT `+acquisitionColumns+` FROM acquisitions WHERE study_id = ? ORDER BY id`, studyID)
}

// Unconverted returns acquisitions not part of any conversion record.
func (db *recordsDB) Unconverted(ctx context.Context, studyID int64) (_ []studies.AcquisitionRecord, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.queryAcquisitions(ctx, `
		SELECT `+acquisitionColumns+` FROM acquisitions a
		WHERE a.study_id = ? AND NOT EXISTS (
			SELECT 1 FROM conversion_members m WHERE m.acquisition_id = a.id
		)
		ORDER BY a.id
	`, studyID)
}

// DeleteAcquisition removes an acquisition which was not converted.
func (db *recordsDB) DeleteAcquisition(ctx context.Context, id int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	return txutil.WithTx(ctx, db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		var converted int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversion_members WHERE acquisition_id = ?`, id).Scan(&converted)
		if err != nil {
			return studies.Error.Wrap(err)
		}
		if converted > 0 {
			return studies.Error.New("acquisition %d is part of a conversion", id)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM acquisitions WHERE id = ?`, id)
		if err != nil {
			return studies.Error.Wrap(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return studies.Error.Wrap(err)
		}
		if affected == 0 {
			return studies.ErrNotFound.New("acquisition %d", id)
		}
		return nil
	})
}

// InsertConversion stores a conversion record with its acquisitions.
func (db *recordsDB) InsertConversion(ctx context.Context, record studies.ConversionRecord) (_ studies.ConversionRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(record.AcquisitionIDs) == 0 {
		return studies.ConversionRecord{}, studies.Error.New("conversion without acquisitions")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.CreatedAt = record.CreatedAt.UTC()

	err = txutil.WithTx(ctx, db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO conversions (study_id, heuristic, created_at)
			VALUES (?, ?, ?)
			RETURNING id
		`, record.StudyID, record.Heuristic, record.CreatedAt).Scan(&record.ID)
		if err != nil {
			return err
		}
		for _, acquisitionID := range record.AcquisitionIDs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO conversion_members (conversion_id, acquisition_id) VALUES (?, ?)
			`, record.ID, acquisitionID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return studies.ConversionRecord{}, studies.Error.Wrap(err)
	}
	return record, nil
}

// Conversions returns all conversions of the study ordered by id.
func (db *recordsDB) Conversions(ctx context.Context, studyID int64) (_ []studies.ConversionRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT c.id, c.study_id, c.heuristic, c.created_at, m.acquisition_id
		FROM conversions c
		JOIN conversion_members m ON m.conversion_id = c.id
		WHERE c.study_id = ?
		ORDER BY c.id, m.acquisition_id
	`, studyID)
	if err != nil {
		return nil, studies.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var records []studies.ConversionRecord
	for rows.Next() {
		var record studies.ConversionRecord
		var acquisitionID int64
		err := rows.Scan(&record.ID, &record.StudyID, &record.Heuristic, &record.CreatedAt, &acquisitionID)
		if err != nil {
			return nil, studies.Error.Wrap(err)
		}
		if n := len(records); n > 0 && records[n-1].ID == record.ID {
			records[n-1].AcquisitionIDs = append(records[n-1].AcquisitionIDs, acquisitionID)
			continue
		}
		record.CreatedAt = record.CreatedAt.UTC()
		record.AcquisitionIDs = []int64{acquisitionID}
		records = append(records, record)
	}
	return records, studies.Error.Wrap(rows.Err())
}
