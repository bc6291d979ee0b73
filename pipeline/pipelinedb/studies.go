// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package pipelinedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"storj.io/autobids/pipeline/studies"
	"storj.io/autobids/private/dbutil/txutil"
	"storj.io/autobids/private/dirtree"
	"storj.io/autobids/private/tagsql"
)

// ensures that studiesDB implements studies.DB.
var _ studies.DB = (*studiesDB)(nil)

// studiesDB is an implementation of studies.DB.
//
// architecture: Database
type studiesDB struct {
	db tagsql.DB
}

const studyColumns = `id, principal, project_name, submitter_email, active,
	retrospective_data, retrospective_start, retrospective_end,
	patient_str, patient_name_re, heuristic, subj_expr, deface, custom_bidsignore,
	content_tree, authorized_emails, created_at`

func scanStudy(row scanner) (study studies.Study, err error) {
	var contentTree, authorized string
	err = row.Scan(
		&study.ID, &study.Principal, &study.ProjectName, &study.SubmitterEmail, &study.Active,
		&study.RetrospectiveData, &study.RetrospectiveStart, &study.RetrospectiveEnd,
		&study.PatientStr, &study.PatientNameRE, &study.Heuristic, &study.SubjExpr, &study.Deface, &study.CustomBidsignore,
		&contentTree, &authorized, &study.CreatedAt,
	)
	if err != nil {
		return studies.Study{}, err
	}

	study.CreatedAt = study.CreatedAt.UTC()
	study.RetrospectiveStart = utcPtr(study.RetrospectiveStart)
	study.RetrospectiveEnd = utcPtr(study.RetrospectiveEnd)

	if contentTree != "" {
		var tree dirtree.Tree
		if err := json.Unmarshal([]byte(contentTree), &tree); err != nil {
			return studies.Study{}, err
		}
		study.ContentTree = &tree
	}
	if err := json.Unmarshal([]byte(authorized), &study.AuthorizedEmails); err != nil {
		return studies.Study{}, err
	}
	return study, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func encodeTree(tree *dirtree.Tree) (string, error) {
	if tree == nil {
		return "", nil
	}
	data, err := json.Marshal(tree)
	return string(data), err
}

func encodeEmails(emails []string) (string, error) {
	if emails == nil {
		emails = []string{}
	}
	data, err := json.Marshal(emails)
	return string(data), err
}

// Create stores a new study.
func (db *studiesDB) Create(ctx context.Context, study studies.Study) (_ studies.Study, err error) {
	defer mon.Task()(&ctx)(&err)

	contentTree, err := encodeTree(study.ContentTree)
	if err != nil {
		return studies.Study{}, studies.Error.Wrap(err)
	}
	authorized, err := encodeEmails(study.AuthorizedEmails)
	if err != nil {
		return studies.Study{}, studies.Error.Wrap(err)
	}
	if study.CreatedAt.IsZero() {
		study.CreatedAt = time.Now()
	}
	study.CreatedAt = study.CreatedAt.UTC()

	err = db.db.QueryRowContext(ctx, `
		INSERT INTO studies (
			principal, project_name, submitter_email, active,
			retrospective_data, retrospective_start, retrospective_end,
			patient_str, patient_name_re, heuristic, subj_expr, deface, custom_bidsignore,
			content_tree, authorized_emails, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, study.Principal, study.ProjectName, study.SubmitterEmail, study.Active,
		study.RetrospectiveData, utcPtr(study.RetrospectiveStart), utcPtr(study.RetrospectiveEnd),
		study.PatientStr, study.PatientNameRE, study.Heuristic, study.SubjExpr, study.Deface, study.CustomBidsignore,
		contentTree, authorized, study.CreatedAt,
	).Scan(&study.ID)
	if err != nil {
		return studies.Study{}, studies.Error.Wrap(err)
	}
	return study, nil
}

// Get returns the study.
func (db *studiesDB) Get(ctx context.Context, id int64) (_ studies.Study, err error) {
	defer mon.Task()(&ctx)(&err)

	study, err := scanStudy(db.db.QueryRowContext(ctx, `SELECT `+studyColumns+` FROM studies WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return studies.Study{}, studies.ErrNotFound.New("study %d", id)
	}
	return study, studies.Error.Wrap(err)
}

// List returns all studies ordered by id.
func (db *studiesDB) List(ctx context.Context) (_ []studies.Study, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `SELECT `+studyColumns+` FROM studies ORDER BY id`)
	if err != nil {
		return nil, studies.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var result []studies.Study
	for rows.Next() {
		study, err := scanStudy(rows)
		if err != nil {
			return nil, studies.Error.Wrap(err)
		}
		result = append(result, study)
	}
	return result, studies.Error.Wrap(rows.Err())
}

// UpdateConfig stores the configuration fields of the study.
func (db *studiesDB) UpdateConfig(ctx context.Context, study studies.Study) (err error) {
	defer mon.Task()(&ctx)(&err)

	authorized, err := encodeEmails(study.AuthorizedEmails)
	if err != nil {
		return studies.Error.Wrap(err)
	}

	result, err := db.db.ExecContext(ctx, `
		UPDATE studies SET
			principal = ?, project_name = ?, submitter_email = ?,
			retrospective_data = ?, retrospective_start = ?, retrospective_end = ?,
			patient_str = ?, patient_name_re = ?, heuristic = ?, subj_expr = ?,
			deface = ?, custom_bidsignore = ?, authorized_emails = ?
		WHERE id = ?
	`, study.Principal, study.ProjectName, study.SubmitterEmail,
		study.RetrospectiveData, utcPtr(study.RetrospectiveStart), utcPtr(study.RetrospectiveEnd),
		study.PatientStr, study.PatientNameRE, study.Heuristic, study.SubjExpr,
		study.Deface, study.CustomBidsignore, authorized,
		study.ID)
	return db.checkAffected(result, err, study.ID)
}

// SetActive activates or deactivates the study.
func (db *studiesDB) SetActive(ctx context.Context, id int64, active bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `UPDATE studies SET active = ? WHERE id = ?`, active, id)
	return db.checkAffected(result, err, id)
}

// SetContentTree replaces the cached content tree.
func (db *studiesDB) SetContentTree(ctx context.Context, id int64, tree dirtree.Tree) (err error) {
	defer mon.Task()(&ctx)(&err)

	encoded, err := encodeTree(&tree)
	if err != nil {
		return studies.Error.Wrap(err)
	}
	result, err := db.db.ExecContext(ctx, `UPDATE studies SET content_tree = ? WHERE id = ?`, encoded, id)
	return db.checkAffected(result, err, id)
}

func (db *studiesDB) checkAffected(result sql.Result, err error, id int64) error {
	if err != nil {
		return studies.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return studies.Error.Wrap(err)
	}
	if affected == 0 {
		return studies.ErrNotFound.New("study %d", id)
	}
	return nil
}

// SetOverride creates or replaces the override for the uid.
func (db *studiesDB) SetOverride(ctx context.Context, override studies.Override) (err error) {
	defer mon.Task()(&ctx)(&err)

	return studies.Error.Wrap(txutil.WithTx(ctx, db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM study_overrides WHERE study_id = ? AND study_instance_uid = ?`,
			override.StudyID, override.StudyInstanceUID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO study_overrides (study_id, study_instance_uid, patient_name, dicom_study_id, included)
			VALUES (?, ?, ?, ?, ?)
		`, override.StudyID, override.StudyInstanceUID, override.PatientName, override.DicomStudyID, override.Included)
		return err
	}))
}

// DeleteOverride removes the override for the uid.
func (db *studiesDB) DeleteOverride(ctx context.Context, studyID int64, uid string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `DELETE FROM study_overrides WHERE study_id = ? AND study_instance_uid = ?`, studyID, uid)
	return studies.Error.Wrap(err)
}

// Overrides returns all overrides of the study.
func (db *studiesDB) Overrides(ctx context.Context, studyID int64) (_ []studies.Override, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT study_id, study_instance_uid, patient_name, dicom_study_id, included
		FROM study_overrides
		WHERE study_id = ?
		ORDER BY study_instance_uid
	`, studyID)
	if err != nil {
		return nil, studies.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var overrides []studies.Override
	for rows.Next() {
		var override studies.Override
		err := rows.Scan(&override.StudyID, &override.StudyInstanceUID, &override.PatientName,
			&override.DicomStudyID, &override.Included)
		if err != nil {
			return nil, studies.Error.Wrap(err)
		}
		overrides = append(overrides, override)
	}
	return overrides, studies.Error.Wrap(rows.Err())
}
