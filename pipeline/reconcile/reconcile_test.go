// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/autobids/pipeline/dicomindex"
	"storj.io/autobids/pipeline/reconcile"
	"storj.io/autobids/pipeline/studies"
	"storj.io/common/testcontext"
)

// fakeIndex answers uid queries from byUID and every other query with matching.
type fakeIndex struct {
	matching []dicomindex.SeriesRecord
	byUID    map[string][]dicomindex.SeriesRecord
	queries  []dicomindex.Query
}

func (index *fakeIndex) FindSeries(ctx context.Context, query dicomindex.Query) ([]dicomindex.SeriesRecord, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	index.queries = append(index.queries, query)
	if len(query.StudyInstanceUIDs) == 0 {
		return index.matching, nil
	}
	var records []dicomindex.SeriesRecord
	for _, uid := range query.StudyInstanceUIDs {
		records = append(records, index.byUID[uid]...)
	}
	return records, nil
}

func series(uid, patient string, number int) dicomindex.SeriesRecord {
	return dicomindex.SeriesRecord{StudyInstanceUID: uid, PatientName: patient, SeriesNumber: number}
}

func uids(targets []reconcile.Target) []string {
	result := []string{}
	for _, target := range targets {
		result = append(result, target.StudyInstanceUID)
	}
	return result
}

func TestReconcileExclusionAndInclusion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := &fakeIndex{
		matching: []dicomindex.SeriesRecord{
			series("A", "pA", 1), series("B", "pB", 1), series("C", "pC", 1),
		},
		byUID: map[string][]dicomindex.SeriesRecord{
			"D": {series("D", "pD", 1)},
		},
	}
	reconciler := reconcile.NewReconciler(zaptest.NewLogger(t), index)

	study := studies.New("Khan", "Project", "s@example.com")
	study.ID = 1
	targets, err := reconciler.Reconcile(ctx, reconcile.Input{
		Study: study,
		Overrides: []studies.Override{
			{StudyID: 1, StudyInstanceUID: "B", Included: false},
			{StudyID: 1, StudyInstanceUID: "D", Included: true},
		},
		Acquired: []string{"A"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"D", "C"}, uids(targets))

	require.Len(t, index.queries, 2)
	require.Equal(t, []string{"D"}, index.queries[0].StudyInstanceUIDs)
	require.Equal(t, "Khan^Project", index.queries[1].StudyDescription)
	require.Equal(t, "*", index.queries[1].PatientName)
	require.Equal(t, dicomindex.LevelSeries, index.queries[1].Level)
}

func TestReconcileForcedIncludeTakesPrecedence(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := &fakeIndex{
		matching: []dicomindex.SeriesRecord{series("X", "from-description", 1), series("Y", "pY", 1)},
		byUID:    map[string][]dicomindex.SeriesRecord{"X": {series("X", "from-inclusion", 1)}},
	}
	reconciler := reconcile.NewReconciler(zaptest.NewLogger(t), index)

	targets, err := reconciler.Reconcile(ctx, reconcile.Input{
		Study:     studies.New("Khan", "Project", "s@example.com"),
		Overrides: []studies.Override{{StudyInstanceUID: "X", Included: true}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"X", "Y"}, uids(targets))
	require.Equal(t, "from-inclusion", targets[0].PatientName)
}

func TestReconcilePatientFilterAndRetrospective(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := &fakeIndex{
		matching: []dicomindex.SeriesRecord{
			series("1", "2023_P001", 1),
			series("2", "phantom", 1),
			series("3", "x2023_P002", 1),
		},
	}
	reconciler := reconcile.NewReconciler(zaptest.NewLogger(t), index)

	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	study := studies.New("Khan", "Project", "s@example.com")
	study.PatientNameRE = `2023_P\d+`
	study.RetrospectiveData = true
	study.RetrospectiveStart = &start

	targets, err := reconciler.Reconcile(ctx, reconcile.Input{Study: study})
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, uids(targets))
	require.Len(t, index.queries, 1)
	require.Equal(t, &start, index.queries[0].DateRangeStart)

	study.PatientNameRE = "("
	_, err = reconciler.Reconcile(ctx, reconcile.Input{Study: study})
	require.True(t, studies.ErrValidation.Has(err))
}

func TestReconcileEmpty(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	reconciler := reconcile.NewReconciler(zaptest.NewLogger(t), &fakeIndex{})
	targets, err := reconciler.Reconcile(ctx, reconcile.Input{Study: studies.New("Khan", "Project", "s@example.com")})
	require.NoError(t, err)
	require.Empty(t, targets)
	require.NotNil(t, targets)
}

func TestGroupSortsSeries(t *testing.T) {
	targets := reconcile.Group([]dicomindex.SeriesRecord{
		series("1", "p", 12), series("2", "q", 1), series("1", "p", 3), series("1", "p", 100),
	})
	require.Len(t, targets, 2)
	require.Equal(t, "1", targets[0].StudyInstanceUID)

	var numbers []int
	for _, s := range targets[0].Series {
		numbers = append(numbers, s.Number)
	}
	require.Equal(t, []int{3, 12, 100}, numbers)
}
