package screening

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryAppend(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newRepositoryWithQuerier(mock)
	res, err := Score(GAD7, []int{1, 1, 1, 1, 1, 1, 1})
	require.NoError(t, err)
	res.OwnerID = "owner-1"

	mock.ExpectExec("INSERT INTO screening_results").
		WithArgs(res.ID, "owner-1", "GAD7", []byte("[1,1,1,1,1,1,1]"), 7, 21, "mild",
			res.Recommendation, true, false, res.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Append(context.Background(), res))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryAppendRequiresOwner(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newRepositoryWithQuerier(mock)
	err = repo.Append(context.Background(), Result{ID: "x"})
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryHistory(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newRepositoryWithQuerier(mock)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"id", "owner_id", "instrument", "raw_responses", "total_score", "max_score",
		"severity_band", "recommendation", "follow_up_needed", "risk_raised", "created_at"}).
		AddRow("r-1", "owner-1", "PHQ9", []byte("[3,3,3,3,3,3,3,0,0]"), 21, 27, "severe", "Immediate help", true, true, created)

	mock.ExpectQuery("SELECT id, owner_id, instrument").
		WithArgs("owner-1", "PHQ9", 20).
		WillReturnRows(rows)

	history, err := repo.History(context.Background(), "owner-1", PHQ9, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, PHQ9, history[0].Instrument)
	assert.Equal(t, BandSevere, history[0].SeverityBand)
	assert.Equal(t, []int{3, 3, 3, 3, 3, 3, 3, 0, 0}, history[0].RawResponses)
	assert.True(t, history[0].Risk.Raised)
	assert.Equal(t, created, history[0].CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryDeleteOwner(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM screening_results").
		WithArgs("owner-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := newRepositoryWithQuerier(mock).DeleteOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryRepositoryHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	for _, inst := range []Instrument{PHQ9, GAD7, PHQ9} {
		require.NoError(t, repo.Append(ctx, Result{ID: string(inst), OwnerID: "o", Instrument: inst}))
	}
	require.NoError(t, repo.Append(ctx, Result{ID: "other", OwnerID: "p", Instrument: PHQ9}))
	assert.Error(t, repo.Append(ctx, Result{ID: "x"}))

	got, err := repo.History(ctx, "o", PHQ9, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	all, err := repo.History(ctx, "o", "", 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, PHQ9, all[0].Instrument)

	n, err := repo.DeleteOwner(ctx, "o")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	left, _ := repo.History(ctx, "p", "", 0)
	assert.Len(t, left, 1)
}
