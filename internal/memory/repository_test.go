package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepository_InsertCommitsAllChunks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	now := time.Now().UTC()
	chunks := []Chunk{
		{ID: "c1", OwnerID: "u1", Source: SourceDocument, Text: "one", Embedding: []float32{0.1, 0.2}, CreatedAt: now},
		{ID: "c2", OwnerID: "u1", Source: SourceDocument, Text: "two", Embedding: []float32{0.3, 0.4}, CreatedAt: now},
	}

	mock.ExpectBegin()
	for _, c := range chunks {
		mock.ExpectExec("INSERT INTO memory_chunks").
			WithArgs(c.ID, c.OwnerID, "document", c.Text, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, repo.Insert(context.Background(), chunks))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_InsertRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	chunks := []Chunk{
		{ID: "c1", OwnerID: "u1", Source: SourceConversation, Text: "one", Embedding: []float32{1}},
		{ID: "c2", OwnerID: "u1", Source: SourceConversation, Text: "two", Embedding: []float32{1}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO memory_chunks").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO memory_chunks").WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err = repo.Insert(context.Background(), chunks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory: insert chunk")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_ListByOwner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "owner_id", "source", "text", "embedding", "created_at"}).
		AddRow("c1", "u1", "conversation", "hello", "{0.5,1}", created)
	mock.ExpectQuery("SELECT id, owner_id, source, text, embedding, created_at").
		WithArgs("u1").
		WillReturnRows(rows)

	got, err := repo.ListByOwner(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, SourceConversation, got[0].Source)
	assert.Equal(t, []float32{0.5, 1}, got[0].Embedding)
	assert.Equal(t, created, got[0].CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_DeleteOwner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	mock.ExpectExec("DELETE FROM memory_chunks").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteOwner(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_DeleteChunks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	mock.ExpectExec("DELETE FROM memory_chunks WHERE id = ANY").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.DeleteChunks(context.Background(), []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.DeleteChunks(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_OwnerStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	latest := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COUNT").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(4, latest))
	mock.ExpectQuery("SELECT COUNT").WithArgs("u2").
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(0, nil))

	stats, err := repo.OwnerStats(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, stats.Equal(OwnerStats{Count: 4, Latest: latest}))

	stats, err = repo.OwnerStats(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, OwnerStats{}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresRepositoryPanicsOnNilDB(t *testing.T) {
	assert.PanicsWithValue(t, "memory: sql db cannot be nil", func() {
		NewPostgresRepository(nil)
	})
}

func TestSQLiteRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "nested", "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	created := time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC)
	require.NoError(t, repo.Insert(ctx, []Chunk{
		{ID: "a", OwnerID: "u1", Source: SourceDocument, Text: "first", Embedding: []float32{0.25, 0.5}, CreatedAt: created},
		{ID: "b", OwnerID: "u2", Source: SourceConversation, Text: "other", Embedding: []float32{1, 0}, CreatedAt: created},
	}))

	got, err := repo.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Text)
	assert.Equal(t, []float32{0.25, 0.5}, got[0].Embedding)
	assert.True(t, created.Equal(got[0].CreatedAt))

	stats, err := repo.OwnerStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
	assert.True(t, created.Equal(stats.Latest))

	n, err := repo.DeleteOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = repo.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err = repo.DeleteChunks(ctx, []string{"b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	stats, err = repo.OwnerStats(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, OwnerStats{}, stats)
}

func TestSQLiteRepository_InsertIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	err = repo.Insert(ctx, []Chunk{
		{ID: "dup", OwnerID: "u1", Source: SourceDocument, Text: "one", Embedding: []float32{1}},
		{ID: "dup", OwnerID: "u1", Source: SourceDocument, Text: "two", Embedding: []float32{1}},
	})
	require.Error(t, err)

	got, err := repo.ListByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
