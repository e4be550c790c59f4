package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/engagement-pipeline/internal/models"
)

func newPipelineRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	cleanup := func() {
		_ = sqlxDB.Close()
		db.Close()
	}
	return sqlxDB, mock, cleanup
}

func sampleBatch() (*models.LedgerEntry, []models.Event) {
	received := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	lesson := "lesson-1"
	entry := &models.LedgerEntry{BatchID: "6f1c2d8e-0d8b-4c55-9a51-1f0f2b8c9a10", ClassroomID: "class-1", EventCount: 2, ReceivedAt: received}
	events := []models.Event{
		{ID: "0b3d9c52-6b1f-4e0c-8a2e-0c1a5bcbe001", BatchID: entry.BatchID, ClassroomID: "class-1", LessonID: &lesson, Category: models.CategoryEmpathy, InteractionType: "peer_help", Score: 4, SubjectHash: "ab", CapturedAt: received.Add(-time.Hour), ReceivedAt: received},
		{ID: "0b3d9c52-6b1f-4e0c-8a2e-0c1a5bcbe002", BatchID: entry.BatchID, ClassroomID: "class-1", Category: models.CategoryCourage, InteractionType: "answer", Score: 2, SubjectHash: "cd", CapturedAt: received.Add(-time.Minute), ReceivedAt: received},
	}
	return entry, events
}

func TestEventRepositoryPersistBatchInsertsLedgerAndEvents(t *testing.T) {
	db, mock, cleanup := newPipelineRepoMock(t)
	defer cleanup()
	repo := NewEventRepository(db)
	entry, events := sampleBatch()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ingest_ledger")).
		WithArgs(entry.BatchID, entry.ClassroomID, entry.EventCount, entry.ReceivedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO events"))
	for _, ev := range events {
		prep.ExpectExec().
			WithArgs(ev.ID, ev.BatchID, ev.ClassroomID, sqlmock.AnyArg(), sqlmock.AnyArg(), ev.InteractionType, ev.Score, sqlmock.AnyArg(), ev.GrowthIndicator, ev.SubjectHash, ev.CapturedAt, ev.ReceivedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	inserted, err := repo.PersistBatch(context.Background(), entry, events)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryPersistBatchDuplicateRollsBack(t *testing.T) {
	db, mock, cleanup := newPipelineRepoMock(t)
	defer cleanup()
	repo := NewEventRepository(db)
	entry, events := sampleBatch()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ingest_ledger")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	inserted, err := repo.PersistBatch(context.Background(), entry, events)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryPersistBatchEventFailureRollsBack(t *testing.T) {
	db, mock, cleanup := newPipelineRepoMock(t)
	defer cleanup()
	repo := NewEventRepository(db)
	entry, events := sampleBatch()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ingest_ledger")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO events"))
	prep.ExpectExec().WillReturnError(errors.New("check constraint"))
	mock.ExpectRollback()

	inserted, err := repo.PersistBatch(context.Background(), entry, events)
	require.Error(t, err)
	assert.False(t, inserted)
	assert.Contains(t, err.Error(), events[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryLedgerContains(t *testing.T) {
	db, mock, cleanup := newPipelineRepoMock(t)
	defer cleanup()
	repo := NewEventRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM ingest_ledger WHERE batch_id = $1)")).
		WithArgs("batch-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	found, err := repo.LedgerContains(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEventRepositoryBucketAggregates(t *testing.T) {
	db, mock, cleanup := newPipelineRepoMock(t)
	defer cleanup()
	repo := NewEventRepository(db)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	last := start.Add(90 * time.Minute)
	key := models.RollupKey{ClassroomID: "class-1", LessonKey: models.LessonKeyAll, BucketStart: start}

	rows := sqlmock.NewRows([]string{"category", "event_count", "score_sum", "growth_count", "last_received"}).
		AddRow("courage", 2, 6, 1, last).
		AddRow("empathy", 1, 5, 1, last)
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WithArgs("class-1", start, start.Add(time.Hour), models.LessonKeyAll).
		WillReturnRows(rows)

	aggs, err := repo.BucketAggregates(context.Background(), key, time.Hour)
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, models.CategoryCourage, aggs[0].Category)
	assert.Equal(t, 6, aggs[0].ScoreSum)
	assert.Equal(t, last, aggs[1].LastReceived)
}

func TestEventRepositoryBucketKeysScopesByClassroom(t *testing.T) {
	db, mock, cleanup := newPipelineRepoMock(t)
	defer cleanup()
	repo := NewEventRepository(db)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)
	rows := sqlmock.NewRows([]string{"classroom_id", "lesson_key", "bucket_start"}).
		AddRow("class-1", "lesson-1", from.Add(time.Hour)).
		AddRow("class-1", "*", from.Add(2*time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta("classroom_id = ANY($1)")).
		WithArgs(sqlmock.AnyArg(), float64(3600), from, to).
		WillReturnRows(rows)

	keys, err := repo.BucketKeys(context.Background(), []string{"class-1"}, from, to, time.Hour)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "lesson-1", keys[0].LessonKey)
	assert.Equal(t, from.Add(2*time.Hour), keys[1].BucketStart)
}
