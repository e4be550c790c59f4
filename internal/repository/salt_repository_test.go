package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/pkg/anonymizer"
)

func TestSaltRepositoryGetSaltNotFound(t *testing.T) {
	db, mock, cleanup := newPipelineRepoMock(t)
	defer cleanup()
	repo := NewSaltRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM daily_salts WHERE day = $1::date")).
		WithArgs("2026-03-02").
		WillReturnRows(sqlmock.NewRows([]string{"day", "value", "created_at"}))

	_, err := repo.GetSalt(context.Background(), "2026-03-02")
	assert.ErrorIs(t, err, anonymizer.ErrSaltNotFound)
}

func TestSaltRepositoryCreateSaltReturnsWinner(t *testing.T) {
	db, mock, cleanup := newPipelineRepoMock(t)
	defer cleanup()
	repo := NewSaltRepository(db)

	created := time.Date(2026, 3, 2, 0, 0, 1, 0, time.UTC)
	mine := &models.DailySalt{Day: "2026-03-02", Value: []byte("mine"), CreatedAt: created}
	winner := []byte("theirs")

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (day) DO NOTHING")).
		WithArgs(mine.Day, mine.Value, created).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM daily_salts WHERE day = $1::date")).
		WithArgs(mine.Day).
		WillReturnRows(sqlmock.NewRows([]string{"day", "value", "created_at"}).AddRow("2026-03-02", winner, created.Add(-time.Second)))

	stored, err := repo.CreateSalt(context.Background(), mine)
	require.NoError(t, err)
	assert.Equal(t, winner, stored.Value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaltRepositoryDeleteBefore(t *testing.T) {
	db, mock, cleanup := newPipelineRepoMock(t)
	defer cleanup()
	repo := NewSaltRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM daily_salts WHERE day < $1::date")).
		WithArgs("2026-02-23").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.DeleteBefore(context.Background(), time.Date(2026, 2, 23, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
