package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/pkg/anonymizer"
)

// SaltRepository stores the server's daily anonymization salts.
type SaltRepository struct {
	db *sqlx.DB
}

// NewSaltRepository constructs a new SaltRepository.
func NewSaltRepository(db *sqlx.DB) *SaltRepository {
	return &SaltRepository{db: db}
}

var _ anonymizer.SaltStore = (*SaltRepository)(nil)

const selectSaltQuery = `SELECT to_char(day, 'YYYY-MM-DD') AS day, value, created_at FROM daily_salts WHERE day = $1::date`

// GetSalt returns the salt of day or anonymizer.ErrSaltNotFound.
func (r *SaltRepository) GetSalt(ctx context.Context, day string) (*models.DailySalt, error) {
	var salt models.DailySalt
	if err := r.db.GetContext(ctx, &salt, selectSaltQuery, day); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, anonymizer.ErrSaltNotFound
		}
		return nil, fmt.Errorf("get salt %s: %w", day, err)
	}
	return &salt, nil
}

// CreateSalt inserts salt unless the day already has one and returns the stored row, so
// concurrent generators converge on a single salt.
func (r *SaltRepository) CreateSalt(ctx context.Context, salt *models.DailySalt) (*models.DailySalt, error) {
	const insert = `INSERT INTO daily_salts (day, value, created_at) VALUES ($1::date, $2, $3) ON CONFLICT (day) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, insert, salt.Day, salt.Value, salt.CreatedAt.UTC()); err != nil {
		return nil, fmt.Errorf("create salt %s: %w", salt.Day, err)
	}
	var stored models.DailySalt
	if err := r.db.GetContext(ctx, &stored, selectSaltQuery, salt.Day); err != nil {
		return nil, fmt.Errorf("reload salt %s: %w", salt.Day, err)
	}
	return &stored, nil
}

// DeleteBefore removes salts for days strictly before cutoff's UTC day.
func (r *SaltRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM daily_salts WHERE day < $1::date`, models.DayOf(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune salts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune salts rows affected: %w", err)
	}
	return n, nil
}
