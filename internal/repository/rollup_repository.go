package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/engagement-pipeline/internal/models"
)

// RollupRepository stores precomputed rollup records.
type RollupRepository struct {
	db *sqlx.DB
}

// NewRollupRepository constructs a new RollupRepository.
func NewRollupRepository(db *sqlx.DB) *RollupRepository {
	return &RollupRepository{db: db}
}

const rollupColumns = `classroom_id, lesson_key, bucket_start, bucket_seconds, event_count, score_sum, mean_score, growth_count, categories, watermark, computed_at`

// Upsert writes record, replacing any previous version of the same bucket.
func (r *RollupRepository) Upsert(ctx context.Context, record *models.RollupRecord) error {
	const query = `INSERT INTO rollups (` + rollupColumns + `)
VALUES (:classroom_id, :lesson_key, :bucket_start, :bucket_seconds, :event_count, :score_sum, :mean_score, :growth_count, :categories, :watermark, :computed_at)
ON CONFLICT (classroom_id, lesson_key, bucket_start) DO UPDATE SET
	bucket_seconds = EXCLUDED.bucket_seconds,
	event_count = EXCLUDED.event_count,
	score_sum = EXCLUDED.score_sum,
	mean_score = EXCLUDED.mean_score,
	growth_count = EXCLUDED.growth_count,
	categories = EXCLUDED.categories,
	watermark = EXCLUDED.watermark,
	computed_at = EXCLUDED.computed_at`
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("upsert rollup %s: %w", record.Key(), err)
	}
	return nil
}

// Delete removes the rollup of a bucket that no longer has events.
func (r *RollupRepository) Delete(ctx context.Context, key models.RollupKey) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rollups WHERE classroom_id = $1 AND lesson_key = $2 AND bucket_start = $3`, key.ClassroomID, key.LessonKey, key.BucketStart.UTC())
	if err != nil {
		return false, fmt.Errorf("delete rollup %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rollup rows affected: %w", err)
	}
	return affected > 0, nil
}

// Get returns the rollup of one bucket, or nil when absent.
func (r *RollupRepository) Get(ctx context.Context, key models.RollupKey) (*models.RollupRecord, error) {
	query := `SELECT ` + rollupColumns + ` FROM rollups WHERE classroom_id = $1 AND lesson_key = $2 AND bucket_start = $3`
	var record models.RollupRecord
	if err := r.db.GetContext(ctx, &record, query, key.ClassroomID, key.LessonKey, key.BucketStart.UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get rollup %s: %w", key, err)
	}
	return &record, nil
}

// List returns rollups matching filter ordered by bucket. Each row reports whether raw events
// newer than its watermark exist, which marks it as pending recompute.
func (r *RollupRepository) List(ctx context.Context, filter models.RollupFilter) ([]models.RollupRecord, error) {
	var (
		conditions = []string{"r.classroom_id = ANY($1)", "r.bucket_start >= $2", "r.bucket_start < $3"}
		args       = []interface{}{pq.Array(filter.ClassroomIDs), filter.From.UTC(), filter.To.UTC()}
	)
	if filter.LessonKey != "" {
		args = append(args, filter.LessonKey)
		conditions = append(conditions, fmt.Sprintf("r.lesson_key = $%d", len(args)))
	}

	query := `
SELECT r.classroom_id, r.lesson_key, r.bucket_start, r.bucket_seconds, r.event_count, r.score_sum, r.mean_score,
	r.growth_count, r.categories, r.watermark, r.computed_at,
	EXISTS (
		SELECT 1 FROM events e
		WHERE e.classroom_id = r.classroom_id
			AND (r.lesson_key = '*' OR e.lesson_id = r.lesson_key)
			AND e.captured_at >= r.bucket_start
			AND e.captured_at < r.bucket_start + make_interval(secs => r.bucket_seconds)
			AND e.received_at > r.watermark
	) AS pending
FROM rollups r
WHERE ` + strings.Join(conditions, " AND ") + `
ORDER BY r.bucket_start, r.classroom_id, r.lesson_key`

	var records []models.RollupRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("list rollups: %w", err)
	}
	return records, nil
}

// KeysInRange lists existing rollup buckets in [from, to) for the given classrooms.
func (r *RollupRepository) KeysInRange(ctx context.Context, classroomIDs []string, from, to time.Time) ([]models.RollupKey, error) {
	const query = `SELECT classroom_id, lesson_key, bucket_start FROM rollups
WHERE classroom_id = ANY($1) AND bucket_start >= $2 AND bucket_start < $3
ORDER BY classroom_id, bucket_start, lesson_key`
	var keys []models.RollupKey
	if err := r.db.SelectContext(ctx, &keys, query, pq.Array(classroomIDs), from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("list rollup keys: %w", err)
	}
	return keys, nil
}
