package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/engagement-pipeline/internal/models"
)

// EventRepository persists raw events and the ingest dedup ledger.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository constructs a new EventRepository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

const (
	insertLedgerQuery = `INSERT INTO ingest_ledger (batch_id, classroom_id, event_count, received_at)
VALUES (:batch_id, :classroom_id, :event_count, :received_at)
ON CONFLICT (batch_id) DO NOTHING`

	insertEventQuery = `INSERT INTO events (id, batch_id, classroom_id, lesson_id, category, interaction_type, score, metadata, growth_indicator, subject_hash, captured_at, received_at)
VALUES (:id, :batch_id, :classroom_id, :lesson_id, :category, :interaction_type, :score, :metadata, :growth_indicator, :subject_hash, :captured_at, :received_at)
ON CONFLICT (id) DO NOTHING`
)

// LedgerContains reports whether batchID was already accepted.
func (r *EventRepository) LedgerContains(ctx context.Context, batchID string) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM ingest_ledger WHERE batch_id = $1)`, batchID); err != nil {
		return false, fmt.Errorf("check ingest ledger: %w", err)
	}
	return exists, nil
}

// PersistBatch claims the batch id in the ledger and writes every event in one transaction.
// It returns false without writing anything when another delivery already claimed the id.
func (r *EventRepository) PersistBatch(ctx context.Context, entry *models.LedgerEntry, events []models.Event) (inserted bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin ingest tx: %w", err)
	}
	defer func() {
		if err != nil || !inserted {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.NamedExecContext(ctx, insertLedgerQuery, entry)
	if err != nil {
		return false, fmt.Errorf("claim ledger entry: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger rows affected: %w", err)
	}
	if claimed == 0 {
		return false, nil
	}

	stmt, err := tx.PrepareNamedContext(ctx, insertEventQuery)
	if err != nil {
		return false, fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		if _, err = stmt.ExecContext(ctx, &events[i]); err != nil {
			return false, fmt.Errorf("insert event %s: %w", events[i].ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit ingest tx: %w", err)
	}
	return true, nil
}

// BucketAggregates groups the events of one rollup bucket by category.
func (r *EventRepository) BucketAggregates(ctx context.Context, key models.RollupKey, bucketSize time.Duration) ([]models.CategoryAggregate, error) {
	const query = `
SELECT category,
	COUNT(*) AS event_count,
	COALESCE(SUM(score), 0) AS score_sum,
	COUNT(*) FILTER (WHERE growth_indicator) AS growth_count,
	MAX(received_at) AS last_received
FROM events
WHERE classroom_id = $1
	AND captured_at >= $2 AND captured_at < $3
	AND ($4::text = '*' OR lesson_id = $4)
GROUP BY category
ORDER BY category`

	start := key.BucketStart.UTC()
	var rows []models.CategoryAggregate
	if err := r.db.SelectContext(ctx, &rows, query, key.ClassroomID, start, start.Add(bucketSize), key.LessonKey); err != nil {
		return nil, fmt.Errorf("aggregate bucket %s: %w", key, err)
	}
	return rows, nil
}

// BucketKeys lists the lesson buckets holding events captured in [from, to).
func (r *EventRepository) BucketKeys(ctx context.Context, classroomIDs []string, from, to time.Time, bucketSize time.Duration) ([]models.RollupKey, error) {
	const query = `
SELECT DISTINCT classroom_id,
	COALESCE(lesson_id, '*') AS lesson_key,
	to_timestamp(floor(extract(epoch FROM captured_at) / $2) * $2) AS bucket_start
FROM events
WHERE classroom_id = ANY($1)
	AND captured_at >= $3 AND captured_at < $4
ORDER BY classroom_id, bucket_start, lesson_key`

	var keys []models.RollupKey
	if err := r.db.SelectContext(ctx, &keys, query, pq.Array(classroomIDs), bucketSize.Seconds(), from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("list event buckets: %w", err)
	}
	for i := range keys {
		keys[i].BucketStart = keys[i].BucketStart.UTC()
	}
	return keys, nil
}
