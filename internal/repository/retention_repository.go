package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/engagement-pipeline/internal/models"
)

// archiveSpec describes how one governed table moves into its archive. Identifiers only ever
// come from this whitelist.
type archiveSpec struct {
	table      string
	archive    string
	timeColumn string
	match      string
}

var archiveSpecs = map[models.RetentionTable]archiveSpec{
	models.RetentionTableEvents: {
		table:      "events",
		archive:    "events_archive",
		timeColumn: "captured_at",
		match:      "a.id = t.id",
	},
	models.RetentionTableRollups: {
		table:      "rollups",
		archive:    "rollups_archive",
		timeColumn: "bucket_start",
		match:      "a.classroom_id = t.classroom_id AND a.lesson_key = t.lesson_key AND a.bucket_start = t.bucket_start",
	},
}

func specFor(table models.RetentionTable) (archiveSpec, error) {
	spec, ok := archiveSpecs[table]
	if !ok {
		return archiveSpec{}, fmt.Errorf("unknown retention table %q", table)
	}
	return spec, nil
}

// RetentionRepository executes archive and purge statements and tracks retention runs.
type RetentionRepository struct {
	db *sqlx.DB
}

// NewRetentionRepository constructs a new RetentionRepository.
func NewRetentionRepository(db *sqlx.DB) *RetentionRepository {
	return &RetentionRepository{db: db}
}

// RetentionLock is a held session-level advisory lock.
type RetentionLock struct {
	conn *sqlx.Conn
	key  int64
}

// TryLock acquires the advisory lock on a dedicated connection. It returns nil without error
// when another session holds the lock.
func (r *RetentionRepository) TryLock(ctx context.Context, key int64) (*RetentionLock, error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowxContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, nil
	}
	return &RetentionLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the connection to the pool.
func (l *RetentionLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	defer l.conn.Close()
	if _, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return nil
}

const retentionRunColumns = `id, reference_time, scope, status, completed_steps, summary, error, started_at, finished_at`

// LatestRun returns the most recently started run of any scope, or nil if none exist.
func (r *RetentionRepository) LatestRun(ctx context.Context) (*models.RetentionRun, error) {
	query := `SELECT ` + retentionRunColumns + ` FROM retention_runs ORDER BY started_at DESC LIMIT 1`
	return r.scanRun(r.db.QueryRowxContext(ctx, query))
}

// LatestRunInScope returns the most recently started run of the given scope, or nil.
func (r *RetentionRepository) LatestRunInScope(ctx context.Context, scope string) (*models.RetentionRun, error) {
	query := `SELECT ` + retentionRunColumns + ` FROM retention_runs WHERE scope = $1 ORDER BY started_at DESC LIMIT 1`
	return r.scanRun(r.db.QueryRowxContext(ctx, query, scope))
}

func (r *RetentionRepository) scanRun(row *sqlx.Row) (*models.RetentionRun, error) {
	var run models.RetentionRun
	err := row.Scan(
		&run.ID,
		&run.ReferenceTime,
		&run.Scope,
		&run.Status,
		pq.Array(&run.CompletedSteps),
		&run.Summary,
		&run.Error,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load latest retention run: %w", err)
	}
	return &run, nil
}

// CreateRun inserts a new running run.
func (r *RetentionRepository) CreateRun(ctx context.Context, run *models.RetentionRun) error {
	const query = `INSERT INTO retention_runs (id, reference_time, scope, status, completed_steps, summary, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	scope := run.Scope
	if scope == "" {
		scope = models.RetentionScopeAll
	}
	if _, err := r.db.ExecContext(ctx, query, run.ID, run.ReferenceTime.UTC(), scope, run.Status, pq.Array(run.CompletedSteps), run.Summary, run.StartedAt.UTC()); err != nil {
		return fmt.Errorf("create retention run: %w", err)
	}
	return nil
}

// ResumeRun flips a failed or cancelled run back to running.
func (r *RetentionRepository) ResumeRun(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE retention_runs SET status = $2, error = NULL, finished_at = NULL WHERE id = $1`, id, models.RetentionRunRunning); err != nil {
		return fmt.Errorf("resume retention run: %w", err)
	}
	return nil
}

// MarkStep records a completed step together with the running summary.
func (r *RetentionRepository) MarkStep(ctx context.Context, id, step string, summary models.RetentionSummary) error {
	const query = `UPDATE retention_runs SET completed_steps = array_append(completed_steps, $2), summary = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, step, summary); err != nil {
		return fmt.Errorf("mark retention step %s: %w", step, err)
	}
	return nil
}

// FinishRun stores the terminal status of a run.
func (r *RetentionRepository) FinishRun(ctx context.Context, id string, status models.RetentionRunStatus, summary models.RetentionSummary, runErr *string, finishedAt time.Time) error {
	const query = `UPDATE retention_runs SET status = $2, summary = $3, error = $4, finished_at = $5 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, summary, runErr, finishedAt.UTC()); err != nil {
		return fmt.Errorf("finish retention run: %w", err)
	}
	return nil
}

// Archive copies rows older than cutoff into the archive table and then deletes only the rows
// whose copy exists there, in a single transaction. It returns the number of rows moved.
func (r *RetentionRepository) Archive(ctx context.Context, table models.RetentionTable, cutoff, archivedAt time.Time) (moved int64, err error) {
	spec, err := specFor(table)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	copyQuery := fmt.Sprintf(`INSERT INTO %s SELECT t.*, $2 FROM %s t WHERE t.%s < $1 ON CONFLICT DO NOTHING`,
		spec.archive, spec.table, spec.timeColumn)
	if _, err = tx.ExecContext(ctx, copyQuery, cutoff.UTC(), archivedAt.UTC()); err != nil {
		return 0, fmt.Errorf("copy %s into archive: %w", spec.table, err)
	}

	deleteQuery := fmt.Sprintf(`DELETE FROM %s t WHERE t.%s < $1 AND EXISTS (SELECT 1 FROM %s a WHERE %s)`,
		spec.table, spec.timeColumn, spec.archive, spec.match)
	res, err := tx.ExecContext(ctx, deleteQuery, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete archived %s: %w", spec.table, err)
	}
	moved, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archived rows affected: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive tx: %w", err)
	}
	return moved, nil
}

// PurgeArchive permanently deletes archived rows whose own timestamp is older than cutoff.
func (r *RetentionRepository) PurgeArchive(ctx context.Context, table models.RetentionTable, cutoff time.Time) (int64, error) {
	spec, err := specFor(table)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s < $1`, spec.archive, spec.timeColumn)
	res, err := r.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", spec.archive, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purged rows affected: %w", err)
	}
	return n, nil
}

// PruneLedger drops dedup ledger entries received before cutoff.
func (r *RetentionRepository) PruneLedger(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ingest_ledger WHERE received_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune ingest ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruned ledger rows affected: %w", err)
	}
	return n, nil
}
