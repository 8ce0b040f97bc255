package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmylchreest/docmd-api/internal/models"
)

// SQLiteJobRepository implements JobRepository for SQLite.
type SQLiteJobRepository struct {
	db *sql.DB
}

// NewSQLiteJobRepository creates a new SQLite job repository.
func NewSQLiteJobRepository(db *sql.DB) *SQLiteJobRepository {
	return &SQLiteJobRepository{db: db}
}

const jobColumns = `id, user_id, seed_url, config_json, status, status_message, state_version,
	pages_processed, pages_discovered, pages_failed, total_words, artifact, webhook_url,
	error_message, started_at, completed_at, created_at, updated_at`

func (r *SQLiteJobRepository) Create(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.UserID,
		job.SeedURL,
		job.ConfigJSON,
		job.Status,
		nullString(job.StatusMessage),
		job.StateVersion,
		job.PagesProcessed,
		job.PagesDiscovered,
		job.PagesFailed,
		job.TotalWords,
		nullString(job.Artifact),
		nullString(job.WebhookURL),
		nullString(job.ErrorMessage),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.CreatedAt.Format(time.RFC3339),
		job.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *SQLiteJobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	return scanJob(r.db.QueryRowContext(ctx, query, id))
}

func (r *SQLiteJobRepository) GetByIDForUser(ctx context.Context, userID, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ? AND user_id = ?`
	return scanJob(r.db.QueryRowContext(ctx, query, id, userID))
}

func (r *SQLiteJobRepository) GetActiveByUserID(ctx context.Context, userID string) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE user_id = ? AND status IN ('pending', 'processing')
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobFromRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *SQLiteJobRepository) CountActiveByUserID(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE user_id = ? AND status IN ('pending', 'processing')`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// ClaimPending atomically claims the oldest pending job using
// UPDATE ... RETURNING in one statement. A retried start for an
// already-claimed job finds status != 'pending' and is a no-op.
func (r *SQLiteJobRepository) ClaimPending(ctx context.Context) (*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	now := time.Now().Format(time.RFC3339)
	query := `
		UPDATE jobs
		SET status = 'processing', started_at = ?, updated_at = ?, state_version = state_version + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := scanJob(tx.QueryRowContext(ctx, query, now, now))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		// No pending jobs - this is normal, not an error
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return job, nil
}

// SetTerminal transitions a job to a terminal status. Returns false
// without writing when the job is already terminal.
func (r *SQLiteJobRepository) SetTerminal(ctx context.Context, id string, status models.JobStatus, message, artifact string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}

	now := time.Now().Format(time.RFC3339)
	errorMessage := ""
	if status == models.JobStatusFailed {
		errorMessage = message
	}
	query := `
		UPDATE jobs
		SET status = ?, status_message = ?, error_message = ?, artifact = COALESCE(?, artifact),
			completed_at = ?, updated_at = ?, state_version = state_version + 1
		WHERE id = ? AND status IN ('pending', 'processing')
	`
	result, err := r.db.ExecContext(ctx, query,
		status,
		nullString(message),
		nullString(errorMessage),
		nullString(artifact),
		now,
		now,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// IncrementProgress atomically advances the progress counters and bumps
// state_version.
func (r *SQLiteJobRepository) IncrementProgress(ctx context.Context, id string, processed, discovered, failed, words int) error {
	query := `
		UPDATE jobs
		SET pages_processed = pages_processed + ?,
			pages_discovered = pages_discovered + ?,
			pages_failed = pages_failed + ?,
			total_words = total_words + ?,
			state_version = state_version + 1,
			updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query, processed, discovered, failed, words,
		time.Now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to increment progress: %w", err)
	}
	return nil
}

func (r *SQLiteJobRepository) GetStateVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx, "SELECT state_version FROM jobs WHERE id = ?", id).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("job not found: %s", id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get state version: %w", err)
	}
	return version, nil
}

// UpdateTotals overwrites the processed/failed/word counters with values
// recomputed from crawled_pages during finalization.
func (r *SQLiteJobRepository) UpdateTotals(ctx context.Context, id string, processed, failed, words int) error {
	query := `
		UPDATE jobs
		SET pages_processed = ?, pages_failed = ?, total_words = ?,
			state_version = state_version + 1, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query, processed, failed, words,
		time.Now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update totals: %w", err)
	}
	return nil
}

// MarkStaleProcessingFailed fails jobs left in processing by a previous
// server run.
func (r *SQLiteJobRepository) MarkStaleProcessingFailed(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Format(time.RFC3339)
	now := time.Now().Format(time.RFC3339)

	query := `
		UPDATE jobs
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?,
			state_version = state_version + 1
		WHERE status = ? AND started_at < ?
	`
	result, err := r.db.ExecContext(ctx, query,
		models.JobStatusFailed,
		"Job terminated: server restart or timeout",
		now,
		now,
		models.JobStatusProcessing,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale jobs as failed: %w", err)
	}

	count, _ := result.RowsAffected()
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row rowScanner) (*models.Job, error) {
	var job models.Job
	var statusMessage, artifact, webhookURL, errorMessage sql.NullString
	var startedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&job.ID, &job.UserID, &job.SeedURL, &job.ConfigJSON, &job.Status, &statusMessage,
		&job.StateVersion, &job.PagesProcessed, &job.PagesDiscovered, &job.PagesFailed,
		&job.TotalWords, &artifact, &webhookURL, &errorMessage,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.StatusMessage = statusMessage.String
	job.Artifact = artifact.String
	job.WebhookURL = webhookURL.String
	job.ErrorMessage = errorMessage.String
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		job.CompletedAt = &t
	}

	return &job, nil
}

func scanJob(row *sql.Row) (*models.Job, error) {
	job, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return job, nil
}

func scanJobFromRows(rows *sql.Rows) (*models.Job, error) {
	job, err := scanJobRow(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return job, nil
}

// Helper functions
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
