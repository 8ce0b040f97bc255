package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmylchreest/docmd-api/internal/models"
)

// SQLiteQueueRepository implements QueueRepository for SQLite.
type SQLiteQueueRepository struct {
	db *sql.DB
}

// NewSQLiteQueueRepository creates a new SQLite queue repository.
func NewSQLiteQueueRepository(db *sql.DB) *SQLiteQueueRepository {
	return &SQLiteQueueRepository{db: db}
}

// Enqueue admits url into jobID's frontier at most once. The seen-set
// insert, the budget reservation on the job row and the queue push all
// commit in one transaction, so a URL is never half-admitted: either it
// is seen AND counted AND queued, or nothing happened.
func (r *SQLiteQueueRepository) Enqueue(ctx context.Context, jobID, url, urlHash string, depth, maxPages int) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	now := time.Now().Format(time.RFC3339)

	result, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO crawl_seen (job_id, url_hash, created_at) VALUES (?, ?, ?)",
		jobID, urlHash, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark url seen: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		// Already seen by this job
		return false, nil
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET pages_discovered = pages_discovered + 1,
			state_version = state_version + 1,
			updated_at = ?
		WHERE id = ? AND pages_discovered < ?
	`, now, jobID, maxPages)
	if err != nil {
		return false, fmt.Errorf("failed to reserve discovery budget: %w", err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		// Budget exhausted; roll back the seen insert so a later retry
		// is possible if budget frees up (it never does today, but the
		// seen-set should only record admitted URLs).
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO crawl_queue (job_id, url, depth, enqueued_at) VALUES (?, ?, ?, ?)",
		jobID, url, depth, now,
	); err != nil {
		return false, fmt.Errorf("failed to enqueue url: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return true, nil
}

// DequeueBatch removes up to max tasks for jobID in FIFO order and
// returns them. DELETE ... RETURNING makes claim-and-remove atomic.
func (r *SQLiteQueueRepository) DequeueBatch(ctx context.Context, jobID string, max int) ([]*models.QueueTask, error) {
	query := `
		DELETE FROM crawl_queue
		WHERE id IN (
			SELECT id FROM crawl_queue
			WHERE job_id = ?
			ORDER BY id ASC
			LIMIT ?
		)
		RETURNING id, job_id, url, depth, enqueued_at
	`
	rows, err := r.db.QueryContext(ctx, query, jobID, max)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	defer rows.Close()

	var tasks []*models.QueueTask
	for rows.Next() {
		var task models.QueueTask
		var enqueuedAt string
		if err := rows.Scan(&task.ID, &task.JobID, &task.URL, &task.Depth, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.EnqueuedAt, _ = time.Parse(time.RFC3339, enqueuedAt)
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

func (r *SQLiteQueueRepository) QueueDepth(ctx context.Context, jobID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM crawl_queue WHERE job_id = ?", jobID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return count, nil
}

func (r *SQLiteQueueRepository) SeenSize(ctx context.Context, jobID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM crawl_seen WHERE job_id = ?", jobID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count seen set: %w", err)
	}
	return count, nil
}

// PurgeJob drops a job's queue and seen-set, called during finalization.
func (r *SQLiteQueueRepository) PurgeJob(ctx context.Context, jobID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM crawl_queue WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to purge queue: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM crawl_seen WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to purge seen set: %w", err)
	}
	return nil
}
