package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/docmd-api/internal/models"
)

// SQLiteEventRepository implements EventRepository for SQLite.
type SQLiteEventRepository struct {
	db *sql.DB

	// Monotonic entropy guarded by a mutex so event ids assigned by this
	// process sort lexicographically in assignment order, even within
	// the same millisecond.
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewSQLiteEventRepository creates a new SQLite event repository.
func NewSQLiteEventRepository(db *sql.DB) *SQLiteEventRepository {
	return &SQLiteEventRepository{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (r *SQLiteEventRepository) nextEventID(now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), r.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Append assigns the next monotonic event id, commits the event and
// returns the id. The row is durable before the caller proceeds, so a
// reader resuming from any returned id never misses a later event.
func (r *SQLiteEventRepository) Append(ctx context.Context, jobID, userID string, eventType models.EventType, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event payload: %w", err)
	}

	now := time.Now()
	eventID, err := r.nextEventID(now)
	if err != nil {
		return "", fmt.Errorf("failed to generate event id: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO job_events (event_id, job_id, user_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, eventID, jobID, userID, eventType, string(data), now.Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}

	return eventID, nil
}

// ReadSince returns events with event_id > afterID in append order.
// An empty afterID replays the log from the start.
func (r *SQLiteEventRepository) ReadSince(ctx context.Context, jobID, afterID string) ([]*models.JobEvent, error) {
	query := `
		SELECT event_id, job_id, user_id, type, payload, created_at
		FROM job_events
		WHERE job_id = ? AND event_id > ?
		ORDER BY event_id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, jobID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Latest returns up to n most recent events, oldest first.
func (r *SQLiteEventRepository) Latest(ctx context.Context, jobID string, n int) ([]*models.JobEvent, error) {
	query := `
		SELECT event_id, job_id, user_id, type, payload, created_at
		FROM (
			SELECT event_id, job_id, user_id, type, payload, created_at
			FROM job_events
			WHERE job_id = ?
			ORDER BY event_id DESC
			LIMIT ?
		)
		ORDER BY event_id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, jobID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (r *SQLiteEventRepository) LastEventID(ctx context.Context, jobID string) (string, error) {
	var id sql.NullString
	err := r.db.QueryRowContext(ctx,
		"SELECT MAX(event_id) FROM job_events WHERE job_id = ?", jobID,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to get last event id: %w", err)
	}
	return id.String, nil
}

// DeleteForJobsTerminatedBefore drops event logs of jobs that reached a
// terminal status before cutoff.
func (r *SQLiteEventRepository) DeleteForJobsTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM job_events
		WHERE job_id IN (
			SELECT id FROM jobs
			WHERE status IN ('completed', 'failed', 'cancelled')
			AND completed_at < ?
		)
	`, cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	count, _ := result.RowsAffected()
	return count, nil
}

func scanEvents(rows *sql.Rows) ([]*models.JobEvent, error) {
	var events []*models.JobEvent
	for rows.Next() {
		var event models.JobEvent
		var payload, createdAt string
		if err := rows.Scan(&event.EventID, &event.JobID, &event.UserID, &event.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Payload = json.RawMessage(payload)
		event.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		events = append(events, &event)
	}
	return events, rows.Err()
}
