// Package repository contains data access interfaces and SQLite implementations.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmylchreest/docmd-api/internal/models"
)

// JobRepository manages job rows and their state machine writes.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	GetByIDForUser(ctx context.Context, userID, id string) (*models.Job, error)
	GetActiveByUserID(ctx context.Context, userID string) ([]*models.Job, error)
	CountActiveByUserID(ctx context.Context, userID string) (int, error)

	// ClaimPending atomically moves the oldest pending job to processing
	// and returns it; nil when no pending jobs exist.
	ClaimPending(ctx context.Context) (*models.Job, error)

	// SetTerminal moves a job to a terminal status. The transition only
	// fires while the job is non-terminal, making retries no-ops.
	SetTerminal(ctx context.Context, id string, status models.JobStatus, message, artifact string) (bool, error)

	// IncrementProgress atomically advances counters and bumps state_version.
	IncrementProgress(ctx context.Context, id string, processed, discovered, failed, words int) error

	GetStateVersion(ctx context.Context, id string) (int64, error)
	UpdateTotals(ctx context.Context, id string, processed, failed, words int) error
	MarkStaleProcessingFailed(ctx context.Context, maxAge time.Duration) (int64, error)
}

// PageRepository manages crawled pages and their content chunks.
type PageRepository interface {
	// CreatePage inserts the page unless (job_id, url_hash) already
	// exists; inserted=false means another worker won the race.
	CreatePage(ctx context.Context, page *models.CrawledPage) (inserted bool, err error)
	CreateChunk(ctx context.Context, chunk *models.PageContentChunk) error
	GetByJobID(ctx context.Context, jobID string) ([]*models.CrawledPage, error)
	// GetSuccessfulContent returns (title, content) pairs of successful
	// pages in crawled_at order, for artifact assembly.
	GetSuccessfulContent(ctx context.Context, jobID string) ([]PageContent, error)
	CountByJobID(ctx context.Context, jobID string) (total, successful int, err error)
}

// PageContent pairs a page with its stored Markdown.
type PageContent struct {
	URL       string
	Title     string
	Content   string
	CrawledAt time.Time
}

// QueueRepository is the FIFO work queue plus the per-job seen-set.
type QueueRepository interface {
	// Enqueue admits a URL at most once per job. The seen-set insert and
	// the queue push commit in one transaction; admitted=false when the
	// fingerprint was already seen or the discovery budget is exhausted.
	Enqueue(ctx context.Context, jobID, url, urlHash string, depth, maxPages int) (admitted bool, err error)
	DequeueBatch(ctx context.Context, jobID string, max int) ([]*models.QueueTask, error)
	QueueDepth(ctx context.Context, jobID string) (int, error)
	SeenSize(ctx context.Context, jobID string) (int, error)
	PurgeJob(ctx context.Context, jobID string) error
}

// EventRepository is the per-job append-only event log.
type EventRepository interface {
	// Append assigns a monotonic event id and durably commits the event
	// before returning it.
	Append(ctx context.Context, jobID, userID string, eventType models.EventType, payload any) (string, error)
	// ReadSince returns events with event_id > afterID in append order.
	// Empty afterID replays from the start.
	ReadSince(ctx context.Context, jobID, afterID string) ([]*models.JobEvent, error)
	// Latest returns up to n most recent events, oldest first.
	Latest(ctx context.Context, jobID string, n int) ([]*models.JobEvent, error)
	LastEventID(ctx context.Context, jobID string) (string, error)
	DeleteForJobsTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CacheRepository is the cross-job, per-user URL content cache.
type CacheRepository interface {
	Get(ctx context.Context, userID, urlHash string) (*models.URLCacheEntry, error)
	Put(ctx context.Context, entry *models.URLCacheEntry) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// APIKeyRepository manages API keys.
type APIKeyRepository interface {
	Create(ctx context.Context, key *models.APIKey) error
	GetByKeyHash(ctx context.Context, hash string) (*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, id string, lastUsed time.Time) error
}

// Repositories aggregates all repository implementations.
type Repositories struct {
	Job    JobRepository
	Page   PageRepository
	Queue  QueueRepository
	Event  EventRepository
	Cache  CacheRepository
	APIKey APIKeyRepository
}

// NewRepositories creates all repositories backed by the given database.
func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		Job:    NewSQLiteJobRepository(db),
		Page:   NewSQLitePageRepository(db),
		Queue:  NewSQLiteQueueRepository(db),
		Event:  NewSQLiteEventRepository(db),
		Cache:  NewSQLiteCacheRepository(db),
		APIKey: NewSQLiteAPIKeyRepository(db),
	}
}
