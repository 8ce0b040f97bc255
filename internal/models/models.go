// Package models contains domain models for crawl jobs, pages, and events.
package models

import "time"

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// PageStatus represents the outcome of crawling a single URL.
type PageStatus string

const (
	PageStatusCrawled PageStatus = "crawled"
	PageStatusError   PageStatus = "error"
	PageStatusSkipped PageStatus = "skipped"
)

// Error categories recorded on page rows.
const (
	ErrorCategoryFetch = "fetch_error"
	ErrorCategoryParse = "parse_error"
	ErrorCategoryStore = "store_error"
)

// CrawlConfig holds per-job crawl settings. Zero values are replaced
// with server defaults at submit time.
type CrawlConfig struct {
	MaxPages         int  `json:"max_pages,omitempty"`
	MaxDepth         int  `json:"max_depth,omitempty"`
	QualityThreshold int  `json:"quality_threshold,omitempty"`
	RespectRobots    bool `json:"respect_robots"`
	FollowSitemaps   bool `json:"follow_sitemaps"`
	ForceRefresh     bool `json:"force_refresh,omitempty"`
}

// CrawlConfigRequest carries client-supplied overrides at submit time.
// The bool fields are pointers so an omitted field keeps the server
// default while an explicit false is honored.
type CrawlConfigRequest struct {
	MaxPages         int   `json:"max_pages,omitempty"`
	MaxDepth         int   `json:"max_depth,omitempty"`
	QualityThreshold int   `json:"quality_threshold,omitempty"`
	RespectRobots    *bool `json:"respect_robots,omitempty"`
	FollowSitemaps   *bool `json:"follow_sitemaps,omitempty"`
	ForceRefresh     bool  `json:"force_refresh,omitempty"`
}

// Job is a single crawl run.
type Job struct {
	ID              string
	UserID          string
	SeedURL         string
	ConfigJSON      string
	Status          JobStatus
	StatusMessage   string
	StateVersion    int64
	PagesProcessed  int
	PagesDiscovered int
	PagesFailed     int
	TotalWords      int
	Artifact        string // combined Markdown, set on completion
	WebhookURL      string
	ErrorMessage    string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CrawledPage is one fetched URL of one job. Content lives in a
// separate chunk row to keep page rows compact.
type CrawledPage struct {
	ID            string
	JobID         string
	URL           string
	URLHash       string
	Title         string
	Depth         int
	HTTPStatus    *int
	Status        PageStatus
	ErrorMessage  string
	ErrorCategory string
	QualityScore  int
	WordCount     int
	FromCache     bool
	CrawledAt     time.Time
}

// PageContentChunk holds the extracted Markdown for a page.
// chunk_index is always 0 in the current schema; the column exists so
// large pages can be split later without a migration.
type PageContentChunk struct {
	PageID      string
	ChunkIndex  int
	ContentType string
	Content     string
	Metadata    string
}

// URLCacheEntry is a cross-job, per-user cached extraction result.
type URLCacheEntry struct {
	UserID       string
	URLHash      string
	URL          string
	Title        string
	Content      string
	Links        []string
	QualityScore int
	WordCount    int
	CachedAt     time.Time
	TTL          time.Duration
}

// Expired reports whether the entry is past its TTL at the given time.
func (e *URLCacheEntry) Expired(now time.Time) bool {
	return now.After(e.CachedAt.Add(e.TTL))
}

// QueueTask is a unit of crawl work.
type QueueTask struct {
	ID         int64
	JobID      string
	URL        string
	Depth      int
	EnqueuedAt time.Time
}

// APIKey grants programmatic access to the API.
type APIKey struct {
	ID         string
	UserID     string
	Name       string
	KeyHash    string
	KeyPrefix  string
	LastUsedAt *time.Time
	CreatedAt  time.Time
	RevokedAt  *time.Time
}
