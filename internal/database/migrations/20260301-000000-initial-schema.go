package migrations

func init() {
	Register(Migration{
		Timestamp:   "20260301-000000",
		Description: "Initial schema",
		Up: []string{
			// API keys - for programmatic API access.
			// user_id is an opaque owner identifier; identity lives outside this service.
			`CREATE TABLE IF NOT EXISTS api_keys (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL,
				key_hash TEXT UNIQUE NOT NULL,
				key_prefix TEXT NOT NULL,
				last_used_at TEXT,
				created_at TEXT NOT NULL,
				revoked_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_key_hash ON api_keys(key_hash)`,

			// Jobs - one row per crawl run
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				seed_url TEXT NOT NULL,
				config_json TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				status_message TEXT,
				state_version INTEGER NOT NULL DEFAULT 0,
				pages_processed INTEGER NOT NULL DEFAULT 0,
				pages_discovered INTEGER NOT NULL DEFAULT 0,
				pages_failed INTEGER NOT NULL DEFAULT 0,
				total_words INTEGER NOT NULL DEFAULT 0,
				artifact TEXT,
				webhook_url TEXT,
				error_message TEXT,
				started_at TEXT,
				completed_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs(user_id, status)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs(user_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,

			// Crawled pages - one per fetched URL of a job.
			// The (job_id, url_hash) uniqueness is the at-most-once
			// serialization point for racing workers.
			`CREATE TABLE IF NOT EXISTS crawled_pages (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				url TEXT NOT NULL,
				url_hash TEXT NOT NULL,
				title TEXT,
				depth INTEGER NOT NULL DEFAULT 0,
				http_status INTEGER,
				status TEXT NOT NULL DEFAULT 'crawled',
				error_message TEXT,
				error_category TEXT,
				quality_score INTEGER NOT NULL DEFAULT 0,
				word_count INTEGER NOT NULL DEFAULT 0,
				from_cache INTEGER NOT NULL DEFAULT 0,
				crawled_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_pages_job_hash ON crawled_pages(job_id, url_hash)`,
			`CREATE INDEX IF NOT EXISTS idx_pages_job_id ON crawled_pages(job_id)`,

			// Page content - kept out of crawled_pages so page rows stay compact.
			// chunk_index allows splitting large pages later without a migration.
			`CREATE TABLE IF NOT EXISTS page_content_chunks (
				page_id TEXT NOT NULL REFERENCES crawled_pages(id) ON DELETE CASCADE,
				chunk_index INTEGER NOT NULL DEFAULT 0,
				content_type TEXT NOT NULL DEFAULT 'markdown',
				content TEXT NOT NULL,
				metadata TEXT,
				PRIMARY KEY (page_id, chunk_index)
			)`,

			// URL cache - cross-job, per-user extraction results
			`CREATE TABLE IF NOT EXISTS url_cache (
				user_id TEXT NOT NULL,
				url_hash TEXT NOT NULL,
				url TEXT NOT NULL,
				title TEXT,
				content TEXT NOT NULL,
				links_json TEXT,
				quality_score INTEGER NOT NULL DEFAULT 0,
				word_count INTEGER NOT NULL DEFAULT 0,
				cached_at TEXT NOT NULL,
				ttl_seconds INTEGER NOT NULL,
				PRIMARY KEY (user_id, url_hash)
			)`,

			// Crawl queue - FIFO via the AUTOINCREMENT id
			`CREATE TABLE IF NOT EXISTS crawl_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id TEXT NOT NULL,
				url TEXT NOT NULL,
				depth INTEGER NOT NULL DEFAULT 0,
				enqueued_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_job_id ON crawl_queue(job_id)`,

			// Per-job seen fingerprints; the PK is the add-if-absent primitive
			`CREATE TABLE IF NOT EXISTS crawl_seen (
				job_id TEXT NOT NULL,
				url_hash TEXT NOT NULL,
				created_at TEXT NOT NULL,
				PRIMARY KEY (job_id, url_hash)
			)`,

			// Job events - per-job append-only progress log.
			// event_id is a monotonic ULID, so ordering by it equals append order.
			`CREATE TABLE IF NOT EXISTS job_events (
				event_id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				type TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_job_id ON job_events(job_id, event_id)`,
		},
	})
}
