package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmylchreest/docmd-api/internal/models"
)

// SQLiteCacheRepository implements CacheRepository for SQLite.
type SQLiteCacheRepository struct {
	db *sql.DB
}

// NewSQLiteCacheRepository creates a new SQLite cache repository.
func NewSQLiteCacheRepository(db *sql.DB) *SQLiteCacheRepository {
	return &SQLiteCacheRepository{db: db}
}

// Get returns the cached entry, or nil when absent or expired. Expired
// entries are deleted lazily on read.
func (r *SQLiteCacheRepository) Get(ctx context.Context, userID, urlHash string) (*models.URLCacheEntry, error) {
	query := `
		SELECT user_id, url_hash, url, title, content, links_json,
			quality_score, word_count, cached_at, ttl_seconds
		FROM url_cache
		WHERE user_id = ? AND url_hash = ?
	`
	var entry models.URLCacheEntry
	var title, links sql.NullString
	var cachedAt string
	var ttlSeconds int64
	err := r.db.QueryRowContext(ctx, query, userID, urlHash).Scan(
		&entry.UserID, &entry.URLHash, &entry.URL, &title, &entry.Content,
		&links, &entry.QualityScore, &entry.WordCount, &cachedAt, &ttlSeconds,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	entry.Title = title.String
	if links.Valid && links.String != "" {
		if err := json.Unmarshal([]byte(links.String), &entry.Links); err != nil {
			return nil, fmt.Errorf("failed to decode cached links: %w", err)
		}
	}
	entry.CachedAt, _ = time.Parse(time.RFC3339, cachedAt)
	entry.TTL = time.Duration(ttlSeconds) * time.Second

	if entry.Expired(time.Now()) {
		_, _ = r.db.ExecContext(ctx,
			"DELETE FROM url_cache WHERE user_id = ? AND url_hash = ?", userID, urlHash)
		return nil, nil
	}

	return &entry, nil
}

// Put upserts the entry, refreshing cached_at on rewrite.
func (r *SQLiteCacheRepository) Put(ctx context.Context, entry *models.URLCacheEntry) error {
	linksJSON := ""
	if len(entry.Links) > 0 {
		data, err := json.Marshal(entry.Links)
		if err != nil {
			return fmt.Errorf("failed to encode links: %w", err)
		}
		linksJSON = string(data)
	}
	query := `
		INSERT INTO url_cache (
			user_id, url_hash, url, title, content, links_json,
			quality_score, word_count, cached_at, ttl_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, url_hash) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			content = excluded.content,
			links_json = excluded.links_json,
			quality_score = excluded.quality_score,
			word_count = excluded.word_count,
			cached_at = excluded.cached_at,
			ttl_seconds = excluded.ttl_seconds
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.UserID,
		entry.URLHash,
		entry.URL,
		nullString(entry.Title),
		entry.Content,
		nullString(linksJSON),
		entry.QualityScore,
		entry.WordCount,
		entry.CachedAt.Format(time.RFC3339),
		int64(entry.TTL/time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// DeleteExpired removes entries past their TTL. cached_at is RFC3339
// TEXT, so the cutoff comparison happens in Go per batch of candidates
// rather than in SQL.
func (r *SQLiteCacheRepository) DeleteExpired(ctx context.Context) (int64, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT user_id, url_hash, cached_at, ttl_seconds FROM url_cache")
	if err != nil {
		return 0, fmt.Errorf("failed to scan cache for expiry: %w", err)
	}
	defer rows.Close()

	type key struct{ userID, urlHash string }
	var expired []key
	now := time.Now()
	for rows.Next() {
		var k key
		var cachedAt string
		var ttlSeconds int64
		if err := rows.Scan(&k.userID, &k.urlHash, &cachedAt, &ttlSeconds); err != nil {
			return 0, fmt.Errorf("failed to scan cache row: %w", err)
		}
		t, err := time.Parse(time.RFC3339, cachedAt)
		if err != nil || now.After(t.Add(time.Duration(ttlSeconds)*time.Second)) {
			expired = append(expired, k)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var deleted int64
	for _, k := range expired {
		result, err := r.db.ExecContext(ctx,
			"DELETE FROM url_cache WHERE user_id = ? AND url_hash = ?", k.userID, k.urlHash)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete expired entry: %w", err)
		}
		n, _ := result.RowsAffected()
		deleted += n
	}
	return deleted, nil
}
