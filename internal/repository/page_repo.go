package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmylchreest/docmd-api/internal/models"
)

// SQLitePageRepository implements PageRepository for SQLite.
type SQLitePageRepository struct {
	db *sql.DB
}

// NewSQLitePageRepository creates a new SQLite page repository.
func NewSQLitePageRepository(db *sql.DB) *SQLitePageRepository {
	return &SQLitePageRepository{db: db}
}

// CreatePage inserts the page unless (job_id, url_hash) already exists.
// inserted=false means another worker recorded this URL first; callers
// must not count the page again.
func (r *SQLitePageRepository) CreatePage(ctx context.Context, page *models.CrawledPage) (bool, error) {
	query := `
		INSERT OR IGNORE INTO crawled_pages (
			id, job_id, url, url_hash, title, depth, http_status, status,
			error_message, error_category, quality_score, word_count, from_cache, crawled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		page.ID,
		page.JobID,
		page.URL,
		page.URLHash,
		nullString(page.Title),
		page.Depth,
		nullInt(page.HTTPStatus),
		page.Status,
		nullString(page.ErrorMessage),
		nullString(page.ErrorCategory),
		page.QualityScore,
		page.WordCount,
		page.FromCache,
		page.CrawledAt.Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create page: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLitePageRepository) CreateChunk(ctx context.Context, chunk *models.PageContentChunk) error {
	query := `
		INSERT INTO page_content_chunks (page_id, chunk_index, content_type, content, metadata)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		chunk.PageID,
		chunk.ChunkIndex,
		chunk.ContentType,
		chunk.Content,
		nullString(chunk.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to create content chunk: %w", err)
	}
	return nil
}

func (r *SQLitePageRepository) GetByJobID(ctx context.Context, jobID string) ([]*models.CrawledPage, error) {
	query := `
		SELECT id, job_id, url, url_hash, title, depth, http_status, status,
			error_message, error_category, quality_score, word_count, from_cache, crawled_at
		FROM crawled_pages
		WHERE job_id = ?
		ORDER BY crawled_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	defer rows.Close()

	var pages []*models.CrawledPage
	for rows.Next() {
		var page models.CrawledPage
		var title, errorMessage, errorCategory sql.NullString
		var httpStatus sql.NullInt64
		var crawledAt string
		if err := rows.Scan(
			&page.ID, &page.JobID, &page.URL, &page.URLHash, &title, &page.Depth,
			&httpStatus, &page.Status, &errorMessage, &errorCategory,
			&page.QualityScore, &page.WordCount, &page.FromCache, &crawledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		page.Title = title.String
		page.ErrorMessage = errorMessage.String
		page.ErrorCategory = errorCategory.String
		if httpStatus.Valid {
			status := int(httpStatus.Int64)
			page.HTTPStatus = &status
		}
		page.CrawledAt, _ = time.Parse(time.RFC3339, crawledAt)
		pages = append(pages, &page)
	}
	return pages, rows.Err()
}

// GetSuccessfulContent returns the Markdown of successfully crawled
// pages in crawl order, joined with the first content chunk of each.
func (r *SQLitePageRepository) GetSuccessfulContent(ctx context.Context, jobID string) ([]PageContent, error) {
	query := `
		SELECT p.url, p.title, c.content, p.crawled_at
		FROM crawled_pages p
		JOIN page_content_chunks c ON c.page_id = p.id AND c.chunk_index = 0
		WHERE p.job_id = ? AND p.status = 'crawled'
		ORDER BY p.crawled_at ASC, p.id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query page content: %w", err)
	}
	defer rows.Close()

	var contents []PageContent
	for rows.Next() {
		var pc PageContent
		var title sql.NullString
		var crawledAt string
		if err := rows.Scan(&pc.URL, &title, &pc.Content, &crawledAt); err != nil {
			return nil, fmt.Errorf("failed to scan page content: %w", err)
		}
		pc.Title = title.String
		pc.CrawledAt, _ = time.Parse(time.RFC3339, crawledAt)
		contents = append(contents, pc)
	}
	return contents, rows.Err()
}

func (r *SQLitePageRepository) CountByJobID(ctx context.Context, jobID string) (int, int, error) {
	var total, successful int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'crawled' THEN 1 ELSE 0 END), 0)
		FROM crawled_pages
		WHERE job_id = ?
	`, jobID).Scan(&total, &successful)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return total, successful, nil
}
