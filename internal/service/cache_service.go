package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/docmd-api/internal/models"
	"github.com/jmylchreest/docmd-api/internal/repository"
)

// CacheService wraps the URL content cache. Cache writes are best
// effort: a failed Put is logged and swallowed so a flaky cache never
// fails a crawl task.
type CacheService struct {
	repo   repository.CacheRepository
	ttl    time.Duration
	logger *slog.Logger
}

// NewCacheService creates a new cache service.
func NewCacheService(repo repository.CacheRepository, ttl time.Duration, logger *slog.Logger) *CacheService {
	return &CacheService{
		repo:   repo,
		ttl:    ttl,
		logger: logger.With("component", "cache"),
	}
}

// Lookup returns the cached entry for (userID, urlHash), or nil on a
// miss. forceRefresh bypasses the cache entirely. Read errors are
// treated as misses.
func (s *CacheService) Lookup(ctx context.Context, userID, urlHash string, forceRefresh bool) *models.URLCacheEntry {
	if forceRefresh {
		return nil
	}

	entry, err := s.repo.Get(ctx, userID, urlHash)
	if err != nil {
		s.logger.Warn("cache lookup failed", "url_hash", urlHash, "error", err)
		return nil
	}
	return entry
}

// Store writes an extraction result to the cache with the configured
// TTL. Racing writes to the same URL are last-writer-wins.
func (s *CacheService) Store(ctx context.Context, entry *models.URLCacheEntry) {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now()
	}
	if entry.TTL == 0 {
		entry.TTL = s.ttl
	}

	if err := s.repo.Put(ctx, entry); err != nil {
		s.logger.Warn("cache store failed", "url", entry.URL, "error", err)
	}
}
