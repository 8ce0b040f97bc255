package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/docmd-api/internal/repository"
)

// CleanupService removes expired event logs and cache entries.
type CleanupService struct {
	eventRepo repository.EventRepository
	cacheRepo repository.CacheRepository
	logger    *slog.Logger
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(
	eventRepo repository.EventRepository,
	cacheRepo repository.CacheRepository,
	logger *slog.Logger,
) *CleanupService {
	return &CleanupService{
		eventRepo: eventRepo,
		cacheRepo: cacheRepo,
		logger:    logger.With("component", "cleanup"),
	}
}

// CleanupResult contains the results of a cleanup operation.
type CleanupResult struct {
	EventsDeleted       int64
	CacheEntriesDeleted int64
	Errors              []error
}

// Run deletes event logs of jobs that terminated before the retention
// window and drops expired URL cache entries. Job and page rows are
// kept; only replayable/ephemeral data ages out.
func (s *CleanupService) Run(ctx context.Context, eventRetention time.Duration) (*CleanupResult, error) {
	result := &CleanupResult{}
	cutoff := time.Now().Add(-eventRetention)

	s.logger.Info("starting cleanup",
		"event_retention", eventRetention.String(),
		"cutoff", cutoff.Format(time.RFC3339),
	)

	deleted, err := s.eventRepo.DeleteForJobsTerminatedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to delete expired events", "error", err)
		result.Errors = append(result.Errors, err)
	} else {
		result.EventsDeleted = deleted
	}

	expired, err := s.cacheRepo.DeleteExpired(ctx)
	if err != nil {
		s.logger.Error("failed to delete expired cache entries", "error", err)
		result.Errors = append(result.Errors, err)
	} else {
		result.CacheEntriesDeleted = expired
	}

	s.logger.Info("cleanup completed",
		"events_deleted", result.EventsDeleted,
		"cache_entries_deleted", result.CacheEntriesDeleted,
		"errors", len(result.Errors),
	)

	return result, nil
}

// RunScheduled runs cleanup as a background loop. It runs immediately
// on start and then at the specified interval.
func (s *CleanupService) RunScheduled(ctx context.Context, eventRetention, interval time.Duration) {
	s.logger.Info("starting scheduled cleanup",
		"event_retention", eventRetention.String(),
		"interval", interval.String(),
	)

	if _, err := s.Run(ctx, eventRetention); err != nil {
		s.logger.Error("initial cleanup failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduled cleanup stopped")
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, eventRetention); err != nil {
				s.logger.Error("scheduled cleanup failed", "error", err)
			}
		}
	}
}
