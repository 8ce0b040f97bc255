// Package service contains the business logic layer.
// Identity is a collaborator: services only consume the opaque user id
// resolved by the auth middleware.
package service

import (
	"fmt"
	"log/slog"

	"github.com/jmylchreest/docmd-api/internal/config"
	"github.com/jmylchreest/docmd-api/internal/repository"
)

// Services holds all service instances.
type Services struct {
	Auth    *AuthService
	Job     *JobService
	Cache   *CacheService
	Sitemap *SitemapService
	Webhook *WebhookService
	Storage *StorageService
	Cleanup *CleanupService
}

// NewServices creates all service instances.
func NewServices(cfg *config.Config, repos *repository.Repositories, logger *slog.Logger) (*Services, error) {
	storageSvc, err := NewStorageService(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage service: %w", err)
	}

	return &Services{
		Auth:    NewAuthService(cfg, repos, logger),
		Job:     NewJobService(cfg, repos, logger),
		Cache:   NewCacheService(repos.Cache, cfg.CacheTTL, logger),
		Sitemap: NewSitemapService(logger, cfg.CrawlUserAgent),
		Webhook: NewWebhookService(logger),
		Storage: storageSvc,
		Cleanup: NewCleanupService(repos.Event, repos.Cache, logger),
	}, nil
}
