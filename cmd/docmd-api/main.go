// Package main is the entry point for the docmd-api server.
// Self-hosted mode needs only DOCMD_API_KEY_HASH; multi-user
// deployments manage keys through the api_keys table.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jmylchreest/docmd-api/internal/config"
	"github.com/jmylchreest/docmd-api/internal/crawler"
	"github.com/jmylchreest/docmd-api/internal/database"
	"github.com/jmylchreest/docmd-api/internal/http/handlers"
	"github.com/jmylchreest/docmd-api/internal/http/mw"
	"github.com/jmylchreest/docmd-api/internal/logging"
	"github.com/jmylchreest/docmd-api/internal/repository"
	"github.com/jmylchreest/docmd-api/internal/service"
	"github.com/jmylchreest/docmd-api/internal/version"
)

func main() {
	// Initialize logger with TTY detection, source paths, and format control
	logger := logging.SetDefault()

	// Log version info first thing
	v := version.Get()
	logger.Info("starting docmd-api",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// Run migrations (with logging for each migration applied)
	if err := database.MigrateWithLogger(db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Log current schema version
	schemaVersion, err := database.GetLatestSchemaVersion(db)
	if err != nil {
		logger.Warn("failed to get schema version", "error", err)
	} else if schemaVersion != "" {
		logger.Info("database schema ready", "schema_version", schemaVersion)
	}

	// Initialize repositories
	repos := repository.NewRepositories(db)

	// Fail jobs left processing by a previous server run. Their queue
	// rows are gone from the claiming process's memory only, so they
	// would otherwise stay processing forever.
	staleCount, err := repos.Job.MarkStaleProcessingFailed(context.Background(), time.Hour)
	if err != nil {
		logger.Warn("failed to clean up stale jobs", "error", err)
	} else if staleCount > 0 {
		logger.Info("marked stale processing jobs failed", "count", staleCount)
	}

	// Initialize services
	services, err := service.NewServices(cfg, repos, logger)
	if err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	// Start the crawl orchestrator (claims pending jobs, runs worker pools)
	orchestrator := crawler.New(cfg, repos, services, logger)
	ctx, cancel := context.WithCancel(context.Background())
	orchestrator.Start(ctx)

	// Start cleanup service if enabled
	if cfg.CleanupEnabled {
		go services.Cleanup.RunScheduled(ctx, cfg.EventRetention, cfg.CleanupInterval)
		logger.Info("cleanup service started",
			"event_retention", cfg.EventRetention.String(),
			"interval", cfg.CleanupInterval.String(),
		)
	}

	// Create router
	router := chi.NewRouter()

	// Global middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)

	// IP blocklist, refreshed from object storage (early in the chain
	// to reject bad actors quickly)
	if services.Storage.IsEnabled() && cfg.BlocklistBucket != "" {
		blocklist := mw.NewIPBlocklist(mw.BlocklistConfig{
			S3Client: services.Storage.Client(),
			Bucket:   cfg.BlocklistBucket,
			Key:      "config/blocklist.json",
			Logger:   logger,
		})
		router.Use(blocklist.Middleware())
		logger.Info("IP blocklist enabled", "bucket", cfg.BlocklistBucket)
	}

	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(mw.APIVersion())
	// Request timeout middleware with different timeouts per endpoint type
	router.Use(mw.Timeout(mw.TimeoutConfig{
		Default:  30 * time.Second,
		Extended: 2 * time.Minute,
		// Artifact downloads can be large
		ExtendedPatterns: []string{"/download"},
		// SSE streaming has no timeout (managed by client disconnect)
		SkipPatterns: []string{"/events"},
	}))

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID", "X-API-Version", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Request size limit (1MB) - prevent large payload attacks
	router.Use(middleware.RequestSize(1 * 1024 * 1024))

	// Global rate limit by IP (fallback for unauthenticated requests)
	router.Use(mw.RateLimitByIP(100))

	// Global concurrency throttle - prevent system overload
	router.Use(middleware.Throttle(100))

	// Create Huma API config for main API with OpenAPI docs
	humaConfig := huma.DefaultConfig("docmd API", v.Short())
	humaConfig.Info.Description = "Documentation crawler that turns a docs site into one combined Markdown file."
	humaConfig.Servers = []*huma.Server{
		{URL: cfg.BaseURL, Description: "API Server"},
	}
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		mw.SecurityScheme: {
			Type:        "http",
			Scheme:      "bearer",
			Description: "API key authentication. Include your API key in the Authorization header as `Bearer dm_your_key`.",
		},
	}

	// Main API with OpenAPI docs
	api := humachi.New(router, humaConfig)

	// Config for hidden routes (K8s probes - no docs needed)
	hiddenConfig := huma.DefaultConfig("docmd API", v.Short())
	hiddenConfig.DocsPath = ""
	hiddenConfig.OpenAPIPath = ""
	hiddenConfig.SchemasPath = ""
	hiddenAPI := humachi.New(router, hiddenConfig)

	// Config for protected routes (docs are served by the main API)
	protectedConfig := huma.DefaultConfig("docmd API", v.Short())
	protectedConfig.Info.Description = humaConfig.Info.Description
	protectedConfig.Servers = humaConfig.Servers
	protectedConfig.DocsPath = ""
	protectedConfig.OpenAPIPath = ""
	protectedConfig.SchemasPath = ""

	// Public endpoints
	huma.Get(api, "/api/v1/health", handlers.HealthCheck)
	huma.Get(api, "/api/v1/version", handlers.GetVersion)

	// Kubernetes probes (hidden from docs - internal use only)
	huma.Get(hiddenAPI, "/healthz", handlers.Livez)
	huma.Get(hiddenAPI, "/readyz", handlers.NewReadyzHandler(db).Readyz)

	jobHandler := handlers.NewJobHandler(services.Job, repos.Event, cfg.SSEHeartbeatInterval, time.Second)

	// Raw SSE endpoint documented through the main API
	jobHandler.RegisterRawEndpoints(api)

	// Protected routes
	router.Group(func(r chi.Router) {
		r.Use(mw.Auth(services.Auth))
		r.Use(mw.RateLimitByUser(60))

		protectedAPI := humachi.New(r, protectedConfig)

		huma.Post(protectedAPI, "/api/v1/crawl", jobHandler.CreateCrawlJob)
		huma.Get(protectedAPI, "/api/v1/jobs", jobHandler.ListJobs)
		huma.Get(protectedAPI, "/api/v1/jobs/{id}", jobHandler.GetJob)
		huma.Post(protectedAPI, "/api/v1/jobs/{id}/cancel", jobHandler.CancelJob)

		keyHandler := handlers.NewAPIKeyHandler(services.Auth)
		huma.Post(protectedAPI, "/api/v1/keys", keyHandler.CreateKey)

		// Raw HTTP handlers for non-JSON content types
		r.Get("/api/v1/jobs/{id}/download", jobHandler.DownloadArtifact)
		r.Get("/api/v1/jobs/{id}/events", jobHandler.StreamEvents)
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan

		logger.Info("shutting down server")

		// Stop the orchestrator first so in-flight jobs stop claiming work
		cancel()
		orchestrator.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	// Start server
	logger.Info("starting server", "port", cfg.Port, "base_url", cfg.BaseURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
