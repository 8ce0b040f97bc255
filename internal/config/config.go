// Package config handles application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port    int
	BaseURL string

	// Database
	DatabaseURL string

	// Authentication
	// Pre-hashed API key for single-key self-hosted auth; when set, the
	// api_keys table is bypassed.
	APIKeyHash string

	// CORS
	CORSOrigins []string

	// Crawl defaults, overridable per job at submit time
	CrawlMaxPages         int
	CrawlMaxDepth         int
	CrawlQualityThreshold int
	CrawlFetchTimeout     time.Duration
	CrawlJobTimeout       time.Duration
	CrawlWorkersPerJob    int
	CrawlBatchSize        int
	CrawlUserAgent        string

	// Caching
	CacheTTL        time.Duration
	SitemapCacheTTL time.Duration

	// Event log
	EventRetention       time.Duration
	SSEHeartbeatInterval time.Duration

	// Orchestration
	WorkerPollInterval     time.Duration
	OrchestratorQuiescence time.Duration
	MaxActiveJobsPerUser   int

	// Object Storage (Tigris/S3-compatible)
	StorageEnabled   bool
	StorageEndpoint  string // AWS_ENDPOINT_URL_S3
	StorageAccessKey string // AWS_ACCESS_KEY_ID
	StorageSecretKey string // AWS_SECRET_ACCESS_KEY
	StorageBucket    string
	StorageRegion    string
	BlocklistBucket  string // Optional separate bucket for the URL blocklist

	// Cleanup
	CleanupEnabled  bool
	CleanupInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL: getEnv("DATABASE_URL", "file:docmd.db?_journal=WAL&_timeout=5000"),
		APIKeyHash:  getEnv("DOCMD_API_KEY_HASH", ""),

		CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:3000"}),

		CrawlMaxPages:         getEnvInt("CRAWL_MAX_PAGES", 50),
		CrawlMaxDepth:         getEnvInt("CRAWL_MAX_DEPTH", 2),
		CrawlQualityThreshold: getEnvInt("CRAWL_QUALITY_THRESHOLD", 20),
		CrawlFetchTimeout:     getEnvDuration("CRAWL_FETCH_TIMEOUT", 8*time.Second),
		CrawlJobTimeout:       getEnvDuration("CRAWL_JOB_TIMEOUT", 30*time.Minute),
		CrawlWorkersPerJob:    getEnvInt("CRAWL_WORKERS_PER_JOB", 5),
		CrawlBatchSize:        getEnvInt("CRAWL_BATCH_SIZE", 20),
		CrawlUserAgent:        getEnv("CRAWL_USER_AGENT", "docmd/1.0 (+https://github.com/jmylchreest/docmd-api)"),

		CacheTTL:        getEnvDuration("CACHE_TTL", 7*24*time.Hour),
		SitemapCacheTTL: getEnvDuration("SITEMAP_CACHE_TTL", time.Hour),

		EventRetention:       getEnvDuration("EVENT_RETENTION", 24*time.Hour),
		SSEHeartbeatInterval: getEnvDuration("SSE_HEARTBEAT_INTERVAL", 15*time.Second),

		WorkerPollInterval:     getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		OrchestratorQuiescence: getEnvDuration("ORCHESTRATOR_QUIESCENCE", 500*time.Millisecond),
		MaxActiveJobsPerUser:   getEnvInt("MAX_ACTIVE_JOBS_PER_USER", 5),

		// Object storage uses the standard AWS env vars; BUCKET_NAME is
		// what managed S3-compatible providers set automatically.
		StorageEndpoint:  getEnv("AWS_ENDPOINT_URL_S3", ""),
		StorageAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		StorageSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBucket:    getEnvWithFallback("BUCKET_NAME", "STORAGE_BUCKET", ""),
		StorageRegion:    getEnv("AWS_REGION", "auto"),
	}

	cfg.StorageEnabled = cfg.StorageBucket != "" && cfg.StorageEndpoint != ""
	cfg.BlocklistBucket = getEnv("BLOCKLIST_BUCKET", cfg.StorageBucket)

	cfg.CleanupEnabled = getEnvBool("CLEANUP_ENABLED", true)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CrawlMaxPages < 1 {
		return fmt.Errorf("CRAWL_MAX_PAGES must be at least 1")
	}
	if c.CrawlMaxDepth < 0 {
		return fmt.Errorf("CRAWL_MAX_DEPTH must not be negative")
	}
	if c.CrawlQualityThreshold < 0 || c.CrawlQualityThreshold > 100 {
		return fmt.Errorf("CRAWL_QUALITY_THRESHOLD must be between 0 and 100")
	}
	if c.CrawlWorkersPerJob < 1 {
		return fmt.Errorf("CRAWL_WORKERS_PER_JOB must be at least 1")
	}
	if c.CrawlBatchSize < 1 {
		return fmt.Errorf("CRAWL_BATCH_SIZE must be at least 1")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("BASE_URL is not a valid URL: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvWithFallback(primary, fallback, defaultValue string) string {
	if value := os.Getenv(primary); value != "" {
		return value
	}
	if value := os.Getenv(fallback); value != "" {
		return value
	}
	return defaultValue
}
