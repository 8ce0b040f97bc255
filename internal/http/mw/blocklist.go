package mw

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jmylchreest/docmd-api/internal/config"
)

// IPBlocklist rejects requests from deny-listed client IPs. The deny list
// is a JSON array of IPs and CIDR ranges kept in object storage and
// refreshed lazily through config.S3Loader. Requests are allowed through
// whenever the list cannot be loaded.
type IPBlocklist struct {
	loader *config.S3Loader

	mu           sync.RWMutex
	blocked      map[string]bool
	blockedCIDRs []*net.IPNet
	logger       *slog.Logger
}

// BlocklistConfig holds configuration for the IP blocklist.
type BlocklistConfig struct {
	S3Client     *s3.Client
	Bucket       string
	Key          string
	CacheTTL     time.Duration
	ErrorBackoff time.Duration
	Logger       *slog.Logger
}

// NewIPBlocklist creates a new IP blocklist middleware.
// The deny list is lazy-loaded on first request.
func NewIPBlocklist(cfg BlocklistConfig) *IPBlocklist {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &IPBlocklist{
		loader: config.NewS3Loader(config.S3LoaderConfig{
			S3Client:     cfg.S3Client,
			Bucket:       cfg.Bucket,
			Key:          cfg.Key,
			CacheTTL:     cfg.CacheTTL,
			ErrorBackoff: cfg.ErrorBackoff,
			Logger:       cfg.Logger,
		}),
		blocked: make(map[string]bool),
		logger:  cfg.Logger,
	}
}

// Middleware returns the HTTP middleware handler.
func (b *IPBlocklist) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !b.loader.IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			if b.loader.NeedsRefresh() {
				// Refresh in background so requests never wait on S3
				go b.refresh(context.WithoutCancel(r.Context()))
			}

			clientIP := extractIP(r)
			if b.isBlocked(clientIP) {
				b.logger.Warn("blocked request from deny-listed IP",
					"ip", clientIP,
					"path", r.URL.Path,
				)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (b *IPBlocklist) refresh(ctx context.Context) {
	result, err := b.loader.Fetch(ctx)
	if err != nil || result == nil || result.NotChanged {
		return
	}

	var entries []string
	if err := json.Unmarshal(result.Data, &entries); err != nil {
		b.logger.Error("failed to parse blocklist JSON", "error", err)
		return
	}

	blocked := make(map[string]bool)
	var cidrs []*net.IPNet

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				b.logger.Warn("invalid CIDR in blocklist", "entry", entry, "error", err)
				continue
			}
			cidrs = append(cidrs, ipNet)
		} else if ip := net.ParseIP(entry); ip != nil {
			blocked[ip.String()] = true
		} else {
			b.logger.Warn("invalid IP in blocklist", "entry", entry)
		}
	}

	b.mu.Lock()
	b.blocked = blocked
	b.blockedCIDRs = cidrs
	b.mu.Unlock()

	b.logger.Info("blocklist refreshed",
		"exact_ips", len(blocked),
		"cidr_ranges", len(cidrs),
	)
}

func (b *IPBlocklist) isBlocked(ipStr string) bool {
	if ipStr == "" {
		return false
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.blocked[ip.String()] {
		return true
	}
	for _, cidr := range b.blockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// extractIP gets the client IP from the request.
// Assumes middleware.RealIP has already been applied.
func extractIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return ip
}
