// Package service contains the application services composing the
// crawl pipeline.
package service

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/docmd-api/internal/urlutil"
)

const (
	sitemapFetchTimeout = 10 * time.Second
	sitemapMaxDepth     = 3
	sitemapCacheTTL     = time.Hour
)

// Well-known sitemap paths probed before robots.txt declarations.
var sitemapCandidatePaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap-index.xml",
	"/sitemaps.xml",
}

// SitemapService discovers crawlable URLs from a site's sitemaps.
type SitemapService struct {
	logger    *slog.Logger
	client    *http.Client
	userAgent string

	mu    sync.Mutex
	cache map[string]sitemapCacheEntry
}

type sitemapCacheEntry struct {
	result    *SitemapResult
	fetchedAt time.Time
}

// SitemapResult is the outcome of sitemap discovery for one origin.
type SitemapResult struct {
	URLs         []string
	Source       string // "sitemap" or "none"
	SitemapFiles []string
}

// NewSitemapService creates a new sitemap service.
func NewSitemapService(logger *slog.Logger, userAgent string) *SitemapService {
	return &SitemapService{
		logger:    logger.With("component", "sitemap"),
		client:    &http.Client{Timeout: sitemapFetchTimeout},
		userAgent: userAgent,
		cache:     make(map[string]sitemapCacheEntry),
	}
}

type sitemapURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// Discover collects up to maxURLs page URLs from the seed's origin.
// Results are cached per origin for a short TTL; a site with no usable
// sitemap returns an empty result with Source="none", never an error.
func (s *SitemapService) Discover(ctx context.Context, seedURL string, maxURLs int) *SitemapResult {
	parsed, err := url.Parse(seedURL)
	if err != nil || parsed.Host == "" {
		return &SitemapResult{Source: "none"}
	}
	origin := parsed.Scheme + "://" + parsed.Host

	s.mu.Lock()
	if entry, ok := s.cache[origin]; ok && time.Since(entry.fetchedAt) < sitemapCacheTTL {
		s.mu.Unlock()
		return entry.result
	}
	s.mu.Unlock()

	result := s.discoverOrigin(ctx, origin, maxURLs)

	s.mu.Lock()
	s.cache[origin] = sitemapCacheEntry{result: result, fetchedAt: time.Now()}
	s.mu.Unlock()

	return result
}

func (s *SitemapService) discoverOrigin(ctx context.Context, origin string, maxURLs int) *SitemapResult {
	candidates := make([]string, 0, len(sitemapCandidatePaths)+2)
	for _, p := range sitemapCandidatePaths {
		candidates = append(candidates, origin+p)
	}
	candidates = append(candidates, s.robotsSitemaps(ctx, origin)...)

	seen := make(map[string]bool)
	result := &SitemapResult{Source: "none"}

	for _, sitemapURL := range candidates {
		if len(result.URLs) >= maxURLs {
			break
		}
		urls, files, err := s.fetchSitemap(ctx, sitemapURL, 0)
		if err != nil {
			s.logger.Debug("sitemap candidate unavailable", "url", sitemapURL, "error", err)
			continue
		}
		result.SitemapFiles = append(result.SitemapFiles, files...)
		for _, u := range urls {
			if len(result.URLs) >= maxURLs {
				break
			}
			fp := urlutil.Fingerprint(u, false)
			if seen[fp] {
				continue
			}
			seen[fp] = true
			result.URLs = append(result.URLs, u)
		}
	}

	if len(result.URLs) > 0 {
		result.Source = "sitemap"
		s.logger.Info("discovered URLs from sitemap",
			"origin", origin,
			"url_count", len(result.URLs),
			"sitemap_files", len(result.SitemapFiles),
		)
	}
	return result
}

// robotsSitemaps returns sitemap URLs declared in the origin's robots.txt.
func (s *SitemapService) robotsSitemaps(ctx context.Context, origin string) []string {
	body, err := s.fetch(ctx, origin+"/robots.txt")
	if err != nil {
		return nil
	}

	var urls []string
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) < 8 || !strings.EqualFold(line[:8], "sitemap:") {
			continue
		}
		if loc := strings.TrimSpace(line[8:]); loc != "" {
			urls = append(urls, loc)
		}
	}
	return urls
}

// fetchSitemap parses one sitemap file, recursing into index entries to
// a bounded depth. It returns the page URLs and the sitemap files read.
func (s *SitemapService) fetchSitemap(ctx context.Context, sitemapURL string, depth int) ([]string, []string, error) {
	if depth > sitemapMaxDepth {
		s.logger.Warn("sitemap recursion depth exceeded", "url", sitemapURL, "depth", depth)
		return nil, nil, nil
	}

	body, err := s.fetch(ctx, sitemapURL)
	if err != nil {
		return nil, nil, err
	}
	files := []string{sitemapURL}

	// Index files first: a urlset never has <sitemap> children
	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		var urls []string
		for _, entry := range index.Sitemaps {
			if entry.Loc == "" {
				continue
			}
			childURLs, childFiles, err := s.fetchSitemap(ctx, strings.TrimSpace(entry.Loc), depth+1)
			if err != nil {
				s.logger.Warn("failed to fetch nested sitemap", "url", entry.Loc, "error", err)
				continue
			}
			urls = append(urls, childURLs...)
			files = append(files, childFiles...)
		}
		return urls, files, nil
	}

	var urlset sitemapURLSet
	if err := xml.Unmarshal(body, &urlset); err != nil {
		return nil, nil, fmt.Errorf("failed to parse sitemap XML: %w", err)
	}

	var urls []string
	for _, u := range urlset.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			urls = append(urls, loc)
		}
	}
	return urls, files, nil
}

func (s *SitemapService) fetch(ctx context.Context, fetchURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/xml, text/xml, text/plain, */*")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", fetchURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", fetchURL, resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}
