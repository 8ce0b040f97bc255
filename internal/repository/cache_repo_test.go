package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/docmd-api/internal/models"
)

func TestCachePutGet(t *testing.T) {
	db := setupTestDB(t)
	cache := NewSQLiteCacheRepository(db)
	ctx := context.Background()

	entry := &models.URLCacheEntry{
		UserID:       "user-1",
		URLHash:      "hash-1",
		URL:          "https://docs.example.com/guide",
		Title:        "Guide",
		Content:      "# Guide\n\nSome content.",
		Links:        []string{"https://docs.example.com/guide/intro"},
		QualityScore: 55,
		WordCount:    120,
		CachedAt:     time.Now().UTC().Truncate(time.Second),
		TTL:          7 * 24 * time.Hour,
	}
	if err := cache.Put(ctx, entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := cache.Get(ctx, "user-1", "hash-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry, got nil")
	}
	if got.Content != entry.Content {
		t.Errorf("content = %q, want %q", got.Content, entry.Content)
	}
	if len(got.Links) != 1 || got.Links[0] != entry.Links[0] {
		t.Errorf("links = %v, want %v", got.Links, entry.Links)
	}

	// Other users never see the entry
	other, err := cache.Get(ctx, "user-2", "hash-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if other != nil {
		t.Error("cache entry leaked across users")
	}
}

func TestCacheLazyExpiry(t *testing.T) {
	db := setupTestDB(t)
	cache := NewSQLiteCacheRepository(db)
	ctx := context.Background()

	entry := &models.URLCacheEntry{
		UserID:   "user-1",
		URLHash:  "hash-1",
		URL:      "https://docs.example.com/old",
		Content:  "stale",
		CachedAt: time.Now().Add(-2 * time.Hour),
		TTL:      time.Hour,
	}
	if err := cache.Put(ctx, entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := cache.Get(ctx, "user-1", "hash-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("expired entry should be invisible")
	}

	// The lazy delete removed the row
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM url_cache").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expired row still present")
	}
}

func TestCacheUpsertRefreshes(t *testing.T) {
	db := setupTestDB(t)
	cache := NewSQLiteCacheRepository(db)
	ctx := context.Background()

	first := &models.URLCacheEntry{
		UserID:   "user-1",
		URLHash:  "hash-1",
		URL:      "https://docs.example.com/guide",
		Content:  "old",
		CachedAt: time.Now().Add(-time.Hour),
		TTL:      24 * time.Hour,
	}
	if err := cache.Put(ctx, first); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	second := &models.URLCacheEntry{
		UserID:    "user-1",
		URLHash:   "hash-1",
		URL:       "https://docs.example.com/guide",
		Content:   "new",
		WordCount: 1,
		CachedAt:  time.Now(),
		TTL:       24 * time.Hour,
	}
	if err := cache.Put(ctx, second); err != nil {
		t.Fatalf("Put (upsert) failed: %v", err)
	}

	got, err := cache.Get(ctx, "user-1", "hash-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Content != "new" {
		t.Errorf("upsert did not replace content: %+v", got)
	}
}

func TestCacheDeleteExpired(t *testing.T) {
	db := setupTestDB(t)
	cache := NewSQLiteCacheRepository(db)
	ctx := context.Background()

	fresh := &models.URLCacheEntry{
		UserID: "user-1", URLHash: "fresh", URL: "https://a.example.com",
		Content: "x", CachedAt: time.Now(), TTL: time.Hour,
	}
	stale := &models.URLCacheEntry{
		UserID: "user-1", URLHash: "stale", URL: "https://b.example.com",
		Content: "y", CachedAt: time.Now().Add(-2 * time.Hour), TTL: time.Hour,
	}
	for _, e := range []*models.URLCacheEntry{fresh, stale} {
		if err := cache.Put(ctx, e); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	deleted, err := cache.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	got, err := cache.Get(ctx, "user-1", "fresh")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Error("fresh entry should survive DeleteExpired")
	}
}
