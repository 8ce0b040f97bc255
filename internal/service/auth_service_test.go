package service

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/jmylchreest/docmd-api/internal/config"
	"github.com/jmylchreest/docmd-api/internal/database/migrations"
	"github.com/jmylchreest/docmd-api/internal/repository"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := migrations.Run(db, quiet); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func TestHashAPIKey(t *testing.T) {
	h1 := HashAPIKey("dm_somekey")
	h2 := HashAPIKey("dm_somekey")
	if h1 != h2 {
		t.Error("hash is not deterministic")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
	if h1 == HashAPIKey("dm_otherkey") {
		t.Error("different keys hash identically")
	}
}

func TestValidateAPIKey_RejectsBadKeys(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	repos := repository.NewRepositories(newTestDB(t))
	svc := NewAuthService(&config.Config{}, repos, quiet)
	ctx := context.Background()

	for _, key := range []string{"", "nodprefix", "dm_unknownkey"} {
		if _, err := svc.ValidateAPIKey(ctx, key); !errors.Is(err, ErrInvalidAPIKey) {
			t.Errorf("key %q: err = %v, want ErrInvalidAPIKey", key, err)
		}
	}
}

func TestValidateAPIKey_SingleKeyMode(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	repos := repository.NewRepositories(newTestDB(t))
	cfg := &config.Config{APIKeyHash: HashAPIKey("dm_selfhosted")}
	svc := NewAuthService(cfg, repos, quiet)

	userID, err := svc.ValidateAPIKey(context.Background(), "dm_selfhosted")
	if err != nil {
		t.Fatalf("ValidateAPIKey failed: %v", err)
	}
	if userID != "default" {
		t.Errorf("user id = %q, want %q", userID, "default")
	}
}

func TestCreateAPIKey_RoundTrip(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	repos := repository.NewRepositories(newTestDB(t))
	svc := NewAuthService(&config.Config{}, repos, quiet)
	ctx := context.Background()

	plaintext, key, err := svc.CreateAPIKey(ctx, "user-1", "test key")
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	if !strings.HasPrefix(plaintext, APIKeyPrefix) {
		t.Errorf("plaintext %q missing %q prefix", plaintext, APIKeyPrefix)
	}
	if !strings.HasPrefix(plaintext, key.KeyPrefix) {
		t.Errorf("KeyPrefix %q is not a prefix of the plaintext", key.KeyPrefix)
	}
	if key.KeyHash != HashAPIKey(plaintext) {
		t.Error("stored hash does not match the plaintext")
	}

	userID, err := svc.ValidateAPIKey(ctx, plaintext)
	if err != nil {
		t.Fatalf("issued key rejected: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("user id = %q, want %q", userID, "user-1")
	}
}
