package mw

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/jmylchreest/docmd-api/internal/config"
	"github.com/jmylchreest/docmd-api/internal/database/migrations"
	"github.com/jmylchreest/docmd-api/internal/repository"
	"github.com/jmylchreest/docmd-api/internal/service"
)

func setupAuthService(t *testing.T, cfg *config.Config) *service.AuthService {
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

	return service.NewAuthService(cfg, repository.NewRepositories(db), quiet)
}

func echoUserHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(GetUserID(r.Context())))
	})
}

func TestAuth_MissingHeader(t *testing.T) {
	handler := Auth(setupAuthService(t, &config.Config{}))(echoUserHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuth_InvalidKey(t *testing.T) {
	handler := Auth(setupAuthService(t, &config.Config{}))(echoUserHandler())

	for _, token := range []string{"not-a-key", "dm_0000000000000000"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want %d", token, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestAuth_SingleKeyMode(t *testing.T) {
	plaintext := "dm_singlekeymodetest"
	cfg := &config.Config{APIKeyHash: service.HashAPIKey(plaintext)}
	handler := Auth(setupAuthService(t, cfg))(echoUserHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "default" {
		t.Errorf("user id = %q, want %q", got, "default")
	}
}

func TestAuth_DatabaseBackedKey(t *testing.T) {
	authSvc := setupAuthService(t, &config.Config{})

	plaintext, _, err := authSvc.CreateAPIKey(context.Background(), "user-1", "test key")
	if err != nil {
		t.Fatalf("failed to create API key: %v", err)
	}

	handler := Auth(authSvc)(echoUserHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "user-1" {
		t.Errorf("user id = %q, want %q", got, "user-1")
	}
}

func TestGetUserID_EmptyWithoutAuth(t *testing.T) {
	if got := GetUserID(context.Background()); got != "" {
		t.Errorf("GetUserID on bare context = %q, want empty", got)
	}
}
