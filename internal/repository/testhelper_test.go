package repository

import (
	"database/sql"
	"io"
	"log/slog"
	"testing"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/jmylchreest/docmd-api/internal/database/migrations"
)

// setupTestDB creates an in-memory database with the full schema applied.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := migrations.Run(db, quiet); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return db
}
