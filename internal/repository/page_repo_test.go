package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/docmd-api/internal/models"
)

func newTestPage(id, jobID, urlHash string) *models.CrawledPage {
	status := 200
	return &models.CrawledPage{
		ID:           id,
		JobID:        jobID,
		URL:          "https://docs.example.com/" + id,
		URLHash:      urlHash,
		Title:        "Page " + id,
		Depth:        1,
		HTTPStatus:   &status,
		Status:       models.PageStatusCrawled,
		QualityScore: 45,
		WordCount:    320,
		CrawledAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestPageCreateIdempotent(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewSQLiteJobRepository(db)
	pages := NewSQLitePageRepository(db)
	ctx := context.Background()

	if err := jobs.Create(ctx, newTestJob("job-1", "user-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	inserted, err := pages.CreatePage(ctx, newTestPage("p1", "job-1", "hash-1"))
	if err != nil {
		t.Fatalf("CreatePage failed: %v", err)
	}
	if !inserted {
		t.Fatal("first insert should succeed")
	}

	// Second insert with the same (job_id, url_hash) loses the race
	dup := newTestPage("p1b", "job-1", "hash-1")
	inserted, err = pages.CreatePage(ctx, dup)
	if err != nil {
		t.Fatalf("CreatePage failed: %v", err)
	}
	if inserted {
		t.Error("duplicate (job, url_hash) should not insert")
	}

	total, successful, err := pages.CountByJobID(ctx, "job-1")
	if err != nil {
		t.Fatalf("CountByJobID failed: %v", err)
	}
	if total != 1 || successful != 1 {
		t.Errorf("counts = (%d,%d), want (1,1)", total, successful)
	}
}

func TestPageSameURLDifferentJobs(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewSQLiteJobRepository(db)
	pages := NewSQLitePageRepository(db)
	ctx := context.Background()

	if err := jobs.Create(ctx, newTestJob("job-1", "user-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := jobs.Create(ctx, newTestJob("job-2", "user-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for _, jobID := range []string{"job-1", "job-2"} {
		inserted, err := pages.CreatePage(ctx, newTestPage("p-"+jobID, jobID, "hash-shared"))
		if err != nil {
			t.Fatalf("CreatePage failed: %v", err)
		}
		if !inserted {
			t.Errorf("same hash under job %s should insert independently", jobID)
		}
	}
}

func TestPageContentAssemblyOrder(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewSQLiteJobRepository(db)
	pages := NewSQLitePageRepository(db)
	ctx := context.Background()

	if err := jobs.Create(ctx, newTestJob("job-1", "user-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"p1", "p2", "p3"} {
		page := newTestPage(id, "job-1", "hash-"+id)
		page.CrawledAt = base.Add(time.Duration(i) * time.Second)
		if _, err := pages.CreatePage(ctx, page); err != nil {
			t.Fatalf("CreatePage failed: %v", err)
		}
		if err := pages.CreateChunk(ctx, &models.PageContentChunk{
			PageID:      id,
			ContentType: "markdown",
			Content:     "# " + id,
		}); err != nil {
			t.Fatalf("CreateChunk failed: %v", err)
		}
	}

	// A failed page has no chunk and must not appear in the artifact
	failed := newTestPage("p4", "job-1", "hash-p4")
	failed.Status = models.PageStatusError
	failed.ErrorCategory = models.ErrorCategoryFetch
	failed.ErrorMessage = "connection refused"
	if _, err := pages.CreatePage(ctx, failed); err != nil {
		t.Fatalf("CreatePage failed: %v", err)
	}

	contents, err := pages.GetSuccessfulContent(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetSuccessfulContent failed: %v", err)
	}
	if len(contents) != 3 {
		t.Fatalf("len = %d, want 3", len(contents))
	}
	for i, want := range []string{"# p1", "# p2", "# p3"} {
		if contents[i].Content != want {
			t.Errorf("content[%d] = %q, want %q", i, contents[i].Content, want)
		}
	}

	total, successful, err := pages.CountByJobID(ctx, "job-1")
	if err != nil {
		t.Fatalf("CountByJobID failed: %v", err)
	}
	if total != 4 || successful != 3 {
		t.Errorf("counts = (%d,%d), want (4,3)", total, successful)
	}
}

func TestPageGetByJobID(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewSQLiteJobRepository(db)
	pages := NewSQLitePageRepository(db)
	ctx := context.Background()

	if err := jobs.Create(ctx, newTestJob("job-1", "user-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	page := newTestPage("p1", "job-1", "hash-1")
	page.FromCache = true
	if _, err := pages.CreatePage(ctx, page); err != nil {
		t.Fatalf("CreatePage failed: %v", err)
	}

	got, err := pages.GetByJobID(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetByJobID failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if !got[0].FromCache {
		t.Error("from_cache flag not round-tripped")
	}
	if got[0].HTTPStatus == nil || *got[0].HTTPStatus != 200 {
		t.Errorf("http status = %v, want 200", got[0].HTTPStatus)
	}
}
