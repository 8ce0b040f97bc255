package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/jmylchreest/docmd-api/internal/config"
	"github.com/jmylchreest/docmd-api/internal/database/migrations"
	"github.com/jmylchreest/docmd-api/internal/http/mw"
	"github.com/jmylchreest/docmd-api/internal/models"
	"github.com/jmylchreest/docmd-api/internal/repository"
	"github.com/jmylchreest/docmd-api/internal/service"
)

const testAPIKey = "dm_handlerstestkey"

type testEnv struct {
	server *httptest.Server
	repos  *repository.Repositories
	auth   *service.AuthService
	jobs   *service.JobService
}

func setupTestServer(t *testing.T) *testEnv {
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

	repos := repository.NewRepositories(db)
	cfg := &config.Config{
		BaseURL:               "http://localhost:8080",
		APIKeyHash:            service.HashAPIKey(testAPIKey),
		CrawlMaxPages:         50,
		CrawlMaxDepth:         2,
		CrawlQualityThreshold: 20,
		MaxActiveJobsPerUser:  5,
		CacheTTL:              time.Hour,
	}

	authSvc := service.NewAuthService(cfg, repos, quiet)
	jobSvc := service.NewJobService(cfg, repos, quiet)
	jobHandler := NewJobHandler(jobSvc, repos.Event, 200*time.Millisecond, 20*time.Millisecond)
	keyHandler := NewAPIKeyHandler(authSvc)

	router := chi.NewRouter()

	publicConfig := huma.DefaultConfig("docmd API", "test")
	api := humachi.New(router, publicConfig)
	huma.Get(api, "/api/v1/health", HealthCheck)

	authedConfig := huma.DefaultConfig("docmd API", "test")
	authedConfig.DocsPath = ""
	authedConfig.OpenAPIPath = ""
	authedConfig.SchemasPath = ""

	router.Group(func(r chi.Router) {
		r.Use(mw.Auth(authSvc))
		authedAPI := humachi.New(r, authedConfig)
		huma.Post(authedAPI, "/api/v1/crawl", jobHandler.CreateCrawlJob)
		huma.Get(authedAPI, "/api/v1/jobs", jobHandler.ListJobs)
		huma.Get(authedAPI, "/api/v1/jobs/{id}", jobHandler.GetJob)
		huma.Post(authedAPI, "/api/v1/jobs/{id}/cancel", jobHandler.CancelJob)
		huma.Post(authedAPI, "/api/v1/keys", keyHandler.CreateKey)
		r.Get("/api/v1/jobs/{id}/download", jobHandler.DownloadArtifact)
		r.Get("/api/v1/jobs/{id}/events", jobHandler.StreamEvents)
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{server: server, repos: repos, auth: authSvc, jobs: jobSvc}
}

func (e *testEnv) request(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	return e.requestWithKey(t, method, path, body, testAPIKey)
}

func (e *testEnv) requestWithKey(t *testing.T, method, path, body, key string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

func TestHealthCheck(t *testing.T) {
	env := setupTestServer(t)

	resp, err := http.Get(env.server.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, resp)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestCreateCrawlJob(t *testing.T) {
	env := setupTestServer(t)

	resp := env.request(t, http.MethodPost, "/api/v1/crawl",
		`{"url":"https://docs.example.com/guide","config":{"max_pages":5,"max_depth":1}}`)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	body := decodeBody(t, resp)
	if body["success"] != true {
		t.Errorf("success = %v, want true", body["success"])
	}
	if body["status"] != "pending" {
		t.Errorf("job status = %v, want pending", body["status"])
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatal("expected a job_id")
	}

	job, err := env.repos.Job.GetByID(context.Background(), jobID)
	if err != nil || job == nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("persisted status = %s, want pending", job.Status)
	}
}

func TestCreateCrawlJob_InvalidURL(t *testing.T) {
	env := setupTestServer(t)

	for _, body := range []string{
		`{"url":"not a url"}`,
		`{"url":"ftp://example.com/docs"}`,
		`{"url":"https://docs.example.com","config":{"max_pages":100000}}`,
	} {
		resp := env.request(t, http.MethodPost, "/api/v1/crawl", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want %d", body, resp.StatusCode, http.StatusBadRequest)
		}
	}
}

func TestCreateCrawlJob_Unauthorized(t *testing.T) {
	env := setupTestServer(t)

	resp := env.requestWithKey(t, http.MethodPost, "/api/v1/crawl",
		`{"url":"https://docs.example.com"}`, "dm_wrongkey")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	env := setupTestServer(t)

	resp := env.request(t, http.MethodGet, "/api/v1/jobs/01DOESNOTEXIST", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestGetJob_ReportsRecentActivity(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	out, err := env.jobs.Submit(ctx, "default", service.SubmitInput{URL: "https://docs.example.com"})
	if err != nil {
		t.Fatalf("failed to submit job: %v", err)
	}

	if _, err := env.repos.Event.Append(ctx, out.JobID, "default", models.EventDiscoveryStarted,
		models.DiscoveryStartedPayload{JobID: out.JobID}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	lastID, err := env.repos.Event.Append(ctx, out.JobID, "default", models.EventURLCrawled,
		models.URLCrawledPayload{URL: "https://docs.example.com", Success: true})
	if err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	resp := env.request(t, http.MethodGet, "/api/v1/jobs/"+out.JobID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, resp)

	activity, _ := body["recent_activity"].([]any)
	if len(activity) != 2 {
		t.Fatalf("recent_activity length = %d, want 2", len(activity))
	}
	first, _ := activity[0].(map[string]any)
	if first["type"] != string(models.EventDiscoveryStarted) {
		t.Errorf("first event type = %v, want %s (oldest first)", first["type"], models.EventDiscoveryStarted)
	}
	if body["last_event_id"] != lastID {
		t.Errorf("last_event_id = %v, want %s", body["last_event_id"], lastID)
	}
}

func TestCancelJob(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	out, err := env.jobs.Submit(ctx, "default", service.SubmitInput{URL: "https://docs.example.com"})
	if err != nil {
		t.Fatalf("failed to submit job: %v", err)
	}

	resp := env.request(t, http.MethodPost, "/api/v1/jobs/"+out.JobID+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, resp)
	if body["status"] != string(models.JobStatusCancelled) {
		t.Errorf("status = %v, want cancelled", body["status"])
	}

	// A second cancel hits a terminal job
	resp = env.request(t, http.MethodPost, "/api/v1/jobs/"+out.JobID+"/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel: status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestListJobs_ActiveOnly(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	active, err := env.jobs.Submit(ctx, "default", service.SubmitInput{URL: "https://docs.example.com"})
	if err != nil {
		t.Fatalf("failed to submit job: %v", err)
	}
	cancelled, err := env.jobs.Submit(ctx, "default", service.SubmitInput{URL: "https://other.example.com"})
	if err != nil {
		t.Fatalf("failed to submit job: %v", err)
	}
	if err := env.jobs.Cancel(ctx, "default", cancelled.JobID); err != nil {
		t.Fatalf("failed to cancel job: %v", err)
	}

	resp := env.request(t, http.MethodGet, "/api/v1/jobs", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, resp)
	jobs, _ := body["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("jobs length = %d, want 1", len(jobs))
	}
	entry, _ := jobs[0].(map[string]any)
	if entry["job_id"] != active.JobID {
		t.Errorf("job_id = %v, want %s", entry["job_id"], active.JobID)
	}
}

func TestDownloadArtifact(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	out, err := env.jobs.Submit(ctx, "default", service.SubmitInput{URL: "https://docs.example.com/guide"})
	if err != nil {
		t.Fatalf("failed to submit job: %v", err)
	}

	// Not completed yet
	resp := env.request(t, http.MethodGet, "/api/v1/jobs/"+out.JobID+"/download", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("before completion: status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	artifact := "# Guide\n\nHello.\n\n---\n\n# Install\n\nWorld."
	transitioned, err := env.repos.Job.SetTerminal(ctx, out.JobID, models.JobStatusCompleted, "", artifact)
	if err != nil || !transitioned {
		t.Fatalf("failed to complete job: transitioned=%v err=%v", transitioned, err)
	}

	resp = env.request(t, http.MethodGet, "/api/v1/jobs/"+out.JobID+"/download", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("Content-Type = %q, want text/markdown", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "docs.example.com-") || !strings.HasSuffix(cd, `.md"`) {
		t.Errorf("Content-Disposition = %q, want docs.example.com-<date>.md", cd)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if string(data) != artifact {
		t.Errorf("artifact body mismatch:\n%s", data)
	}
}

func TestStreamEvents_ReplaysAndTerminates(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	out, err := env.jobs.Submit(ctx, "default", service.SubmitInput{URL: "https://docs.example.com"})
	if err != nil {
		t.Fatalf("failed to submit job: %v", err)
	}

	appendEvent := func(eventType models.EventType, payload any) string {
		t.Helper()
		id, err := env.repos.Event.Append(ctx, out.JobID, "default", eventType, payload)
		if err != nil {
			t.Fatalf("failed to append %s: %v", eventType, err)
		}
		return id
	}
	appendEvent(models.EventDiscoveryStarted, models.DiscoveryStartedPayload{JobID: out.JobID})
	appendEvent(models.EventURLCrawled, models.URLCrawledPayload{URL: "https://docs.example.com", Success: true})
	appendEvent(models.EventJobCompleted, models.JobCompletedPayload{TotalProcessed: 1, TotalDiscovered: 1, TotalWords: 40})

	// The stream ends after the terminal event, so the whole body is
	// readable without cancelling the request.
	resp := env.request(t, http.MethodGet, "/api/v1/jobs/"+out.JobID+"/events", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read stream: %v", err)
	}
	body := string(data)

	for _, want := range []string{
		"event: stream_connected",
		"event: discovery_started",
		"event: url_crawled",
		"event: job_completed",
		"id: ",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}

	// Frames must arrive in append order
	if strings.Index(body, "event: discovery_started") > strings.Index(body, "event: job_completed") {
		t.Error("events out of order in stream")
	}
}

func TestStreamEvents_ResumesAfterLastEventID(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	out, err := env.jobs.Submit(ctx, "default", service.SubmitInput{URL: "https://docs.example.com"})
	if err != nil {
		t.Fatalf("failed to submit job: %v", err)
	}

	firstID, err := env.repos.Event.Append(ctx, out.JobID, "default", models.EventURLCrawled,
		models.URLCrawledPayload{URL: "https://docs.example.com/a", Success: true})
	if err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if _, err := env.repos.Event.Append(ctx, out.JobID, "default", models.EventURLCrawled,
		models.URLCrawledPayload{URL: "https://docs.example.com/b", Success: true}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if _, err := env.repos.Event.Append(ctx, out.JobID, "default", models.EventJobCompleted,
		models.JobCompletedPayload{TotalProcessed: 2, TotalDiscovered: 2}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/jobs/"+out.JobID+"/events", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Last-Event-ID", firstID)

	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read stream: %v", err)
	}
	body := string(data)

	if strings.Contains(body, "docs.example.com/a") {
		t.Error("stream replayed events at or before Last-Event-ID")
	}
	if !strings.Contains(body, "docs.example.com/b") {
		t.Errorf("stream missing events after Last-Event-ID:\n%s", body)
	}
	if !strings.Contains(body, "event: job_completed") {
		t.Error("stream missing terminal event")
	}
}

func TestStreamEvents_NotFound(t *testing.T) {
	env := setupTestServer(t)

	resp := env.request(t, http.MethodGet, "/api/v1/jobs/01DOESNOTEXIST/events", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := setupTestServer(t)

	resp := env.request(t, http.MethodPost, "/api/v1/keys", `{"name":"ci-pipeline"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, resp)

	plaintext, _ := body["api_key"].(string)
	if !strings.HasPrefix(plaintext, "dm_") {
		t.Fatalf("api_key = %q, want dm_ prefix", plaintext)
	}
	if prefix, _ := body["key_prefix"].(string); !strings.HasPrefix(plaintext, prefix) {
		t.Errorf("key_prefix %q is not a prefix of the key", prefix)
	}

	// The issued key must authenticate
	resp = env.requestWithKey(t, http.MethodGet, "/api/v1/jobs", "", plaintext)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("issued key rejected: status = %d", resp.StatusCode)
	}
}
