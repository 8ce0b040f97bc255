package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/docmd-api/internal/models"
	"github.com/jmylchreest/docmd-api/internal/repository"
	"github.com/jmylchreest/docmd-api/internal/service"
)

// JobHandler handles crawl job endpoints.
type JobHandler struct {
	jobSvc *service.JobService
	events repository.EventRepository

	// SSE tuning, see StreamEvents
	heartbeatInterval time.Duration
	pollInterval      time.Duration
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobSvc *service.JobService, events repository.EventRepository, heartbeatInterval, pollInterval time.Duration) *JobHandler {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &JobHandler{
		jobSvc:            jobSvc,
		events:            events,
		heartbeatInterval: heartbeatInterval,
		pollInterval:      pollInterval,
	}
}

// mapJobError translates service errors to HTTP errors.
func mapJobError(err error) error {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		return huma.Error400BadRequest(ve.Error())
	case errors.Is(err, service.ErrJobNotFound):
		return huma.Error404NotFound("job not found")
	case errors.Is(err, service.ErrJobNotCancellable):
		return huma.Error409Conflict("job is already in a terminal state")
	case errors.Is(err, service.ErrTooManyActiveJobs):
		return huma.Error429TooManyRequests("too many active jobs")
	}
	return huma.Error500InternalServerError(err.Error())
}

// CreateCrawlJobInput represents a crawl submission.
type CreateCrawlJobInput struct {
	Body struct {
		URL        string                     `json:"url" minLength:"1" example:"https://docs.example.com/guide" doc:"Seed URL to start crawling from"`
		Config     *models.CrawlConfigRequest `json:"config,omitempty" doc:"Crawl configuration overrides; omitted fields use server defaults"`
		WebhookURL string                     `json:"webhook_url,omitempty" format:"uri" example:"https://my-app.com/webhook/crawl-complete" doc:"URL to receive a POST webhook when the job finishes"`
	}
}

// CreateCrawlJobOutput represents the crawl submission response.
// The job is processed asynchronously; poll GET /api/v1/jobs/{id} or
// subscribe to /api/v1/jobs/{id}/events for progress.
type CreateCrawlJobOutput struct {
	Status int
	Body   struct {
		Success   bool   `json:"success"`
		JobID     string `json:"job_id" example:"01HXYZ123ABC456DEF789" doc:"Unique job identifier (ULID)"`
		JobStatus string `json:"status" example:"pending" doc:"Job status: pending, processing, completed, failed, cancelled"`
		StatusURL string `json:"status_url,omitempty" doc:"URL to poll for job status"`
	}
}

// CreateCrawlJob accepts a crawl job and queues it for the orchestrator.
func (h *JobHandler) CreateCrawlJob(ctx context.Context, input *CreateCrawlJobInput) (*CreateCrawlJobOutput, error) {
	userID := getUserID(ctx)
	if userID == "" {
		return nil, huma.Error401Unauthorized("unauthorized")
	}

	result, err := h.jobSvc.Submit(ctx, userID, service.SubmitInput{
		URL:        input.Body.URL,
		Config:     input.Body.Config,
		WebhookURL: input.Body.WebhookURL,
	})
	if err != nil {
		return nil, mapJobError(err)
	}

	out := &CreateCrawlJobOutput{Status: http.StatusAccepted}
	out.Body.Success = true
	out.Body.JobID = result.JobID
	out.Body.JobStatus = result.Status
	out.Body.StatusURL = result.StatusURL
	return out, nil
}

// JobEventView is one entry of a job's recent activity.
type JobEventView struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// JobStatusBody describes a job and its progress counters.
type JobStatusBody struct {
	Success         bool           `json:"success"`
	JobID           string         `json:"job_id"`
	Status          string         `json:"status"`
	StatusMessage   string         `json:"status_message,omitempty"`
	SeedURL         string         `json:"seed_url"`
	TotalProcessed  int            `json:"total_processed"`
	TotalDiscovered int            `json:"total_discovered"`
	TotalFailed     int            `json:"total_failed"`
	TotalWords      int            `json:"total_words"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	RecentActivity  []JobEventView `json:"recent_activity"`
	LastEventID     string         `json:"last_event_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// GetJobInput represents job status request.
type GetJobInput struct {
	ID string `path:"id" doc:"Job ID"`
}

// GetJobOutput represents job status response.
type GetJobOutput struct {
	Body JobStatusBody
}

// GetJob returns the job with progress counters and the tail of its
// event log (up to 10 events, oldest first).
func (h *JobHandler) GetJob(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
	userID := getUserID(ctx)
	if userID == "" {
		return nil, huma.Error401Unauthorized("unauthorized")
	}

	detail, err := h.jobSvc.GetJob(ctx, userID, input.ID)
	if err != nil {
		return nil, mapJobError(err)
	}

	return &GetJobOutput{Body: jobStatusBody(detail)}, nil
}

func jobStatusBody(detail *service.JobDetail) JobStatusBody {
	job := detail.Job
	activity := make([]JobEventView, 0, len(detail.RecentActivity))
	for _, ev := range detail.RecentActivity {
		activity = append(activity, JobEventView{
			EventID:   ev.EventID,
			Type:      string(ev.Type),
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		})
	}
	return JobStatusBody{
		Success:         true,
		JobID:           job.ID,
		Status:          string(job.Status),
		StatusMessage:   job.StatusMessage,
		SeedURL:         job.SeedURL,
		TotalProcessed:  job.PagesProcessed,
		TotalDiscovered: job.PagesDiscovered,
		TotalFailed:     job.PagesFailed,
		TotalWords:      job.TotalWords,
		ErrorMessage:    job.ErrorMessage,
		RecentActivity:  activity,
		LastEventID:     detail.LastEventID,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
}

// JobSummary is one entry of the active job list.
type JobSummary struct {
	JobID           string    `json:"job_id"`
	Status          string    `json:"status"`
	SeedURL         string    `json:"seed_url"`
	TotalProcessed  int       `json:"total_processed"`
	TotalDiscovered int       `json:"total_discovered"`
	CreatedAt       time.Time `json:"created_at"`
}

// ListJobsOutput represents the active job list response.
type ListJobsOutput struct {
	Body struct {
		Success bool         `json:"success"`
		Jobs    []JobSummary `json:"jobs"`
	}
}

// ListJobs returns the caller's pending and processing jobs.
func (h *JobHandler) ListJobs(ctx context.Context, input *struct{}) (*ListJobsOutput, error) {
	userID := getUserID(ctx)
	if userID == "" {
		return nil, huma.Error401Unauthorized("unauthorized")
	}

	jobs, err := h.jobSvc.ListActive(ctx, userID)
	if err != nil {
		return nil, mapJobError(err)
	}

	out := &ListJobsOutput{}
	out.Body.Success = true
	out.Body.Jobs = make([]JobSummary, 0, len(jobs))
	for _, job := range jobs {
		out.Body.Jobs = append(out.Body.Jobs, JobSummary{
			JobID:           job.ID,
			Status:          string(job.Status),
			SeedURL:         job.SeedURL,
			TotalProcessed:  job.PagesProcessed,
			TotalDiscovered: job.PagesDiscovered,
			CreatedAt:       job.CreatedAt,
		})
	}
	return out, nil
}

// CancelJobInput represents a cancel request.
type CancelJobInput struct {
	ID string `path:"id" doc:"Job ID"`
}

// CancelJobOutput represents a cancel response.
type CancelJobOutput struct {
	Body struct {
		Success   bool   `json:"success"`
		JobID     string `json:"job_id"`
		JobStatus string `json:"status" example:"cancelled"`
	}
}

// CancelJob cancels a pending or processing job. Terminal jobs cannot
// be cancelled.
func (h *JobHandler) CancelJob(ctx context.Context, input *CancelJobInput) (*CancelJobOutput, error) {
	userID := getUserID(ctx)
	if userID == "" {
		return nil, huma.Error401Unauthorized("unauthorized")
	}

	if err := h.jobSvc.Cancel(ctx, userID, input.ID); err != nil {
		return nil, mapJobError(err)
	}

	out := &CancelJobOutput{}
	out.Body.Success = true
	out.Body.JobID = input.ID
	out.Body.JobStatus = string(models.JobStatusCancelled)
	return out, nil
}

// DownloadArtifact serves the combined Markdown of a completed job.
// This is a raw HTTP handler so the response can be text/markdown with
// a download filename instead of a JSON envelope.
func (h *JobHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r.Context())
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		writeJSONError(w, http.StatusBadRequest, "job ID required")
		return
	}

	job, markdown, err := h.jobSvc.GetArtifact(r.Context(), userID, jobID)
	if errors.Is(err, service.ErrJobNotFound) {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to get artifact")
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifactFilename(job)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(markdown))
}

// artifactFilename builds "<host>-<YYYY-MM-DD>.md" from the seed URL
// and the completion date.
func artifactFilename(job *models.Job) string {
	host := "docs"
	if u, err := url.Parse(job.SeedURL); err == nil && u.Host != "" {
		host = u.Host
	}
	completed := job.UpdatedAt
	if job.CompletedAt != nil {
		completed = *job.CompletedAt
	}
	return fmt.Sprintf("%s-%s.md", host, completed.Format("2006-01-02"))
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}
