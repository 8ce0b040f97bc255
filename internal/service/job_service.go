package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/docmd-api/internal/config"
	"github.com/jmylchreest/docmd-api/internal/models"
	"github.com/jmylchreest/docmd-api/internal/repository"
)

// Errors the HTTP layer maps to status codes.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotCancellable = errors.New("job is already in a terminal state")
	ErrTooManyActiveJobs = errors.New("too many active jobs")
)

// JobService handles crawl job submission and lifecycle queries.
type JobService struct {
	cfg    *config.Config
	repos  *repository.Repositories
	logger *slog.Logger
}

// NewJobService creates a new job service.
func NewJobService(cfg *config.Config, repos *repository.Repositories, logger *slog.Logger) *JobService {
	return &JobService{
		cfg:    cfg,
		repos:  repos,
		logger: logger.With("component", "jobs"),
	}
}

// SubmitInput is a crawl submission.
type SubmitInput struct {
	URL        string
	Config     *models.CrawlConfigRequest
	WebhookURL string
}

// SubmitOutput identifies the created job.
type SubmitOutput struct {
	JobID     string
	Status    string
	StatusURL string
}

// ValidationError reports an invalid submission field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Submit validates the seed URL and config, applies server defaults,
// and creates a pending job for the orchestrator to claim.
func (s *JobService) Submit(ctx context.Context, userID string, input SubmitInput) (*SubmitOutput, error) {
	seed, err := url.Parse(input.URL)
	if err != nil || (seed.Scheme != "http" && seed.Scheme != "https") || seed.Host == "" {
		return nil, &ValidationError{Field: "url", Message: "must be an absolute http or https URL"}
	}

	cfg := s.resolveConfig(input.Config)
	if err := validateCrawlConfig(cfg); err != nil {
		return nil, err
	}

	if input.WebhookURL != "" {
		wh, err := url.Parse(input.WebhookURL)
		if err != nil || (wh.Scheme != "http" && wh.Scheme != "https") || wh.Host == "" {
			return nil, &ValidationError{Field: "webhook_url", Message: "must be an absolute http or https URL"}
		}
	}

	active, err := s.repos.Job.CountActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active jobs: %w", err)
	}
	if active >= s.cfg.MaxActiveJobsPerUser {
		return nil, ErrTooManyActiveJobs
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}

	now := time.Now()
	job := &models.Job{
		ID:         ulid.Make().String(),
		UserID:     userID,
		SeedURL:    seed.String(),
		ConfigJSON: string(configJSON),
		Status:     models.JobStatusPending,
		WebhookURL: input.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repos.Job.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("job submitted",
		"job_id", job.ID,
		"user_id", userID,
		"seed_url", job.SeedURL,
		"max_pages", cfg.MaxPages,
		"max_depth", cfg.MaxDepth,
	)

	return &SubmitOutput{
		JobID:     job.ID,
		Status:    string(job.Status),
		StatusURL: fmt.Sprintf("%s/api/v1/jobs/%s", s.cfg.BaseURL, job.ID),
	}, nil
}

// resolveConfig fills omitted fields with server defaults. Bools are
// only overridden when the client sent them, so a partial config keeps
// respect_robots and follow_sitemaps enabled.
func (s *JobService) resolveConfig(in *models.CrawlConfigRequest) *models.CrawlConfig {
	cfg := &models.CrawlConfig{
		MaxPages:         s.cfg.CrawlMaxPages,
		MaxDepth:         s.cfg.CrawlMaxDepth,
		QualityThreshold: s.cfg.CrawlQualityThreshold,
		RespectRobots:    true,
		FollowSitemaps:   true,
	}
	if in == nil {
		return cfg
	}
	if in.MaxPages > 0 {
		cfg.MaxPages = in.MaxPages
	}
	if in.MaxDepth > 0 {
		cfg.MaxDepth = in.MaxDepth
	}
	if in.QualityThreshold > 0 {
		cfg.QualityThreshold = in.QualityThreshold
	}
	if in.RespectRobots != nil {
		cfg.RespectRobots = *in.RespectRobots
	}
	if in.FollowSitemaps != nil {
		cfg.FollowSitemaps = *in.FollowSitemaps
	}
	cfg.ForceRefresh = in.ForceRefresh
	return cfg
}

func validateCrawlConfig(cfg *models.CrawlConfig) error {
	if cfg.MaxPages < 1 || cfg.MaxPages > 1000 {
		return &ValidationError{Field: "config.max_pages", Message: "must be between 1 and 1000"}
	}
	if cfg.MaxDepth < 0 || cfg.MaxDepth > 10 {
		return &ValidationError{Field: "config.max_depth", Message: "must be between 0 and 10"}
	}
	if cfg.QualityThreshold < 0 || cfg.QualityThreshold > 100 {
		return &ValidationError{Field: "config.quality_threshold", Message: "must be between 0 and 100"}
	}
	return nil
}

// JobDetail is a job plus its recent event tail.
type JobDetail struct {
	Job            *models.Job
	RecentActivity []*models.JobEvent
	LastEventID    string
}

// GetJob returns the job with its last 10 events, oldest first.
// Returns ErrJobNotFound when the job does not exist or belongs to a
// different user; ownership failures are indistinguishable from absence.
func (s *JobService) GetJob(ctx context.Context, userID, jobID string) (*JobDetail, error) {
	job, err := s.repos.Job.GetByIDForUser(ctx, userID, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}

	recent, err := s.repos.Event.Latest(ctx, jobID, 10)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent events: %w", err)
	}
	lastEventID, err := s.repos.Event.LastEventID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read last event id: %w", err)
	}

	return &JobDetail{
		Job:            job,
		RecentActivity: recent,
		LastEventID:    lastEventID,
	}, nil
}

// ListActive returns the user's pending and processing jobs.
func (s *JobService) ListActive(ctx context.Context, userID string) ([]*models.Job, error) {
	jobs, err := s.repos.Job.GetActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return jobs, nil
}

// Cancel moves a non-terminal job to cancelled, purges its queue, and
// appends a terminal event so subscribers shut down. In-flight workers
// observe the status change and abort their fetches.
func (s *JobService) Cancel(ctx context.Context, userID, jobID string) error {
	job, err := s.repos.Job.GetByIDForUser(ctx, userID, jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return ErrJobNotCancellable
	}

	transitioned, err := s.repos.Job.SetTerminal(ctx, jobID, models.JobStatusCancelled, "Job cancelled", "")
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if !transitioned {
		// Lost the race with finalize/timeout
		return ErrJobNotCancellable
	}

	if err := s.repos.Queue.PurgeJob(ctx, jobID); err != nil {
		s.logger.Warn("failed to purge queue for cancelled job", "job_id", jobID, "error", err)
	}

	if _, err := s.repos.Event.Append(ctx, jobID, job.UserID, models.EventJobFailed, models.JobFailedPayload{
		Error:           "Job cancelled",
		TotalProcessed:  job.PagesProcessed,
		TotalDiscovered: job.PagesDiscovered,
	}); err != nil {
		s.logger.Warn("failed to append cancel event", "job_id", jobID, "error", err)
	}

	s.logger.Info("job cancelled", "job_id", jobID, "user_id", userID)
	return nil
}

// GetArtifact returns the combined Markdown of a completed job.
// Returns ErrJobNotFound for missing, unowned, or non-completed jobs.
func (s *JobService) GetArtifact(ctx context.Context, userID, jobID string) (*models.Job, string, error) {
	job, err := s.repos.Job.GetByIDForUser(ctx, userID, jobID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil || job.Status != models.JobStatusCompleted {
		return nil, "", ErrJobNotFound
	}
	return job, job.Artifact, nil
}
