package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/docmd-api/internal/config"
	"github.com/jmylchreest/docmd-api/internal/extractor"
	"github.com/jmylchreest/docmd-api/internal/models"
	"github.com/jmylchreest/docmd-api/internal/repository"
	"github.com/jmylchreest/docmd-api/internal/service"
	"github.com/jmylchreest/docmd-api/internal/urlutil"
)

// artifactSeparator joins successful pages into the combined Markdown.
const artifactSeparator = "\n\n---\n\n"

// maxConcurrentJobs bounds jobs running on one node, which together
// with the per-job worker count bounds total workers node-wide.
const maxConcurrentJobs = 8

// Orchestrator claims pending jobs and drives each through the
// pending → processing → terminal state machine. Transitions of one job
// are serialized in its runJob goroutine; the terminal write itself is
// guarded by the conditional UPDATE in the job repository.
type Orchestrator struct {
	cfg       *config.Config
	repos     *repository.Repositories
	services  *service.Services
	extractor *extractor.Extractor
	fetcher   *Fetcher
	logger    *slog.Logger

	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running int
}

// New creates an orchestrator.
func New(cfg *config.Config, repos *repository.Repositories, services *service.Services, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		repos:     repos,
		services:  services,
		extractor: extractor.New(),
		fetcher:   NewFetcher(cfg.CrawlFetchTimeout, cfg.CrawlUserAgent),
		logger:    logger.With("component", "orchestrator"),
		stop:      make(chan struct{}),
	}
}

// Start begins the claim loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.logger.Info("starting",
		"workers_per_job", o.cfg.CrawlWorkersPerJob,
		"batch_size", o.cfg.CrawlBatchSize,
		"poll_interval", o.cfg.WorkerPollInterval.String(),
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.WorkerPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-o.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.claimNext(ctx)
			}
		}
	}()
}

// Stop waits for the claim loop and all running jobs to finish.
func (o *Orchestrator) Stop() {
	o.logger.Info("stopping")
	close(o.stop)
	o.wg.Wait()
	o.logger.Info("stopped")
}

func (o *Orchestrator) claimNext(ctx context.Context) {
	o.mu.Lock()
	if o.running >= maxConcurrentJobs {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	job, err := o.repos.Job.ClaimPending(ctx)
	if err != nil {
		o.logger.Error("failed to claim job", "error", err)
		return
	}
	if job == nil {
		return
	}

	o.mu.Lock()
	o.running++
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			o.running--
			o.mu.Unlock()
		}()
		o.runJob(ctx, job)
	}()
}

// runJob drives one claimed job to a terminal state.
func (o *Orchestrator) runJob(ctx context.Context, job *models.Job) {
	logger := o.logger.With("job_id", job.ID)
	logger.Info("job started", "seed_url", job.SeedURL)

	jobCtx, cancel := context.WithTimeout(ctx, o.cfg.CrawlJobTimeout)
	defer cancel()

	var cfg models.CrawlConfig
	if job.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(job.ConfigJSON), &cfg); err != nil {
			o.failJob(ctx, job, fmt.Sprintf("invalid job config: %v", err), logger)
			return
		}
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = o.cfg.CrawlMaxPages
	}

	seedBase, err := url.Parse(job.SeedURL)
	if err != nil {
		o.failJob(ctx, job, fmt.Sprintf("invalid seed URL: %v", err), logger)
		return
	}

	run := &jobRun{
		job:      job,
		cfg:      cfg,
		seedBase: seedBase,
		drained:  make(chan struct{}, 1),
	}

	if err := o.discover(jobCtx, run, logger); err != nil {
		o.failJob(ctx, job, err.Error(), logger)
		return
	}

	p := &pool{
		repos:        o.repos,
		cache:        o.services.Cache,
		extractor:    o.extractor,
		fetcher:      o.fetcher,
		workers:      o.cfg.CrawlWorkersPerJob,
		batchSize:    o.cfg.CrawlBatchSize,
		pollInterval: o.cfg.WorkerPollInterval,
		logger:       o.logger,
	}

	poolCtx, stopPool := context.WithCancel(jobCtx)
	poolDone := make(chan struct{})
	go func() {
		p.run(poolCtx, run)
		close(poolDone)
	}()
	defer func() {
		stopPool()
		<-poolDone
	}()

	statusTicker := time.NewTicker(o.cfg.WorkerPollInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-jobCtx.Done():
			// Wall-clock budget exhausted (or server shutdown). Collected
			// pages stay intact either way.
			if ctx.Err() == nil {
				o.failJob(ctx, job, "timeout", logger)
			}
			return

		case <-statusTicker.C:
			// Cancel requests land in the DB; observe them here and
			// abort in-flight fetches via the pool context.
			current, err := o.repos.Job.GetByID(ctx, job.ID)
			if err != nil {
				logger.Error("failed to poll job status", "error", err)
				continue
			}
			if current == nil {
				logger.Error("job row disappeared while processing")
				return
			}
			if current.Status.IsTerminal() {
				logger.Info("job reached terminal state externally", "status", string(current.Status))
				return
			}

		case <-run.drained:
			done, err := o.tryFinalize(jobCtx, run, logger)
			if err != nil {
				logger.Error("finalize attempt failed", "error", err)
				continue
			}
			if done {
				return
			}
		}
	}
}

// discover admits the seed and, when enabled, sitemap URLs, bounded by
// max_pages. A retried start for a job whose queue already holds the
// seed is a no-op thanks to the seen-set.
func (o *Orchestrator) discover(ctx context.Context, run *jobRun, logger *slog.Logger) error {
	job := run.job
	o.appendEvent(ctx, run, models.EventDiscoveryStarted, models.DiscoveryStartedPayload{JobID: job.ID}, logger)

	admitted := 0

	seed, ok := urlutil.Normalize(job.SeedURL, nil, urlutil.NormalizeOptions{})
	if !ok {
		return fmt.Errorf("seed URL rejected by normalization")
	}
	// A root seed always passes doc-likeness; any other seed is screened
	// like a discovered link.
	if urlutil.IsDocumentationLike(seed) {
		wasAdmitted, err := o.repos.Queue.Enqueue(ctx, job.ID, seed, urlutil.Fingerprint(seed, false), 0, run.cfg.MaxPages)
		if err != nil {
			return fmt.Errorf("failed to enqueue seed: %w", err)
		}
		if wasAdmitted {
			admitted++
		}
	} else {
		logger.Warn("seed rejected by documentation filter", "url", seed)
	}

	if run.cfg.FollowSitemaps {
		result := o.services.Sitemap.Discover(ctx, job.SeedURL, run.cfg.MaxPages)
		for _, sitemapURL := range result.URLs {
			canonical, ok := urlutil.Normalize(sitemapURL, run.seedBase, urlutil.NormalizeOptions{})
			if !ok {
				continue
			}
			if !urlutil.WithinPathPrefix(canonical, job.SeedURL) || !urlutil.IsDocumentationLike(canonical) {
				continue
			}
			wasAdmitted, err := o.repos.Queue.Enqueue(ctx, job.ID, canonical, urlutil.Fingerprint(canonical, false), 1, run.cfg.MaxPages)
			if err != nil {
				logger.Error("failed to enqueue sitemap URL", "url", canonical, "error", err)
				continue
			}
			if wasAdmitted {
				admitted++
			}
		}
		logger.Info("sitemap discovery finished", "source", result.Source, "admitted", admitted)
	}

	if admitted > 0 {
		o.appendEvent(ctx, run, models.EventURLsDiscovered, models.URLsDiscoveredPayload{
			Count:           admitted,
			Depth:           1,
			TotalDiscovered: admitted,
		}, logger)
	}
	return nil
}

// tryFinalize re-checks the drain condition under a quiescence window
// and, when it holds, writes the terminal state. Returns true when the
// job reached a terminal state.
func (o *Orchestrator) tryFinalize(ctx context.Context, run *jobRun, logger *slog.Logger) (bool, error) {
	job := run.job

	versionBefore, err := o.repos.Job.GetStateVersion(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("failed to read state version: %w", err)
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(o.cfg.OrchestratorQuiescence):
	}

	depth, err := o.repos.Queue.QueueDepth(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("failed to read queue depth: %w", err)
	}
	versionAfter, err := o.repos.Job.GetStateVersion(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("failed to read state version: %w", err)
	}

	if depth != 0 || run.inflight.Load() != 0 || versionAfter != versionBefore {
		// A worker was mid-admission; the next drain signal retries.
		return false, nil
	}

	return true, o.finalize(ctx, run, logger)
}

// finalize recomputes totals from the stored pages, assembles the
// combined Markdown artifact, and completes (or fails) the job.
func (o *Orchestrator) finalize(ctx context.Context, run *jobRun, logger *slog.Logger) error {
	job := run.job

	pages, err := o.repos.Page.GetByJobID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load pages: %w", err)
	}

	processed, failed, words, successful := 0, 0, 0, 0
	for _, page := range pages {
		switch page.Status {
		case models.PageStatusCrawled:
			successful++
			words += page.WordCount
			if page.QualityScore >= run.cfg.QualityThreshold {
				processed++
			}
		case models.PageStatusError:
			failed++
		}
	}

	if err := o.repos.Job.UpdateTotals(ctx, job.ID, processed, failed, words); err != nil {
		return fmt.Errorf("failed to update totals: %w", err)
	}

	current, err := o.repos.Job.GetByID(ctx, job.ID)
	if err != nil || current == nil {
		return fmt.Errorf("failed to reload job: %w", err)
	}

	if successful == 0 {
		o.failJob(ctx, current, "No URLs were successfully crawled", logger)
		return nil
	}

	contents, err := o.repos.Page.GetSuccessfulContent(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load page content: %w", err)
	}
	parts := make([]string, 0, len(contents))
	for _, pc := range contents {
		parts = append(parts, pc.Content)
	}
	artifact := strings.Join(parts, artifactSeparator)

	transitioned, err := o.repos.Job.SetTerminal(ctx, job.ID, models.JobStatusCompleted, "", artifact)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if !transitioned {
		// Cancelled or timed out between drain and finalize.
		return nil
	}

	if err := o.services.Storage.StoreArtifact(ctx, job.ID, artifact); err != nil {
		logger.Warn("failed to copy artifact to storage", "error", err)
	}
	if err := o.repos.Queue.PurgeJob(ctx, job.ID); err != nil {
		logger.Warn("failed to purge queue", "error", err)
	}

	o.appendEvent(ctx, run, models.EventJobCompleted, models.JobCompletedPayload{
		TotalProcessed:  current.PagesProcessed,
		TotalDiscovered: current.PagesDiscovered,
		TotalWords:      current.TotalWords,
	}, logger)

	if job.WebhookURL != "" {
		o.services.Webhook.Send(ctx, job.WebhookURL, service.JobWebhookPayload{
			JobID:          job.ID,
			Status:         string(models.JobStatusCompleted),
			SeedURL:        job.SeedURL,
			PagesProcessed: current.PagesProcessed,
			TotalWords:     current.TotalWords,
			CompletedAt:    time.Now().UTC().Format(time.RFC3339),
		})
	}

	logger.Info("job completed",
		"processed", current.PagesProcessed,
		"discovered", current.PagesDiscovered,
		"words", current.TotalWords,
		"artifact_bytes", len(artifact),
	)
	return nil
}

// failJob writes the failed terminal state and emits job_failed. Uses a
// background-capable context so shutdown paths still record the state.
func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, message string, logger *slog.Logger) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	transitioned, err := o.repos.Job.SetTerminal(ctx, job.ID, models.JobStatusFailed, message, "")
	if err != nil {
		logger.Error("failed to mark job failed", "error", err)
		return
	}
	if !transitioned {
		return
	}

	if err := o.repos.Queue.PurgeJob(ctx, job.ID); err != nil {
		logger.Warn("failed to purge queue", "error", err)
	}

	current, err := o.repos.Job.GetByID(ctx, job.ID)
	if err != nil || current == nil {
		current = job
	}

	run := &jobRun{job: job}
	o.appendEvent(ctx, run, models.EventJobFailed, models.JobFailedPayload{
		Error:           message,
		TotalProcessed:  current.PagesProcessed,
		TotalDiscovered: current.PagesDiscovered,
	}, logger)

	if job.WebhookURL != "" {
		o.services.Webhook.Send(ctx, job.WebhookURL, service.JobWebhookPayload{
			JobID:          job.ID,
			Status:         string(models.JobStatusFailed),
			SeedURL:        job.SeedURL,
			PagesProcessed: current.PagesProcessed,
			TotalWords:     current.TotalWords,
			Error:          message,
			CompletedAt:    time.Now().UTC().Format(time.RFC3339),
		})
	}

	logger.Warn("job failed", "error", message)
}

func (o *Orchestrator) appendEvent(ctx context.Context, run *jobRun, eventType models.EventType, payload any, logger *slog.Logger) {
	if _, err := o.repos.Event.Append(ctx, run.job.ID, run.job.UserID, eventType, payload); err != nil {
		logger.Error("failed to append event", "type", string(eventType), "error", err)
	}
}
