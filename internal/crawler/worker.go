package crawler

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/docmd-api/internal/extractor"
	"github.com/jmylchreest/docmd-api/internal/models"
	"github.com/jmylchreest/docmd-api/internal/repository"
	"github.com/jmylchreest/docmd-api/internal/service"
	"github.com/jmylchreest/docmd-api/internal/urlutil"
)

// jobRun is the shared state of one running job: the immutable job
// snapshot plus the counters the workers and the orchestrator
// coordinate through.
type jobRun struct {
	job      *models.Job
	cfg      models.CrawlConfig
	seedBase *url.URL

	inflight atomic.Int64
	// drained receives a signal whenever a worker observes an empty
	// queue with zero in-flight tasks. The orchestrator re-checks under
	// a quiescence window before trusting it.
	drained chan struct{}
}

func (r *jobRun) signalDrained() {
	select {
	case r.drained <- struct{}{}:
	default:
	}
}

// pool runs the fetch/extract workers of a single job. Workers are
// stateless across tasks and communicate only through the queue, the
// event log, and the database.
type pool struct {
	repos     *repository.Repositories
	cache     *service.CacheService
	extractor *extractor.Extractor
	fetcher   *Fetcher

	workers      int
	batchSize    int
	pollInterval time.Duration
	logger       *slog.Logger
}

// run blocks until ctx is cancelled. Workers keep polling an empty
// queue because link admission by a sibling may refill it at any time;
// the orchestrator owns the decision to stop.
func (p *pool) run(ctx context.Context, run *jobRun) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.workerLoop(ctx, run, workerID)
		}(i)
	}
	wg.Wait()
}

func (p *pool) workerLoop(ctx context.Context, run *jobRun, workerID int) {
	logger := p.logger.With("job_id", run.job.ID, "worker_id", workerID)

	for {
		if ctx.Err() != nil {
			return
		}

		tasks, err := p.repos.Queue.DequeueBatch(ctx, run.job.ID, p.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to dequeue batch", "error", err)
			tasks = nil
		}

		if len(tasks) == 0 {
			if run.inflight.Load() == 0 {
				run.signalDrained()
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		run.inflight.Add(int64(len(tasks)))
		failures, lastError := 0, ""
		for _, task := range tasks {
			if msg := p.processTask(ctx, run, task, logger); msg != "" {
				failures++
				lastError = msg
			}
		}
		// Report before releasing inflight so the batch events land
		// ahead of any terminal event the orchestrator may append.
		p.reportBatch(ctx, run, tasks, failures, lastError, logger)
		run.inflight.Add(-int64(len(tasks)))
		if run.inflight.Load() == 0 {
			if depth, err := p.repos.Queue.QueueDepth(ctx, run.job.ID); err == nil && depth == 0 {
				run.signalDrained()
			}
		}
	}
}

// processTask runs one URL through cache → fetch → extract → persist →
// admit. Every outcome stores a page row; only the insert winner emits
// events and advances counters. Returns the failure message, empty on
// success.
func (p *pool) processTask(ctx context.Context, run *jobRun, task *models.QueueTask, logger *slog.Logger) string {
	job := run.job
	urlHash := urlutil.Fingerprint(task.URL, false)

	if entry := p.cache.Lookup(ctx, job.UserID, urlHash, run.cfg.ForceRefresh); entry != nil {
		p.persistResult(ctx, run, task, &pageResult{
			title:        entry.Title,
			content:      entry.Content,
			links:        entry.Links,
			qualityScore: entry.QualityScore,
			wordCount:    entry.WordCount,
			fromCache:    true,
		}, logger)
		return ""
	}

	fetched, err := p.fetcher.Fetch(ctx, task.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		p.persistFailure(ctx, run, task, nil, err.Error(), models.ErrorCategoryFetch, logger)
		return err.Error()
	}
	if fetched.StatusCode < 200 || fetched.StatusCode > 299 {
		status := fetched.StatusCode
		p.persistFailure(ctx, run, task, &status, "unexpected HTTP status", models.ErrorCategoryFetch, logger)
		return "unexpected HTTP status"
	}

	extracted, err := p.extractor.Extract(string(fetched.Body), task.URL)
	if err != nil {
		status := fetched.StatusCode
		p.persistFailure(ctx, run, task, &status, err.Error(), models.ErrorCategoryParse, logger)
		return err.Error()
	}

	status := fetched.StatusCode
	p.persistResult(ctx, run, task, &pageResult{
		title:        extracted.Title,
		content:      extracted.Content,
		links:        extracted.Links,
		qualityScore: extracted.QualityScore,
		wordCount:    extracted.WordCount,
		httpStatus:   &status,
	}, logger)
	return ""
}

// reportBatch emits the batch-level events after a batch finishes:
// batch_progress with the URLs just handled, progress with the job's
// cumulative counters, and batch_error when any task failed.
func (p *pool) reportBatch(ctx context.Context, run *jobRun, tasks []*models.QueueTask, failures int, lastError string, logger *slog.Logger) {
	urls := make([]string, 0, len(tasks))
	for _, task := range tasks {
		urls = append(urls, task.URL)
	}
	p.appendEvent(ctx, run, models.EventBatchProgress, models.BatchProgressPayload{URLs: urls}, logger)

	if failures > 0 {
		p.appendEvent(ctx, run, models.EventBatchError, models.BatchErrorPayload{
			Error: lastError,
			Count: failures,
		}, logger)
	}

	job, err := p.repos.Job.GetByID(ctx, run.job.ID)
	if err != nil || job == nil {
		return
	}
	p.appendEvent(ctx, run, models.EventProgress, models.ProgressPayload{
		Processed: job.PagesProcessed,
		Total:     job.PagesDiscovered,
	}, logger)
}

type pageResult struct {
	title        string
	content      string
	links        []string
	qualityScore int
	wordCount    int
	httpStatus   *int
	fromCache    bool
}

func (p *pool) persistResult(ctx context.Context, run *jobRun, task *models.QueueTask, res *pageResult, logger *slog.Logger) {
	job := run.job
	urlHash := urlutil.Fingerprint(task.URL, false)
	page := &models.CrawledPage{
		ID:           ulid.Make().String(),
		JobID:        job.ID,
		URL:          task.URL,
		URLHash:      urlHash,
		Title:        res.title,
		Depth:        task.Depth,
		HTTPStatus:   res.httpStatus,
		Status:       models.PageStatusCrawled,
		QualityScore: res.qualityScore,
		WordCount:    res.wordCount,
		FromCache:    res.fromCache,
		CrawledAt:    time.Now(),
	}

	inserted, err := p.repos.Page.CreatePage(ctx, page)
	if err != nil {
		logger.Error("failed to persist page", "url", task.URL, "error", err)
		return
	}
	if !inserted {
		// Lost the (job_id, url_hash) race; the winner emits the events.
		// The cache write below is still worthwhile.
		if !res.fromCache {
			p.storeCache(ctx, run, task.URL, urlHash, res)
		}
		return
	}

	if err := p.repos.Page.CreateChunk(ctx, &models.PageContentChunk{
		PageID:      page.ID,
		ContentType: "markdown",
		Content:     res.content,
	}); err != nil {
		logger.Error("failed to persist content chunk", "url", task.URL, "error", err)
	}

	if !res.fromCache {
		p.storeCache(ctx, run, task.URL, urlHash, res)
	}

	// Pages below the quality threshold are stored but not counted.
	processed := 0
	if res.qualityScore >= run.cfg.QualityThreshold {
		processed = 1
	}
	if err := p.repos.Job.IncrementProgress(ctx, job.ID, processed, 0, 0, res.wordCount); err != nil {
		logger.Error("failed to advance progress", "error", err)
	}

	contentLength := len(res.content)
	p.appendEvent(ctx, run, models.EventURLCrawled, models.URLCrawledPayload{
		URL:           task.URL,
		Success:       true,
		HTTPStatus:    res.httpStatus,
		ContentLength: &contentLength,
		QualityScore:  &res.qualityScore,
		FromCache:     res.fromCache,
	}, logger)

	p.admitLinks(ctx, run, res.links, task.Depth, logger)
}

func (p *pool) persistFailure(ctx context.Context, run *jobRun, task *models.QueueTask, httpStatus *int, message, category string, logger *slog.Logger) {
	job := run.job
	page := &models.CrawledPage{
		ID:            ulid.Make().String(),
		JobID:         job.ID,
		URL:           task.URL,
		URLHash:       urlutil.Fingerprint(task.URL, false),
		Depth:         task.Depth,
		HTTPStatus:    httpStatus,
		Status:        models.PageStatusError,
		ErrorMessage:  message,
		ErrorCategory: category,
		CrawledAt:     time.Now(),
	}

	inserted, err := p.repos.Page.CreatePage(ctx, page)
	if err != nil {
		logger.Error("failed to persist failed page", "url", task.URL, "error", err)
		return
	}
	if !inserted {
		return
	}

	if err := p.repos.Job.IncrementProgress(ctx, job.ID, 0, 0, 1, 0); err != nil {
		logger.Error("failed to advance progress", "error", err)
	}

	p.appendEvent(ctx, run, models.EventURLCrawled, models.URLCrawledPayload{
		URL:        task.URL,
		Success:    false,
		HTTPStatus: httpStatus,
	}, logger)

	logger.Debug("page failed", "url", task.URL, "category", category, "error", message)
}

func (p *pool) storeCache(ctx context.Context, run *jobRun, pageURL, urlHash string, res *pageResult) {
	p.cache.Store(ctx, &models.URLCacheEntry{
		UserID:       run.job.UserID,
		URLHash:      urlHash,
		URL:          pageURL,
		Title:        res.title,
		Content:      res.content,
		Links:        res.links,
		QualityScore: res.qualityScore,
		WordCount:    res.wordCount,
	})
}

// admitLinks filters outbound links through the admission pipeline and
// enqueues the survivors at depth+1. The seen-set and the discovery
// budget are enforced atomically inside Enqueue.
func (p *pool) admitLinks(ctx context.Context, run *jobRun, links []string, depth int, logger *slog.Logger) {
	if depth+1 > run.cfg.MaxDepth {
		return
	}

	admitted := 0
	for _, link := range links {
		canonical, ok := urlutil.Normalize(link, run.seedBase, urlutil.NormalizeOptions{})
		if !ok {
			continue
		}
		if !urlutil.WithinPathPrefix(canonical, run.job.SeedURL) {
			continue
		}
		if !urlutil.IsDocumentationLike(canonical) {
			continue
		}

		hash := urlutil.Fingerprint(canonical, false)
		ok, err := p.repos.Queue.Enqueue(ctx, run.job.ID, canonical, hash, depth+1, run.cfg.MaxPages)
		if err != nil {
			logger.Error("failed to enqueue link", "url", canonical, "error", err)
			continue
		}
		if ok {
			admitted++
		}
	}

	if admitted == 0 {
		return
	}

	total := 0
	if job, err := p.repos.Job.GetByID(ctx, run.job.ID); err == nil && job != nil {
		total = job.PagesDiscovered
	}
	p.appendEvent(ctx, run, models.EventURLsDiscovered, models.URLsDiscoveredPayload{
		Count:           admitted,
		Depth:           depth + 1,
		TotalDiscovered: total,
	}, logger)
}

func (p *pool) appendEvent(ctx context.Context, run *jobRun, eventType models.EventType, payload any, logger *slog.Logger) {
	if _, err := p.repos.Event.Append(ctx, run.job.ID, run.job.UserID, eventType, payload); err != nil {
		logger.Error("failed to append event", "type", string(eventType), "error", err)
	}
}
