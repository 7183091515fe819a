// Package pipeline drives a category scrape end to end: collect links,
// extract each product with retries on a pool of browser sessions, and hand
// every record to the storage sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maltedev/fashion-scraper/internal/browser"
	"github.com/maltedev/fashion-scraper/internal/dedup"
	"github.com/maltedev/fashion-scraper/internal/diagnostics"
	"github.com/maltedev/fashion-scraper/internal/metrics"
	"github.com/maltedev/fashion-scraper/internal/models"
	"github.com/maltedev/fashion-scraper/internal/ratelimit"
	"github.com/maltedev/fashion-scraper/internal/retry"
	"github.com/maltedev/fashion-scraper/internal/scraper"
	"github.com/maltedev/fashion-scraper/internal/storage"
)

// Session is one browser owned by a single worker.
type Session interface {
	browser.Fetcher
	Close() error
}

// SessionFactory opens a new session. Failures should wrap
// browser.ErrSessionSetup.
type SessionFactory func() (Session, error)

type Options struct {
	Workers     int
	MaxProducts int
	DelayMin    time.Duration
	DelayMax    time.Duration
	// Retry is copied for every operation; Name, Classify, Observer and
	// Logger are filled in by the runner.
	Retry     retry.Policy
	Collector scraper.CollectorOptions
	Extractor scraper.ExtractorOptions
}

func DefaultOptions() Options {
	return Options{
		Workers:   3,
		DelayMin:  2 * time.Second,
		DelayMax:  5 * time.Second,
		Retry:     *retry.DefaultPolicy(),
		Collector: scraper.DefaultCollectorOptions(),
		Extractor: scraper.DefaultExtractorOptions(),
	}
}

// Failure describes one product URL that did not yield a complete record.
type Failure struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Error    string `json:"error"`
	Partial  bool   `json:"partial"`
	Attempts int    `json:"attempts"`
}

type Summary struct {
	Category    string    `json:"category"`
	CategoryURL string    `json:"category_url"`
	Links       int       `json:"links"`
	Scraped     int       `json:"scraped"`
	Partial     int       `json:"partial"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Failures    []Failure `json:"failures,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

type Runner struct {
	newSession  SessionFactory
	site        *scraper.Site
	sink        storage.Sink
	seen        dedup.Store
	ledger      *storage.LinkLedger
	diagnostics diagnostics.Sink
	metrics     *metrics.Metrics
	opts        Options
	logger      *slog.Logger
}

func New(newSession SessionFactory, site *scraper.Site, opts Options, logger *slog.Logger) *Runner {
	if site == nil {
		site = scraper.ASOS()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Runner{
		newSession:  newSession,
		site:        site,
		sink:        storage.Multi{},
		seen:        dedup.Nop{},
		diagnostics: diagnostics.Nop{},
		opts:        opts,
		logger:      logger.With("component", "pipeline"),
	}
}

func (r *Runner) WithSink(s storage.Sink) *Runner {
	r.sink = s
	return r
}

func (r *Runner) WithSeen(s dedup.Store) *Runner {
	r.seen = s
	return r
}

func (r *Runner) WithLedger(l *storage.LinkLedger) *Runner {
	r.ledger = l
	return r
}

func (r *Runner) WithDiagnostics(d diagnostics.Sink) *Runner {
	r.diagnostics = d
	return r
}

func (r *Runner) WithMetrics(m *metrics.Metrics) *Runner {
	r.metrics = m
	return r
}

func (r *Runner) policy(name string) *retry.Policy {
	p := r.opts.Retry
	p.Name = name
	p.Classify = scraper.Classify
	p.Logger = r.logger
	if r.metrics != nil {
		p.Observer = r.metrics
	}
	return &p
}

// CollectLinks opens a session and collects the product links of one
// category page, retrying transient failures.
func (r *Runner) CollectLinks(ctx context.Context, categoryURL string) ([]string, error) {
	session, err := r.newSession()
	if err != nil {
		return nil, err
	}
	defer r.closeSession(session)

	collector := scraper.NewLinkCollector(session, r.site, r.diagnostics, r.opts.Collector, r.logger)

	links, state, err := retry.Do(ctx, r.policy("collect_links"), func(ctx context.Context) ([]string, error) {
		r.metrics.IncPage("category")
		return collector.Collect(ctx, categoryURL)
	})
	if err != nil {
		r.metrics.IncError(scraper.ErrorLabel(err))
		return nil, fmt.Errorf("failed to collect links from %s after %d attempts: %w", categoryURL, state.Attempts, err)
	}

	category := scraper.CategorySlug(categoryURL)
	r.metrics.AddLinks(category, len(links))

	if r.ledger != nil {
		entries := make([]storage.ProductLink, 0, len(links))
		for _, link := range links {
			entries = append(entries, storage.ProductLink{URL: link, ProductID: r.site.ProductID(link)})
		}
		if _, err := r.ledger.AddBatch(category, entries); err != nil {
			r.logger.Error("failed to record links", "category", category, "error", err)
		}
	}

	return links, nil
}

// ScrapeProduct extracts and stores a single product on a fresh session.
// A partial record is returned alongside the error when the price was
// missing.
func (r *Runner) ScrapeProduct(ctx context.Context, productURL, category string) (*models.ProductRecord, error) {
	session, err := r.newSession()
	if err != nil {
		return nil, err
	}
	defer r.closeSession(session)

	out := r.newWorker(session).extract(ctx, productURL, category)
	return out.record, out.err
}

// Run scrapes one category. Individual product failures are reported in
// the summary; the error is only set when the run itself could not
// proceed.
func (r *Runner) Run(ctx context.Context, categoryURL string) (*Summary, error) {
	summary := &Summary{
		Category:    scraper.CategorySlug(categoryURL),
		CategoryURL: categoryURL,
		StartedAt:   time.Now(),
	}
	defer func() { summary.FinishedAt = time.Now() }()

	r.logger.Info("starting category run", "url", categoryURL)

	links, err := r.CollectLinks(ctx, categoryURL)
	if err != nil {
		return summary, err
	}

	err = r.process(ctx, links, summary)

	r.logger.Info("category run finished",
		"url", categoryURL,
		"links", summary.Links,
		"scraped", summary.Scraped,
		"partial", summary.Partial,
		"failed", summary.Failed,
		"skipped", summary.Skipped)

	return summary, err
}

// Process extracts already collected product links, such as the pending
// entries of a link ledger.
func (r *Runner) Process(ctx context.Context, category string, links []string) (*Summary, error) {
	summary := &Summary{Category: category, StartedAt: time.Now()}
	defer func() { summary.FinishedAt = time.Now() }()

	err := r.process(ctx, links, summary)

	r.logger.Info("processed links",
		"category", category,
		"links", summary.Links,
		"scraped", summary.Scraped,
		"partial", summary.Partial,
		"failed", summary.Failed,
		"skipped", summary.Skipped)

	return summary, err
}

func (r *Runner) process(ctx context.Context, links []string, summary *Summary) error {
	summary.Links = len(links)

	queue := make([]string, 0, len(links))
	for _, link := range links {
		seen, err := r.seen.Seen(ctx, link)
		if err != nil {
			r.logger.Warn("seen-store lookup failed", "url", link, "error", err)
		}
		if seen {
			summary.Skipped++
			r.metrics.IncSkipped()
			continue
		}
		queue = append(queue, link)
	}
	if r.opts.MaxProducts > 0 && len(queue) > r.opts.MaxProducts {
		queue = queue[:r.opts.MaxProducts]
	}

	return r.extractAll(ctx, queue, summary)
}

// RunMany runs each category in turn. A failed category does not stop the
// others unless ctx is done.
func (r *Runner) RunMany(ctx context.Context, categoryURLs []string) ([]*Summary, error) {
	var summaries []*Summary
	var errs []error
	for _, categoryURL := range categoryURLs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		summary, err := r.Run(ctx, categoryURL)
		summaries = append(summaries, summary)
		if err != nil {
			r.logger.Error("category run failed", "url", categoryURL, "error", err)
			errs = append(errs, err)
		}
	}
	return summaries, errors.Join(errs...)
}

func (r *Runner) extractAll(ctx context.Context, urls []string, summary *Summary) error {
	if len(urls) == 0 {
		return nil
	}

	queue := make(chan string, len(urls))
	for _, u := range urls {
		queue <- u
	}
	close(queue)

	workers := r.opts.Workers
	if workers > len(urls) {
		workers = len(urls)
	}

	var (
		mu        sync.Mutex
		started   int
		setupErrs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	// A worker that cannot open a browser drops out and leaves the queue
	// to the others; the run only fails when none of them started.
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			session, err := r.newSession()
			if err != nil {
				r.logger.Error("worker failed to start", "worker", id, "error", err)
				mu.Lock()
				setupErrs = append(setupErrs, fmt.Errorf("worker %d: %w", id, err))
				mu.Unlock()
				return nil
			}
			defer r.closeSession(session)

			mu.Lock()
			started++
			mu.Unlock()

			w := r.newWorker(session)
			for productURL := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				out := w.extract(gctx, productURL, summary.Category)
				mu.Lock()
				summary.add(out)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if started == 0 {
		return errors.Join(setupErrs...)
	}
	return nil
}

func (r *Runner) closeSession(s Session) {
	if err := s.Close(); err != nil {
		r.logger.Warn("failed to close browser session", "error", err)
	}
}

type outcome struct {
	url      string
	record   *models.ProductRecord
	err      error
	attempts int
}

func (s *Summary) add(o outcome) {
	switch {
	case o.err == nil:
		s.Scraped++
		return
	case o.record != nil:
		s.Partial++
	default:
		s.Failed++
	}
	s.Failures = append(s.Failures, Failure{
		URL:      o.url,
		Title:    errorTitle(o.err),
		Error:    o.err.Error(),
		Partial:  o.record != nil,
		Attempts: o.attempts,
	})
}

// worker owns one session and the extractor built on it.
type worker struct {
	*Runner
	limiter   *ratelimit.AdaptiveLimiter
	extractor *scraper.ProductExtractor
}

func (r *Runner) newWorker(session Session) *worker {
	limiter := ratelimit.NewAdaptiveLimiter(r.opts.DelayMin, r.opts.DelayMax)
	extractor := scraper.NewProductExtractor(session, r.site, limiter, r.diagnostics, r.opts.Extractor, r.logger)
	if r.metrics != nil {
		extractor.WithObserver(r.metrics)
	}
	return &worker{Runner: r, limiter: limiter, extractor: extractor}
}

func (w *worker) extract(ctx context.Context, productURL, category string) outcome {
	start := time.Now()
	var partial *models.ProductRecord

	record, state, err := retry.Do(ctx, w.policy("extract_product"), func(ctx context.Context) (*models.ProductRecord, error) {
		w.metrics.IncPage("product")
		rec, err := w.extractor.Extract(ctx, productURL, category)
		if err != nil && rec != nil {
			partial = rec
		}
		return rec, err
	})
	w.metrics.ObserveExtraction(time.Since(start))
	w.pace(err, state.LastClass)

	out := outcome{url: productURL, record: record, err: err, attempts: state.Attempts}

	switch {
	case err == nil:
		w.store(ctx, record)
		if markErr := w.seen.Mark(ctx, productURL); markErr != nil {
			w.logger.Warn("failed to mark product seen", "url", productURL, "error", markErr)
		}
		w.markLink(productURL, storage.LinkCompleted, "")
		w.metrics.IncProduct("scraped")

	case partial != nil:
		out.record = partial
		w.store(ctx, partial)
		w.markLink(productURL, storage.LinkFailed, err.Error())
		w.metrics.IncProduct("partial")
		w.metrics.IncError(scraper.ErrorLabel(err))
		w.logger.Warn("stored partial product",
			"url", productURL,
			"title", errorTitle(err),
			"name", models.StringOrEmpty(partial.Name),
			"brand", models.StringOrEmpty(partial.Brand),
			"images", len(partial.Images),
			"error", err)

	default:
		// Interrupted links stay pending for the next run.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.markLink(productURL, storage.LinkFailed, err.Error())
		}
		w.metrics.IncProduct("failed")
		w.metrics.IncError(scraper.ErrorLabel(err))
		w.logger.Error("product extraction failed",
			"url", productURL,
			"title", errorTitle(err),
			"attempts", state.Attempts,
			"class", state.LastClass.String(),
			"error", err)
	}

	return out
}

// pace slows the worker down after challenges or exhausted transient
// failures, which usually mean the site is throttling us.
func (w *worker) pace(err error, class retry.Class) {
	switch {
	case err == nil, errors.Is(err, scraper.ErrPriceNotFound):
		w.limiter.RecordSuccess()
	case errors.Is(err, scraper.ErrChallenge), class == retry.Retryable:
		w.limiter.RecordError()
		lo, hi := w.limiter.Delays()
		w.logger.Debug("request pacing", "min_delay", lo, "max_delay", hi)
	}
}

func (w *worker) store(ctx context.Context, record *models.ProductRecord) {
	if err := w.sink.Save(ctx, record); err != nil {
		w.metrics.IncError("storage")
		w.logger.Error("failed to store product", "url", record.URL, "error", err)
	}
}

func (r *Runner) markLink(productURL, status, msg string) {
	if r.ledger == nil {
		return
	}
	if _, ok := r.ledger.Get(productURL); !ok {
		return
	}
	if err := r.ledger.UpdateStatus(productURL, status, msg); err != nil {
		r.logger.Warn("failed to update link status", "url", productURL, "error", err)
	}
}

func errorTitle(err error) string {
	var extractionErr *scraper.ExtractionError
	if errors.As(err, &extractionErr) {
		return extractionErr.Title
	}
	return ""
}
