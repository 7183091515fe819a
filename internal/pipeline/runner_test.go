package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/fashion-scraper/internal/browser"
	"github.com/maltedev/fashion-scraper/internal/browser/browsertest"
	"github.com/maltedev/fashion-scraper/internal/dedup"
	"github.com/maltedev/fashion-scraper/internal/metrics"
	"github.com/maltedev/fashion-scraper/internal/models"
	"github.com/maltedev/fashion-scraper/internal/retry"
	"github.com/maltedev/fashion-scraper/internal/scraper"
	"github.com/maltedev/fashion-scraper/internal/storage"
)

const (
	categoryURL = "https://www.asos.com/women/dresses/cat/?cid=8799"
	dressURL    = "https://www.asos.com/asos-design/asos-design-satin-midi-dress/prd/100001"
	monkiURL    = "https://www.asos.com/monki/monki-mini-dress/prd/100003"
	shortURL    = "https://www.asos.com/prd/12345"
)

func fixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "scraper", "testdata", name))
	require.NoError(t, err)
	return string(data)
}

// session adds Close to the shared in-memory fetcher.
type session struct {
	*browsertest.Fetcher
	closed *atomic.Int32
}

func (s session) Close() error {
	s.closed.Add(1)
	return nil
}

type sessions struct {
	fetcher *browsertest.Fetcher
	opened  atomic.Int32
	closed  atomic.Int32
}

func (s *sessions) factory() (Session, error) {
	s.opened.Add(1)
	return session{Fetcher: s.fetcher, closed: &s.closed}, nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Workers = 2
	opts.DelayMin, opts.DelayMax = 0, 0
	opts.Retry.Sleep = func(context.Context, time.Duration) error { return nil }
	opts.Collector.ContainerPause = 0
	opts.Collector.ScrollPause = 0
	opts.Extractor.ExpandPause = 0
	return opts
}

// catalogue serves the category fixture with three products: a complete
// page, a page without a price and a link that never loads.
func catalogue(t *testing.T) *browsertest.Fetcher {
	product := fixture(t, "product.html")
	noPrice := strings.Replace(product, `<span data-testid="current-price">£85.00</span>`, "", 1)

	return browsertest.NewFetcher().
		Add(categoryURL, &browsertest.Page{HTML: fixture(t, "category.html")}).
		Add(dressURL, &browsertest.Page{HTML: product}).
		Add(monkiURL, &browsertest.Page{HTML: noPrice})
}

func TestRun_MixedOutcomes(t *testing.T) {
	dir := t.TempDir()
	sink, err := storage.NewJSONDir(filepath.Join(dir, "products"))
	require.NoError(t, err)
	ledger, err := storage.NewLinkLedger(filepath.Join(dir, "links.json"))
	require.NoError(t, err)
	seen := dedup.NewMemoryStore(100, time.Hour)
	m := metrics.New()

	pool := &sessions{fetcher: catalogue(t)}
	runner := New(pool.factory, scraper.ASOS(), testOptions(), nil).
		WithSink(sink).
		WithSeen(seen).
		WithLedger(ledger).
		WithMetrics(m)

	summary, err := runner.Run(context.Background(), categoryURL)
	require.NoError(t, err)

	assert.Equal(t, "women/dresses", summary.Category)
	assert.Equal(t, 3, summary.Links)
	assert.Equal(t, 1, summary.Scraped)
	assert.Equal(t, 1, summary.Partial)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Skipped)
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))

	failures := make(map[string]Failure)
	for _, f := range summary.Failures {
		failures[f.URL] = f
	}
	require.Len(t, failures, 2)
	assert.True(t, failures[monkiURL].Partial)
	assert.Equal(t, "ASOS DESIGN satin midi dress in black | ASOS", failures[monkiURL].Title)
	assert.Equal(t, 1, failures[monkiURL].Attempts)
	assert.False(t, failures[shortURL].Partial)
	assert.Equal(t, 3, failures[shortURL].Attempts)
	assert.Contains(t, failures[shortURL].Error, "navigation failed")

	assert.FileExists(t, filepath.Join(dir, "products", "product_100001.json"))
	assert.FileExists(t, filepath.Join(dir, "products", "product_100003.json"), "partial records are stored too")

	marked, err := seen.Seen(context.Background(), dressURL)
	require.NoError(t, err)
	assert.True(t, marked)
	marked, err = seen.Seen(context.Background(), monkiURL)
	require.NoError(t, err)
	assert.False(t, marked, "partial records are retried on the next run")

	link, ok := ledger.Get(dressURL)
	require.True(t, ok)
	assert.Equal(t, storage.LinkCompleted, link.Status)
	assert.Equal(t, "100001", link.ProductID)
	link, ok = ledger.Get(shortURL)
	require.True(t, ok)
	assert.Equal(t, storage.LinkFailed, link.Status)
	assert.NotEmpty(t, link.Error)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProductsTotal.WithLabelValues("scraped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProductsTotal.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProductsTotal.WithLabelValues("failed")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.PagesTotal.WithLabelValues("product")))

	assert.Equal(t, pool.opened.Load(), pool.closed.Load(), "every session is closed")
	assert.Equal(t, pool.fetcher.Closed(), countLoaded(pool.fetcher))
}

// countLoaded returns how many loads produced a handle.
func countLoaded(f *browsertest.Fetcher) int {
	n := 0
	for _, u := range f.Loads() {
		if u != shortURL {
			n++
		}
	}
	return n
}

func TestRun_SkipsSeenProducts(t *testing.T) {
	seen := dedup.NewMemoryStore(100, time.Hour)
	require.NoError(t, seen.Mark(context.Background(), dressURL))

	pool := &sessions{fetcher: catalogue(t)}
	m := metrics.New()
	runner := New(pool.factory, nil, testOptions(), nil).WithSeen(seen).WithMetrics(m)

	summary, err := runner.Run(context.Background(), categoryURL)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Scraped)
	assert.NotContains(t, pool.fetcher.Loads(), dressURL)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SkippedTotal))
}

func TestRun_MaxProducts(t *testing.T) {
	opts := testOptions()
	opts.MaxProducts = 1

	pool := &sessions{fetcher: catalogue(t)}
	summary, err := New(pool.factory, nil, opts, nil).Run(context.Background(), categoryURL)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Links)
	assert.Equal(t, 1, summary.Scraped+summary.Partial+summary.Failed)
	assert.Equal(t, []string{categoryURL, dressURL}, pool.fetcher.Loads())
}

func TestRun_SessionSetupFailure(t *testing.T) {
	factory := func() (Session, error) {
		return nil, fmt.Errorf("%w: chromium not installed", browser.ErrSessionSetup)
	}

	summary, err := New(factory, nil, testOptions(), nil).Run(context.Background(), categoryURL)
	require.ErrorIs(t, err, browser.ErrSessionSetup)
	require.NotNil(t, summary)
	assert.Equal(t, 0, summary.Links)
}

func TestRun_NoWorkerSessionFails(t *testing.T) {
	pool := &sessions{fetcher: catalogue(t)}
	var calls atomic.Int32
	factory := func() (Session, error) {
		if calls.Add(1) > 1 {
			return nil, fmt.Errorf("%w: out of memory", browser.ErrSessionSetup)
		}
		return pool.factory()
	}

	summary, err := New(factory, nil, testOptions(), nil).Run(context.Background(), categoryURL)
	require.ErrorIs(t, err, browser.ErrSessionSetup)
	assert.Equal(t, 3, summary.Links)
	assert.Equal(t, 0, summary.Scraped)
}

func TestRun_OneWorkerSessionFailureKeepsRunning(t *testing.T) {
	ledger, err := storage.NewLinkLedger(filepath.Join(t.TempDir(), "links.json"))
	require.NoError(t, err)

	pool := &sessions{fetcher: catalogue(t)}
	var calls atomic.Int32
	factory := func() (Session, error) {
		// collector, first worker, second worker
		if calls.Add(1) == 3 {
			return nil, fmt.Errorf("%w: out of memory", browser.ErrSessionSetup)
		}
		return pool.factory()
	}

	summary, err := New(factory, nil, testOptions(), nil).
		WithLedger(ledger).
		Run(context.Background(), categoryURL)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Links)
	assert.Equal(t, 1, summary.Scraped)
	assert.Equal(t, 1, summary.Partial)
	assert.Equal(t, 1, summary.Failed)
	for _, f := range summary.Failures {
		assert.NotContains(t, f.Error, "context canceled")
	}

	link, ok := ledger.Get(dressURL)
	require.True(t, ok)
	assert.Equal(t, storage.LinkCompleted, link.Status)
	assert.Equal(t, pool.opened.Load(), pool.closed.Load())
}

func TestRun_CancelledLinksStayPending(t *testing.T) {
	ledger, err := storage.NewLinkLedger(filepath.Join(t.TempDir(), "links.json"))
	require.NoError(t, err)
	_, err = ledger.AddBatch("women/dresses", []storage.ProductLink{{URL: dressURL, ProductID: "100001"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := &sessions{fetcher: catalogue(t)}
	r := New(pool.factory, nil, testOptions(), nil).WithLedger(ledger)
	out := r.newWorker(session{Fetcher: pool.fetcher, closed: &pool.closed}).extract(ctx, dressURL, "women/dresses")
	require.ErrorIs(t, out.err, context.Canceled)

	assert.Len(t, ledger.Pending(), 1)
}

func TestRun_CollectFailure(t *testing.T) {
	pool := &sessions{fetcher: browsertest.NewFetcher()}

	summary, err := New(pool.factory, nil, testOptions(), nil).Run(context.Background(), categoryURL)
	require.ErrorIs(t, err, browser.ErrNavigation)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 0, summary.Links)
	assert.Len(t, pool.fetcher.Loads(), 3)
}

func TestRunMany_ContinuesAfterFailure(t *testing.T) {
	pool := &sessions{fetcher: catalogue(t)}
	runner := New(pool.factory, nil, testOptions(), nil)

	summaries, err := runner.RunMany(context.Background(), []string{
		"https://www.example.com/women/cat/?cid=1",
		categoryURL,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, scraper.ErrInvalidURL))

	require.Len(t, summaries, 2)
	assert.Equal(t, 0, summaries[0].Links)
	assert.Equal(t, 1, summaries[1].Scraped)
}

func TestRunMany_StopsWhenCancelled(t *testing.T) {
	pool := &sessions{fetcher: catalogue(t)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summaries, err := New(pool.factory, nil, testOptions(), nil).RunMany(ctx, []string{categoryURL})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, summaries)
	assert.Empty(t, pool.fetcher.Loads())
}

func TestProcess_PendingLedgerLinks(t *testing.T) {
	ledger, err := storage.NewLinkLedger(filepath.Join(t.TempDir(), "links.json"))
	require.NoError(t, err)
	_, err = ledger.AddBatch("women/dresses", []storage.ProductLink{{URL: dressURL}, {URL: monkiURL}})
	require.NoError(t, err)
	require.NoError(t, ledger.UpdateStatus(dressURL, storage.LinkCompleted, ""))

	var pending []string
	for _, link := range ledger.Pending() {
		pending = append(pending, link.URL)
	}
	require.Equal(t, []string{monkiURL}, pending)

	pool := &sessions{fetcher: catalogue(t)}
	summary, err := New(pool.factory, nil, testOptions(), nil).
		WithLedger(ledger).
		Process(context.Background(), "women/dresses", pending)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Links)
	assert.Equal(t, 1, summary.Partial)
	assert.Empty(t, summary.CategoryURL)
	assert.NotContains(t, pool.fetcher.Loads(), categoryURL, "no category page is loaded")

	link, ok := ledger.Get(monkiURL)
	require.True(t, ok)
	assert.Equal(t, storage.LinkFailed, link.Status)
}

func TestScrapeProduct(t *testing.T) {
	t.Run("complete record", func(t *testing.T) {
		pool := &sessions{fetcher: catalogue(t)}
		var saved []*models.ProductRecord
		runner := New(pool.factory, nil, testOptions(), nil).WithSink(recordingSink{saved: &saved})

		rec, err := runner.ScrapeProduct(context.Background(), dressURL, "women/dresses")
		require.NoError(t, err)
		assert.Equal(t, "100001", rec.ProductID)
		assert.Equal(t, "women/dresses", rec.Source.Category)
		require.Len(t, saved, 1)
		assert.Same(t, rec, saved[0])
		assert.Equal(t, int32(1), pool.closed.Load())
	})

	t.Run("partial record is returned with the error", func(t *testing.T) {
		pool := &sessions{fetcher: catalogue(t)}
		var saved []*models.ProductRecord
		runner := New(pool.factory, nil, testOptions(), nil).WithSink(recordingSink{saved: &saved})

		rec, err := runner.ScrapeProduct(context.Background(), monkiURL, "")
		require.ErrorIs(t, err, scraper.ErrPriceNotFound)
		require.NotNil(t, rec)
		assert.False(t, rec.Scraped())
		assert.Len(t, saved, 1)
	})

	t.Run("storage errors do not fail extraction", func(t *testing.T) {
		pool := &sessions{fetcher: catalogue(t)}
		runner := New(pool.factory, nil, testOptions(), nil).WithSink(failingSink{})

		rec, err := runner.ScrapeProduct(context.Background(), dressURL, "")
		require.NoError(t, err)
		assert.True(t, rec.Scraped())
	})
}

type recordingSink struct {
	saved *[]*models.ProductRecord
}

func (s recordingSink) Save(_ context.Context, rec *models.ProductRecord) error {
	*s.saved = append(*s.saved, rec)
	return nil
}

func (recordingSink) Close() error { return nil }

type failingSink struct{}

func (failingSink) Save(context.Context, *models.ProductRecord) error { return errors.New("disk full") }
func (failingSink) Close() error                                    { return nil }

func TestWorker_PaceWidensAfterRepeatedFailures(t *testing.T) {
	r := New(nil, scraper.ASOS(), Options{DelayMin: 2 * time.Second, DelayMax: 4 * time.Second}, nil)
	w := r.newWorker(nil)

	w.pace(&scraper.ExtractionError{Title: "x", Err: scraper.ErrPriceNotFound}, retry.Fatal)
	w.pace(browser.ErrSessionSetup, retry.Fatal)
	lo, hi := w.limiter.Delays()
	assert.Equal(t, 2*time.Second, lo, "missing price and fatal setup errors do not slow the worker")
	assert.Equal(t, 4*time.Second, hi)

	w.pace(scraper.ErrChallenge, retry.Fatal)
	w.pace(errors.New("timeout"), retry.Retryable)
	w.pace(errors.New("timeout"), retry.Retryable)
	lo, hi = w.limiter.Delays()
	assert.Equal(t, 3*time.Second, lo)
	assert.Equal(t, 6*time.Second, hi)
}
