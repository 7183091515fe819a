package scraper

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/fashion-scraper/internal/browser"
	"github.com/maltedev/fashion-scraper/internal/browser/browsertest"
	"github.com/maltedev/fashion-scraper/internal/diagnostics"
	"github.com/maltedev/fashion-scraper/internal/models"
	"github.com/maltedev/fashion-scraper/internal/ratelimit"
	"github.com/maltedev/fashion-scraper/internal/retry"
)

const productURL = "https://www.asos.com/asos-design/asos-design-satin-midi-dress/prd/100001"

const thirdReview = `<div data-testid="review-card">
      <div data-testid="review-rating" aria-label="3 out of 5 stars"></div>
      <time data-testid="review-date">2 months ago</time>
      <h3 data-testid="review-title">Okay</h3>
      <p data-testid="review-text">Creases easily.</p>
    </div>`

type fieldRecorder struct {
	mu       sync.Mutex
	resolved map[string]string
	missing  []string
}

func (r *fieldRecorder) FieldResolved(field, strategy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved == nil {
		r.resolved = make(map[string]string)
	}
	r.resolved[field] = strategy
}

func (r *fieldRecorder) FieldMissing(field string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missing = append(r.missing, field)
}

func newTestExtractor(fetcher browser.Fetcher, sink diagnostics.Sink) *ProductExtractor {
	opts := DefaultExtractorOptions()
	opts.ExpandPause = 0
	e := NewProductExtractor(fetcher, ASOS(), ratelimit.NewJitterLimiter(0, 0), sink, opts, nil)
	e.sleep = func(time.Duration) {}
	return e
}

func productPage(t *testing.T) *browsertest.Page {
	html := loadFixture(t, "product.html")
	return &browsertest.Page{
		HTML: html,
		Clicks: map[string]string{
			`[data-testid="view-all-reviews"]`: strings.Replace(html, "<!-- more-reviews -->", thirdReview, 1),
		},
	}
}

func TestExtract_FullRecord(t *testing.T) {
	fetcher := browsertest.NewFetcher().Add(productURL, productPage(t))
	recorder := &fieldRecorder{}
	e := newTestExtractor(fetcher, nil).WithObserver(recorder)

	rec, err := e.Extract(context.Background(), productURL+"#colourWayId-100002", "women/dresses")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, productURL, rec.URL)
	assert.Equal(t, "100001", rec.ProductID)
	assert.Equal(t, "GBP", rec.Currency)
	require.NotNil(t, rec.Price)
	require.NotNil(t, rec.Price.Amount)
	assert.InDelta(t, 85.00, *rec.Price.Amount, 0.001)
	assert.Equal(t, "ASOS DESIGN satin midi dress in black", models.StringOrEmpty(rec.Name))
	assert.Equal(t, "ASOS DESIGN", models.StringOrEmpty(rec.Brand))
	description := models.StringOrEmpty(rec.Description)
	assert.True(t, strings.HasPrefix(description, "Product Details\n"), description)
	assert.Contains(t, description, "Midi dress\nV-neck")
	assert.NotContains(t, description, "<li>")
	assert.Equal(t, []string{
		"https://images.asos-media.com/products/100001-1.jpg",
		"https://images.asos-media.com/products/100001-2.jpg",
	}, rec.Images)
	assert.Equal(t, []string{"Midi dress", "V-neck"}, rec.Details)
	assert.Equal(t, []string{"UK 6", "UK 8", "UK 10"}, rec.Sizes)
	assert.Equal(t, []string{"Black"}, rec.Colors)

	require.NotNil(t, rec.Ratings)
	require.NotNil(t, rec.OverallRating)
	assert.InDelta(t, 4.5, *rec.OverallRating, 0.001)
	require.NotNil(t, rec.TotalReviews)
	assert.Equal(t, 120, *rec.TotalReviews)
	require.NotNil(t, rec.Ratings.RecommendPercent)
	assert.InDelta(t, 92.0, *rec.Ratings.RecommendPercent, 0.001)
	require.Contains(t, rec.Ratings.Distribution, "5 stars")
	require.NotNil(t, rec.Ratings.Distribution["5 stars"])
	assert.InDelta(t, 75.0, *rec.Ratings.Distribution["5 stars"], 0.001)
	assert.Contains(t, rec.Ratings.Distribution, "4 stars")
	assert.Nil(t, rec.Ratings.Distribution["4 stars"], "a bar without width stays null")

	require.Len(t, rec.Reviews, 2)
	assert.Equal(t, "Love it", rec.Reviews[0].Title)
	assert.Equal(t, "Verified purchase", rec.Reviews[0].Status)
	require.NotNil(t, rec.Reviews[0].Rating)
	assert.InDelta(t, 5.0, *rec.Reviews[0].Rating, 0.001)

	require.Len(t, rec.AllReviews, 3, "full list comes from the expanded snapshot")
	assert.Equal(t, "Creases easily.", rec.AllReviews[2].Text)
	assert.Equal(t, "2 months ago", rec.AllReviews[2].Date)

	related := rec.RelatedProducts["you_might_also_like"]
	require.Len(t, related, 1)
	assert.Equal(t, "https://www.asos.com/asos-design/asos-design-slip-dress/prd/300001", related[0].URL)
	assert.Equal(t, "Slip dress", models.StringOrEmpty(related[0].Name))
	require.NotNil(t, related[0].Price)
	assert.InDelta(t, 30.0, *related[0].Price.Amount, 0.001)
	assert.NotContains(t, rec.RelatedProducts, "buy_the_look")

	assert.Equal(t, "women/dresses", rec.Source.Category)
	assert.Equal(t, "ASOS", rec.Source.Website)
	assert.Equal(t, "current-price", recorder.resolved["price"])
	assert.Equal(t, "product-hero", recorder.resolved["name"])
	assert.Equal(t, 1, fetcher.Closed())
}

func TestExtract_ChallengeIsFatalAndSaved(t *testing.T) {
	dir := t.TempDir()
	fetcher := browsertest.NewFetcher().Add(productURL, &browsertest.Page{
		HTML: `<html><body><h1>Please verify you are human</h1><p>Press and hold the button.</p></body></html>`,
	})
	e := newTestExtractor(fetcher, diagnostics.NewDir(dir, nil))

	policy := retry.DefaultPolicy()
	policy.Classify = Classify
	policy.Sleep = func(context.Context, time.Duration) error { return nil }

	_, state, err := retry.Do(context.Background(), policy, func(ctx context.Context) (*models.ProductRecord, error) {
		return e.Extract(ctx, productURL, "")
	})

	require.ErrorIs(t, err, ErrChallenge)
	assert.Equal(t, 1, state.Attempts)
	assert.Len(t, fetcher.Loads(), 1)

	matches, err := filepath.Glob(filepath.Join(dir, "asos_bot_detection_*.html"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestExtract_MissingPriceReturnsPartial(t *testing.T) {
	dir := t.TempDir()
	html := strings.Replace(loadFixture(t, "product.html"), `<span data-testid="current-price">£85.00</span>`, "", 1)
	fetcher := browsertest.NewFetcher().Add(productURL, &browsertest.Page{HTML: html})
	e := newTestExtractor(fetcher, diagnostics.NewDir(dir, nil))

	rec, err := e.Extract(context.Background(), productURL, "")
	require.ErrorIs(t, err, ErrPriceNotFound)
	assert.Equal(t, retry.Fatal, Classify(err))

	require.NotNil(t, rec)
	assert.False(t, rec.Scraped())
	assert.Equal(t, "ASOS DESIGN satin midi dress in black", models.StringOrEmpty(rec.Name))
	assert.Equal(t, "ASOS DESIGN", models.StringOrEmpty(rec.Brand))

	var extractionErr *ExtractionError
	require.True(t, errors.As(err, &extractionErr))
	assert.Equal(t, productURL, extractionErr.URL)
	assert.Equal(t, "ASOS DESIGN satin midi dress in black | ASOS", extractionErr.Title)
	assert.Same(t, rec, extractionErr.Partial)

	matches, err := filepath.Glob(filepath.Join(dir, "asos_product_debug_*.html"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestExtract_UnparsablePriceKeptVerbatim(t *testing.T) {
	html := strings.Replace(loadFixture(t, "product.html"), "£85.00", "Price unavailable", 1)
	fetcher := browsertest.NewFetcher().Add(productURL, &browsertest.Page{HTML: html})

	rec, err := newTestExtractor(fetcher, nil).Extract(context.Background(), productURL, "")
	require.NoError(t, err)
	require.NotNil(t, rec.Price)
	assert.Nil(t, rec.Price.Amount)
	assert.Equal(t, "Price unavailable", rec.Price.Raw)
}

func TestExtract_NoExpansionControlUsesInitialSnapshot(t *testing.T) {
	html := strings.Replace(loadFixture(t, "product.html"),
		`<button data-testid="view-all-reviews">View all reviews</button>`, "", 1)
	fetcher := browsertest.NewFetcher().Add(productURL, &browsertest.Page{HTML: html})

	rec, err := newTestExtractor(fetcher, nil).Extract(context.Background(), productURL, "")
	require.NoError(t, err)
	assert.Len(t, rec.Reviews, 2)
	assert.Equal(t, rec.Reviews, rec.AllReviews)
}

func TestExtract_MissingOptionalSectionsDegrade(t *testing.T) {
	html := `<html><body><h1>Plain tee</h1><span data-testid="current-price">£1,234.50</span></body></html>`
	fetcher := browsertest.NewFetcher().Add(productURL, &browsertest.Page{HTML: html, NotReady: true})

	rec, err := newTestExtractor(fetcher, nil).Extract(context.Background(), productURL, "")
	require.NoError(t, err)
	require.NotNil(t, rec.Price.Amount)
	assert.InDelta(t, 1234.50, *rec.Price.Amount, 0.001)
	assert.Nil(t, rec.Brand)
	assert.Nil(t, rec.Description)
	assert.Nil(t, rec.Ratings)
	assert.Nil(t, rec.OverallRating)
	assert.Empty(t, rec.Images)
	assert.Empty(t, rec.AllReviews)
	assert.Empty(t, rec.RelatedProducts)
}

func TestExtract_OffDomainRedirect(t *testing.T) {
	fetcher := browsertest.NewFetcher().Add(productURL, &browsertest.Page{
		FinalURL: "https://www.example.com/blocked",
		HTML:     loadFixture(t, "product.html"),
	})

	_, err := newTestExtractor(fetcher, nil).Extract(context.Background(), productURL, "")
	require.ErrorIs(t, err, ErrOffDomain)
	assert.Equal(t, retry.Fatal, Classify(err))
}

func TestExtract_NavigationRetried(t *testing.T) {
	fetcher := browsertest.NewFetcher().
		Add(productURL, productPage(t)).
		Fail(productURL, browser.ErrNavigation, browser.ErrNavigation)
	e := newTestExtractor(fetcher, nil)

	policy := retry.DefaultPolicy()
	policy.Classify = Classify
	var delays []time.Duration
	policy.Sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	rec, state, err := retry.Do(context.Background(), policy, func(ctx context.Context) (*models.ProductRecord, error) {
		return e.Extract(ctx, productURL, "")
	})
	require.NoError(t, err)
	assert.True(t, rec.Scraped())
	assert.Equal(t, 3, state.Attempts)
	require.Len(t, delays, 2)
	assert.LessOrEqual(t, delays[0], delays[1])
}

func TestExtract_InvalidURL(t *testing.T) {
	fetcher := browsertest.NewFetcher()
	_, err := newTestExtractor(fetcher, nil).Extract(context.Background(), "https://www.asos.com/women/", "")
	require.ErrorIs(t, err, ErrInvalidURL)
	assert.Empty(t, fetcher.Loads())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want retry.Class
	}{
		{browser.ErrSessionSetup, retry.Fatal},
		{ErrChallenge, retry.Fatal},
		{ErrOffDomain, retry.Fatal},
		{&ExtractionError{Err: ErrPriceNotFound}, retry.Fatal},
		{context.Canceled, retry.Fatal},
		{browser.ErrNavigation, retry.Retryable},
		{ErrNoProducts, retry.Retryable},
		{ErrSnapshot, retry.Retryable},
		{errors.New("element not found"), retry.Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorLabel(t *testing.T) {
	assert.Equal(t, "challenge", ErrorLabel(&ExtractionError{Err: ErrChallenge}))
	assert.Equal(t, "navigation", ErrorLabel(browser.ErrNavigation))
	assert.Equal(t, "other", ErrorLabel(errors.New("x")))
}
