package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/fashion-scraper/internal/retry"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.IncPage("product")
	m.IncPage("product")
	m.IncProduct("scraped")
	m.AddLinks("women/dresses", 48)
	m.IncError("challenge")
	m.IncSkipped()
	m.OnRetry("extract_product", 1, retry.Retryable, 4*time.Second)
	m.FieldResolved("price", "current-price")
	m.FieldMissing("brand")
	m.ObserveExtraction(3 * time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PagesTotal.WithLabelValues("product")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProductsTotal.WithLabelValues("scraped")))
	assert.Equal(t, 48.0, testutil.ToFloat64(m.LinksCollected.WithLabelValues("women/dresses")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("challenge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SkippedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("extract_product")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FieldsTotal.WithLabelValues("price", "current-price")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FieldsTotal.WithLabelValues("brand", "")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncPage("category")
		m.IncProduct("failed")
		m.OnRetry("collect_links", 2, retry.Retryable, time.Second)
		m.FieldMissing("price")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncProduct("partial")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `fashion_scraper_products_total{outcome="partial"} 1`)
}
