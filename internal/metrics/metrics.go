// Package metrics exposes Prometheus collectors for the scraping pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maltedev/fashion-scraper/internal/retry"
)

// Metrics bundles the pipeline collectors on a dedicated registry. All
// methods are safe on a nil receiver.
type Metrics struct {
	Registry           *prometheus.Registry
	PagesTotal         *prometheus.CounterVec
	ExtractionDuration prometheus.Histogram
	ProductsTotal      *prometheus.CounterVec
	LinksCollected     *prometheus.CounterVec
	RetriesTotal       *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	FieldsTotal        *prometheus.CounterVec
	SkippedTotal       prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fashion_scraper_pages_total",
			Help: "Pages loaded by the scraper, by page kind.",
		},
		[]string{"kind"},
	)
	duration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fashion_scraper_extraction_duration_seconds",
			Help:    "Time spent extracting one product including retries.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		},
	)
	products := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fashion_scraper_products_total",
			Help: "Products processed, by outcome.",
		},
		[]string{"outcome"},
	)
	links := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fashion_scraper_links_collected_total",
			Help: "Product links collected, by category.",
		},
		[]string{"category"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fashion_scraper_retries_total",
			Help: "Retry attempts scheduled, by operation.",
		},
		[]string{"op"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fashion_scraper_errors_total",
			Help: "Scraper errors by type.",
		},
		[]string{"error_type"},
	)
	fields := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fashion_scraper_fields_total",
			Help: "Field resolutions by field and winning strategy; strategy is empty when none matched.",
		},
		[]string{"field", "strategy"},
	)
	skipped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fashion_scraper_skipped_total",
			Help: "Product links skipped because they were seen recently.",
		},
	)

	registry.MustRegister(pages, duration, products, links, retries, errorsTotal, fields, skipped)

	return &Metrics{
		Registry:           registry,
		PagesTotal:         pages,
		ExtractionDuration: duration,
		ProductsTotal:      products,
		LinksCollected:     links,
		RetriesTotal:       retries,
		ErrorsTotal:        errorsTotal,
		FieldsTotal:        fields,
		SkippedTotal:       skipped,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncPage(kind string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveExtraction(d time.Duration) {
	if m == nil {
		return
	}
	m.ExtractionDuration.Observe(d.Seconds())
}

// IncProduct counts one product outcome: scraped, partial, failed or skipped.
func (m *Metrics) IncProduct(outcome string) {
	if m == nil {
		return
	}
	m.ProductsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddLinks(category string, n int) {
	if m == nil {
		return
	}
	m.LinksCollected.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) IncSkipped() {
	if m == nil {
		return
	}
	m.SkippedTotal.Inc()
}

// OnRetry implements retry.Observer.
func (m *Metrics) OnRetry(op string, _ int, _ retry.Class, _ time.Duration) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(op).Inc()
}

// FieldResolved and FieldMissing implement scraper.FieldObserver.
func (m *Metrics) FieldResolved(field, strategy string) {
	if m == nil {
		return
	}
	m.FieldsTotal.WithLabelValues(field, strategy).Inc()
}

func (m *Metrics) FieldMissing(field string) {
	if m == nil {
		return
	}
	m.FieldsTotal.WithLabelValues(field, "").Inc()
}
