package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/fashion-scraper/internal/browser"
	"github.com/maltedev/fashion-scraper/internal/jobs"
	"github.com/maltedev/fashion-scraper/internal/models"
	"github.com/maltedev/fashion-scraper/internal/scraper"
)

// Scraper is the part of the pipeline the handlers call synchronously.
type Scraper interface {
	ScrapeProduct(ctx context.Context, productURL, category string) (*models.ProductRecord, error)
	CollectLinks(ctx context.Context, categoryURL string) ([]string, error)
}

// Backlog reports the outbox backlog.
type Backlog interface {
	Backlog(ctx context.Context) (pending, deadLetter int64, err error)
}

const (
	pendingWarning    = 1000
	deadLetterFailure = 100
)

type Handlers struct {
	scraper Scraper
	jobs    *jobs.Manager
	site    *scraper.Site
	backlog Backlog
	logger  *slog.Logger
}

func NewHandlers(s Scraper, jobs *jobs.Manager, site *scraper.Site, logger *slog.Logger) *Handlers {
	if site == nil {
		site = scraper.ASOS()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		scraper: s,
		jobs:    jobs,
		site:    site,
		logger:  logger.With("component", "api"),
	}
}

// WithBacklog makes /health report the outbox backlog.
func (h *Handlers) WithBacklog(b Backlog) *Handlers {
	h.backlog = b
	return h
}

type ScrapeProductRequest struct {
	URL      string `json:"url"`
	Category string `json:"category"`
}

type ScrapeProductResponse struct {
	Scraped bool                  `json:"scraped"`
	Product *models.ProductRecord `json:"product,omitempty"`
	Title   string                `json:"title,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// ScrapeProduct extracts one product page. Extraction failures are reported
// in the body with a 200, alongside the partial record when there is one.
func (h *Handlers) ScrapeProduct(w http.ResponseWriter, r *http.Request) {
	var req ScrapeProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, ok := h.site.NormalizeProductURL(req.URL); !ok {
		h.respondError(w, http.StatusBadRequest, "url must be a product page on "+h.site.Domain)
		return
	}

	record, err := h.scraper.ScrapeProduct(r.Context(), req.URL, req.Category)
	if err != nil {
		h.logger.Error("failed to scrape product", "url", req.URL, "error", err)
		if status, ok := errorStatus(err); ok {
			h.respondError(w, status, err.Error())
			return
		}
		resp := ScrapeProductResponse{Product: record, Error: err.Error()}
		var extractionErr *scraper.ExtractionError
		if errors.As(err, &extractionErr) {
			resp.Title = extractionErr.Title
		}
		h.respondJSON(w, http.StatusOK, resp)
		return
	}

	h.respondJSON(w, http.StatusOK, ScrapeProductResponse{Scraped: true, Product: record})
}

type CollectLinksRequest struct {
	URL string `json:"url"`
}

type CollectLinksResponse struct {
	Category string   `json:"category"`
	Links    []string `json:"links"`
	Count    int      `json:"count"`
}

func (h *Handlers) CollectLinks(w http.ResponseWriter, r *http.Request) {
	var req CollectLinksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := h.site.ValidateURL(req.URL); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	links, err := h.scraper.CollectLinks(r.Context(), req.URL)
	if err != nil {
		h.logger.Error("failed to collect links", "url", req.URL, "error", err)
		status, ok := errorStatus(err)
		if !ok {
			status = http.StatusBadGateway
		}
		h.respondError(w, status, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, CollectLinksResponse{
		Category: scraper.CategorySlug(req.URL),
		Links:    links,
		Count:    len(links),
	})
}

type CreateRunRequest struct {
	CategoryURL string `json:"category_url"`
}

type CreateRunResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := h.site.ValidateURL(req.CategoryURL); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobs.CreateJob(r.Context(), req.CategoryURL)
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			h.respondError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		h.logger.Error("failed to create run", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateRunResponse{
		RunID:   job.ID,
		Status:  job.Status,
		Message: "Run queued",
	})
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		h.respondError(w, http.StatusBadRequest, "run ID is required")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), runID)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "run not found")
		return
	}

	h.respondJSON(w, http.StatusOK, job)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.jobs.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	h.respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.GetStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	if h.backlog != nil {
		pending, deadLetter, err := h.backlog.Backlog(r.Context())
		if err != nil {
			h.logger.Error("failed to read outbox backlog", "error", err)
			health["status"] = "error"
			health["message"] = "outbox unavailable"
			h.respondJSON(w, http.StatusServiceUnavailable, health)
			return
		}

		health["outbox"] = map[string]int64{
			"pending":     pending,
			"dead_letter": deadLetter,
		}
		if pending > pendingWarning {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetter > deadLetterFailure {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

// errorStatus maps errors that are the caller's or the server's fault rather
// than the page's.
func errorStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, scraper.ErrInvalidURL):
		return http.StatusBadRequest, true
	case errors.Is(err, browser.ErrSessionSetup):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, true
	}
	return 0, false
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
