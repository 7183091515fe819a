// Package jobs queues category runs requested over the API and executes them
// one at a time.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/fashion-scraper/internal/pipeline"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const listLimit = 100

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueFull   = errors.New("job queue is full")
)

type Runner interface {
	Run(ctx context.Context, categoryURL string) (*pipeline.Summary, error)
}

// Job is one category run.
type Job struct {
	ID          string            `json:"id"`
	CategoryURL string            `json:"category_url"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Summary     *pipeline.Summary `json:"summary,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type Stats struct {
	TotalJobs       int     `json:"total_jobs"`
	PendingJobs     int     `json:"pending_jobs"`
	RunningJobs     int     `json:"running_jobs"`
	CompletedJobs   int     `json:"completed_jobs"`
	FailedJobs      int     `json:"failed_jobs"`
	ProductsScraped int     `json:"products_scraped"`
	ProductsPartial int     `json:"products_partial"`
	ProductsFailed  int     `json:"products_failed"`
	SuccessRate     float64 `json:"success_rate"`
}

type Manager struct {
	runner Runner
	logger *slog.Logger

	mu    sync.RWMutex
	jobs  map[string]*Job
	queue chan string
}

func NewManager(runner Runner, queueSize int, logger *slog.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner: runner,
		logger: logger.With("component", "job_manager"),
		jobs:   make(map[string]*Job),
		queue:  make(chan string, queueSize),
	}
}

// CreateJob registers a run for categoryURL and queues it for the worker.
func (m *Manager) CreateJob(ctx context.Context, categoryURL string) (*Job, error) {
	job := &Job{
		ID:          uuid.New().String(),
		CategoryURL: categoryURL,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case m.queue <- job.ID:
	default:
		return nil, ErrQueueFull
	}
	m.jobs[job.ID] = job

	m.logger.Info("job created", "id", job.ID, "url", categoryURL)
	copied := *job
	return &copied, nil
}

func (m *Manager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	copied := *job
	return &copied, nil
}

// ListJobs returns the most recent jobs first.
func (m *Manager) ListJobs(ctx context.Context) ([]*Job, error) {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		copied := *job
		jobs = append(jobs, &copied)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > listLimit {
		jobs = jobs[:listLimit]
	}
	return jobs, nil
}

func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{TotalJobs: len(m.jobs)}
	for _, job := range m.jobs {
		switch job.Status {
		case StatusPending:
			stats.PendingJobs++
		case StatusRunning:
			stats.RunningJobs++
		case StatusCompleted:
			stats.CompletedJobs++
		case StatusFailed:
			stats.FailedJobs++
		}
		if job.Summary != nil {
			stats.ProductsScraped += job.Summary.Scraped
			stats.ProductsPartial += job.Summary.Partial
			stats.ProductsFailed += job.Summary.Failed
		}
	}

	attempted := stats.ProductsScraped + stats.ProductsPartial + stats.ProductsFailed
	if attempted > 0 {
		stats.SuccessRate = float64(stats.ProductsScraped) / float64(attempted) * 100
	}
	return stats, nil
}

// StartWorker executes queued jobs until ctx is cancelled.
func (m *Manager) StartWorker(ctx context.Context) {
	m.logger.Info("job worker started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("job worker stopping")
			return
		case id := <-m.queue:
			m.processJob(ctx, id)
		}
	}
}

func (m *Manager) processJob(ctx context.Context, jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	started := time.Now()
	job.Status = StatusRunning
	job.StartedAt = &started
	categoryURL := job.CategoryURL
	m.mu.Unlock()

	m.logger.Info("processing job", "id", jobID, "url", categoryURL)

	summary, err := m.runner.Run(ctx, categoryURL)

	m.mu.Lock()
	defer m.mu.Unlock()

	completed := time.Now()
	job.CompletedAt = &completed
	job.Summary = summary
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		m.logger.Error("job failed", "id", jobID, "error", err)
		return
	}
	job.Status = StatusCompleted
	m.logger.Info("job completed", "id", jobID, "duration", completed.Sub(started))
}
