// Package schedule runs the configured categories immediately and then on a
// fixed interval.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maltedev/fashion-scraper/internal/pipeline"
)

const DefaultInterval = 30 * time.Minute

type Category struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Plan is the contents of a categories file.
type Plan struct {
	Interval   time.Duration `yaml:"interval"`
	Categories []Category    `yaml:"categories"`
}

func (p *Plan) URLs() []string {
	urls := make([]string, 0, len(p.Categories))
	for _, c := range p.Categories {
		urls = append(urls, c.URL)
	}
	return urls
}

func LoadPlan(path string) (*Plan, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open categories file: %w", err)
	}
	defer fh.Close()
	return DecodePlan(fh)
}

func DecodePlan(r io.Reader) (*Plan, error) {
	var plan Plan
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}

	if len(plan.Categories) == 0 {
		return nil, errors.New("at least one category must be configured")
	}
	for i := range plan.Categories {
		c := &plan.Categories[i]
		c.URL = strings.TrimSpace(c.URL)
		if c.URL == "" {
			return nil, fmt.Errorf("category %d has empty url", i)
		}
		if c.Name == "" {
			c.Name = c.URL
		}
	}
	if plan.Interval < 0 {
		return nil, fmt.Errorf("interval must not be negative, got %s", plan.Interval)
	}
	return &plan, nil
}

type CategoryRunner interface {
	RunMany(ctx context.Context, categoryURLs []string) ([]*pipeline.Summary, error)
}

type Scheduler struct {
	runner   CategoryRunner
	plan     *Plan
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	last    []*pipeline.Summary
	lastErr error
	lastAt  time.Time
	runs    int
}

// New builds a scheduler. interval overrides the plan's interval when set.
func New(runner CategoryRunner, plan *Plan, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = plan.Interval
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		plan:     plan,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
	}
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start runs every category now and then once per interval until ctx is
// cancelled. A run that is still going when the ticker fires delays the
// next one rather than overlapping it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting scheduler",
		"interval", s.interval,
		"categories", len(s.plan.Categories))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce scrapes every category in the plan once.
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()
	summaries, err := s.runner.RunMany(ctx, s.plan.URLs())

	s.mu.Lock()
	s.last = summaries
	s.lastErr = err
	s.lastAt = start
	s.runs++
	s.mu.Unlock()

	scraped, failed := 0, 0
	for _, summary := range summaries {
		scraped += summary.Scraped
		failed += summary.Failed + summary.Partial
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduled run finished with errors",
			"duration", time.Since(start),
			"scraped", scraped,
			"failed", failed,
			"error", err)
		return
	}
	s.logger.Info("scheduled run finished",
		"duration", time.Since(start),
		"scraped", scraped,
		"failed", failed)
}

// Last returns the summaries of the most recent run.
func (s *Scheduler) Last() (summaries []*pipeline.Summary, at time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.lastAt, s.lastErr
}

func (s *Scheduler) Runs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs
}
