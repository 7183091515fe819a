package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/fashion-scraper/internal/browser"
	"github.com/maltedev/fashion-scraper/internal/diagnostics"
)

// CollectorOptions tune page readiness and lazy-load scrolling.
type CollectorOptions struct {
	ReadyTimeout    time.Duration
	ContainerRounds int
	ContainerPause  time.Duration
	ScrollSteps     int
	ScrollIncrement int
	ScrollPause     time.Duration
}

func DefaultCollectorOptions() CollectorOptions {
	return CollectorOptions{
		ReadyTimeout:    30 * time.Second,
		ContainerRounds: 3,
		ContainerPause:  2 * time.Second,
		ScrollSteps:     3,
		ScrollIncrement: 1000,
		ScrollPause:     3 * time.Second,
	}
}

// LinkCollector gathers product links from a category listing page.
type LinkCollector struct {
	fetcher     browser.Fetcher
	site        *Site
	diagnostics diagnostics.Sink
	opts        CollectorOptions
	logger      *slog.Logger
	sleep       func(time.Duration)
}

func NewLinkCollector(fetcher browser.Fetcher, site *Site, sink diagnostics.Sink, opts CollectorOptions, logger *slog.Logger) *LinkCollector {
	if sink == nil {
		sink = diagnostics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkCollector{
		fetcher:     fetcher,
		site:        site,
		diagnostics: sink,
		opts:        opts,
		logger:      logger.With("component", "link_collector"),
		sleep:       time.Sleep,
	}
}

// Collect returns the product links of categoryURL, deduplicated in
// first-seen order. It fails with ErrNoProducts when nothing was found.
func (c *LinkCollector) Collect(ctx context.Context, categoryURL string) ([]string, error) {
	if _, err := c.site.ValidateURL(categoryURL); err != nil {
		return nil, err
	}

	c.logger.Info("collecting product links", "url", categoryURL)

	h, err := c.fetcher.Load(ctx, categoryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load category page: %w", err)
	}
	defer h.Close()

	if err := checkDomain(c.site, h); err != nil {
		return nil, err
	}

	if !h.WaitForReady(c.opts.ReadyTimeout) {
		c.logger.Warn("category page not ready, continuing with current DOM", "url", categoryURL)
	}

	if browser.DetectChallenge(h) {
		markup, _ := h.Content()
		if _, err := c.diagnostics.Save(diagnostics.KindChallenge, categoryURL, markup); err != nil {
			c.logger.Error("failed to save debug artifact", "url", categoryURL, "error", err)
		}
		c.logger.Warn("bot challenge on category page", "url", categoryURL, "title", h.Title())
		return nil, fmt.Errorf("%w: %s", ErrChallenge, categoryURL)
	}

	container := c.findContainer(ctx, h)
	c.scroll(ctx, h)

	links, method := c.containerLinks(h, container), "container"
	if len(links) == 0 {
		links, method = c.globalLinks(h), "global"
	}

	var markup string
	if len(links) == 0 {
		markup, err = h.Content()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSnapshot, err)
		}
		links, method = c.staticLinks(markup, h.URL()), "static"
	}

	if len(links) == 0 {
		if _, err := c.diagnostics.Save(diagnostics.KindNoProducts, categoryURL, markup); err != nil {
			c.logger.Error("failed to save debug artifact", "url", categoryURL, "error", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoProducts, categoryURL)
	}

	c.logger.Info("collected product links",
		"url", categoryURL,
		"method", method,
		"container", container,
		"count", len(links))

	return links, nil
}

// findContainer returns the first container selector with at least one
// match, polling a few rounds while the grid renders.
func (c *LinkCollector) findContainer(ctx context.Context, h browser.Handle) string {
	rounds := c.opts.ContainerRounds
	if rounds < 1 {
		rounds = 1
	}

	for round := 0; round < rounds; round++ {
		for _, sel := range c.site.ContainerSelectors {
			n, err := h.Count(sel)
			if err != nil {
				c.logger.Debug("container selector failed", "selector", sel, "error", err)
				continue
			}
			if n > 0 {
				c.logger.Debug("found product containers", "selector", sel, "count", n)
				return sel
			}
		}
		if round < rounds-1 && ctx.Err() == nil {
			c.sleep(c.opts.ContainerPause)
		}
	}

	c.logger.Warn("no product container found", "url", h.URL())
	return ""
}

func (c *LinkCollector) scroll(ctx context.Context, h browser.Handle) {
	for i := 1; i <= c.opts.ScrollSteps; i++ {
		if ctx.Err() != nil {
			return
		}
		if err := h.ScrollTo(i * c.opts.ScrollIncrement); err != nil {
			c.logger.Debug("scroll failed", "step", i, "error", err)
			continue
		}
		c.sleep(c.opts.ScrollPause)
	}
}

func (c *LinkCollector) containerLinks(h browser.Handle, container string) []string {
	if container == "" {
		return nil
	}

	set := newLinkSet()
	for _, sel := range c.site.ContainerLinkSelectors {
		hrefs, err := h.Hrefs(container, sel)
		if err != nil {
			c.logger.Debug("container link selector failed", "selector", sel, "error", err)
			continue
		}
		c.addAll(set, hrefs)
	}
	return set.list
}

func (c *LinkCollector) globalLinks(h browser.Handle) []string {
	for _, sel := range c.site.LinkSelectors {
		hrefs, err := h.Hrefs("", sel)
		if err != nil {
			c.logger.Debug("global link selector failed", "selector", sel, "error", err)
			continue
		}
		set := newLinkSet()
		c.addAll(set, hrefs)
		if len(set.list) > 0 {
			return set.list
		}
	}
	return nil
}

// staticLinks parses markup without scripting; relative hrefs resolve
// against the site base origin.
func (c *LinkCollector) staticLinks(markup, pageURL string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		c.logger.Debug("static parse failed", "url", pageURL, "error", err)
		return nil
	}

	set := newLinkSet()
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if normalized, ok := c.site.NormalizeProductURL(href); ok {
			set.add(normalized)
		}
	})
	return set.list
}

func (c *LinkCollector) addAll(set *linkSet, hrefs []string) {
	for _, href := range hrefs {
		if normalized, ok := c.site.NormalizeProductURL(href); ok {
			set.add(normalized)
		}
	}
}

// linkSet is an insertion-ordered set of URLs.
type linkSet struct {
	seen map[string]struct{}
	list []string
}

func newLinkSet() *linkSet {
	return &linkSet{seen: make(map[string]struct{})}
}

func (s *linkSet) add(link string) {
	if _, ok := s.seen[link]; ok {
		return
	}
	s.seen[link] = struct{}{}
	s.list = append(s.list, link)
}
