package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/fashion-scraper/internal/browser"
	"github.com/maltedev/fashion-scraper/internal/cascade"
	"github.com/maltedev/fashion-scraper/internal/diagnostics"
	"github.com/maltedev/fashion-scraper/internal/models"
	"github.com/maltedev/fashion-scraper/internal/ratelimit"
	"github.com/maltedev/fashion-scraper/internal/textclean"
)

// FieldObserver is told which strategy resolved each field, or that none
// did.
type FieldObserver interface {
	FieldResolved(field, strategy string)
	FieldMissing(field string)
}

type ExtractorOptions struct {
	ReadyTimeout time.Duration
	// ExpandPause is waited after clicking the "view all reviews" control.
	ExpandPause time.Duration
}

func DefaultExtractorOptions() ExtractorOptions {
	return ExtractorOptions{
		ReadyTimeout: 30 * time.Second,
		ExpandPause:  2 * time.Second,
	}
}

// ProductExtractor assembles a ProductRecord from one product page.
type ProductExtractor struct {
	fetcher     browser.Fetcher
	site        *Site
	limiter     ratelimit.RateLimiter
	diagnostics diagnostics.Sink
	resolver    *cascade.Resolver
	cleaner     *textclean.Cleaner
	observer    FieldObserver
	opts        ExtractorOptions
	logger      *slog.Logger
	sleep       func(time.Duration)
}

func NewProductExtractor(fetcher browser.Fetcher, site *Site, limiter ratelimit.RateLimiter, sink diagnostics.Sink, opts ExtractorOptions, logger *slog.Logger) *ProductExtractor {
	if sink == nil {
		sink = diagnostics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = ratelimit.NewJitterLimiter(2*time.Second, 5*time.Second)
	}
	return &ProductExtractor{
		fetcher:     fetcher,
		site:        site,
		limiter:     limiter,
		diagnostics: sink,
		resolver:    cascade.NewResolver(logger),
		cleaner:     textclean.New(),
		opts:        opts,
		logger:      logger.With("component", "product_extractor"),
		sleep:       time.Sleep,
	}
}

// WithObserver sets the field observer.
func (e *ProductExtractor) WithObserver(o FieldObserver) *ProductExtractor {
	e.observer = o
	return e
}

// Extract loads productURL and resolves every field. When the price cannot
// be resolved the partial record is returned together with an
// *ExtractionError wrapping ErrPriceNotFound.
func (e *ProductExtractor) Extract(ctx context.Context, productURL, category string) (*models.ProductRecord, error) {
	normalized, ok := e.site.NormalizeProductURL(productURL)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a product url", ErrInvalidURL, productURL)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	e.logger.Info("extracting product", "url", normalized)

	h, err := e.fetcher.Load(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to load product page: %w", err)
	}
	defer h.Close()

	if err := checkDomain(e.site, h); err != nil {
		return nil, &ExtractionError{URL: normalized, Title: h.Title(), Err: err}
	}

	if !h.WaitForReady(e.opts.ReadyTimeout) {
		e.logger.Warn("product page not ready, continuing with current DOM", "url", normalized)
	}

	markup, err := h.Content()
	if err != nil {
		return nil, &ExtractionError{URL: normalized, Title: h.Title(), Err: fmt.Errorf("%w: %v", ErrSnapshot, err)}
	}

	if browser.DetectChallenge(h) {
		if _, serr := e.diagnostics.Save(diagnostics.KindChallenge, normalized, markup); serr != nil {
			e.logger.Error("failed to save debug artifact", "url", normalized, "error", serr)
		}
		return nil, &ExtractionError{URL: normalized, Title: h.Title(), Err: ErrChallenge}
	}

	snap, err := cascade.NewSnapshot(markup, h.URL())
	if err != nil {
		return nil, &ExtractionError{URL: normalized, Title: h.Title(), Err: fmt.Errorf("%w: %v", ErrSnapshot, err)}
	}

	record := models.NewProductRecord(normalized, e.site.Name, category)
	record.ProductID = e.site.ProductID(normalized)
	record.Currency = e.site.Currency

	e.extractFields(snap, record)
	e.extractRatings(snap, record)
	record.Reviews = e.extractReviews(snap)
	record.AllReviews = e.expandReviews(h, snap)
	record.RelatedProducts = e.extractRelated(snap)

	if !record.Scraped() {
		if _, serr := e.diagnostics.Save(diagnostics.KindMissingPrice, normalized, markup); serr != nil {
			e.logger.Error("failed to save debug artifact", "url", normalized, "error", serr)
		}
		return record, &ExtractionError{URL: normalized, Title: h.Title(), Partial: record, Err: ErrPriceNotFound}
	}

	e.logger.Info("extracted product",
		"url", normalized,
		"product_id", record.ProductID,
		"price", record.Price.String(),
		"images", len(record.Images),
		"reviews", len(record.AllReviews))

	return record, nil
}

func checkDomain(site *Site, h browser.Handle) error {
	if _, err := site.ValidateURL(h.URL()); err != nil {
		return fmt.Errorf("%w: landed on %s", ErrOffDomain, h.URL())
	}
	return nil
}

func (e *ProductExtractor) resolve(snap *cascade.Snapshot, spec cascade.FieldSpec) (cascade.Match, bool) {
	m, ok := e.resolver.Resolve(snap, spec)
	if e.observer != nil {
		if ok {
			e.observer.FieldResolved(spec.Field, m.Strategy)
		} else {
			e.observer.FieldMissing(spec.Field)
		}
	}
	if !ok {
		e.logger.Debug("field not found", "field", spec.Field, "url", snap.URL)
	}
	return m, ok
}

func (e *ProductExtractor) extractFields(snap *cascade.Snapshot, record *models.ProductRecord) {
	if m, ok := e.resolve(snap, e.site.Price); ok {
		record.Price = ParsePrice(m.First())
	}
	if m, ok := e.resolve(snap, e.site.Title); ok {
		record.Name = models.OptionalString(m.First())
	}
	if m, ok := e.resolve(snap, e.site.Brand); ok {
		record.Brand = models.OptionalString(m.First())
	}
	if m, ok := e.resolve(snap, e.site.Description); ok {
		record.Description = models.OptionalString(e.cleaner.ToText(m.First()))
	}
	if m, ok := e.resolve(snap, e.site.Images); ok {
		record.Images = absoluteURLs(snap.URL, m.Values)
	}
	if m, ok := e.resolve(snap, e.site.Details); ok {
		record.Details = m.Values
	}
	if m, ok := e.resolve(snap, e.site.Sizes); ok {
		record.Sizes = m.Values
	}
	if m, ok := e.resolve(snap, e.site.Colors); ok {
		record.Colors = m.Values
	}
}

func (e *ProductExtractor) extractRatings(snap *cascade.Snapshot, record *models.ProductRecord) {
	sel := e.site.Ratings
	ratings := &models.Ratings{Distribution: make(map[string]*float64)}
	found := false

	if m, ok := e.resolve(snap, sel.Overall); ok {
		ratings.Overall = ParseRating(m.First())
		found = found || ratings.Overall != nil
	}
	if m, ok := e.resolve(snap, sel.Total); ok {
		ratings.Total = ParseCount(m.First())
		found = found || ratings.Total != nil
	}
	if m, ok := e.resolve(snap, sel.Recommend); ok {
		ratings.RecommendPercent = ParsePercent("", m.First()+"%")
	}

	for _, barSel := range sel.Bars {
		bars := snap.Doc.Find(barSel)
		if bars.Length() == 0 {
			continue
		}
		bars.Each(func(i int, bar *goquery.Selection) {
			label := textclean.Line(bar.Find(sel.BarLabel).First().Text())
			if label == "" {
				label = strconv.Itoa(5 - i)
			}
			fill := bar.Find(sel.BarFill).First()
			style, _ := fill.Attr("style")
			ratings.Distribution[label] = ParsePercent(style, fill.Text())
		})
		found = true
		break
	}

	for _, fitSel := range sel.Fit {
		fits := snap.Doc.Find(fitSel)
		if fits.Length() == 0 {
			continue
		}
		ratings.Fit = make(map[string]*float64)
		fits.Each(func(_ int, fit *goquery.Selection) {
			label := textclean.Line(fit.Find(sel.BarLabel).First().Text())
			if label == "" {
				return
			}
			fill := fit.Find(sel.BarFill).First()
			style, _ := fill.Attr("style")
			ratings.Fit[label] = ParsePercent(style, fill.Text())
		})
		break
	}

	if !found {
		return
	}
	record.Ratings = ratings
	record.OverallRating = ratings.Overall
	record.TotalReviews = ratings.Total
}

// extractReviews parses the review cards present in snap.
func (e *ProductExtractor) extractReviews(snap *cascade.Snapshot) []models.Review {
	sel := e.site.Reviews
	reviews := make([]models.Review, 0)

	for _, itemSel := range sel.Item {
		items := snap.Doc.Find(itemSel)
		if items.Length() == 0 {
			continue
		}
		items.Each(func(_ int, item *goquery.Selection) {
			review := models.Review{
				Rating: reviewRating(item, sel.Rating),
				Date:   firstText(item, sel.Date),
				Status: firstText(item, sel.Status),
				Title:  firstText(item, sel.Title),
				Text:   firstText(item, sel.Text),
			}
			if review.Text == "" && review.Title == "" && review.Rating == nil {
				return
			}
			reviews = append(reviews, review)
		})
		break
	}
	return reviews
}

// expandReviews clicks the first "view all" control it finds and parses a
// fresh snapshot. The list always comes from a single snapshot: the
// post-expansion one when a control was clicked, the initial one otherwise.
func (e *ProductExtractor) expandReviews(h browser.Handle, initial *cascade.Snapshot) []models.Review {
	expanded := false
	for _, sel := range e.site.ViewAllReviews {
		clicked, err := h.Click(sel)
		if err != nil {
			e.logger.Debug("view all reviews click failed", "selector", sel, "error", err)
			continue
		}
		if clicked {
			expanded = true
			e.sleep(e.opts.ExpandPause)
			break
		}
	}
	if !expanded {
		return e.extractReviews(initial)
	}

	markup, err := h.Content()
	if err != nil {
		e.logger.Warn("failed to snapshot expanded reviews", "url", initial.URL, "error", err)
		return make([]models.Review, 0)
	}
	snap, err := cascade.NewSnapshot(markup, h.URL())
	if err != nil {
		e.logger.Warn("failed to parse expanded reviews", "url", initial.URL, "error", err)
		return make([]models.Review, 0)
	}
	return e.extractReviews(snap)
}

func (e *ProductExtractor) extractRelated(snap *cascade.Snapshot) map[string][]models.RelatedProduct {
	related := make(map[string][]models.RelatedProduct)

	for _, section := range e.site.Related {
		container := snap.Doc.Find(section.Container).First()
		if container.Length() == 0 {
			continue
		}

		set := newLinkSet()
		var items []models.RelatedProduct
		container.Find(section.Item).Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			link, ok := e.site.NormalizeProductURL(href)
			if !ok {
				return
			}
			before := len(set.list)
			set.add(link)
			if len(set.list) == before {
				return
			}
			item := models.RelatedProduct{URL: link}
			item.Name = models.OptionalString(textclean.Line(a.Find(section.NameSel).First().Text()))
			if price := textclean.Line(a.Find(section.PriceSel).First().Text()); price != "" {
				item.Price = ParsePrice(price)
			}
			items = append(items, item)
		})

		if len(items) > 0 {
			related[section.Name] = items
		}
	}
	return related
}

func reviewRating(item *goquery.Selection, sels []string) *float64 {
	for _, sel := range sels {
		node := item.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		for _, attr := range []string{"aria-label", "data-rating", "title"} {
			if v, ok := node.Attr(attr); ok {
				if r := ParseRating(v); r != nil {
					return r
				}
			}
		}
		if r := ParseRating(node.Text()); r != nil {
			return r
		}
	}
	return nil
}
