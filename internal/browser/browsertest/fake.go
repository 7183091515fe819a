// Package browsertest provides an in-memory browser.Fetcher backed by static
// HTML fixtures.
package browsertest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/fashion-scraper/internal/browser"
)

// Page is a fixture served for one URL.
type Page struct {
	// FinalURL overrides the URL reported after load, to simulate redirects.
	FinalURL string
	Title    string
	HTML     string
	// Clicks maps a selector to the markup the page shows after clicking it.
	Clicks map[string]string
	// Scrolled replaces the markup once the page has been scrolled
	// RevealAfter times.
	Scrolled    string
	RevealAfter int
	NotReady    bool
	// ScriptErr makes live DOM queries fail, as when scripting is broken.
	ScriptErr error
}

// Fetcher serves Pages keyed by URL. Errors queued in Failures are returned
// by successive loads of that URL before the page is served.
type Fetcher struct {
	mu       sync.Mutex
	Pages    map[string]*Page
	Failures map[string][]error
	loads    []string
	closed   int
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		Pages:    make(map[string]*Page),
		Failures: make(map[string][]error),
	}
}

func (f *Fetcher) Add(rawURL string, page *Page) *Fetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pages[rawURL] = page
	return f
}

func (f *Fetcher) Fail(rawURL string, errs ...error) *Fetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Failures[rawURL] = append(f.Failures[rawURL], errs...)
	return f
}

func (f *Fetcher) Load(ctx context.Context, rawURL string) (browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, rawURL)

	if queued := f.Failures[rawURL]; len(queued) > 0 {
		f.Failures[rawURL] = queued[1:]
		return nil, queued[0]
	}

	page, ok := f.Pages[rawURL]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no fixture", browser.ErrNavigation, rawURL)
	}

	current := rawURL
	if page.FinalURL != "" {
		current = page.FinalURL
	}
	h := &Handle{fixture: page, url: current, onClose: f.markClosed}
	if err := h.setHTML(page.HTML); err != nil {
		return nil, err
	}
	return h, nil
}

// Loads returns every URL passed to Load, in order.
func (f *Fetcher) Loads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loads...)
}

// Closed returns how many handles have been closed.
func (f *Fetcher) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fetcher) markClosed() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

// Handle implements browser.Handle over a goquery document.
type Handle struct {
	fixture *Page
	url     string
	html    string
	doc     *goquery.Document
	scrolls []int
	clicked []string
	onClose func()
}

func (h *Handle) setHTML(markup string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return fmt.Errorf("failed to parse fixture: %w", err)
	}
	h.html = markup
	h.doc = doc
	return nil
}

func (h *Handle) URL() string { return h.url }

func (h *Handle) Title() string {
	if h.fixture.Title != "" {
		return h.fixture.Title
	}
	return strings.TrimSpace(h.doc.Find("title").First().Text())
}

func (h *Handle) Content() (string, error) { return h.html, nil }

func (h *Handle) Text() (string, error) {
	return h.doc.Find("body").Text(), nil
}

func (h *Handle) WaitForReady(time.Duration) bool { return !h.fixture.NotReady }

func (h *Handle) Count(selector string) (int, error) {
	return h.doc.Find(selector).Length(), nil
}

func (h *Handle) Hrefs(scope, selector string) ([]string, error) {
	if h.fixture.ScriptErr != nil {
		return nil, h.fixture.ScriptErr
	}
	base, err := url.Parse(h.url)
	if err != nil {
		return nil, err
	}

	roots := h.doc.Selection
	if scope != "" {
		roots = h.doc.Find(scope)
	}

	var hrefs []string
	roots.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		hrefs = append(hrefs, base.ResolveReference(ref).String())
	})
	return hrefs, nil
}

func (h *Handle) ScrollTo(y int) error {
	h.scrolls = append(h.scrolls, y)
	if h.fixture.Scrolled != "" && len(h.scrolls) == h.fixture.RevealAfter {
		return h.setHTML(h.fixture.Scrolled)
	}
	return nil
}

func (h *Handle) Click(selector string) (bool, error) {
	if h.doc.Find(selector).Length() == 0 {
		return false, nil
	}
	h.clicked = append(h.clicked, selector)
	if next, ok := h.fixture.Clicks[selector]; ok {
		if err := h.setHTML(next); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (h *Handle) Close() error {
	if h.onClose != nil {
		h.onClose()
	}
	return nil
}

// Scrolls returns the scroll offsets requested so far.
func (h *Handle) Scrolls() []int { return append([]int(nil), h.scrolls...) }

// Clicked returns the selectors clicked so far.
func (h *Handle) Clicked() []string { return append([]string(nil), h.clicked...) }
