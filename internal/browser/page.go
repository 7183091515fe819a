package browser

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"
)

const ajaxIdleScript = `() => typeof window.jQuery === 'undefined' || window.jQuery.active === 0`

const hrefsScript = `([scope, selector]) => {
	const roots = scope ? Array.from(document.querySelectorAll(scope)) : [document];
	const out = [];
	for (const root of roots) {
		for (const el of root.querySelectorAll(selector)) {
			const href = el.href || el.getAttribute('href');
			if (href) out.push(String(href));
		}
	}
	return out;
}`

type pageHandle struct {
	page   playwright.Page
	settle time.Duration
	logger *slog.Logger
}

func (p *pageHandle) URL() string {
	return p.page.URL()
}

func (p *pageHandle) Title() string {
	title, err := p.page.Title()
	if err != nil {
		return ""
	}
	return title
}

func (p *pageHandle) Content() (string, error) {
	content, err := p.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return content, nil
}

func (p *pageHandle) Text() (string, error) {
	text, err := p.page.InnerText("body")
	if err != nil {
		return "", fmt.Errorf("failed to get page text: %w", err)
	}
	return text, nil
}

// WaitForReady waits for document readiness, then network and jQuery idle,
// then the settle pause. Any timeout yields false.
func (p *pageHandle) WaitForReady(timeout time.Duration) bool {
	ms := playwright.Float(float64(timeout.Milliseconds()))
	ready := true

	if _, err := p.page.WaitForFunction(`() => document.readyState === 'complete'`, nil,
		playwright.PageWaitForFunctionOptions{Timeout: ms}); err != nil {
		p.logger.Warn("document not ready before timeout", "url", p.page.URL(), "timeout", timeout)
		ready = false
	}

	if ready {
		if err := p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateNetworkidle,
			Timeout: ms,
		}); err != nil {
			p.logger.Debug("network not idle before timeout", "url", p.page.URL())
			ready = false
		}
	}

	if ready {
		if _, err := p.page.WaitForFunction(ajaxIdleScript, nil,
			playwright.PageWaitForFunctionOptions{Timeout: ms}); err != nil {
			p.logger.Debug("ajax not idle before timeout", "url", p.page.URL())
			ready = false
		}
	}

	if p.settle > 0 {
		time.Sleep(p.settle)
	}
	return ready
}

func (p *pageHandle) Count(selector string) (int, error) {
	return p.page.Locator(selector).Count()
}

func (p *pageHandle) Hrefs(scope, selector string) ([]string, error) {
	result, err := p.page.Evaluate(hrefsScript, []interface{}{scope, selector})
	if err != nil {
		return nil, fmt.Errorf("failed to collect hrefs for %q: %w", selector, err)
	}

	items, ok := result.([]interface{})
	if !ok {
		return nil, nil
	}
	hrefs := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			hrefs = append(hrefs, s)
		}
	}
	return hrefs, nil
}

func (p *pageHandle) ScrollTo(y int) error {
	if _, err := p.page.Evaluate(fmt.Sprintf("window.scrollTo(0, %d)", y)); err != nil {
		return fmt.Errorf("failed to scroll: %w", err)
	}
	return nil
}

func (p *pageHandle) Click(selector string) (bool, error) {
	target := p.page.Locator(selector).First()
	count, err := target.Count()
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	if err := target.Click(); err != nil {
		return false, fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return true, nil
}

func (p *pageHandle) Close() error {
	return p.page.Close()
}
