package browser

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/playwright-community/playwright-go"
)

const hideWebdriverScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`

// Session is one controlled browser. Anti-fingerprinting settings are
// applied once here and shared by every page it loads. A session is not
// safe for concurrent Load calls; run one session per worker.
type Session struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	opts    *Options
	logger  *slog.Logger
}

type Options struct {
	BrowserType    string
	Headless       bool
	Timeout        time.Duration
	SettlePause    time.Duration
	UserAgents     []string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	BlockImages    bool
	ProxyServer    string
	ExtraHeaders   map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		BrowserType: "chromium",
		Headless:    true,
		Timeout:     60 * time.Second,
		SettlePause: 5 * time.Second,
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
		},
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "en-GB,en;q=0.9",
		TimezoneID:     "Europe/London",
		Locale:         "en-GB",
		BlockImages:    true,
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
	}
}

// PickUserAgent returns a random entry of the pool.
func (o *Options) PickUserAgent() string {
	if len(o.UserAgents) == 0 {
		return DefaultOptions().UserAgents[0]
	}
	return o.UserAgents[rand.Intn(len(o.UserAgents))]
}

// New starts playwright and prepares a browser context. Every failure is
// wrapped in ErrSessionSetup.
func New(opts *Options, logger *slog.Logger) (*Session, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := opts.PickUserAgent()

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to start playwright: %v", ErrSessionSetup, err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: opts.ProxyServer}
	}

	var browserType playwright.BrowserType
	switch opts.BrowserType {
	case "firefox":
		browserType = pw.Firefox
		prefs := map[string]interface{}{
			"dom.webdriver.enabled":      false,
			"useAutomationExtension":     false,
			"general.useragent.override": userAgent,
		}
		if opts.BlockImages {
			prefs["permissions.default.image"] = 2
		}
		launchOpts.FirefoxUserPrefs = prefs
	default:
		browserType = pw.Chromium
		launchOpts.Args = []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
		}
	}

	browser, err := browserType.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("%w: failed to launch browser: %v", ErrSessionSetup, err)
	}

	headers := make(map[string]string, len(opts.ExtraHeaders)+1)
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	headers["Accept-Language"] = opts.AcceptLanguage

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(userAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(opts.Locale),
		TimezoneId:        playwright.String(opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("%w: failed to create browser context: %v", ErrSessionSetup, err)
	}

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(hideWebdriverScript)}); err != nil {
		bctx.Close()
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("%w: failed to install init script: %v", ErrSessionSetup, err)
	}

	if opts.BlockImages {
		err := bctx.Route("**/*", func(route playwright.Route) {
			if route.Request().ResourceType() == "image" {
				_ = route.Abort()
				return
			}
			_ = route.Continue()
		})
		if err != nil {
			bctx.Close()
			browser.Close()
			pw.Stop()
			return nil, fmt.Errorf("%w: failed to block images: %v", ErrSessionSetup, err)
		}
	}

	s := &Session{
		pw:      pw,
		browser: browser,
		context: bctx,
		opts:    opts,
		logger:  logger.With("component", "browser"),
	}
	s.logger.Info("browser session started",
		"type", opts.BrowserType,
		"headless", opts.Headless,
		"block_images", opts.BlockImages)

	return s, nil
}

// Load opens a new page and navigates to url. The returned handle owns the
// page; closing it closes the page, not the session.
func (s *Session) Load(ctx context.Context, url string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, err := s.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create new page: %v", ErrNavigation, err)
	}
	page.SetDefaultTimeout(float64(s.opts.Timeout.Milliseconds()))

	start := time.Now()
	resp, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(s.opts.Timeout.Milliseconds())),
	})
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrNavigation, url, err)
	}
	if resp != nil && (resp.Status() == 429 || resp.Status() >= 500) {
		page.Close()
		return nil, fmt.Errorf("%w: %s: status %d", ErrNavigation, url, resp.Status())
	}

	s.logger.Debug("page loaded", "url", url, "final_url", page.URL(), "duration", time.Since(start))

	return &pageHandle{page: page, settle: s.opts.SettlePause, logger: s.logger}, nil
}

func (s *Session) Close() error {
	var errs []error

	if s.context != nil {
		if err := s.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if s.pw != nil {
		if err := s.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}
