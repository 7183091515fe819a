// Package app assembles the scraper from configuration for the binaries in
// cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/fashion-scraper/internal/browser"
	"github.com/maltedev/fashion-scraper/internal/config"
	"github.com/maltedev/fashion-scraper/internal/database"
	"github.com/maltedev/fashion-scraper/internal/dedup"
	"github.com/maltedev/fashion-scraper/internal/diagnostics"
	"github.com/maltedev/fashion-scraper/internal/metrics"
	"github.com/maltedev/fashion-scraper/internal/pipeline"
	"github.com/maltedev/fashion-scraper/internal/retry"
	"github.com/maltedev/fashion-scraper/internal/scraper"
	"github.com/maltedev/fashion-scraper/internal/storage"
)

const csvFile = "products.csv"

type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Site    *scraper.Site
	Runner  *pipeline.Runner
	Ledger  *storage.LinkLedger
	DB      *database.DB
	Redis   *redis.Client
	// Relay is set when both Postgres and Redis are configured.
	Relay *database.Relay

	sink storage.Sink
}

// New connects every configured backend. Browser sessions are opened lazily
// by the runner.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		Site:    scraper.ASOS(),
	}

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}

	sink, err := a.sinks()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sink = sink

	if cfg.Storage.LinksFile != "" {
		ledger, err := storage.NewLinkLedger(cfg.Storage.LinksFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open link ledger: %w", err)
		}
		a.Ledger = ledger
	}

	seen, err := a.seenStore()
	if err != nil {
		a.Close()
		return nil, err
	}

	browserOpts := BrowserOptions(cfg.Browser)
	newSession := func() (pipeline.Session, error) {
		s, err := browser.New(browserOpts, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	a.Runner = pipeline.New(newSession, a.Site, PipelineOptions(cfg.Scraper), logger).
		WithSink(sink).
		WithSeen(seen).
		WithDiagnostics(diagnostics.NewDir(cfg.Storage.DebugDir, logger)).
		WithMetrics(a.Metrics)
	if a.Ledger != nil {
		a.Runner.WithLedger(a.Ledger)
	}

	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config

	if cfg.HasBackend("postgres") {
		db, err := database.New(ctx, database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Name,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		a.DB = db
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	if a.DB != nil {
		if a.Redis == nil {
			a.Logger.Warn("postgres storage without REDIS_URL, outbox events will not be published")
		} else {
			a.Relay = database.NewRelay(database.NewOutboxRepository(a.DB), a.Redis, a.Logger, database.RelayConfig{})
		}
	}

	return nil
}

func (a *App) sinks() (storage.Sink, error) {
	cfg := a.Config
	var sinks storage.Multi

	if cfg.HasBackend("json") {
		dir, err := storage.NewJSONDir(cfg.Storage.OutputDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create output dir: %w", err)
		}
		sinks = append(sinks, dir)
	}
	if cfg.HasBackend("csv") {
		w, err := storage.NewCSVWriter(filepath.Join(cfg.Storage.OutputDir, csvFile))
		if err != nil {
			return nil, fmt.Errorf("failed to create csv writer: %w", err)
		}
		sinks = append(sinks, w)
	}
	if cfg.HasBackend("postgres") && a.DB != nil {
		sinks = append(sinks, database.NewProductRepository(a.DB, cfg.Redis.Stream, a.Logger))
	}
	return sinks, nil
}

func (a *App) seenStore() (dedup.Store, error) {
	switch a.Config.Dedup.Backend {
	case "redis":
		if a.Redis == nil {
			return nil, errors.New("redis dedup backend requires REDIS_URL")
		}
		return dedup.NewRedisStore(a.Redis, "", a.Config.Dedup.TTL), nil
	case "none":
		return dedup.Nop{}, nil
	default:
		return dedup.NewMemoryStore(a.Config.Dedup.Size, a.Config.Dedup.TTL), nil
	}
}

// StartRelay runs the outbox relay in the background until ctx is done. It
// is a no-op without a relay.
func (a *App) StartRelay(ctx context.Context) {
	if a.Relay == nil {
		return
	}
	go func() {
		if err := a.Relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("relay stopped with error", "error", err)
		}
	}()
}

// Close flushes the sinks and releases connections.
func (a *App) Close() error {
	var errs []error
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		a.DB.Close()
	}
	return errors.Join(errs...)
}

func BrowserOptions(cfg config.BrowserConfig) *browser.Options {
	opts := browser.DefaultOptions()
	opts.BrowserType = cfg.Type
	opts.Headless = cfg.Headless
	opts.Timeout = cfg.Timeout
	opts.SettlePause = cfg.SettlePause
	opts.BlockImages = cfg.BlockImages
	opts.ProxyServer = cfg.ProxyServer
	if len(cfg.UserAgents) > 0 {
		opts.UserAgents = cfg.UserAgents
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts.ViewportWidth = cfg.ViewportWidth
		opts.ViewportHeight = cfg.ViewportHeight
	}
	if cfg.AcceptLanguage != "" {
		opts.AcceptLanguage = cfg.AcceptLanguage
	}
	if cfg.TimezoneID != "" {
		opts.TimezoneID = cfg.TimezoneID
	}
	if cfg.Locale != "" {
		opts.Locale = cfg.Locale
	}
	return opts
}

func PipelineOptions(cfg config.ScraperConfig) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.Workers = cfg.Workers
	opts.MaxProducts = cfg.MaxProducts
	opts.DelayMin = cfg.DelayMin
	opts.DelayMax = cfg.DelayMax
	opts.Retry = retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.RetryBase,
		MinDelay:    cfg.RetryMin,
		MaxDelay:    cfg.RetryMax,
	}
	opts.Collector.ReadyTimeout = cfg.ReadyTimeout
	opts.Collector.ScrollSteps = cfg.ScrollSteps
	opts.Collector.ScrollPause = cfg.ScrollPause
	opts.Extractor.ReadyTimeout = cfg.ReadyTimeout
	return opts
}
