package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/fashion-scraper/internal/app"
	"github.com/maltedev/fashion-scraper/internal/config"
	"github.com/maltedev/fashion-scraper/internal/logger"
	"github.com/maltedev/fashion-scraper/internal/pipeline"
	"github.com/maltedev/fashion-scraper/internal/scraper"
)

func main() {
	var (
		mode      = flag.String("mode", "run", "Mode: run, collect, process or product")
		targetURL = flag.String("url", "", "Category URL (run, collect) or product URL (product)")
		category  = flag.String("category", "", "Category label for product mode")
		linksFile = flag.String("links", "", "Link ledger file (defaults to LINKS_FILE)")
		maxItems  = flag.Int("max", -1, "Maximum products per run (overrides SCRAPER_MAX_PRODUCTS)")
		workers   = flag.Int("workers", 0, "Concurrent browser sessions (overrides SCRAPER_WORKERS)")
		headless  = flag.Bool("headless", true, "Run browser in headless mode")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *linksFile != "" {
		cfg.Storage.LinksFile = *linksFile
	}
	if *maxItems >= 0 {
		cfg.Scraper.MaxProducts = *maxItems
	}
	if *workers > 0 {
		cfg.Scraper.Workers = *workers
	}
	cfg.Browser.Headless = *headless && cfg.Browser.Headless

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	logger.Info("starting fashion scraper", "mode", *mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	if (*mode == "collect" || *mode == "process") && cfg.Storage.LinksFile == "" {
		cfg.Storage.LinksFile = "links.json"
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()
	a.StartRelay(ctx)

	switch *mode {
	case "run":
		requireURL(*targetURL, "category")
		summary, err := a.Runner.Run(ctx, *targetURL)
		printJSON(summary)
		if err != nil {
			logger.Error("run failed", "error", err)
			os.Exit(1)
		}

	case "collect":
		requireURL(*targetURL, "category")
		links, err := a.Runner.CollectLinks(ctx, *targetURL)
		if err != nil {
			logger.Error("failed to collect links", "error", err)
			os.Exit(1)
		}
		logger.Info("links collected", "count", len(links), "ledger", cfg.Storage.LinksFile, "stats", a.Ledger.Stats())

	case "process":
		processPending(ctx, logger, a)

	case "product":
		requireURL(*targetURL, "product")
		record, err := a.Runner.ScrapeProduct(ctx, *targetURL, *category)
		if record != nil {
			printJSON(record)
		}
		if err != nil {
			logger.Error("product extraction failed", "url", *targetURL, "error", err)
			os.Exit(1)
		}

	default:
		fmt.Printf("Unknown mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// processPending extracts the ledger's pending links, one batch per
// category.
func processPending(ctx context.Context, logger *slog.Logger, a *app.App) {
	byCategory := make(map[string][]string)
	var order []string
	for _, link := range a.Ledger.Pending() {
		if _, ok := byCategory[link.Category]; !ok {
			order = append(order, link.Category)
		}
		byCategory[link.Category] = append(byCategory[link.Category], link.URL)
	}

	if len(order) == 0 {
		logger.Info("no pending links", "stats", a.Ledger.Stats())
		return
	}

	var summaries []*pipeline.Summary
	for _, category := range order {
		summary, err := a.Runner.Process(ctx, category, byCategory[category])
		summaries = append(summaries, summary)
		if err != nil {
			logger.Error("processing stopped", "category", category, "error", err)
			break
		}
	}
	printJSON(summaries)
	logger.Info("ledger status", "stats", a.Ledger.Stats())
}

func requireURL(u, kind string) {
	if u != "" {
		return
	}
	fmt.Printf("Please provide a %s URL with -url, e.g. %s\n", kind, example(kind))
	flag.Usage()
	os.Exit(1)
}

func example(kind string) string {
	if kind == "product" {
		return scraper.ASOS().BaseURL.String() + "/asos-design/asos-design-midi-dress/prd/100001"
	}
	return scraper.ASOS().BaseURL.String() + "/women/dresses/cat/?cid=8799"
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to encode output", "error", err)
	}
}
