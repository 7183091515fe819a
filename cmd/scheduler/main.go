package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maltedev/fashion-scraper/internal/app"
	"github.com/maltedev/fashion-scraper/internal/config"
	"github.com/maltedev/fashion-scraper/internal/logger"
	"github.com/maltedev/fashion-scraper/internal/schedule"
)

func main() {
	var (
		file     = flag.String("categories", "", "YAML categories file (defaults to SCHEDULE_FILE)")
		interval = flag.Duration("interval", 0, "Run interval (overrides the file and SCHEDULE_INTERVAL)")
		once     = flag.Bool("once", false, "Run every category once and exit")
		metrics  = flag.Bool("metrics", true, "Serve /metrics on SERVER_HOST:SERVER_PORT")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *file == "" {
		*file = cfg.Schedule.File
	}
	if *file == "" {
		log.Fatal("Please provide a categories file with -categories or SCHEDULE_FILE")
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	plan, err := schedule.LoadPlan(*file)
	if err != nil {
		logger.Error("failed to load categories", "file", *file, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()
	a.StartRelay(ctx)

	// -interval wins, then the file, then SCHEDULE_INTERVAL.
	every := *interval
	if every <= 0 && plan.Interval <= 0 {
		every = cfg.Schedule.Interval
	}
	scheduler := schedule.New(a.Runner, plan, every, logger)

	if *once {
		scheduler.RunOnce(ctx)
		_, _, err := scheduler.Last()
		if err != nil {
			os.Exit(1)
		}
		return
	}

	if *metrics {
		server := &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           a.Metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer server.Close()
	}

	if err := scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler stopped with error", "error", err)
		os.Exit(1)
	}
}
