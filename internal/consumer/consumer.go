// Package consumer scrapes products requested through a Redis stream.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/fashion-scraper/internal/browser"
	"github.com/maltedev/fashion-scraper/internal/models"
)

const EventScrapeRequested = "SCRAPE_PRODUCT_REQUESTED"

// RedisClient is the subset of *redis.Client the consumer needs.
type RedisClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

type Scraper interface {
	ScrapeProduct(ctx context.Context, productURL, category string) (*models.ProductRecord, error)
}

type Config struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	Count    int64

	// ClaimIdle is how long a message stays pending before it is
	// reclaimed and handled again.
	ClaimIdle time.Duration
}

// Request is the payload of a SCRAPE_PRODUCT_REQUESTED event.
type Request struct {
	URL      string `json:"url"`
	Category string `json:"category"`
}

type Consumer struct {
	redis   RedisClient
	scraper Scraper
	cfg     Config
	logger  *slog.Logger
	pause   time.Duration
}

func New(redisClient RedisClient, scraper Scraper, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Count == 0 {
		cfg.Count = 1
	}
	if cfg.ClaimIdle == 0 {
		cfg.ClaimIdle = 5 * time.Minute
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		redis:   redisClient,
		scraper: scraper,
		cfg:     cfg,
		logger:  logger.With("component", "consumer"),
		pause:   time.Second,
	}
}

// Run reads the stream until ctx is cancelled. Messages are acknowledged
// once handled, including ones that fail extraction. Infrastructure
// failures leave a message pending; it is reclaimed on startup and
// whenever the stream is idle, once it has been pending for ClaimIdle.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "stream", c.cfg.Stream, "group", c.cfg.Group, "consumer", c.cfg.Consumer)

	c.reclaim(ctx)
	lastClaim := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    c.cfg.Count,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if time.Since(lastClaim) >= c.cfg.ClaimIdle {
					c.reclaim(ctx)
					lastClaim = time.Now()
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.pause):
			}
			continue
		}

		for _, stream := range streams {
			c.process(ctx, stream.Messages)
		}
	}
}

// reclaim takes over messages that have been pending longer than
// ClaimIdle, from this consumer or a dead one, and handles them again.
func (c *Consumer) reclaim(ctx context.Context) {
	start := "0-0"
	for ctx.Err() == nil {
		messages, next, err := c.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.ClaimIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				c.logger.Error("failed to reclaim pending messages", "error", err)
			}
			return
		}
		if len(messages) > 0 {
			c.logger.Info("reclaimed pending messages", "count", len(messages))
			c.process(ctx, messages)
		}
		if next == "" || next == "0-0" {
			return
		}
		start = next
	}
}

func (c *Consumer) process(ctx context.Context, messages []redis.XMessage) {
	for _, message := range messages {
		if err := c.handle(ctx, message); err != nil {
			c.logger.Error("message left pending", "id", message.ID, "error", err)
			continue
		}
		if err := c.redis.XAck(ctx, c.cfg.Stream, c.cfg.Group, message.ID).Err(); err != nil {
			c.logger.Error("failed to acknowledge message", "id", message.ID, "error", err)
		}
	}
}

// handle returns an error only when the message should be redelivered.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) error {
	eventType, _ := msg.Values["event_type"].(string)
	if eventType != EventScrapeRequested {
		c.logger.Debug("skipping event", "id", msg.ID, "event_type", eventType)
		return nil
	}

	raw, _ := msg.Values["payload"].(string)
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil || req.URL == "" {
		c.logger.Warn("dropping malformed request", "id", msg.ID, "payload", raw)
		return nil
	}

	c.logger.Info("processing request", "id", msg.ID, "url", req.URL, "category", req.Category)

	record, err := c.scraper.ScrapeProduct(ctx, req.URL, req.Category)
	switch {
	case err == nil:
		c.logger.Info("request completed", "id", msg.ID, "product_id", record.ProductID)
		return nil
	case errors.Is(err, browser.ErrSessionSetup),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		c.logger.Warn("request failed", "id", msg.ID, "url", req.URL, "error", err)
		return nil
	}
}
