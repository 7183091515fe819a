package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Browser  BrowserConfig
	Scraper  ScraperConfig
	Storage  StorageConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Dedup    DedupConfig
	Schedule ScheduleConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type BrowserConfig struct {
	Type           string
	Headless       bool
	Timeout        time.Duration
	SettlePause    time.Duration
	BlockImages    bool
	UserAgents     []string
	ProxyServer    string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
}

type ScraperConfig struct {
	DelayMin     time.Duration
	DelayMax     time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMin     time.Duration
	RetryMax     time.Duration
	Workers      int
	ReadyTimeout time.Duration
	ScrollSteps  int
	ScrollPause  time.Duration
	// MaxProducts caps extraction per category; 0 means no cap.
	MaxProducts int
}

type StorageConfig struct {
	OutputDir string
	DebugDir  string
	// Backends is any of json, csv, postgres.
	Backends  []string
	LinksFile string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

type RedisConfig struct {
	URL    string
	Stream string
	// RequestStream carries scrape requests for the stream consumer.
	RequestStream string
	Group         string
	ConsumerName  string
}

type DedupConfig struct {
	Backend string
	TTL     time.Duration
	Size    int
}

type ScheduleConfig struct {
	File     string
	Interval time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getStringSliceOrDefault("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://localhost:*"}),
		},
		Browser: BrowserConfig{
			Type:           getEnvOrDefault("BROWSER_TYPE", "chromium"),
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 60*time.Second),
			SettlePause:    getDurationOrDefault("BROWSER_SETTLE_PAUSE", 5*time.Second),
			BlockImages:    getBoolOrDefault("BROWSER_BLOCK_IMAGES", true),
			UserAgents:     getStringSliceOrDefault("BROWSER_USER_AGENTS", nil),
			ProxyServer:    getEnvOrDefault("BROWSER_PROXY", ""),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "en-GB,en;q=0.9"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "Europe/London"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "en-GB"),
		},
		Scraper: ScraperConfig{
			DelayMin:     getDurationOrDefault("SCRAPER_DELAY_MIN", 2*time.Second),
			DelayMax:     getDurationOrDefault("SCRAPER_DELAY_MAX", 5*time.Second),
			MaxAttempts:  getIntOrDefault("SCRAPER_MAX_ATTEMPTS", 3),
			RetryBase:    getDurationOrDefault("SCRAPER_RETRY_BASE", time.Second),
			RetryMin:     getDurationOrDefault("SCRAPER_RETRY_MIN", 4*time.Second),
			RetryMax:     getDurationOrDefault("SCRAPER_RETRY_MAX", 10*time.Second),
			Workers:      getIntOrDefault("SCRAPER_WORKERS", 3),
			ReadyTimeout: getDurationOrDefault("SCRAPER_READY_TIMEOUT", 30*time.Second),
			ScrollSteps:  getIntOrDefault("SCRAPER_SCROLL_STEPS", 3),
			ScrollPause:  getDurationOrDefault("SCRAPER_SCROLL_PAUSE", 3*time.Second),
			MaxProducts:  getIntOrDefault("SCRAPER_MAX_PRODUCTS", 0),
		},
		Storage: StorageConfig{
			OutputDir: getEnvOrDefault("OUTPUT_DIR", "output"),
			DebugDir:  getEnvOrDefault("DEBUG_DIR", "debug"),
			Backends:  getStringSliceOrDefault("STORAGE_BACKENDS", []string{"json"}),
			LinksFile: getEnvOrDefault("LINKS_FILE", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			Name:     getEnvOrDefault("DB_NAME", "fashion_scraper"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			URL:           getEnvOrDefault("REDIS_URL", ""),
			Stream:        getEnvOrDefault("REDIS_STREAM", "stream:fashion_products"),
			RequestStream: getEnvOrDefault("REDIS_REQUEST_STREAM", "stream:fashion_scrape_requests"),
			Group:         getEnvOrDefault("REDIS_CONSUMER_GROUP", "fashion-scraper"),
			ConsumerName:  getEnvOrDefault("REDIS_CONSUMER_NAME", hostname()),
		},
		Dedup: DedupConfig{
			Backend: getEnvOrDefault("DEDUP_BACKEND", "memory"),
			TTL:     getDurationOrDefault("DEDUP_TTL", 24*time.Hour),
			Size:    getIntOrDefault("DEDUP_SIZE", 10000),
		},
		Schedule: ScheduleConfig{
			File:     getEnvOrDefault("SCHEDULE_FILE", ""),
			Interval: getDurationOrDefault("SCHEDULE_INTERVAL", 30*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	for i, b := range cfg.Storage.Backends {
		cfg.Storage.Backends[i] = strings.ToLower(strings.TrimSpace(b))
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Scraper.Workers < 1 {
		return fmt.Errorf("SCRAPER_WORKERS must be at least 1")
	}

	if c.Scraper.DelayMin > c.Scraper.DelayMax {
		return fmt.Errorf("SCRAPER_DELAY_MIN cannot be greater than SCRAPER_DELAY_MAX")
	}

	if c.Scraper.MaxAttempts < 1 {
		return fmt.Errorf("SCRAPER_MAX_ATTEMPTS must be at least 1")
	}

	if c.Scraper.RetryMin > c.Scraper.RetryMax {
		return fmt.Errorf("SCRAPER_RETRY_MIN cannot be greater than SCRAPER_RETRY_MAX")
	}

	switch c.Browser.Type {
	case "chromium", "firefox", "webkit":
	default:
		return fmt.Errorf("BROWSER_TYPE %q is not supported", c.Browser.Type)
	}

	for _, b := range c.Storage.Backends {
		switch b {
		case "json", "csv", "postgres":
		default:
			return fmt.Errorf("STORAGE_BACKENDS: unknown backend %q", b)
		}
	}

	switch c.Dedup.Backend {
	case "memory", "none":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when DEDUP_BACKEND=redis")
		}
	default:
		return fmt.Errorf("DEDUP_BACKEND %q is not supported", c.Dedup.Backend)
	}

	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("SCHEDULE_INTERVAL must be positive")
	}

	return nil
}

// HasBackend reports whether name is listed in STORAGE_BACKENDS.
func (c *Config) HasBackend(name string) bool {
	for _, b := range c.Storage.Backends {
		if b == name {
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "consumer-1"
	}
	return name
}
