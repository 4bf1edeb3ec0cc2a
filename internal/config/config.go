// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"perp-sync/internal/indexer"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

const defaultPath = "config.yaml"

// Config holds every setting of the service
type Config struct {
	Indexer struct {
		WSURL       string        `yaml:"ws_url"`
		RestURL     string        `yaml:"rest_url"`
		RestTimeout time.Duration `yaml:"rest_timeout"`
	} `yaml:"indexer"`

	Account struct {
		// Address is optional; without it only markets and orderbooks sync
		Address          string `yaml:"address"`
		ParentSubaccount int    `yaml:"parent_subaccount"`
	} `yaml:"account"`

	Markets []string `yaml:"markets"`

	Connection struct {
		BackoffInitial          time.Duration `yaml:"backoff_initial"`
		BackoffMax              time.Duration `yaml:"backoff_max"`
		BackoffMultiplier       float64       `yaml:"backoff_multiplier"`
		RetryCooldown           time.Duration `yaml:"retry_cooldown"`
		MissingMessageThreshold int           `yaml:"missing_message_threshold"`
		ResourceDebounce        time.Duration `yaml:"resource_debounce"`
	} `yaml:"connection"`

	Query struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		StaleTime    time.Duration `yaml:"stale_time"`
		Retry        int           `yaml:"retry"`
	} `yaml:"query"`

	Redis struct {
		Host              string        `yaml:"host"`
		Port              string        `yaml:"port"`
		AccountTTL        time.Duration `yaml:"account_ttl"`
		MarketsTTL        time.Duration `yaml:"markets_ttl"`
		OrderbookInterval time.Duration `yaml:"orderbook_interval"`
		StreamMaxLen      int64         `yaml:"stream_max_len"`
		BookDepth         int           `yaml:"book_depth"`
	} `yaml:"redis"`

	Metrics struct {
		Port string `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns a configuration with every default filled in
func Default() *Config {
	var cfg Config
	cfg.Indexer.WSURL = "wss://indexer.dydx.trade/v4/ws"
	cfg.Indexer.RestURL = "https://indexer.dydx.trade"
	cfg.Indexer.RestTimeout = 30 * time.Second

	cfg.Connection.BackoffInitial = time.Second
	cfg.Connection.BackoffMax = 120 * time.Second
	cfg.Connection.BackoffMultiplier = 1.5
	cfg.Connection.RetryCooldown = 60 * time.Second
	cfg.Connection.MissingMessageThreshold = 1
	cfg.Connection.ResourceDebounce = time.Second

	cfg.Query.PollInterval = 60 * time.Second
	cfg.Query.StaleTime = 30 * time.Second
	cfg.Query.Retry = 3

	cfg.Redis.Host = "localhost"
	cfg.Redis.Port = "6379"
	cfg.Redis.AccountTTL = 5 * time.Minute
	cfg.Redis.MarketsTTL = 5 * time.Minute
	cfg.Redis.OrderbookInterval = 250 * time.Millisecond
	cfg.Redis.StreamMaxLen = 1000
	cfg.Redis.BookDepth = 50

	cfg.Metrics.Port = "9090"
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	return &cfg
}

// Path returns PERPSYNC_CONFIG or the default file name
func Path() string {
	return getEnv("PERPSYNC_CONFIG", defaultPath)
}

// Load reads a .env file if present, then the YAML file at path over the
// defaults, then environment overrides, and validates the result. A missing
// file at the default path is not an error.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == defaultPath:
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideWithEnv(cfg *Config) error {
	cfg.Indexer.WSURL = getEnv("INDEXER_WS_URL", cfg.Indexer.WSURL)
	cfg.Indexer.RestURL = getEnv("INDEXER_REST_URL", cfg.Indexer.RestURL)
	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Metrics.Port = getEnv("METRICS_PORT", cfg.Metrics.Port)
	cfg.Account.Address = getEnv("ACCOUNT_ADDRESS", cfg.Account.Address)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	if v := os.Getenv("PARENT_SUBACCOUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PARENT_SUBACCOUNT %q: %v", ErrInvalidConfig, v, err)
		}
		cfg.Account.ParentSubaccount = n
	}
	if v := os.Getenv("MARKETS"); v != "" {
		cfg.Markets = splitList(v)
	}
	return nil
}

// Validate checks every setting and returns an ErrInvalidConfig error
func (c *Config) Validate() error {
	if !hasAnyPrefix(c.Indexer.WSURL, "ws://", "wss://") {
		return fmt.Errorf("%w: indexer ws url %q", ErrInvalidConfig, c.Indexer.WSURL)
	}
	if !hasAnyPrefix(c.Indexer.RestURL, "http://", "https://") {
		return fmt.Errorf("%w: indexer rest url %q", ErrInvalidConfig, c.Indexer.RestURL)
	}
	if c.Account.ParentSubaccount < 0 || c.Account.ParentSubaccount >= indexer.NumParentSubaccounts {
		return fmt.Errorf("%w: parent subaccount %d out of range [0, %d)", ErrInvalidConfig,
			c.Account.ParentSubaccount, indexer.NumParentSubaccounts)
	}
	for _, m := range c.Markets {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("%w: empty market ticker", ErrInvalidConfig)
		}
	}
	if c.Connection.BackoffInitial <= 0 || c.Connection.BackoffMax < c.Connection.BackoffInitial {
		return fmt.Errorf("%w: backoff %s..%s", ErrInvalidConfig, c.Connection.BackoffInitial, c.Connection.BackoffMax)
	}
	if c.Connection.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier %v below 1", ErrInvalidConfig, c.Connection.BackoffMultiplier)
	}
	if c.Connection.MissingMessageThreshold < 1 {
		return fmt.Errorf("%w: missing message threshold must be positive", ErrInvalidConfig)
	}
	if c.Query.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	if c.Query.Retry < 0 {
		return fmt.Errorf("%w: retry must not be negative", ErrInvalidConfig)
	}
	if _, err := strconv.Atoi(c.Redis.Port); err != nil {
		return fmt.Errorf("%w: redis port %q", ErrInvalidConfig, c.Redis.Port)
	}
	if _, err := strconv.Atoi(c.Metrics.Port); err != nil {
		return fmt.Errorf("%w: metrics port %q", ErrInvalidConfig, c.Metrics.Port)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// RedisAddr is host:port
func (c *Config) RedisAddr() string {
	return c.Redis.Host + ":" + c.Redis.Port
}

// MetricsAddr is the metrics listen address
func (c *Config) MetricsAddr() string {
	return ":" + c.Metrics.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
