// Package common provides shared utilities for Scout
package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for Scout
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	KV          KVConfig        `toml:"kv"`
	Clients     ClientsConfig   `toml:"clients"`
	Queue       QueueConfig     `toml:"queue"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Notify      NotifyConfig    `toml:"notify"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	AdminKey string `toml:"admin_key"` // X-Admin-Key value; empty disables the admin surface
}

// StorageConfig holds the relational store (SurrealDB) connection settings.
type StorageConfig struct {
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
}

// KVConfig holds the KV store (Redis) connection settings.
// The KV store owns locks, run-cancel flags, and queue state.
type KVConfig struct {
	URL string `toml:"url"`
}

// ClientsConfig holds external API client configurations
type ClientsConfig struct {
	Scraper ScraperConfig `toml:"scraper"`
	LLM     LLMConfig     `toml:"llm"`
	Chat    ChatConfig    `toml:"chat"`
}

// ScraperConfig holds scraper service configuration
type ScraperConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Timeout string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *ScraperConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 3 * time.Minute
	}
	return d
}

// LLMConfig holds LLM API configuration
type LLMConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// ChatConfig holds chat delivery configuration
type ChatConfig struct {
	BaseURL   string `toml:"base_url"`
	Token     string `toml:"token"`
	RateLimit int    `toml:"rate_limit"` // messages per second
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *ChatConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// QueueConfig holds work-queue tuning.
type QueueConfig struct {
	CollectionConcurrency int    `toml:"collection_concurrency"`
	MatchingConcurrency   int    `toml:"matching_concurrency"`
	CollectionMinDelayMS  int    `toml:"collection_min_delay_ms"`
	FallbackEnabled       bool   `toml:"fallback_enabled"`
	CollectionTimeout     string `toml:"collection_timeout"`
	MatchingTimeout       string `toml:"matching_timeout"`
}

// GetCollectionConcurrency returns the collection worker pool size.
func (c *QueueConfig) GetCollectionConcurrency() int {
	if c.CollectionConcurrency <= 0 {
		return 2
	}
	return c.CollectionConcurrency
}

// GetMatchingConcurrency returns the matching worker pool size.
func (c *QueueConfig) GetMatchingConcurrency() int {
	if c.MatchingConcurrency <= 0 {
		return 5
	}
	return c.MatchingConcurrency
}

// GetCollectionMinDelay returns the global inter-job collection throttle.
func (c *QueueConfig) GetCollectionMinDelay() time.Duration {
	if c.CollectionMinDelayMS <= 0 {
		return 0
	}
	return time.Duration(c.CollectionMinDelayMS) * time.Millisecond
}

// GetCollectionTimeout returns the per-attempt collection job timeout.
func (c *QueueConfig) GetCollectionTimeout() time.Duration {
	d, err := time.ParseDuration(c.CollectionTimeout)
	if err != nil {
		return 3 * time.Minute
	}
	return d
}

// GetMatchingTimeout returns the per-attempt matching job timeout.
func (c *QueueConfig) GetMatchingTimeout() time.Duration {
	d, err := time.ParseDuration(c.MatchingTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// SchedulerConfig holds run scheduling configuration.
type SchedulerConfig struct {
	TickInterval      string `toml:"tick_interval"`
	TickBatch         int    `toml:"tick_batch"`
	MaxParallelRuns   int    `toml:"max_parallel_runs"`
	RunCadence        string `toml:"run_cadence"`
	LockTTL           string `toml:"lock_ttl"`
	StuckThresholdMin int    `toml:"stuck_threshold_min"`
}

// GetTickInterval returns the scheduler tick interval.
func (c *SchedulerConfig) GetTickInterval() time.Duration {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetTickBatch returns the max due subscriptions picked per tick.
func (c *SchedulerConfig) GetTickBatch() int {
	if c.TickBatch <= 0 {
		return 50
	}
	return c.TickBatch
}

// GetMaxParallelRuns returns the global run concurrency bound.
func (c *SchedulerConfig) GetMaxParallelRuns() int {
	if c.MaxParallelRuns <= 0 {
		return 10
	}
	return c.MaxParallelRuns
}

// GetRunCadence returns the interval between scheduled runs of one subscription.
func (c *SchedulerConfig) GetRunCadence() time.Duration {
	d, err := time.ParseDuration(c.RunCadence)
	if err != nil {
		return 6 * time.Hour
	}
	return d
}

// GetLockTTL returns the per-subscription lock lifetime.
func (c *SchedulerConfig) GetLockTTL() time.Duration {
	d, err := time.ParseDuration(c.LockTTL)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetStuckThreshold returns the stuck-run sweep cutoff.
func (c *SchedulerConfig) GetStuckThreshold() time.Duration {
	if c.StuckThresholdMin <= 0 {
		return 2 * time.Hour
	}
	return time.Duration(c.StuckThresholdMin) * time.Minute
}

// NotifyConfig holds notification delivery policy.
type NotifyConfig struct {
	MaxPerRun     int  `toml:"max_per_run"`
	CapThenFilter bool `toml:"cap_then_filter"` // legacy cross-sub dedup order
}

// GetMaxPerRun returns the per-run notification cap.
func (c *NotifyConfig) GetMaxPerRun() int {
	if c.MaxPerRun <= 0 {
		return 10
	}
	return c.MaxPerRun
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Address:   "ws://localhost:8000",
			Username:  "root",
			Password:  "root",
			Namespace: "scout",
			Database:  "scout",
		},
		KV: KVConfig{
			URL: "redis://localhost:6379/0",
		},
		Clients: ClientsConfig{
			Scraper: ScraperConfig{
				BaseURL: "http://localhost:8100",
				Timeout: "3m",
			},
			LLM: LLMConfig{
				Model: "gemini-2.0-flash",
			},
			Chat: ChatConfig{
				RateLimit: 25,
				Timeout:   "30s",
			},
		},
		Queue: QueueConfig{
			CollectionConcurrency: 2,
			MatchingConcurrency:   5,
			FallbackEnabled:       false,
			CollectionTimeout:     "3m",
			MatchingTimeout:       "60s",
		},
		Scheduler: SchedulerConfig{
			TickInterval:      "60s",
			TickBatch:         50,
			MaxParallelRuns:   10,
			RunCadence:        "6h",
			LockTTL:           "30m",
			StuckThresholdMin: 120,
		},
		Notify: NotifyConfig{
			MaxPerRun: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SCOUT_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("SCOUT_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SCOUT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("SCOUT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if v := os.Getenv("ADMIN_API_KEY"); v != "" {
		config.Server.AdminKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Storage.Address = v
	}
	if v := os.Getenv("DATABASE_USER"); v != "" {
		config.Storage.Username = v
	}
	if v := os.Getenv("DATABASE_PASS"); v != "" {
		config.Storage.Password = v
	}
	if v := os.Getenv("KV_URL"); v != "" {
		config.KV.URL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		config.Clients.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		config.Clients.LLM.Model = v
	}
	if v := os.Getenv("SCRAPER_URL"); v != "" {
		config.Clients.Scraper.BaseURL = v
	}
	if v := os.Getenv("SCRAPER_API_KEY"); v != "" {
		config.Clients.Scraper.APIKey = v
	}
	if v := os.Getenv("CHAT_API_URL"); v != "" {
		config.Clients.Chat.BaseURL = v
	}
	if v := os.Getenv("CHAT_API_TOKEN"); v != "" {
		config.Clients.Chat.Token = v
	}

	if v := os.Getenv("QUEUE_COLLECTION_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Queue.CollectionConcurrency = n
		}
	}
	if v := os.Getenv("QUEUE_MATCHING_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Queue.MatchingConcurrency = n
		}
	}
	if v := os.Getenv("COLLECTION_MIN_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Queue.CollectionMinDelayMS = n
		}
	}
	if v := os.Getenv("QUEUE_FALLBACK_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Queue.FallbackEnabled = b
		}
	}
	if v := os.Getenv("MAX_PARALLEL_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scheduler.MaxParallelRuns = n
		}
	}
	if v := os.Getenv("STUCK_RUN_THRESHOLD_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scheduler.StuckThresholdMin = n
		}
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}
