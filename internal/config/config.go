// Package config loads and validates reader configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Blockade  BlockadeConfig  `mapstructure:"blockade"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                 int `mapstructure:"port"`
	ReadHeaderTimeoutSec int `mapstructure:"read_header_timeout_seconds"`
	ShutdownTimeoutSec   int `mapstructure:"shutdown_timeout_seconds"`
	MaxPriority          int `mapstructure:"max_priority"`
}

// BrowserConfig sizes the page pool and configures the Chrome instance behind it.
type BrowserConfig struct {
	// Enabled launches Chrome; when false only the direct engine is available.
	Enabled          bool   `mapstructure:"enabled"`
	MaxPages         int    `mapstructure:"max_pages"`
	IdleTimeoutSec   int    `mapstructure:"idle_timeout_seconds"`
	ReapIntervalSec  int    `mapstructure:"reap_interval_seconds"`
	MaxQueueDepth    int    `mapstructure:"max_queue_depth"`
	CreateTimeoutSec int    `mapstructure:"create_timeout_seconds"`
	Headless         bool   `mapstructure:"headless"`
	NoSandbox        bool   `mapstructure:"no_sandbox"`
	UserAgent        string `mapstructure:"user_agent"`
	ChromePath       string `mapstructure:"chrome_path"`
	ViewportWidth    int    `mapstructure:"viewport_width"`
	ViewportHeight   int    `mapstructure:"viewport_height"`
}

// CrawlConfig governs the per-request crawl pipeline.
type CrawlConfig struct {
	DefaultTimeoutSec   int      `mapstructure:"default_timeout_seconds"`
	MaxTimeoutSec       int      `mapstructure:"max_timeout_seconds"`
	RespectRobots       bool     `mapstructure:"respect_robots"`
	RobotsTTLSec        int      `mapstructure:"robots_ttl_seconds"`
	RobotsUserAgent     string   `mapstructure:"robots_user_agent"`
	BlockedDomains      []string `mapstructure:"blocked_domains"`
	StabilizeIntervalMs int      `mapstructure:"stabilize_interval_ms"`
}

// CacheConfig selects and tunes the response cache backend.
type CacheConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig is shared by redis-backed components.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// BlockadeConfig controls the abuse breaker and where blockades are persisted.
type BlockadeConfig struct {
	Backend            string      `mapstructure:"backend"`
	PostgresDSN        string      `mapstructure:"postgres_dsn"`
	Table              string      `mapstructure:"table"`
	Redis              RedisConfig `mapstructure:"redis"`
	AbuseBlockSec      int         `mapstructure:"abuse_block_seconds"`
	FailureThreshold   int         `mapstructure:"failure_threshold"`
	FailureWindowSec   int         `mapstructure:"failure_window_seconds"`
	PurgeIntervalSec   int         `mapstructure:"purge_interval_seconds"`
	PurgeRetentionDays int         `mapstructure:"purge_retention_days"`
}

// StorageConfig configures where screenshots are written.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	LocalDir      string `mapstructure:"local_dir"`
	Prefix        string `mapstructure:"prefix"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// EventsConfig sizes the event hub and enables optional sinks.
type EventsConfig struct {
	BufferSize    int    `mapstructure:"buffer_size"`
	BatchSize     int    `mapstructure:"batch_size"`
	FlushMs       int    `mapstructure:"flush_ms"`
	LogSink       bool   `mapstructure:"log_sink"`
	PubSubProject string `mapstructure:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic"`
}

// TelemetryConfig controls tracing export.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("READER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout_seconds", 10)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.max_priority", 10)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.max_pages", 8)
	v.SetDefault("browser.idle_timeout_seconds", 300)
	v.SetDefault("browser.reap_interval_seconds", 30)
	v.SetDefault("browser.max_queue_depth", 256)
	v.SetDefault("browser.create_timeout_seconds", 20)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.viewport_width", 1024)
	v.SetDefault("browser.viewport_height", 1024)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (compatible; llm-reader/0.1)")
	v.SetDefault("crawl.default_timeout_seconds", 30)
	v.SetDefault("crawl.max_timeout_seconds", 180)
	v.SetDefault("crawl.respect_robots", false)
	v.SetDefault("crawl.robots_ttl_seconds", 3600)
	v.SetDefault("crawl.robots_user_agent", "llm-reader")
	v.SetDefault("crawl.blocked_domains", []string{})
	v.SetDefault("crawl.stabilize_interval_ms", 500)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis.key_prefix", "reader:cache:")
	v.SetDefault("blockade.backend", "memory")
	v.SetDefault("blockade.table", "domain_blockades")
	v.SetDefault("blockade.redis.key_prefix", "reader:blockade:")
	v.SetDefault("blockade.abuse_block_seconds", 3600)
	v.SetDefault("blockade.failure_threshold", 5)
	v.SetDefault("blockade.failure_window_seconds", 300)
	v.SetDefault("blockade.purge_interval_seconds", 3600)
	v.SetDefault("blockade.purge_retention_days", 7)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "screenshots")
	v.SetDefault("storage.prefix", "screenshots")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.batch_size", 32)
	v.SetDefault("events.flush_ms", 250)
	v.SetDefault("events.log_sink", true)
	v.SetDefault("telemetry.service_name", "llm-reader")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Browser.Enabled && c.Browser.MaxPages <= 0 {
		return fmt.Errorf("browser.max_pages must be > 0")
	}
	if c.Browser.MaxQueueDepth < 0 {
		return fmt.Errorf("browser.max_queue_depth must be >= 0")
	}
	if c.Crawl.DefaultTimeoutSec <= 0 {
		return fmt.Errorf("crawl.default_timeout_seconds must be > 0")
	}
	if c.Crawl.MaxTimeoutSec < c.Crawl.DefaultTimeoutSec {
		return fmt.Errorf("crawl.max_timeout_seconds must be >= crawl.default_timeout_seconds")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend)
	}
	switch c.Blockade.Backend {
	case "memory":
	case "postgres":
		if c.Blockade.PostgresDSN == "" {
			return fmt.Errorf("blockade.postgres_dsn must be set for the postgres backend")
		}
	case "redis":
		if c.Blockade.Redis.Addr == "" {
			return fmt.Errorf("blockade.redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("blockade.backend %q is not supported", c.Blockade.Backend)
	}
	if c.Blockade.FailureThreshold <= 0 {
		return fmt.Errorf("blockade.failure_threshold must be > 0")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if (c.Events.PubSubProject == "") != (c.Events.PubSubTopic == "") {
		return fmt.Errorf("events.pubsub_project and events.pubsub_topic must be set together")
	}
	return nil
}

// DefaultTimeout is the crawl budget used when a request does not set X-Timeout.
func (c Config) DefaultTimeout() time.Duration {
	return seconds(c.Crawl.DefaultTimeoutSec)
}

// MaxTimeout caps caller supplied crawl budgets.
func (c Config) MaxTimeout() time.Duration {
	return seconds(c.Crawl.MaxTimeoutSec)
}

// StabilizeInterval spaces browser snapshots while a page settles.
func (c Config) StabilizeInterval() time.Duration {
	return time.Duration(c.Crawl.StabilizeIntervalMs) * time.Millisecond
}

// AbuseBlockDuration is how long a domain stays blocked after an abuse trigger.
func (c Config) AbuseBlockDuration() time.Duration {
	return seconds(c.Blockade.AbuseBlockSec)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
