// Package config loads and validates previewd configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Screenshot ScreenshotConfig `mapstructure:"screenshot"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig holds bearer tokens for the protected surfaces. Empty refresh
// token means the refresh endpoint is unavailable; empty capture token means
// the capture service accepts unauthenticated calls.
type AuthConfig struct {
	RefreshToken string `mapstructure:"refresh_token"`
	CaptureToken string `mapstructure:"capture_token"`
}

// FetchConfig governs the metadata fetcher network limits.
type FetchConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	RequestTimeoutMs int    `mapstructure:"request_timeout_ms"`
	ConnectTimeoutMs int    `mapstructure:"connect_timeout_ms"`
	DNSTimeoutMs     int    `mapstructure:"dns_timeout_ms"`
	MaxRedirects     int    `mapstructure:"max_redirects"`
	MaxBodyBytes     int    `mapstructure:"max_body_bytes"`
}

// ScreenshotConfig governs the cache index, the capture worker client, and
// the batch refresher.
type ScreenshotConfig struct {
	IndexPath          string `mapstructure:"index_path"`
	URLListPath        string `mapstructure:"url_list_path"`
	TTLSeconds         int    `mapstructure:"ttl_seconds"`
	GraceSeconds       int    `mapstructure:"grace_seconds"`
	WorkerURL          string `mapstructure:"worker_url"`
	WorkerTimeoutMs    int    `mapstructure:"worker_timeout_ms"`
	RefreshConcurrency int    `mapstructure:"refresh_concurrency"`
}

// CaptureConfig governs the headless capture stages.
type CaptureConfig struct {
	TotalTimeoutMs    int    `mapstructure:"total_timeout_ms"`
	NavigateTimeoutMs int    `mapstructure:"navigate_timeout_ms"`
	SettleMs          int    `mapstructure:"settle_ms"`
	ScreenshotMs      int    `mapstructure:"screenshot_ms"`
	ViewportWidth     int    `mapstructure:"viewport_width"`
	ViewportHeight    int    `mapstructure:"viewport_height"`
	UserAgent         string `mapstructure:"user_agent"`
	Locale            string `mapstructure:"locale"`
}

// StorageConfig selects the screenshot blob provider.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"` // "local" or "gcs"
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for capture event notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Bounds for clamped values. The refresher window is deliberately narrow so a
// misconfigured batch cannot fan out into the capture worker.
const (
	minRefreshConcurrency = 2
	maxRefreshConcurrency = 4
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PREVIEWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so environment overrides are visible to
// Unmarshal even without a config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.refresh_token", "")
	v.SetDefault("auth.capture_token", "")
	v.SetDefault("fetch.user_agent", "previewd-bot/1.0")
	v.SetDefault("fetch.request_timeout_ms", 6000)
	v.SetDefault("fetch.connect_timeout_ms", 3000)
	v.SetDefault("fetch.dns_timeout_ms", 2000)
	v.SetDefault("fetch.max_redirects", 4)
	v.SetDefault("fetch.max_body_bytes", 512*1024)
	v.SetDefault("screenshot.index_path", "/tmp/preview-cache.db")
	v.SetDefault("screenshot.url_list_path", "config/preview-urls.json")
	v.SetDefault("screenshot.ttl_seconds", 7*24*60*60)
	v.SetDefault("screenshot.grace_seconds", 14*24*60*60)
	v.SetDefault("screenshot.worker_url", "http://127.0.0.1:8081")
	v.SetDefault("screenshot.worker_timeout_ms", 8000)
	v.SetDefault("screenshot.refresh_concurrency", 3)
	v.SetDefault("capture.total_timeout_ms", 8000)
	v.SetDefault("capture.navigate_timeout_ms", 6000)
	v.SetDefault("capture.settle_ms", 700)
	v.SetDefault("capture.screenshot_ms", 2000)
	v.SetDefault("capture.viewport_width", 1280)
	v.SetDefault("capture.viewport_height", 800)
	v.SetDefault("capture.user_agent", "previewd-bot/1.0")
	v.SetDefault("capture.locale", "en-US")
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_dir", "/tmp/preview-shots")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "shots")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// clamp forces bounded values into their allowed ranges rather than failing.
func (c *Config) clamp() {
	if c.Screenshot.RefreshConcurrency < minRefreshConcurrency {
		c.Screenshot.RefreshConcurrency = minRefreshConcurrency
	}
	if c.Screenshot.RefreshConcurrency > maxRefreshConcurrency {
		c.Screenshot.RefreshConcurrency = maxRefreshConcurrency
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.RequestTimeoutMs <= 0 {
		return fmt.Errorf("fetch.request_timeout_ms must be > 0")
	}
	if c.Fetch.MaxRedirects <= 0 {
		return fmt.Errorf("fetch.max_redirects must be > 0")
	}
	if c.Fetch.MaxBodyBytes < 1024 {
		return fmt.Errorf("fetch.max_body_bytes must be >= 1024")
	}
	if c.Screenshot.TTLSeconds < 60 {
		return fmt.Errorf("screenshot.ttl_seconds must be >= 60")
	}
	if c.Screenshot.GraceSeconds < 0 {
		return fmt.Errorf("screenshot.grace_seconds must be >= 0")
	}
	if c.Capture.TotalTimeoutMs <= 0 {
		return fmt.Errorf("capture.total_timeout_ms must be > 0")
	}
	switch c.Storage.Provider {
	case "local", "gcs":
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when provider is gcs")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// RequestTimeout returns the metadata fetch total timeout.
func (c FetchConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// ConnectTimeout returns the dial timeout for outbound fetches.
func (c FetchConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// DNSTimeout returns the bound on validator DNS lookups.
func (c FetchConfig) DNSTimeout() time.Duration {
	return time.Duration(c.DNSTimeoutMs) * time.Millisecond
}

// TTL returns the screenshot freshness window.
func (c ScreenshotConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Grace returns the stale-serve window after expiry.
func (c ScreenshotConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// WorkerTimeout returns the capture worker call timeout.
func (c ScreenshotConfig) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutMs) * time.Millisecond
}

// TotalTimeout returns the whole-capture deadline.
func (c CaptureConfig) TotalTimeout() time.Duration {
	return time.Duration(c.TotalTimeoutMs) * time.Millisecond
}

// NavigateTimeout returns the navigate stage bound.
func (c CaptureConfig) NavigateTimeout() time.Duration {
	return time.Duration(c.NavigateTimeoutMs) * time.Millisecond
}

// Settle returns the post-navigation settle wait.
func (c CaptureConfig) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

// ScreenshotTimeout returns the screenshot stage bound.
func (c CaptureConfig) ScreenshotTimeout() time.Duration {
	return time.Duration(c.ScreenshotMs) * time.Millisecond
}
