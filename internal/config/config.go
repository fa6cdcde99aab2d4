// Package config provides Viper-based configuration for speedyreader.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinRefreshIntervalMinutes is the lower bound for background refreshes.
const MinRefreshIntervalMinutes = 15

// Config is the complete application configuration.
type Config struct {
	DBPath      string `mapstructure:"db_path"`
	DatabaseURL string `mapstructure:"database_url"`

	ClaudeAPIKey  string `mapstructure:"claude_api_key"`
	ClaudeModel   string `mapstructure:"claude_model"`
	RaindropToken string `mapstructure:"raindrop_token"`

	RefreshIntervalMinutes int `mapstructure:"refresh_interval_minutes"`
	ArticleRetentionDays   int `mapstructure:"article_retention_days"`
	TombstoneRetentionDays int `mapstructure:"tombstone_retention_days"`
	ArticlesPerFeed        int `mapstructure:"articles_per_feed"`
	PerFeedCap             int `mapstructure:"per_feed_cap"`
	FetchConcurrency       int `mapstructure:"fetch_concurrency"`
	FetchTimeoutSeconds    int `mapstructure:"fetch_timeout_seconds"`

	DefaultTags []string `mapstructure:"default_tags"`
	ListenAddr  string   `mapstructure:"listen_addr"`
	LogLevel    string   `mapstructure:"log_level"`
	LogFormat   string   `mapstructure:"log_format"`
}

// Dir returns the configuration directory.
func Dir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "speedy-reader")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "speedy-reader")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

func defaultDBPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "speedy-reader", "feeds.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "feeds.db"
	}
	return filepath.Join(home, ".local", "share", "speedy-reader", "feeds.db")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("SPEEDY")
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults configures default values
func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", defaultDBPath())
	v.SetDefault("database_url", "")

	v.SetDefault("claude_api_key", "")
	v.SetDefault("claude_model", "claude-sonnet-4-20250514")
	v.SetDefault("raindrop_token", "")

	v.SetDefault("refresh_interval_minutes", 30)
	v.SetDefault("article_retention_days", 7)
	v.SetDefault("tombstone_retention_days", 90)
	v.SetDefault("articles_per_feed", 0)
	v.SetDefault("per_feed_cap", 0)
	v.SetDefault("fetch_concurrency", 5)
	v.SetDefault("fetch_timeout_seconds", 30)

	v.SetDefault("default_tags", []string{"rss"})
	v.SetDefault("listen_addr", "127.0.0.1:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration from path (DefaultPath when empty) and
// SPEEDY_* environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// WriteDefault writes a config file with default values if none exists at
// path. It reports whether a file was created.
func WriteDefault(path string) (bool, error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("creating config dir: %w", err)
	}
	v := viper.New()
	setDefaults(v)
	if err := v.SafeWriteConfigAs(path); err != nil {
		return false, fmt.Errorf("writing config: %w", err)
	}
	return true, nil
}

// Validate clamps out-of-range values and rejects invalid ones.
func (c *Config) Validate() error {
	c.DBPath = expandHome(c.DBPath)
	if c.RefreshIntervalMinutes < MinRefreshIntervalMinutes {
		c.RefreshIntervalMinutes = MinRefreshIntervalMinutes
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 5
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = 30
	}
	for name, n := range map[string]int{
		"article_retention_days":   c.ArticleRetentionDays,
		"tombstone_retention_days": c.TombstoneRetentionDays,
		"articles_per_feed":        c.ArticlesPerFeed,
		"per_feed_cap":             c.PerFeedCap,
	} {
		if n < 0 {
			return fmt.Errorf("%s must not be negative (got %d)", name, n)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.LogFormat)
	}
	if c.DatabaseURL == "" && c.DBPath == "" {
		return errors.New("db_path or database_url is required")
	}
	return nil
}

// Retention is the article retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.ArticleRetentionDays) * 24 * time.Hour
}

// TombstoneRetention is how long deletion markers are kept.
func (c *Config) TombstoneRetention() time.Duration {
	return time.Duration(c.TombstoneRetentionDays) * 24 * time.Hour
}

// FetchTimeout is the per-request fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
