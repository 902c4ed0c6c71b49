// Package config provides configuration handling for scarfeed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Redis configuration for feed notifications
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// SCAR test adapter configuration
	Scar ScarConfig `json:"scar" yaml:"scar"`

	// Feed configuration
	Feed FeedConfig `json:"feed" yaml:"feed"`

	// Reaper configuration
	Reaper ReaperConfig `json:"reaper" yaml:"reaper"`

	// Auth configuration
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host" yaml:"host"`

	// Port to listen on
	Port int `json:"port" yaml:"port"`

	// TLS configuration
	TLS TLSConfig `json:"tls" yaml:"tls"`
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Type of storage to use
	Type string `json:"type" yaml:"type"` // "memory", "postgresql"

	// PostgreSQL configuration
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Database string `json:"database" yaml:"database"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
}

// RedisConfig configures the optional commit notifier. An empty URL keeps
// notifications in-process.
type RedisConfig struct {
	URL           string `json:"url" yaml:"url"`
	ChannelPrefix string `json:"channel_prefix" yaml:"channel_prefix"`
}

// ScarConfig contains SCAR test adapter settings
type ScarConfig struct {
	// BaseURL of the SCAR test adapter
	BaseURL string `json:"base_url" yaml:"base_url"`

	// TimeoutSeconds is the max wait for a command to complete
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`

	// ConversationPrefix is prepended to the project ID
	ConversationPrefix string `json:"conversation_prefix" yaml:"conversation_prefix"`

	// PollIntervalMs is the delay between message polls
	PollIntervalMs int `json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// Simulate replaces the HTTP client with canned responses
	Simulate bool `json:"simulate" yaml:"simulate"`
}

// FeedConfig contains activity feed settings
type FeedConfig struct {
	PollIntervalMs      int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	HeartbeatIntervalMs int `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	InitialLimit        int `json:"initial_limit" yaml:"initial_limit"`
	DefaultVerbosity    int `json:"default_verbosity" yaml:"default_verbosity"`
}

// ReaperConfig controls the stale execution sweeper
type ReaperConfig struct {
	// Schedule is a robfig/cron spec; empty disables the reaper
	Schedule string `json:"schedule" yaml:"schedule"`

	// StaleAfterSeconds is how long an execution may stay unfinished
	StaleAfterSeconds int `json:"stale_after_seconds" yaml:"stale_after_seconds"`
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	// JWTSecret enables bearer auth on the API when set
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level    string `json:"level" yaml:"level"`   // "debug", "info", "warn", "error"
	Format   string `json:"format" yaml:"format"` // "json", "text"
	Output   string `json:"output" yaml:"output"` // "stdout", "stderr", "file"
	FilePath string `json:"file_path" yaml:"file_path"`
}

// PollInterval returns the feed poll interval
func (c FeedConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// HeartbeatInterval returns the feed heartbeat interval
func (c FeedConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// Timeout returns the SCAR command timeout
func (c ScarConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the SCAR message poll interval
func (c ScarConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// StaleAfter returns the reaper threshold
func (c ReaperConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// Validate checks settings that only make sense together
func (c *Config) Validate() error {
	// The reaper treats a zero threshold as its ten minute default
	staleAfter := c.Reaper.StaleAfter()
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if c.Reaper.Schedule != "" && c.Scar.TimeoutSeconds > 0 && staleAfter <= c.Scar.Timeout() {
		return fmt.Errorf("reaper.stale_after_seconds (%s) must exceed scar.timeout_seconds (%s)",
			staleAfter, c.Scar.Timeout())
	}
	return nil
}

// LoadConfig loads the configuration from a JSON or YAML file. Fields missing
// from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "project_manager",
				User:     "manager",
				SSLMode:  "disable",
			},
		},
		Redis: RedisConfig{
			ChannelPrefix: "scarfeed:project:",
		},
		Scar: ScarConfig{
			BaseURL:            "http://localhost:3000",
			TimeoutSeconds:     300,
			ConversationPrefix: "pm-project-",
			PollIntervalMs:     2000,
		},
		Feed: FeedConfig{
			PollIntervalMs:      2000,
			HeartbeatIntervalMs: 30000,
			InitialLimit:        10,
			DefaultVerbosity:    2,
		},
		Reaper: ReaperConfig{
			Schedule:          "@every 1m",
			StaleAfterSeconds: 600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides configuration values from SCARFEED_* environment variables
func ApplyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "SCARFEED_SERVER_HOST")
	setInt(&cfg.Server.Port, "SCARFEED_SERVER_PORT")

	setString(&cfg.Storage.Type, "SCARFEED_STORAGE_TYPE")
	setString(&cfg.Storage.Postgres.Host, "SCARFEED_POSTGRES_HOST")
	setInt(&cfg.Storage.Postgres.Port, "SCARFEED_POSTGRES_PORT")
	setString(&cfg.Storage.Postgres.Database, "SCARFEED_POSTGRES_DATABASE")
	setString(&cfg.Storage.Postgres.User, "SCARFEED_POSTGRES_USER")
	setString(&cfg.Storage.Postgres.Password, "SCARFEED_POSTGRES_PASSWORD")
	setString(&cfg.Storage.Postgres.SSLMode, "SCARFEED_POSTGRES_SSL_MODE")

	setString(&cfg.Redis.URL, "SCARFEED_REDIS_URL")

	setString(&cfg.Scar.BaseURL, "SCARFEED_SCAR_BASE_URL")
	setInt(&cfg.Scar.TimeoutSeconds, "SCARFEED_SCAR_TIMEOUT_SECONDS")
	setString(&cfg.Scar.ConversationPrefix, "SCARFEED_SCAR_CONVERSATION_PREFIX")
	if v := os.Getenv("SCARFEED_SCAR_SIMULATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scar.Simulate = b
		}
	}

	setInt(&cfg.Feed.PollIntervalMs, "SCARFEED_FEED_POLL_INTERVAL_MS")
	setInt(&cfg.Feed.HeartbeatIntervalMs, "SCARFEED_FEED_HEARTBEAT_INTERVAL_MS")

	setString(&cfg.Reaper.Schedule, "SCARFEED_REAPER_SCHEDULE")
	setInt(&cfg.Reaper.StaleAfterSeconds, "SCARFEED_REAPER_STALE_AFTER_SECONDS")

	setString(&cfg.Auth.JWTSecret, "SCARFEED_JWT_SECRET")
	setString(&cfg.Logging.Level, "SCARFEED_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
