// Package config defines the top-level configuration for perpbot and provides
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPBOT_* environment variables.
type Config struct {
	Server    ServerConfig            `toml:"server"`
	Sources   map[string]SourceConfig `toml:"sources"`
	AI        AIConfig                `toml:"ai"`
	Venue     VenueConfig             `toml:"venue"`
	Risk      RiskConfig              `toml:"risk"`
	Symbols   map[string]RiskConfig   `toml:"symbols"`
	Pipeline  PipelineConfig          `toml:"pipeline"`
	Broadcast BroadcastConfig         `toml:"broadcast"`
	Health    HealthConfig            `toml:"health"`
	Postgres  PostgresConfig          `toml:"postgres"`
	Redis     RedisConfig             `toml:"redis"`
	S3        S3Config                `toml:"s3"`
	Notify    NotifyConfig            `toml:"notify"`
	Mode      string                  `toml:"mode"`
	LogLevel  string                  `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters. AlertRateLimit bounds how many
// alerts one client may post per AlertRateWindow; zero disables limiting.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	APIKey          string   `toml:"api_key"`
	CORSOrigins     []string `toml:"cors_origins"`
	AlertRateLimit  int      `toml:"alert_rate_limit"`
	AlertRateWindow duration `toml:"alert_rate_window"`
}

// SourceConfig holds the shared secret for one alert source. Alerts carry an
// HMAC-SHA256 signature over the raw body computed with this secret.
type SourceConfig struct {
	Secret string `toml:"secret"`
}

// AIConfig holds the AI reasoning backend endpoint and retry policy.
type AIConfig struct {
	BaseURL        string   `toml:"base_url"`
	APIKey         string   `toml:"api_key"`
	Model          string   `toml:"model"`
	RequestTimeout duration `toml:"request_timeout"`
	MaxAttempts    int      `toml:"max_attempts"`
	BackoffBase    duration `toml:"backoff_base"`
	MinConfidence  float64  `toml:"min_confidence"`
}

// VenueConfig holds trading venue API credentials and retry policy.
type VenueConfig struct {
	BaseURL          string   `toml:"base_url"`
	APIKey           string   `toml:"api_key"`
	APISecret        string   `toml:"api_secret"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	RequestTimeout   duration `toml:"request_timeout"`
	ConfirmTimeout   duration `toml:"confirm_timeout"`
	MaxAttempts      int      `toml:"max_attempts"`
	BackoffBase      duration `toml:"backoff_base"`
}

// RiskConfig holds the hard execution bounds. A zero field in a per-symbol
// override falls back to the global value. JSON tags serve the risk API, which
// exposes the same shape for read and hot reload.
type RiskConfig struct {
	MaxLeverage            float64 `toml:"max_leverage" json:"max_leverage"`
	PositionSizeFraction   float64 `toml:"position_size_fraction" json:"position_size_fraction"`
	StopLossFraction       float64 `toml:"stop_loss_fraction" json:"stop_loss_fraction"`
	TakeProfitFraction     float64 `toml:"take_profit_fraction" json:"take_profit_fraction"`
	MaxConcurrentPositions int     `toml:"max_concurrent_positions" json:"max_concurrent_positions"`
}

// PipelineConfig holds worker pool and cycle deadline parameters.
type PipelineConfig struct {
	Workers       int      `toml:"workers"`
	QueueSize     int      `toml:"queue_size"`
	CycleDeadline duration `toml:"cycle_deadline"`
	DedupWindow   duration `toml:"dedup_window"`
	LockTTL       duration `toml:"lock_ttl"`
}

// BroadcastConfig holds subscriber fan-out parameters.
type BroadcastConfig struct {
	SubscriberQueue int `toml:"subscriber_queue"`
	StreamMaxLen    int `toml:"stream_max_len"`
}

// HealthConfig holds supervisor polling parameters.
type HealthConfig struct {
	Interval      duration `toml:"interval"`
	ProbeTimeout  duration `toml:"probe_timeout"`
	DegradedAfter int      `toml:"degraded_after"`
	DownAfter     int      `toml:"down_after"`
	RestartOnDown bool     `toml:"restart_on_down"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cold archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// RiskFor returns the risk bounds for a symbol: the per-symbol override when
// one exists, with zero fields backfilled from the global config.
func (c *Config) RiskFor(symbol string) RiskConfig {
	out := c.Risk
	override, ok := c.Symbols[symbol]
	if !ok {
		return out
	}
	if override.MaxLeverage > 0 {
		out.MaxLeverage = override.MaxLeverage
	}
	if override.PositionSizeFraction > 0 {
		out.PositionSizeFraction = override.PositionSizeFraction
	}
	if override.StopLossFraction > 0 {
		out.StopLossFraction = override.StopLossFraction
	}
	if override.TakeProfitFraction > 0 {
		out.TakeProfitFraction = override.TakeProfitFraction
	}
	if override.MaxConcurrentPositions > 0 {
		out.MaxConcurrentPositions = override.MaxConcurrentPositions
	}
	return out
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			AlertRateLimit:  120,
			AlertRateWindow: duration{time.Minute},
		},
		Sources: map[string]SourceConfig{},
		AI: AIConfig{
			BaseURL:        "http://localhost:8090",
			Model:          "sonar-reasoning",
			RequestTimeout: duration{20 * time.Second},
			MaxAttempts:    3,
			BackoffBase:    duration{500 * time.Millisecond},
			MinConfidence:  0.6,
		},
		Venue: VenueConfig{
			BaseURL:        "https://dapi.api.sui-prod.bluefin.io",
			RequestTimeout: duration{10 * time.Second},
			ConfirmTimeout: duration{15 * time.Second},
			MaxAttempts:    3,
			BackoffBase:    duration{250 * time.Millisecond},
		},
		Risk: RiskConfig{
			MaxLeverage:            7,
			PositionSizeFraction:   0.05,
			StopLossFraction:       0.15,
			TakeProfitFraction:     0.30,
			MaxConcurrentPositions: 3,
		},
		Symbols: map[string]RiskConfig{
			"BTC/USD": {
				MaxLeverage:            10,
				PositionSizeFraction:   0.03,
				StopLossFraction:       0.10,
				MaxConcurrentPositions: 2,
			},
			"ETH/USD": {
				MaxLeverage:            8,
				PositionSizeFraction:   0.04,
				StopLossFraction:       0.12,
				MaxConcurrentPositions: 2,
			},
		},
		Pipeline: PipelineConfig{
			Workers:       8,
			QueueSize:     64,
			CycleDeadline: duration{45 * time.Second},
			DedupWindow:   duration{10 * time.Minute},
			LockTTL:       duration{2 * time.Minute},
		},
		Broadcast: BroadcastConfig{
			SubscriberQueue: 256,
			StreamMaxLen:    10000,
		},
		Health: HealthConfig{
			Interval:      duration{15 * time.Second},
			ProbeTimeout:  duration{5 * time.Second},
			DegradedAfter: 2,
			DownAfter:     5,
			RestartOnDown: true,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpbot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Notify: NotifyConfig{
			Events: []string{"position_open", "position_closed", "venue_rejected", "component_down"},
		},
		Mode:     "mock",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":    true,
	"mock":    true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, mock, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venue credentials are mandatory only when real orders can be sent.
	if strings.ToLower(c.Mode) == "live" {
		if c.Venue.APIKey == "" {
			errs = append(errs, "venue: api_key is required for live mode")
		}
		if c.Venue.APISecret == "" && c.Venue.EncryptedKeyPath == "" {
			errs = append(errs, "venue: either api_secret or encrypted_key_path must be set for live mode")
		}
		if c.Venue.EncryptedKeyPath != "" && c.Venue.KeyPassword == "" {
			errs = append(errs, "venue: key_password is required when encrypted_key_path is set")
		}
		if len(c.Sources) == 0 {
			errs = append(errs, "sources: at least one alert source secret is required for live mode")
		}
	}

	if c.AI.BaseURL == "" {
		errs = append(errs, "ai: base_url must not be empty")
	}
	if c.AI.MaxAttempts < 1 {
		errs = append(errs, "ai: max_attempts must be >= 1")
	}
	if c.AI.MinConfidence < 0 || c.AI.MinConfidence > 1 {
		errs = append(errs, fmt.Sprintf("ai: min_confidence must be in [0,1], got %g", c.AI.MinConfidence))
	}

	if err := c.Risk.Validate("risk"); err != nil {
		errs = append(errs, err.Error())
	}
	for sym := range c.Symbols {
		if err := c.RiskFor(sym).Validate("symbols." + sym); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.Pipeline.Workers < 1 {
		errs = append(errs, "pipeline: workers must be >= 1")
	}
	if c.Pipeline.CycleDeadline.Duration <= 0 {
		errs = append(errs, "pipeline: cycle_deadline must be > 0")
	}
	if c.Pipeline.DedupWindow.Duration <= 0 {
		errs = append(errs, "pipeline: dedup_window must be > 0")
	}
	if c.Pipeline.LockTTL.Duration < c.Pipeline.CycleDeadline.Duration {
		errs = append(errs, "pipeline: lock_ttl must be >= cycle_deadline")
	}

	if c.Broadcast.SubscriberQueue < 1 {
		errs = append(errs, "broadcast: subscriber_queue must be >= 1")
	}

	if c.Health.DegradedAfter < 1 || c.Health.DownAfter < c.Health.DegradedAfter {
		errs = append(errs, "health: require 1 <= degraded_after <= down_after")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1 when enabled")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.AlertRateLimit > 0 && c.Server.AlertRateWindow.Duration <= 0 {
			errs = append(errs, "server: alert_rate_window must be > 0 when alert_rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks one resolved set of risk bounds. The risk API reuses it
// before a hot reload so a bad PUT can never take effect.
func (r RiskConfig) Validate(section string) error {
	switch {
	case r.MaxLeverage <= 0:
		return fmt.Errorf("%s: max_leverage must be > 0", section)
	case r.PositionSizeFraction <= 0 || r.PositionSizeFraction > 1:
		return fmt.Errorf("%s: position_size_fraction must be in (0,1]", section)
	case r.StopLossFraction <= 0 || r.StopLossFraction >= 1:
		return fmt.Errorf("%s: stop_loss_fraction must be in (0,1)", section)
	case r.MaxConcurrentPositions < 1:
		return fmt.Errorf("%s: max_concurrent_positions must be >= 1", section)
	}
	return nil
}
