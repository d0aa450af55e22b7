package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "PERPBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPBOT_SERVER_CORS_ORIGINS")

	// ── Alert sources ──
	// PERPBOT_SOURCE_SECRET sets the secret for the "tradingview" source,
	// which is the only one most deployments configure.
	if v := os.Getenv("PERPBOT_SOURCE_SECRET"); v != "" {
		if cfg.Sources == nil {
			cfg.Sources = map[string]SourceConfig{}
		}
		cfg.Sources["tradingview"] = SourceConfig{Secret: v}
	}

	// ── AI backend ──
	setStr(&cfg.AI.BaseURL, "PERPBOT_AI_BASE_URL")
	setStr(&cfg.AI.APIKey, "PERPBOT_AI_API_KEY")
	setStr(&cfg.AI.Model, "PERPBOT_AI_MODEL")
	setDuration(&cfg.AI.RequestTimeout, "PERPBOT_AI_REQUEST_TIMEOUT")
	setInt(&cfg.AI.MaxAttempts, "PERPBOT_AI_MAX_ATTEMPTS")
	setDuration(&cfg.AI.BackoffBase, "PERPBOT_AI_BACKOFF_BASE")
	setFloat64(&cfg.AI.MinConfidence, "PERPBOT_AI_MIN_CONFIDENCE")

	// ── Venue ──
	setStr(&cfg.Venue.BaseURL, "PERPBOT_VENUE_BASE_URL")
	setStr(&cfg.Venue.APIKey, "PERPBOT_VENUE_API_KEY")
	setStr(&cfg.Venue.APISecret, "PERPBOT_VENUE_API_SECRET")
	setStr(&cfg.Venue.EncryptedKeyPath, "PERPBOT_VENUE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Venue.KeyPassword, "PERPBOT_VENUE_KEY_PASSWORD")
	setDuration(&cfg.Venue.RequestTimeout, "PERPBOT_VENUE_REQUEST_TIMEOUT")
	setDuration(&cfg.Venue.ConfirmTimeout, "PERPBOT_VENUE_CONFIRM_TIMEOUT")
	setInt(&cfg.Venue.MaxAttempts, "PERPBOT_VENUE_MAX_ATTEMPTS")
	setDuration(&cfg.Venue.BackoffBase, "PERPBOT_VENUE_BACKOFF_BASE")

	// ── Risk (global defaults only; per-symbol overrides stay in TOML) ──
	setFloat64(&cfg.Risk.MaxLeverage, "PERPBOT_RISK_MAX_LEVERAGE")
	setFloat64(&cfg.Risk.PositionSizeFraction, "PERPBOT_RISK_POSITION_SIZE_FRACTION")
	setFloat64(&cfg.Risk.StopLossFraction, "PERPBOT_RISK_STOP_LOSS_FRACTION")
	setFloat64(&cfg.Risk.TakeProfitFraction, "PERPBOT_RISK_TAKE_PROFIT_FRACTION")
	setInt(&cfg.Risk.MaxConcurrentPositions, "PERPBOT_RISK_MAX_CONCURRENT_POSITIONS")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.Workers, "PERPBOT_PIPELINE_WORKERS")
	setInt(&cfg.Pipeline.QueueSize, "PERPBOT_PIPELINE_QUEUE_SIZE")
	setDuration(&cfg.Pipeline.CycleDeadline, "PERPBOT_PIPELINE_CYCLE_DEADLINE")
	setDuration(&cfg.Pipeline.DedupWindow, "PERPBOT_PIPELINE_DEDUP_WINDOW")
	setDuration(&cfg.Pipeline.LockTTL, "PERPBOT_PIPELINE_LOCK_TTL")

	// ── Broadcast ──
	setInt(&cfg.Broadcast.SubscriberQueue, "PERPBOT_BROADCAST_SUBSCRIBER_QUEUE")
	setInt(&cfg.Broadcast.StreamMaxLen, "PERPBOT_BROADCAST_STREAM_MAX_LEN")

	// ── Health ──
	setDuration(&cfg.Health.Interval, "PERPBOT_HEALTH_INTERVAL")
	setDuration(&cfg.Health.ProbeTimeout, "PERPBOT_HEALTH_PROBE_TIMEOUT")
	setInt(&cfg.Health.DegradedAfter, "PERPBOT_HEALTH_DEGRADED_AFTER")
	setInt(&cfg.Health.DownAfter, "PERPBOT_HEALTH_DOWN_AFTER")
	setBool(&cfg.Health.RestartOnDown, "PERPBOT_HEALTH_RESTART_ON_DOWN")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PERPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PERPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PERPBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PERPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPBOT_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "PERPBOT_S3_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPBOT_MODE")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
