package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/perpbot/internal/blob/s3"
	rediscache "github.com/alanyoungcy/perpbot/internal/cache/redis"
	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/dedup"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/notify"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/server/middleware"
	"github.com/alanyoungcy/perpbot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	Signals   domain.SignalStore
	Decisions domain.DecisionStore
	Positions domain.PositionStore
	Audit     domain.AuditStore

	// Dedup, locking, and the event stream
	Admitter    domain.Admitter
	Deduper     handler.Deduper
	Locks       domain.LockManager
	SignalBus   domain.SignalBus
	RateLimiter middleware.Limiter

	// Blob storage
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Raw clients kept for health probes.
	Postgres *postgres.Client
	Redis    *rediscache.Client
	S3       *s3blob.Client
}

// usesRedis reports whether the mode shares state across replicas. Mock mode
// runs self-contained with in-process dedup and locks.
func usesRedis(mode string) bool {
	return mode != "mock"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	mode := strings.ToLower(cfg.Mode)

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.Signals = postgres.NewSignalStore(pool)
	deps.Decisions = postgres.NewDecisionStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

	// --- Redis (shared dedup, locks, and the durable event stream) ---
	if usesRedis(mode) {
		redisClient, err := rediscache.New(ctx, rediscache.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		admitter := rediscache.NewAdmitter(redisClient, cfg.Pipeline.DedupWindow.Duration)
		deps.Redis = redisClient
		deps.Admitter = admitter
		deps.Deduper = admitter
		deps.Locks = rediscache.NewLockManager(redisClient)
		deps.RateLimiter = rediscache.NewRateLimiter(redisClient)
		deps.SignalBus = rediscache.NewSignalBusWithMaxLen(redisClient, int64(cfg.Broadcast.StreamMaxLen))
	} else {
		admitter := dedup.NewAdmitter(cfg.Pipeline.DedupWindow.Duration)
		deps.Admitter = admitter
		deps.Deduper = admitter
		deps.Locks = dedup.NewLockArena()
		// No durable stream: WebSocket resume is unavailable and clients
		// always get a fresh snapshot.
	}

	// --- S3 cold storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.S3 = s3Client
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.Positions,
			deps.Decisions,
			deps.Audit,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
