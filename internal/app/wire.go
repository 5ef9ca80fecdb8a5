package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/elephantbot/internal/blob/s3"
	"github.com/alanyoungcy/elephantbot/internal/cache/redis"
	"github.com/alanyoungcy/elephantbot/internal/config"
	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/notify"
	"github.com/alanyoungcy/elephantbot/internal/server/handler"
	"github.com/alanyoungcy/elephantbot/internal/store/postgres"
)

const (
	bookCacheTTL      = 10 * time.Minute
	bookCacheInterval = time.Second
)

// Dependencies bundles the optional infrastructure. Every field is nil when
// its backend is disabled; the trading core runs without any of them.
type Dependencies struct {
	// Postgres
	CycleStore domain.CycleStore
	AuditStore domain.AuditStore

	// Redis
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	BookCache   *redis.BookCache

	// S3
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Notifier *notify.Notifier

	// Health checks for /api/health, keyed by backend name.
	Checks map[string]handler.Check
}

// Wire connects every enabled backend and returns them together with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
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
		deps.CycleStore = postgres.NewCycleStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
		logger.InfoContext(ctx, "postgres connected")
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
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

		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.BookCache = redis.NewBookCache(redisClient, bookCacheTTL, bookCacheInterval)
		deps.Checks["redis"] = redisClient.Ping
		logger.InfoContext(ctx, "redis connected", slog.String("addr", cfg.Redis.Addr))
	}

	// --- S3 blob storage ---
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

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		// The archiver reads from the cycle log, so it needs Postgres too.
		if deps.CycleStore != nil {
			deps.Archiver = s3blob.NewCycleArchiver(deps.BlobWriter, deps.CycleStore, deps.AuditStore, cfg.S3.RetentionDays, logger)
		}
		deps.Checks["s3"] = s3Client.Health
		logger.InfoContext(ctx, "s3 configured", slog.String("bucket", cfg.S3.Bucket))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
