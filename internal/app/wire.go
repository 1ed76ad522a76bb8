package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/preauthlend/internal/blob/s3"
	"github.com/alanyoungcy/preauthlend/internal/cache/redis"
	"github.com/alanyoungcy/preauthlend/internal/config"
	"github.com/alanyoungcy/preauthlend/internal/domain"
	"github.com/alanyoungcy/preauthlend/internal/notify"
	"github.com/alanyoungcy/preauthlend/internal/platform/chain"
	"github.com/alanyoungcy/preauthlend/internal/platform/holdproc"
	"github.com/alanyoungcy/preauthlend/internal/store/memory"
	"github.com/alanyoungcy/preauthlend/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	LoanStore  domain.LoanStore
	AuditStore domain.AuditStore

	// Caches and coordination
	SnapshotCache domain.SnapshotCache
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus

	// External systems
	Gateway   domain.HoldGateway
	Positions domain.PositionReader

	// Blob storage
	BlobWriter domain.BlobWriter

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
//
// Demo mode swaps in memory stores, the no-op hold gateway, and the synthetic
// chain reader; everything downstream of the domain interfaces is identical
// across modes.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	mode := strings.ToLower(cfg.Mode)
	demo := mode == "demo"

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Loan and audit stores ---
	if demo {
		deps.LoanStore = memory.NewLoanStore()
		deps.AuditStore = memory.NewAuditStore()
	} else {
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
		deps.LoanStore = postgres.NewLoanStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
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

	snapshotTTL := time.Minute
	if cfg.Redis.SnapshotTTLSecs > 0 {
		snapshotTTL = time.Duration(cfg.Redis.SnapshotTTLSecs) * time.Second
	}
	deps.SnapshotCache = redis.NewSnapshotCache(redisClient, snapshotTTL)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Hold gateway ---
	if demo {
		deps.Gateway = holdproc.NewNoopGateway(logger)
	} else {
		deps.Gateway = holdproc.NewClient(
			cfg.HoldProc.BaseURL,
			cfg.HoldProc.ApiKey,
			cfg.HoldProc.ApiSecret,
			cfg.HoldProc.Timeout.Duration,
		)
	}

	// --- Chain position reader ---
	if demo {
		deps.Positions = chain.NewDemoReader(logger)
	} else {
		chainClient, err := chain.Dial(ctx, cfg.Chain.RpcURL, cfg.Chain.PoolAddress, cfg.Chain.Timeout.Duration)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, chainClient.Close)
		deps.Positions = chainClient
	}

	// --- S3 blob storage (only when archival is on) ---
	if cfg.Archive.Enabled && !demo {
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
		closers = append(closers, func() { _ = s3Client.Close() })
		deps.BlobWriter = s3blob.NewWriter(s3Client)
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
