package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/oraclepool/internal/blob/s3"
	"github.com/alanyoungcy/oraclepool/internal/cache/memory"
	"github.com/alanyoungcy/oraclepool/internal/cache/redis"
	"github.com/alanyoungcy/oraclepool/internal/config"
	"github.com/alanyoungcy/oraclepool/internal/crypto"
	"github.com/alanyoungcy/oraclepool/internal/domain"
	"github.com/alanyoungcy/oraclepool/internal/notify"
	"github.com/alanyoungcy/oraclepool/internal/oracle"
	"github.com/alanyoungcy/oraclepool/internal/service"
	"github.com/alanyoungcy/oraclepool/internal/store/postgres"
	"github.com/alanyoungcy/oraclepool/internal/store/sqlite"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	Store domain.Store

	// Coordination. Redis when enabled, in-process otherwise.
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	Deduper     domain.Deduper

	// Archiver is nil unless archiving is enabled.
	Archiver domain.Archiver

	Oracles  domain.OracleDialer
	Notifier *notify.Notifier

	Markets *service.MarketService
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
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- Event store ---
	switch cfg.Storage.Driver {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, func() { _ = st.Close() })
		deps.Store = st
	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = st.Close() })
		deps.Store = st
	default:
		return fail(fmt.Errorf("wire: unknown storage driver %q", cfg.Storage.Driver))
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
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Deduper = redis.NewDeduper(redisClient)
	} else {
		logger.Warn("redis disabled: locks and pub/sub are in-process, run a single instance")
		deps.LockManager = memory.NewLockManager()
		deps.SignalBus = memory.NewSignalBus()
		deps.RateLimiter = memory.NewRateLimiter()
		deps.Deduper = memory.NewDeduper()
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.Health(ctx); err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Store,
			deps.Store,
			cfg.Archive.Prefix,
		)
	}

	// --- Oracle ---
	deps.Oracles = oracle.NewPool(cfg.Oracle.DefaultEndpoint, cfg.Oracle.APIKey, cfg.Oracle.Timeout.Duration)

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

	// --- Market service ---
	svcCfg := service.MarketServiceConfig{
		Notifier: deps.Notifier,
		LockTTL:  cfg.Keeper.LockTTL.Duration,
	}
	if cfg.Oracle.VerifySignatures {
		svcCfg.Verifier = crypto.AnswerVerifier{}
	} else {
		logger.Warn("oracle answer signatures are not verified")
	}
	for _, s := range cfg.Oracle.AllowedSigners {
		svcCfg.AllowedSigners = append(svcCfg.AllowedSigners, common.HexToAddress(s))
	}
	deps.Markets = service.NewMarketService(deps.Store, deps.LockManager, deps.SignalBus, deps.Oracles, svcCfg, logger)

	return deps, cleanup, nil
}
