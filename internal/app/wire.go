package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/polyclob/internal/blob/s3"
	"github.com/alanyoungcy/polyclob/internal/cache/redis"
	"github.com/alanyoungcy/polyclob/internal/config"
	"github.com/alanyoungcy/polyclob/internal/crypto"
	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/notify"
	"github.com/alanyoungcy/polyclob/internal/order"
	"github.com/alanyoungcy/polyclob/internal/platform/polymarket"
	"github.com/alanyoungcy/polyclob/internal/server/handler"
	"github.com/alanyoungcy/polyclob/internal/store/postgres"
)

// uploadPartSize is the multipart chunk size for archive uploads.
const uploadPartSize = 8 << 20

// Dependencies bundles every dependency the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional collaborators are left nil when their backend is disabled.
type Dependencies struct {
	// Exchange
	Signer  *crypto.Signer // nil when no wallet is configured
	Builder *order.Builder
	Clob    *polymarket.ClobClient
	Gamma   *polymarket.GammaClient
	Creds   domain.APICreds

	// Stores
	OrderStore domain.OrderStore
	AuditStore domain.AuditStore

	// Caches
	BookCache     domain.OrderbookCache
	MetadataCache domain.MarketMetadataCache
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	EventBus      domain.EventBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Notifications
	Notifier *notify.Notifier

	// Health probes for the API, keyed by backend name.
	Health map[string]handler.HealthCheck
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

	deps := &Dependencies{Health: map[string]handler.HealthCheck{}}

	// --- Wallet and exchange clients ---
	if cfg.Wallet.PrivateKey != "" || cfg.Wallet.EncryptedKeyPath != "" {
		pk, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: wallet: %w", err)
		}
		signer, err := crypto.NewSignerFromKey(pk, int64(cfg.Polymarket.ChainID))
		if err != nil {
			return nil, nil, fmt.Errorf("wire: signer: %w", err)
		}
		deps.Signer = signer

		builder, err := order.NewBuilder(order.BuilderConfig{
			SignatureType: domain.SignatureType(cfg.Polymarket.SignatureType),
			Signer:        signer.Address(),
			Funder:        common.HexToAddress(cfg.Wallet.FunderAddress),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: order builder: %w", err)
		}
		deps.Builder = builder

		deps.Creds = domain.APICreds{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		}
		deps.Clob = polymarket.NewClobClient(polymarket.ClobConfig{
			BaseURL:           cfg.Polymarket.ClobHost,
			Timeout:           cfg.Polymarket.RequestTimeout.Duration,
			RequestsPerSecond: cfg.Polymarket.RequestsPerSecond,
			Burst:             cfg.Polymarket.Burst,
		}, signer, deps.Creds, logger)

		if deps.Creds.Empty() {
			creds, err := deps.Clob.CreateOrDeriveAPIKey(ctx, 0)
			if err != nil {
				return nil, nil, fmt.Errorf("wire: derive api credentials: %w", err)
			}
			deps.Creds = creds
			logger.InfoContext(ctx, "derived api credentials", slog.String("api_key", creds.Key))
		}
		logger.InfoContext(ctx, "wallet loaded",
			slog.String("signer", signer.Address().Hex()),
			slog.String("maker", builder.Maker().Hex()),
			slog.String("signature_type", domain.SignatureType(cfg.Polymarket.SignatureType).String()),
		)
	}
	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost)

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
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pgClient.Ping
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

		deps.BookCache = redis.NewOrderbookCache(redisClient)
		deps.MetadataCache = redis.NewMetadataCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
		deps.Health["redis"] = redisClient.Ping
	}

	// --- S3 blob storage (only when archiving) ---
	if cfg.Stream.Archive {
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
		deps.BlobWriter = s3blob.NewWriter(s3Client, uploadPartSize)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Health["s3"] = s3Client.Health
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
