package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYCLOB_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYCLOB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "POLYCLOB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYCLOB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYCLOB_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.FunderAddress, "POLYCLOB_WALLET_FUNDER_ADDRESS")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYCLOB_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYCLOB_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsURL, "POLYCLOB_POLYMARKET_WS_URL")
	setInt(&cfg.Polymarket.ChainID, "POLYCLOB_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "POLYCLOB_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ApiKey, "POLYCLOB_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "POLYCLOB_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "POLYCLOB_POLYMARKET_API_PASSPHRASE")
	setDuration(&cfg.Polymarket.RequestTimeout, "POLYCLOB_POLYMARKET_REQUEST_TIMEOUT")
	setFloat64(&cfg.Polymarket.RequestsPerSecond, "POLYCLOB_POLYMARKET_REQUESTS_PER_SECOND")
	setInt(&cfg.Polymarket.Burst, "POLYCLOB_POLYMARKET_BURST")

	// ── Stream ──
	setDuration(&cfg.Stream.StaleAfter, "POLYCLOB_STREAM_STALE_AFTER")
	setDuration(&cfg.Stream.PingInterval, "POLYCLOB_STREAM_PING_INTERVAL")
	setInt(&cfg.Stream.QueueSize, "POLYCLOB_STREAM_QUEUE_SIZE")
	setStringSlice(&cfg.Stream.AssetIDs, "POLYCLOB_STREAM_ASSET_IDS")
	setStringSlice(&cfg.Stream.MarketSlugs, "POLYCLOB_STREAM_MARKET_SLUGS")
	setStringSlice(&cfg.Stream.UserMarkets, "POLYCLOB_STREAM_USER_MARKETS")
	setBool(&cfg.Stream.User, "POLYCLOB_STREAM_USER")
	setBool(&cfg.Stream.Archive, "POLYCLOB_STREAM_ARCHIVE")
	setBool(&cfg.Stream.Publish, "POLYCLOB_STREAM_PUBLISH")
	setInt(&cfg.Stream.Backoff.MaxAttempts, "POLYCLOB_STREAM_BACKOFF_MAX_ATTEMPTS")
	setDuration(&cfg.Stream.Backoff.MaxElapsed, "POLYCLOB_STREAM_BACKOFF_MAX_ELAPSED")
	setDuration(&cfg.Stream.Backoff.StableAfter, "POLYCLOB_STREAM_BACKOFF_STABLE_AFTER")

	// ── Orders ──
	setInt(&cfg.Orders.RateLimit, "POLYCLOB_ORDERS_RATE_LIMIT")
	setDuration(&cfg.Orders.RateWindow, "POLYCLOB_ORDERS_RATE_WINDOW")
	setDuration(&cfg.Orders.LockTTL, "POLYCLOB_ORDERS_LOCK_TTL")
	setDuration(&cfg.Orders.MetadataTTL, "POLYCLOB_ORDERS_METADATA_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POLYCLOB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POLYCLOB_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYCLOB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYCLOB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYCLOB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYCLOB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYCLOB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYCLOB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYCLOB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYCLOB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYCLOB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYCLOB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYCLOB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYCLOB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYCLOB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYCLOB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYCLOB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYCLOB_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYCLOB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYCLOB_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYCLOB_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "POLYCLOB_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "POLYCLOB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYCLOB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYCLOB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYCLOB_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "POLYCLOB_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "POLYCLOB_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYCLOB_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYCLOB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYCLOB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYCLOB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYCLOB_NOTIFY_EVENTS")
	setInt(&cfg.Notify.DegradedAfter, "POLYCLOB_NOTIFY_DEGRADED_AFTER")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYCLOB_MODE")
	setStr(&cfg.LogLevel, "POLYCLOB_LOG_LEVEL")
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
