// Package config defines the polyclob configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by POLYCLOB_* environment
// variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Stream     StreamConfig     `toml:"stream"`
	Orders     OrdersConfig     `toml:"orders"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Notify     NotifyConfig     `toml:"notify"`
	Server     ServerConfig     `toml:"server"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the signing key and, for proxy and safe wallets, the
// funder address.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	FunderAddress    string `toml:"funder_address"`
}

// PolymarketConfig holds API endpoints, chain parameters and L2 credentials.
// Empty credentials are derived from the wallet at startup.
type PolymarketConfig struct {
	ClobHost          string   `toml:"clob_host"`
	GammaHost         string   `toml:"gamma_host"`
	WsURL             string   `toml:"ws_url"`
	ChainID           int      `toml:"chain_id"`
	SignatureType     int      `toml:"signature_type"`
	ApiKey            string   `toml:"api_key"`
	ApiSecret         string   `toml:"api_secret"`
	ApiPassphrase     string   `toml:"api_passphrase"`
	RequestTimeout    duration `toml:"request_timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
}

// StreamConfig configures the streaming session and its initial
// subscriptions.
type StreamConfig struct {
	ConnectTimeout   duration      `toml:"connect_timeout"`
	HandshakeTimeout duration      `toml:"handshake_timeout"`
	StaleAfter       duration      `toml:"stale_after"`
	PingInterval     duration      `toml:"ping_interval"`
	WriteTimeout     duration      `toml:"write_timeout"`
	QueueSize        int           `toml:"queue_size"`
	Backoff          BackoffConfig `toml:"backoff"`

	AssetIDs    []string `toml:"asset_ids"`    // market channel
	MarketSlugs []string `toml:"market_slugs"` // resolved to asset IDs via Gamma
	UserMarkets []string `toml:"user_markets"` // condition IDs for the user channel
	User        bool     `toml:"user"`         // subscribe to the user channel

	Archive      bool     `toml:"archive"`       // batch events to S3
	Publish      bool     `toml:"publish"`       // fan events out on the Redis bus
	ArchiveBatch int      `toml:"archive_batch"` // events per archive object
	ArchiveEvery duration `toml:"archive_every"`
}

// BackoffConfig shapes reconnects. Zero max_attempts and max_elapsed retry
// forever. A connection that drops before stable_after without delivering
// data counts as a failed attempt.
type BackoffConfig struct {
	Initial     duration `toml:"initial"`
	Max         duration `toml:"max"`
	Multiplier  float64  `toml:"multiplier"`
	Jitter      float64  `toml:"jitter"`
	MaxAttempts int      `toml:"max_attempts"`
	MaxElapsed  duration `toml:"max_elapsed"`
	StableAfter duration `toml:"stable_after"`
}

// OrdersConfig bounds order submission.
type OrdersConfig struct {
	RateLimit   int      `toml:"rate_limit"` // submissions per rate_window; 0 disables
	RateWindow  duration `toml:"rate_window"`
	LockTTL     duration `toml:"lock_ttl"`
	MetadataTTL duration `toml:"metadata_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration wraps time.Duration so TOML strings like "5m" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"` // required on mutating routes when set
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	DegradedAfter     int      `toml:"degraded_after"` // failed attempts before a degraded alert
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:          "https://clob.polymarket.com",
			GammaHost:         "https://gamma-api.polymarket.com",
			WsURL:             "wss://ws-subscriptions-clob.polymarket.com/ws/",
			ChainID:           137,
			SignatureType:     0,
			RequestTimeout:    duration{15 * time.Second},
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Stream: StreamConfig{
			ConnectTimeout:   duration{15 * time.Second},
			HandshakeTimeout: duration{10 * time.Second},
			StaleAfter:       duration{30 * time.Second},
			PingInterval:     duration{10 * time.Second},
			WriteTimeout:     duration{10 * time.Second},
			QueueSize:        1024,
			Backoff: BackoffConfig{
				Initial:     duration{500 * time.Millisecond},
				Max:         duration{30 * time.Second},
				Multiplier:  1.5,
				Jitter:      0.5,
				MaxElapsed:  duration{10 * time.Minute},
				StableAfter: duration{5 * time.Second},
			},
			Publish:      true,
			ArchiveBatch: 5000,
			ArchiveEvery: duration{time.Minute},
		},
		Orders: OrdersConfig{
			RateLimit:   10,
			RateWindow:  duration{time.Second},
			LockTTL:     duration{30 * time.Second},
			MetadataTTL: duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polyclob",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "polyclob-events",
			Prefix:         "archive/events",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events:        []string{"stream.degraded", "stream.recovered", "stream.unavailable", "order.rejected"},
			DegradedAfter: 3,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"stream": true,
	"trade":  true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsWallet reports whether the mode signs orders.
func (c *Config) NeedsWallet() bool {
	m := strings.ToLower(c.Mode)
	return m == "trade" || m == "full" || c.Stream.User
}

// Validate checks Config for invalid or missing values and returns one
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: stream, trade, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet
	if c.NeedsWallet() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}
	if c.Polymarket.SignatureType != 0 {
		if c.Wallet.FunderAddress == "" {
			errs = append(errs, "wallet: funder_address is required for proxy and safe signature types")
		}
	}
	if c.Wallet.FunderAddress != "" && !common.IsHexAddress(c.Wallet.FunderAddress) {
		errs = append(errs, fmt.Sprintf("wallet: funder_address %q is not an address", c.Wallet.FunderAddress))
	}

	// Polymarket
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.WsURL == "" {
		errs = append(errs, "polymarket: ws_url must not be empty")
	}
	if c.Polymarket.ChainID != 137 && c.Polymarket.ChainID != 80002 {
		errs = append(errs, fmt.Sprintf("polymarket: chain_id must be 137 or 80002, got %d", c.Polymarket.ChainID))
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0 (EOA), 1 (proxy) or 2 (safe), got %d", c.Polymarket.SignatureType))
	}
	ak := c.Polymarket.ApiKey != ""
	as := c.Polymarket.ApiSecret != ""
	ap := c.Polymarket.ApiPassphrase != ""
	if (ak || as || ap) && !(ak && as && ap) {
		errs = append(errs, "polymarket: api_key, api_secret and api_passphrase must all be set together")
	}
	if c.Polymarket.RequestsPerSecond <= 0 {
		errs = append(errs, "polymarket: requests_per_second must be > 0")
	}

	// Stream
	b := c.Stream.Backoff
	if b.Multiplier != 0 && b.Multiplier < 1 {
		errs = append(errs, "stream.backoff: multiplier must be >= 1")
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		errs = append(errs, "stream.backoff: jitter must be in [0, 1)")
	}
	if b.MaxAttempts < 0 {
		errs = append(errs, "stream.backoff: max_attempts must be >= 0")
	}
	if b.StableAfter.Duration < 0 {
		errs = append(errs, "stream.backoff: stable_after must be >= 0")
	}
	if b.Max.Duration > 0 && b.Initial.Duration > b.Max.Duration {
		errs = append(errs, "stream.backoff: initial must not exceed max")
	}
	if c.Stream.QueueSize < 0 {
		errs = append(errs, "stream: queue_size must be >= 0")
	}
	if c.Stream.Publish && !c.Redis.Enabled {
		errs = append(errs, "stream: publish requires redis.enabled")
	}
	if c.Stream.Archive && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when stream.archive is set")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	// Server
	if m := strings.ToLower(c.Mode); m == "trade" || m == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
