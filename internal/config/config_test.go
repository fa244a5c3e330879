package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polyclob.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeTOML(t, `
mode = "stream"

[polymarket]
chain_id = 80002

[stream]
stale_after = "45s"
asset_ids = ["111", "222"]

[stream.backoff]
initial = "1s"
max_attempts = 7
stable_after = "2s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "stream", cfg.Mode)
	assert.Equal(t, 80002, cfg.Polymarket.ChainID)
	assert.Equal(t, 45*time.Second, cfg.Stream.StaleAfter.Duration)
	assert.Equal(t, []string{"111", "222"}, cfg.Stream.AssetIDs)
	assert.Equal(t, time.Second, cfg.Stream.Backoff.Initial.Duration)
	assert.Equal(t, 7, cfg.Stream.Backoff.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Stream.Backoff.StableAfter.Duration)

	// untouched values keep their defaults
	assert.Equal(t, "https://clob.polymarket.com", cfg.Polymarket.ClobHost)
	assert.Equal(t, 30*time.Second, cfg.Stream.Backoff.Max.Duration)
	assert.Equal(t, 10*time.Second, cfg.Stream.PingInterval.Duration)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POLYCLOB_MODE", "trade")
	t.Setenv("POLYCLOB_WALLET_PRIVATE_KEY", testKey)
	t.Setenv("POLYCLOB_STREAM_ASSET_IDS", " 1, 2 ,,3")
	t.Setenv("POLYCLOB_ORDERS_RATE_WINDOW", "2s")
	t.Setenv("POLYCLOB_REDIS_ENABLED", "false")
	t.Setenv("POLYCLOB_SERVER_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "trade", cfg.Mode)
	assert.Equal(t, testKey, cfg.Wallet.PrivateKey)
	assert.Equal(t, []string{"1", "2", "3"}, cfg.Stream.AssetIDs)
	assert.Equal(t, 2*time.Second, cfg.Orders.RateWindow.Duration)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 8000, cfg.Server.Port, "unparsable values are ignored")
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeTOML(t, `[stream]
stale_after = "soon"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultsValidateForStreamMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "stream"
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"trade without key": {
			mutate: func(c *Config) { c.Mode = "trade" },
			want:   "private_key or encrypted_key_path",
		},
		"bad mode": {
			mutate: func(c *Config) { c.Mode = "arbitrage" },
			want:   `unknown mode "arbitrage"`,
		},
		"partial credentials": {
			mutate: func(c *Config) { c.Polymarket.ApiKey = "k" },
			want:   "must all be set together",
		},
		"proxy without funder": {
			mutate: func(c *Config) { c.Polymarket.SignatureType = 1 },
			want:   "funder_address is required",
		},
		"bad signature type": {
			mutate: func(c *Config) {
				c.Polymarket.SignatureType = 3
				c.Wallet.FunderAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
			},
			want: "signature_type must be 0",
		},
		"bad funder": {
			mutate: func(c *Config) { c.Wallet.FunderAddress = "0x12" },
			want:   "is not an address",
		},
		"jitter out of range": {
			mutate: func(c *Config) { c.Stream.Backoff.Jitter = 1 },
			want:   "jitter must be in [0, 1)",
		},
		"negative stable_after": {
			mutate: func(c *Config) { c.Stream.Backoff.StableAfter.Duration = -time.Second },
			want:   "stable_after must be >= 0",
		},
		"initial above max": {
			mutate: func(c *Config) { c.Stream.Backoff.Initial.Duration = time.Minute },
			want:   "initial must not exceed max",
		},
		"publish without redis": {
			mutate: func(c *Config) { c.Redis.Enabled = false },
			want:   "publish requires redis.enabled",
		},
		"archive without bucket": {
			mutate: func(c *Config) {
				c.Stream.Archive = true
				c.S3.Bucket = ""
			},
			want: "bucket must not be empty",
		},
		"encrypted key without password": {
			mutate: func(c *Config) {
				c.Mode = "full"
				c.Wallet.EncryptedKeyPath = "/keys/wallet.enc"
			},
			want: "key_password is required",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Mode = "stream"
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "nope"
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown log_level")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = testKey
	cfg.Polymarket.ApiSecret = "secret"
	cfg.Redis.Password = "pw"
	cfg.Notify.Events = []string{"order.rejected"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Polymarket.ApiSecret)
	assert.Equal(t, "***", out.Redis.Password)
	assert.Empty(t, out.Polymarket.ApiKey, "empty values stay empty")
	assert.Equal(t, testKey, cfg.Wallet.PrivateKey)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "order.rejected", cfg.Notify.Events[0])
}
