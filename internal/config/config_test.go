package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PROVIDER_MODE", "")
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, ModeFake, cfg.ProviderMode)
	assert.False(t, cfg.IsLive())
	assert.Equal(t, DefaultScreenConcurrency, cfg.ScreenConcurrency)
	assert.Equal(t, DefaultProviderTimeout, cfg.ProviderTimeout)
	assert.Equal(t, DefaultScore, cfg.DefaultScore)
	assert.Equal(t, DefaultTRMAPIURL, cfg.TRMAPIURL)
}

func TestLoad_ParsesTuning(t *testing.T) {
	t.Setenv("PROVIDER_MODE", "fake")
	t.Setenv("ENV", "development")
	t.Setenv("SCREEN_CONCURRENCY", "3")
	t.Setenv("PROVIDER_TIMEOUT", "750ms")
	t.Setenv("ANALYST_API_KEYS", " k1, ,k2 ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ScreenConcurrency)
	assert.Equal(t, 750*time.Millisecond, cfg.ProviderTimeout)
	assert.Equal(t, []string{"k1", "k2"}, cfg.AnalystAPIKeys)
}

func TestLoad_WatchSettings(t *testing.T) {
	t.Setenv("PROVIDER_MODE", "fake")
	t.Setenv("ENV", "development")
	t.Setenv("RPC_URL", "http://node:8545")
	t.Setenv("WATCH_ADDRESSES", "0x1111111111111111111111111111111111111111")
	t.Setenv("WATCH_TOKEN_CONTRACT", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	t.Setenv("WATCH_START_BLOCK", "19000000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.WatchEnabled())
	assert.Equal(t, uint64(19000000), cfg.WatchStartBlock)
	assert.Equal(t, DefaultWatchTokenDecimals, cfg.WatchTokenDecimals)
	assert.Equal(t, "USDC", cfg.WatchTokenSymbol)

	t.Setenv("WATCH_START_BLOCK", "latest")
	_, err = Load()
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "WATCH_START_BLOCK", cerr.Key)
}

func TestLoad_MalformedNumber(t *testing.T) {
	t.Setenv("PROVIDER_MODE", "fake")
	t.Setenv("SCREEN_CONCURRENCY", "many")

	_, err := Load()
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "SCREEN_CONCURRENCY", cerr.Key)
}

func TestLoad_LiveRequiresCredentials(t *testing.T) {
	t.Setenv("PROVIDER_MODE", "live")
	t.Setenv("TRM_API_KEY", "")

	_, err := Load()
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "TRM_API_KEY", cerr.Key)
	assert.Contains(t, err.Error(), "PROVIDER_MODE=live")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			ProviderMode:      ModeFake,
			ScreenConcurrency: 8,
			ProviderTimeout:   time.Second,
			DefaultScore:      15,
			DetokenizeRPM:     30,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantKey string
	}{
		{"valid fake", func(c *Config) {}, ""},
		{"valid live", func(c *Config) {
			c.ProviderMode = ModeLive
			c.TRMAPIKey = "trm"
			c.SkyflowVaultURL = "https://vault"
			c.SkyflowVaultID = "v1"
			c.SkyflowAPIKey = "sk"
		}, ""},
		{"live without vault", func(c *Config) {
			c.ProviderMode = ModeLive
			c.TRMAPIKey = "trm"
		}, "SKYFLOW_VAULT_URL"},
		{"unknown mode", func(c *Config) { c.ProviderMode = "mock" }, "PROVIDER_MODE"},
		{"zero concurrency", func(c *Config) { c.ScreenConcurrency = 0 }, "SCREEN_CONCURRENCY"},
		{"zero timeout", func(c *Config) { c.ProviderTimeout = 0 }, "PROVIDER_TIMEOUT"},
		{"score out of range", func(c *Config) { c.DefaultScore = 101 }, "DEFAULT_SCORE"},
		{"watch without rpc", func(c *Config) {
			c.WatchAddresses = []string{"0x1111111111111111111111111111111111111111"}
			c.WatchTokenContract = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
		}, "RPC_URL"},
		{"watch bad token", func(c *Config) {
			c.WatchAddresses = []string{"0x1111111111111111111111111111111111111111"}
			c.RPCURL = "http://node:8545"
			c.WatchTokenContract = "usdc"
		}, "WATCH_TOKEN_CONTRACT"},
		{"watch bad address", func(c *Config) {
			c.WatchAddresses = []string{"custody"}
			c.RPCURL = "http://node:8545"
			c.WatchTokenContract = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
		}, "WATCH_ADDRESSES"},
		{"watch valid", func(c *Config) {
			c.WatchAddresses = []string{"0x1111111111111111111111111111111111111111"}
			c.RPCURL = "http://node:8545"
			c.WatchTokenContract = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
			c.WatchTokenDecimals = 6
			c.WatchPollInterval = time.Second
		}, ""},
		{"short receipt secret", func(c *Config) { c.ReceiptSigningSecret = "short" }, "RECEIPT_SIGNING_SECRET"},
		{"receipt secret", func(c *Config) { c.ReceiptSigningSecret = "0123456789abcdef0123456789abcdef" }, ""},
		{"production without analysts", func(c *Config) { c.Env = "production" }, "ANALYST_API_KEYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantKey == "" {
				assert.NoError(t, err)
				return
			}
			var cerr *ConfigurationError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.wantKey, cerr.Key)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	c := &Config{Env: "development"}
	assert.True(t, c.IsDevelopment())
	assert.False(t, c.IsProduction())
}
