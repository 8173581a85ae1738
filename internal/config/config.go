// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Provider modes
const (
	ModeLive = "live" // call TRM, Moralis and Skyflow
	ModeFake = "fake" // deterministic in-process providers
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Signal cache (optional, in-memory cache if not set)

	// Intelligence providers
	ProviderMode  string
	TRMAPIKey     string
	TRMAPIURL     string
	MoralisAPIKey string
	MoralisAPIURL string
	RPCURL        string // Fallback wallet analytics via JSON-RPC balance lookups
	Chain         string

	// Tokenization vault
	SkyflowVaultURL string
	SkyflowVaultID  string
	SkyflowAPIKey   string

	// Pipeline tuning
	ScreenConcurrency int
	ProviderTimeout   time.Duration
	DefaultScore      int
	SignalCacheTTL    time.Duration
	PlaybooksFile     string

	// Analyst access
	AnalystAPIKeys []string
	DetokenizeRPM  int

	// On-chain transfer watcher. Enabled when WatchAddresses is set.
	WatchAddresses     []string
	WatchTokenContract string
	WatchTokenSymbol   string
	WatchTokenDecimals int
	WatchPollInterval  time.Duration
	WatchStartBlock    uint64

	// Decision receipts are signed when a secret is set.
	ReceiptSigningSecret string

	// Observability
	OTLPEndpoint               string
	ComplianceSnapshotInterval time.Duration
}

// ConfigurationError reports a missing or malformed setting.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Key, e.Reason)
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultTRMAPIURL          = "https://api.trmlabs.com"
	DefaultMoralisAPIURL      = "https://deep-index.moralis.io/api/v2.2"
	DefaultChain              = "ethereum"
	DefaultScreenConcurrency  = 8
	DefaultProviderTimeout    = 5 * time.Second
	DefaultScore              = 15
	DefaultSignalCacheTTL     = 5 * time.Minute
	DefaultDetokenizeRPM      = 30
	DefaultSnapshotInterval   = 15 * time.Minute
	MinReceiptSecretLength    = 32
	DefaultWatchTokenSymbol   = "USDC"
	DefaultWatchTokenDecimals = 6
	DefaultWatchPollInterval  = 15 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		ProviderMode:         strings.ToLower(getEnv("PROVIDER_MODE", ModeFake)),
		TRMAPIKey:            os.Getenv("TRM_API_KEY"),
		TRMAPIURL:            getEnv("TRM_API_URL", DefaultTRMAPIURL),
		MoralisAPIKey:        os.Getenv("MORALIS_API_KEY"),
		MoralisAPIURL:        getEnv("MORALIS_API_URL", DefaultMoralisAPIURL),
		RPCURL:               os.Getenv("RPC_URL"),
		Chain:                getEnv("CHAIN", DefaultChain),
		SkyflowVaultURL:      os.Getenv("SKYFLOW_VAULT_URL"),
		SkyflowVaultID:       os.Getenv("SKYFLOW_VAULT_ID"),
		SkyflowAPIKey:        os.Getenv("SKYFLOW_API_KEY"),
		PlaybooksFile:        os.Getenv("PLAYBOOKS_FILE"),
		AnalystAPIKeys:       splitList(os.Getenv("ANALYST_API_KEYS")),
		WatchAddresses:       splitList(os.Getenv("WATCH_ADDRESSES")),
		WatchTokenContract:   os.Getenv("WATCH_TOKEN_CONTRACT"),
		WatchTokenSymbol:     getEnv("WATCH_TOKEN_SYMBOL", DefaultWatchTokenSymbol),
		ReceiptSigningSecret: os.Getenv("RECEIPT_SIGNING_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.ScreenConcurrency, err = getEnvInt("SCREEN_CONCURRENCY", DefaultScreenConcurrency); err != nil {
		return nil, err
	}
	if cfg.DefaultScore, err = getEnvInt("DEFAULT_SCORE", DefaultScore); err != nil {
		return nil, err
	}
	if cfg.DetokenizeRPM, err = getEnvInt("DETOKENIZE_RPM", DefaultDetokenizeRPM); err != nil {
		return nil, err
	}
	if cfg.ProviderTimeout, err = getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout); err != nil {
		return nil, err
	}
	if cfg.SignalCacheTTL, err = getEnvDuration("SIGNAL_CACHE_TTL", DefaultSignalCacheTTL); err != nil {
		return nil, err
	}
	if cfg.WatchTokenDecimals, err = getEnvInt("WATCH_TOKEN_DECIMALS", DefaultWatchTokenDecimals); err != nil {
		return nil, err
	}
	if cfg.WatchPollInterval, err = getEnvDuration("WATCH_POLL_INTERVAL", DefaultWatchPollInterval); err != nil {
		return nil, err
	}
	if v := os.Getenv("WATCH_START_BLOCK"); v != "" {
		if cfg.WatchStartBlock, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, &ConfigurationError{Key: "WATCH_START_BLOCK", Reason: "must be a block number"}
		}
	}
	if cfg.ComplianceSnapshotInterval, err = getEnvDuration("COMPLIANCE_SNAPSHOT_INTERVAL", DefaultSnapshotInterval); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
// Live mode refuses to start without TRM and vault credentials.
func (c *Config) Validate() error {
	switch c.ProviderMode {
	case ModeLive:
		if c.TRMAPIKey == "" {
			return &ConfigurationError{Key: "TRM_API_KEY", Reason: "is required when PROVIDER_MODE=live"}
		}
		if c.SkyflowVaultURL == "" || c.SkyflowVaultID == "" || c.SkyflowAPIKey == "" {
			return &ConfigurationError{Key: "SKYFLOW_VAULT_URL", Reason: "vault URL, ID and API key are required when PROVIDER_MODE=live"}
		}
	case ModeFake:
	default:
		return &ConfigurationError{Key: "PROVIDER_MODE", Reason: "must be live or fake"}
	}

	if c.ScreenConcurrency < 1 {
		return &ConfigurationError{Key: "SCREEN_CONCURRENCY", Reason: "must be at least 1"}
	}
	if c.ProviderTimeout <= 0 {
		return &ConfigurationError{Key: "PROVIDER_TIMEOUT", Reason: "must be positive"}
	}
	if c.DefaultScore < 0 || c.DefaultScore > 100 {
		return &ConfigurationError{Key: "DEFAULT_SCORE", Reason: "must be between 0 and 100"}
	}
	if c.DetokenizeRPM < 1 {
		return &ConfigurationError{Key: "DETOKENIZE_RPM", Reason: "must be at least 1"}
	}
	if c.WatchEnabled() {
		if c.RPCURL == "" {
			return &ConfigurationError{Key: "RPC_URL", Reason: "is required when WATCH_ADDRESSES is set"}
		}
		if !common.IsHexAddress(c.WatchTokenContract) {
			return &ConfigurationError{Key: "WATCH_TOKEN_CONTRACT", Reason: "must be a token contract address"}
		}
		for _, a := range c.WatchAddresses {
			if !common.IsHexAddress(a) {
				return &ConfigurationError{Key: "WATCH_ADDRESSES", Reason: fmt.Sprintf("%q is not an address", a)}
			}
		}
		if c.WatchTokenDecimals < 0 || c.WatchTokenDecimals > 36 {
			return &ConfigurationError{Key: "WATCH_TOKEN_DECIMALS", Reason: "must be between 0 and 36"}
		}
		if c.WatchPollInterval <= 0 {
			return &ConfigurationError{Key: "WATCH_POLL_INTERVAL", Reason: "must be positive"}
		}
	}
	if c.ReceiptSigningSecret != "" && len(c.ReceiptSigningSecret) < MinReceiptSecretLength {
		return &ConfigurationError{Key: "RECEIPT_SIGNING_SECRET", Reason: fmt.Sprintf("must be at least %d characters", MinReceiptSecretLength)}
	}
	if c.IsProduction() && len(c.AnalystAPIKeys) == 0 {
		return &ConfigurationError{Key: "ANALYST_API_KEYS", Reason: "is required in production"}
	}
	return nil
}

// WatchEnabled reports whether the on-chain transfer watcher should run.
func (c *Config) WatchEnabled() bool {
	return len(c.WatchAddresses) > 0
}

// IsLive reports whether real providers are configured.
func (c *Config) IsLive() bool {
	return c.ProviderMode == ModeLive
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, &ConfigurationError{Key: key, Reason: "must be an integer"}
	}
	return i, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, &ConfigurationError{Key: key, Reason: "must be a duration like 5s or 2m"}
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
