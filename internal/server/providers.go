package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/signals"
	"github.com/mbd888/sentinel/internal/vault"
)

// providerSet is the intelligence wiring chosen by PROVIDER_MODE.
type providerSet struct {
	risk      []signals.RiskProvider
	analytics signals.AnalyticsProvider
	vault     vault.Provider
	closers   []func()
}

// buildProviders returns deterministic fakes in fake mode and the real
// TRM / Moralis (or JSON-RPC) / Skyflow clients in live mode.
func buildProviders(ctx context.Context, cfg *config.Config, cache signals.Cache, logger *slog.Logger) (*providerSet, error) {
	if !cfg.IsLive() {
		trm, analytics := signals.DemoProviders()
		logger.Info("using fake intelligence providers", "wallets", []string{
			signals.DemoSanctionedWallet, signals.DemoCleanWallet, signals.DemoReviewWallet,
		})
		return &providerSet{
			risk:      []signals.RiskProvider{signals.NewCachingRiskProvider(trm, cache, cfg.SignalCacheTTL, logger)},
			analytics: analytics,
			vault:     vault.NewMemoryVault(),
		}, nil
	}

	for key, u := range map[string]string{
		"TRM_API_URL":       cfg.TRMAPIURL,
		"MORALIS_API_URL":   cfg.MoralisAPIURL,
		"SKYFLOW_VAULT_URL": cfg.SkyflowVaultURL,
	} {
		if u == "" {
			continue
		}
		if err := security.ValidateProviderURL(u); err != nil {
			return nil, &config.ConfigurationError{Key: key, Reason: err.Error()}
		}
	}

	policy := retry.DefaultPolicy()
	set := &providerSet{}

	trm, err := signals.NewTRMProvider(signals.TRMConfig{
		APIKey:  cfg.TRMAPIKey,
		BaseURL: cfg.TRMAPIURL,
		Timeout: cfg.ProviderTimeout,
		Retry:   policy,
	})
	if err != nil {
		return nil, fmt.Errorf("trm provider: %w", err)
	}
	set.risk = []signals.RiskProvider{signals.NewCachingRiskProvider(trm, cache, cfg.SignalCacheTTL, logger)}

	moralis, err := signals.NewMoralisProvider(signals.MoralisConfig{
		APIKey:  cfg.MoralisAPIKey,
		BaseURL: cfg.MoralisAPIURL,
		Timeout: cfg.ProviderTimeout,
		Retry:   policy,
	})
	switch {
	case err == nil:
		set.analytics = moralis
	case errors.Is(err, signals.ErrNotConfigured) && cfg.RPCURL != "":
		rpc, err := signals.DialRPCAnalytics(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("rpc analytics: %w", err)
		}
		set.analytics = rpc
		set.closers = append(set.closers, rpc.Close)
		logger.Info("wallet analytics via JSON-RPC balances")
	case errors.Is(err, signals.ErrNotConfigured):
		logger.Warn("no wallet analytics configured (MORALIS_API_KEY / RPC_URL)")
	default:
		return nil, fmt.Errorf("moralis provider: %w", err)
	}

	sky, err := vault.NewSkyflowProvider(vault.SkyflowConfig{
		VaultURL: cfg.SkyflowVaultURL,
		VaultID:  cfg.SkyflowVaultID,
		APIKey:   cfg.SkyflowAPIKey,
		Timeout:  cfg.ProviderTimeout,
		Retry:    policy,
	})
	if err != nil {
		return nil, fmt.Errorf("skyflow vault: %w", err)
	}
	set.vault = sky
	return set, nil
}
