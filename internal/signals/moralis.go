package signals

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/sentinel/internal/retry"
)

// MoralisProvider reads wallet holdings from the Moralis Web3 data API.
type MoralisProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	policy  retry.Policy
}

// MoralisConfig configures the Moralis provider.
type MoralisConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Retry   retry.Policy
}

// NewMoralisProvider returns ErrNotConfigured without an API key.
func NewMoralisProvider(cfg MoralisConfig) (*MoralisProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://deep-index.moralis.io/api/v2.2"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &MoralisProvider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  newHTTPClient(cfg.Timeout),
		policy:  cfg.Retry,
	}, nil
}

// ID implements AnalyticsProvider.
func (p *MoralisProvider) ID() string { return "moralis" }

// moralisChain maps chain names to Moralis chain identifiers.
func moralisChain(chain string) string {
	switch strings.ToLower(chain) {
	case "", "ethereum", "eth", "mainnet":
		return "eth"
	case "polygon", "matic":
		return "polygon"
	case "base":
		return "base"
	case "arbitrum":
		return "arbitrum"
	default:
		return strings.ToLower(chain)
	}
}

// WalletStats implements AnalyticsProvider. Each field is fetched
// independently; fields that succeed are returned even if others fail.
func (p *MoralisProvider) WalletStats(ctx context.Context, address, chain string) (WalletStats, error) {
	var stats WalletStats
	var errs []error
	c := moralisChain(chain)

	var bal struct {
		Balance string `json:"balance"`
	}
	if err := p.get(ctx, address, "balance", url.Values{"chain": {c}}, &bal); err != nil {
		errs = append(errs, err)
	} else if wei, err := decimal.NewFromString(bal.Balance); err != nil {
		errs = append(errs, &ProviderError{Provider: p.ID(), Kind: KindMalformed, Err: err})
	} else {
		eth := wei.Shift(-18)
		stats.Balance = &eth
	}

	var tokens []struct {
		TokenAddress string `json:"token_address"`
	}
	if err := p.get(ctx, address, "erc20", url.Values{"chain": {c}}, &tokens); err != nil {
		errs = append(errs, err)
	} else {
		stats.TokenCount = Int(len(tokens))
	}

	var nfts struct {
		Result []struct {
			TokenID string `json:"token_id"`
		} `json:"result"`
	}
	if err := p.get(ctx, address, "nft", url.Values{"chain": {c}, "format": {"decimal"}}, &nfts); err != nil {
		errs = append(errs, err)
	} else {
		stats.NftCount = Int(len(nfts.Result))
	}

	if len(errs) > 0 {
		return stats, errs[0]
	}
	return stats, nil
}

func (p *MoralisProvider) get(ctx context.Context, address, resource string, q url.Values, out any) error {
	endpoint := p.baseURL + "/" + url.PathEscape(address) + "/" + resource + "?" + q.Encode()
	err := getJSON(ctx, p.client, p.policy, p.ID(), func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-API-Key", p.apiKey)
		return req, nil
	}, out)
	var pe *ProviderError
	if err != nil && !errors.As(err, &pe) {
		err = &ProviderError{Provider: p.ID(), Kind: Classify(err), Err: err}
	}
	return err
}
