package signals

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/retry"
)

// TRMProvider screens addresses against the TRM Labs address screening API.
type TRMProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	policy  retry.Policy
}

// TRMConfig configures the TRM provider.
type TRMConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Retry   retry.Policy
}

// NewTRMProvider returns ErrNotConfigured without an API key.
func NewTRMProvider(cfg TRMConfig) (*TRMProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.trmlabs.com"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &TRMProvider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  newHTTPClient(cfg.Timeout),
		policy:  cfg.Retry,
	}, nil
}

// ID implements RiskProvider.
func (p *TRMProvider) ID() string { return "trm" }

type trmRequest struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

type trmResult struct {
	Address               string   `json:"address"`
	IsSanctioned          *bool    `json:"isSanctioned"`
	Risk                  *float64 `json:"risk"`
	AddressRiskIndicators []struct {
		Category string `json:"category"`
	} `json:"addressRiskIndicators"`
	Entities []struct {
		Category string `json:"category"`
	} `json:"entities"`
}

// Screen implements RiskProvider.
func (p *TRMProvider) Screen(ctx context.Context, address, chain string) (*RiskSignal, error) {
	body, err := json.Marshal([]trmRequest{{Address: address, Chain: chain}})
	if err != nil {
		return nil, err
	}
	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(p.apiKey+":"))

	var results []trmResult
	err = getJSON(ctx, p.client, p.policy, p.ID(), func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/public/v2/screening/addresses", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", auth)
		return req, nil
	}, &results)
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		if strings.EqualFold(r.Address, address) {
			return r.signal()
		}
	}
	if len(results) == 1 && results[0].Address == "" {
		return results[0].signal()
	}
	return nil, nil
}

func (r trmResult) signal() (*RiskSignal, error) {
	if r.IsSanctioned == nil && r.Risk == nil && len(r.AddressRiskIndicators) == 0 && len(r.Entities) == 0 {
		return nil, nil
	}
	sig := &RiskSignal{}
	if r.IsSanctioned != nil {
		sig.Sanctioned = *r.IsSanctioned
	}
	if r.Risk != nil {
		if *r.Risk < 0 || *r.Risk > 1 {
			return nil, &ProviderError{Provider: "trm", Kind: KindMalformed}
		}
		sig.RiskScore = Float(*r.Risk)
	}
	for _, ind := range r.AddressRiskIndicators {
		sig.Tags = appendTag(sig.Tags, ind.Category)
	}
	for _, e := range r.Entities {
		sig.Tags = appendTag(sig.Tags, e.Category)
	}
	if sig.Sanctioned {
		sig.Tags = appendTag(sig.Tags, "sanctions")
	}
	slices.Sort(sig.Tags)
	return sig, nil
}

// appendTag normalizes a provider category ("Darknet Market") into a tag
// ("darknet_market") and appends it if new.
func appendTag(tags []string, category string) []string {
	tag := NormalizeTag(category)
	if tag == "" || slices.Contains(tags, tag) {
		return tags
	}
	return append(tags, tag)
}

// NormalizeTag lowercases a category and joins words with underscores.
func NormalizeTag(category string) string {
	fields := strings.FieldsFunc(strings.ToLower(category), func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '/'
	})
	return strings.Join(fields, "_")
}
