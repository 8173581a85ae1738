package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/retry"
)

// maxResponseSize caps vault response bodies (1MB).
const maxResponseSize = 1 << 20

// SkyflowConfig configures the Skyflow Data Privacy Vault provider.
type SkyflowConfig struct {
	VaultURL string // e.g. https://ebfc9bee4242.vault.skyflowapis.com
	VaultID  string
	APIKey   string
	Table    string // defaults to "pii"
	Timeout  time.Duration
	Retry    retry.Policy
}

// SkyflowProvider talks to the Skyflow vault REST API.
type SkyflowProvider struct {
	baseURL string
	apiKey  string
	table   string
	client  *http.Client
	policy  retry.Policy
}

// NewSkyflowProvider returns ErrNotConfigured if any credential is missing.
func NewSkyflowProvider(cfg SkyflowConfig) (*SkyflowProvider, error) {
	if cfg.VaultURL == "" || cfg.VaultID == "" || cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Table == "" {
		cfg.Table = "pii"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &SkyflowProvider{
		baseURL: strings.TrimRight(cfg.VaultURL, "/") + "/v1/vaults/" + cfg.VaultID,
		apiKey:  cfg.APIKey,
		table:   cfg.Table,
		client:  &http.Client{Timeout: cfg.Timeout},
		policy:  cfg.Retry,
	}, nil
}

// Name implements Provider.
func (p *SkyflowProvider) Name() string { return "skyflow" }

type skyflowInsertRequest struct {
	Records      []skyflowRecord `json:"records"`
	Tokenization bool            `json:"tokenization"`
}

type skyflowRecord struct {
	Fields map[string]string `json:"fields"`
}

type skyflowInsertResponse struct {
	Records []struct {
		SkyflowID string            `json:"skyflow_id"`
		Tokens    map[string]string `json:"tokens"`
	} `json:"records"`
}

// Tokenize inserts one record holding all fields and returns its tokens.
func (p *SkyflowProvider) Tokenize(ctx context.Context, fields map[string]string) (map[string]string, error) {
	body, err := json.Marshal(skyflowInsertRequest{
		Records:      []skyflowRecord{{Fields: fields}},
		Tokenization: true,
	})
	if err != nil {
		return nil, err
	}
	var resp skyflowInsertResponse
	if err := p.post(ctx, "/"+p.table, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Records) != 1 {
		return nil, fmt.Errorf("%w: expected 1 record, got %d", ErrVaultUnavailable, len(resp.Records))
	}
	return resp.Records[0].Tokens, nil
}

type skyflowDetokenizeRequest struct {
	DetokenizationParameters []skyflowDetokenizeParam `json:"detokenizationParameters"`
}

type skyflowDetokenizeParam struct {
	Token     string `json:"token"`
	Redaction string `json:"redaction"`
}

type skyflowDetokenizeResponse struct {
	Records []struct {
		Token string  `json:"token"`
		Value string  `json:"value"`
		Error *string `json:"error"`
	} `json:"records"`
}

// Detokenize reverses the supplied tokens in one call.
func (p *SkyflowProvider) Detokenize(ctx context.Context, tokens map[string]string) (map[string]string, error) {
	req := skyflowDetokenizeRequest{}
	for _, tok := range tokens {
		req.DetokenizationParameters = append(req.DetokenizationParameters, skyflowDetokenizeParam{Token: tok, Redaction: "PLAIN_TEXT"})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var resp skyflowDetokenizeResponse
	if err := p.post(ctx, "/detokenize", body, &resp); err != nil {
		return nil, err
	}

	byToken := make(map[string]string, len(resp.Records))
	for _, r := range resp.Records {
		if r.Error != nil && *r.Error != "" {
			continue
		}
		byToken[r.Token] = r.Value
	}
	out := make(map[string]string, len(tokens))
	for field, tok := range tokens {
		v, ok := byToken[tok]
		if !ok {
			return nil, fmt.Errorf("%w: field %s", ErrUnknownToken, field)
		}
		out[field] = v
	}
	return out, nil
}

// Ping checks the vault answers authenticated requests.
func (p *SkyflowProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+p.table+"?limit=1", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrVaultUnavailable, resp.StatusCode)
	}
	return nil
}

func (p *SkyflowProvider) post(ctx context.Context, path string, body []byte, out any) error {
	return retry.Do(ctx, p.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(ErrUnknownToken)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrVaultUnavailable, resp.StatusCode)
		case resp.StatusCode >= 300:
			return retry.Permanent(fmt.Errorf("%w: status %d", ErrVaultUnavailable, resp.StatusCode))
		}

		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("%w: decode response: %v", ErrVaultUnavailable, err))
		}
		return nil
	})
}

// IsUnavailable reports whether err means the vault could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrVaultUnavailable)
}
