package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a Sentinel API.
type Config struct {
	APIURL     string // Base URL, e.g. "http://localhost:8080"
	AnalystKey string // optional; enables label_case
	AnalystID  string
}

// SentinelClient is a pure HTTP client for the Sentinel API.
type SentinelClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSentinelClient creates a new client.
func NewSentinelClient(cfg Config) *SentinelClient {
	return &SentinelClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body.
func (c *SentinelClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, analyst bool) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if analyst {
		req.Header.Set("X-Analyst-Key", c.cfg.AnalystKey)
		req.Header.Set("X-Analyst-ID", c.cfg.AnalystID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ScreenTransaction posts a single transaction to /v1/screen.
func (c *SentinelClient) ScreenTransaction(ctx context.Context, tx map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/screen", nil, map[string]any{"transaction": tx}, false)
}

// ScreenWallets posts a batch of addresses to /v1/screen/batch.
func (c *SentinelClient) ScreenWallets(ctx context.Context, addresses []string, chain string) (json.RawMessage, error) {
	body := map[string]any{"addresses": addresses}
	if chain != "" {
		body["chain"] = chain
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/screen/batch", nil, body, false)
}

// GetCase fetches one case record.
func (c *SentinelClient) GetCase(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/cases/"+url.PathEscape(id), nil, nil, false)
}

// LabelCase records ground truth for a case. Requires analyst credentials.
func (c *SentinelClient) LabelCase(ctx context.Context, id, label, notes string) (json.RawMessage, error) {
	if c.cfg.AnalystKey == "" || c.cfg.AnalystID == "" {
		return nil, fmt.Errorf("analyst credentials not configured")
	}
	body := map[string]string{"ground_truth": label, "notes": notes}
	return c.doRequest(ctx, http.MethodPost, "/v1/cases/"+url.PathEscape(id)+"/label", nil, body, true)
}

// ListPlaybooks lists the playbook library.
func (c *SentinelClient) ListPlaybooks(ctx context.Context, activeOnly bool) (json.RawMessage, error) {
	q := url.Values{}
	if activeOnly {
		q.Set("active", strconv.FormatBool(true))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/playbooks", q, nil, false)
}

// ComplianceMetrics returns the current PII-handling counters.
// VerifyReceipt checks a decision receipt's signature.
func (c *SentinelClient) VerifyReceipt(ctx context.Context, receiptID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/receipts/verify", nil, map[string]string{"receipt_id": receiptID}, false)
}

func (c *SentinelClient) ComplianceMetrics(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/compliance/metrics", nil, nil, false)
}

// CaseStats returns detection performance.
func (c *SentinelClient) CaseStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/cases/stats", nil, nil, false)
}
