package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/sentinel/internal/retry"
)

// maxResponseSize caps provider response bodies (4MB).
const maxResponseSize = 4 << 20

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// getJSON performs a request built by newReq, retrying transient failures,
// and decodes a 200 response into out. newReq is called per attempt so the
// body can be replayed.
func getJSON(ctx context.Context, client *http.Client, policy retry.Policy, provider string, newReq func(ctx context.Context) (*http.Request, error), out any) error {
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		req, err := newReq(ctx)
		if err != nil {
			return retry.Permanent(&ProviderError{Provider: provider, Kind: KindUnavailable, Err: fmt.Errorf("failed to create request: %w", err)})
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return &ProviderError{Provider: provider, Kind: Classify(err), Err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		if kind, ok := statusKind(resp.StatusCode); !ok {
			perr := &ProviderError{Provider: provider, Kind: kind, Err: fmt.Errorf("status %d", resp.StatusCode)}
			if kind == KindAuth || kind == KindMalformed {
				return retry.Permanent(perr)
			}
			return perr
		}

		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
			return retry.Permanent(&ProviderError{Provider: provider, Kind: KindMalformed, Err: fmt.Errorf("failed to decode response: %w", err)})
		}
		return nil
	})
}

// statusKind maps an HTTP status to an error kind; ok is true for 2xx.
func statusKind(code int) (ErrorKind, bool) {
	switch {
	case code >= 200 && code < 300:
		return "", true
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuth, false
	case code == http.StatusTooManyRequests:
		return KindRateLimit, false
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return KindTimeout, false
	case code >= 500:
		return KindUnavailable, false
	default:
		return KindMalformed, false
	}
}
