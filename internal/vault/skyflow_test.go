package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newSkyflow(t *testing.T, url string) *SkyflowProvider {
	t.Helper()
	p, err := NewSkyflowProvider(SkyflowConfig{VaultURL: url, VaultID: "v1", APIKey: "key", Retry: fastRetry()})
	require.NoError(t, err)
	return p
}

func TestNewSkyflowProvider_RequiresCredentials(t *testing.T) {
	_, err := NewSkyflowProvider(SkyflowConfig{VaultURL: "https://vault", VaultID: "v1"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSkyflow_Tokenize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/vaults/v1/pii", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req skyflowInsertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Tokenization)
		require.Len(t, req.Records, 1)

		tokens := map[string]string{}
		for k := range req.Records[0].Fields {
			tokens[k] = "tok-" + k
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{{"skyflow_id": "id1", "tokens": tokens}},
		})
	}))
	defer srv.Close()

	got, err := newSkyflow(t, srv.URL).Tokenize(context.Background(), map[string]string{"email": "a@b.c", "name": "A"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "tok-email", "name": "tok-name"}, got)
}

func TestSkyflow_Detokenize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/vaults/v1/detokenize", r.URL.Path)
		var req skyflowDetokenizeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var records []map[string]any
		for _, p := range req.DetokenizationParameters {
			assert.Equal(t, "PLAIN_TEXT", p.Redaction)
			if p.Token == "tok-missing" {
				records = append(records, map[string]any{"token": p.Token, "error": "Token not found"})
				continue
			}
			records = append(records, map[string]any{"token": p.Token, "value": "plain-" + p.Token})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"records": records})
	}))
	defer srv.Close()
	p := newSkyflow(t, srv.URL)

	got, err := p.Detokenize(context.Background(), map[string]string{"email": "tok-email"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "plain-tok-email"}, got)

	_, err = p.Detokenize(context.Background(), map[string]string{"email": "tok-email", "name": "tok-missing"})
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestSkyflow_RetriesThenUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newSkyflow(t, srv.URL).Tokenize(context.Background(), map[string]string{"email": "a"})
	assert.ErrorIs(t, err, ErrVaultUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSkyflow_NotFoundIsUnknownToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newSkyflow(t, srv.URL).Detokenize(context.Background(), map[string]string{"email": "tok"})
	assert.ErrorIs(t, err, ErrUnknownToken)
	assert.Equal(t, int32(1), calls.Load(), "not found is not retried")
}

func TestGateway_SkyflowDownFallsBackToPlaceholders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGateway(newSkyflow(t, srv.URL), nil, nil, nil)
	set, err := g.Tokenize(context.Background(), map[string]string{"email": "a@b.c"})
	require.NoError(t, err)
	assert.True(t, set["email"].IsPlaceholder())
	assert.Error(t, g.Ping(context.Background()))
}
