package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/compliance"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/vault"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticProviders []string

func (p staticProviders) Providers() []string { return p }

type failingExporter struct{}

func (failingExporter) ExportLabelled(context.Context, time.Time, int) ([]*cases.Case, error) {
	return nil, errors.New("db down")
}

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func do(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestUnconfiguredReturns503(t *testing.T) {
	r := newRouter(NewHandler())
	for _, tc := range []struct{ method, path string }{
		{"GET", "/v1/admin/providers"},
		{"POST", "/v1/admin/providers/trm/reset"},
		{"POST", "/v1/admin/compliance/snapshot"},
		{"GET", "/v1/admin/cases/export"},
	} {
		w := do(r, tc.method, tc.path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
	}
}

func TestListAndResetProviders(t *testing.T) {
	b := circuitbreaker.New(1, time.Hour)
	b.RecordFailure("trm")
	r := newRouter(NewHandler().WithProviders(staticProviders{"trm", "chainalysis"}, b))

	w := do(r, "GET", "/v1/admin/providers")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Providers []ProviderStatus `json:"providers"`
		Count     int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, ProviderStatus{ID: "trm", State: "open"}, resp.Providers[0])
	assert.Equal(t, ProviderStatus{ID: "chainalysis", State: "closed"}, resp.Providers[1])

	w = do(r, "POST", "/v1/admin/providers/trm/reset")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"previous_state":"open"`)
	assert.Equal(t, circuitbreaker.StateClosed, b.State("trm"))

	w = do(r, "POST", "/v1/admin/providers/nope/reset")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSnapshotNow(t *testing.T) {
	metrics := compliance.NewMetrics()
	metrics.RecordTokenization(3, 0)
	store := compliance.NewMemoryStore()
	snapper := compliance.NewSnapshotter(metrics, store, time.Hour, nil)
	r := newRouter(NewHandler().WithSnapshotter(snapper))

	w := do(r, "POST", "/v1/admin/compliance/snapshot")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Snapshot compliance.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Snapshot.TokenizationRequests)
	assert.Equal(t, int64(3), resp.Snapshot.TokenizedFields)
}

func seedCases(t *testing.T) *cases.Service {
	t.Helper()
	ctx := context.Background()
	store := cases.NewMemoryStore()
	svc := cases.NewService(store, vault.NewGateway(vault.NewMemoryVault(), nil, nil, nil), nil, nil)

	now := time.Now().UTC()
	for i, id := range []string{"case_old", "case_a", "case_b"} {
		created := now.Add(-time.Duration(3-i) * time.Hour)
		if id == "case_old" {
			created = now.AddDate(0, 0, -60)
		}
		require.NoError(t, store.Create(ctx, &cases.Case{
			ID:            id,
			TransactionID: "tx_" + id,
			WalletAddress: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb4",
			Chain:         "ethereum",
			Amount:        decimal.NewFromInt(500),
			Currency:      "USD",
			Score:         90,
			Decision:      risk.DecisionBlock,
			Rule:          "pb_sanction_004",
			Tokens:        vault.TokenSet{vault.FieldEmail: {Value: "tok_secret", Source: vault.SourceVault}},
			AgentVersion:  "detective_v3",
			CreatedAt:     created,
		}))
	}
	for _, id := range []string{"case_old", "case_a"} {
		_, err := svc.Label(ctx, id, cases.LabelFraud, "", "alice")
		require.NoError(t, err)
	}
	return svc
}

func TestExportCases(t *testing.T) {
	r := newRouter(NewHandler().WithCaseExporter(seedCases(t)))

	w := do(r, "GET", "/v1/admin/cases/export")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Cases []CaseExportRecord `json:"cases"`
		Count int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count, "default window excludes old and unlabelled cases")
	assert.Equal(t, "case_a", resp.Cases[0].CaseID)
	assert.Equal(t, cases.LabelFraud, resp.Cases[0].GroundTruth)
	assert.NotContains(t, w.Body.String(), "tok_secret")

	since := time.Now().AddDate(0, 0, -90).Format(time.RFC3339)
	w = do(r, "GET", "/v1/admin/cases/export?since="+since+"&limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = do(r, "GET", "/v1/admin/cases/export?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportCasesStoreError(t *testing.T) {
	r := newRouter(NewHandler().WithCaseExporter(failingExporter{}))
	w := do(r, "GET", "/v1/admin/cases/export")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}
