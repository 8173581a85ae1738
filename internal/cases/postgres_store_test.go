package cases

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/evidence"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/testutil"
	"github.com/mbd888/sentinel/internal/vault"
)

func TestPostgresStore_CaseLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	ledger := evidence.NewLedger()
	require.NoError(t, ledger.Append(evidence.AgentWatcher, "triage", map[string]any{"priority": "HIGH"}))
	require.NoError(t, ledger.Append(evidence.AgentGuardian, "BLOCK", nil))

	blocked := testCase("case_pg_1", risk.DecisionBlock, "12500.50", 0)
	blocked.Tags = []string{"sanctioned"}
	blocked.Tokens = vault.TokenSet{vault.FieldEmail: {Value: "sky_1", Source: vault.SourceVault}}
	blocked.Evidence = ledger.Seal()
	require.NoError(t, store.Create(ctx, blocked))
	require.NoError(t, store.Create(ctx, testCase("case_pg_2", risk.DecisionAllow, "3", time.Second)))

	got, err := store.Get(ctx, "case_pg_1")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("12500.50")))
	assert.Equal(t, []string{"sanctioned"}, got.Tags)
	assert.Equal(t, "sky_1", got.Tokens[vault.FieldEmail].Value)
	assert.Equal(t, 2, got.Evidence.Len())

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	labelled, err := store.SetLabel(ctx, "case_pg_1", LabelFraud, "confirmed", "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, LabelFraud, labelled.GroundTruth)
	require.NotNil(t, labelled.LabelledAt)

	items, err := store.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "case_pg_2", items[0].ID)

	items, err = store.List(ctx, ListFilter{Decision: risk.DecisionBlock, Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 1)

	st, err := store.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalCases)
	assert.Equal(t, int64(1), st.Labelled)
	assert.True(t, st.LossPrevented.Equal(decimal.RequireFromString("12500.50")))
	assert.Equal(t, 50.0, st.SignalUtilization)
}
