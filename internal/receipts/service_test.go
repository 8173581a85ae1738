package receipts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWallet = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb4"
	testSecret = "test-hmac-secret-for-receipts"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, NewSigner(testSecret)), store
}

func issue(t *testing.T, svc *Service, txID, decision string) *Receipt {
	t.Helper()
	r, err := svc.Issue(context.Background(), IssueRequest{
		CaseID:        "case_" + txID,
		TransactionID: txID,
		WalletAddress: testWallet,
		Chain:         "ethereum",
		Score:         90,
		Decision:      decision,
		Rule:          "pb_sanction_004",
		PlaybookID:    "pb_sanction_004",
		AgentVersion:  "detective_v3",
	})
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func TestIssue_PersistsSignedReceipt(t *testing.T) {
	svc, _ := newTestService()
	r := issue(t, svc, "tx_1", "BLOCK")

	assert.Contains(t, r.ID, "rcpt_")
	assert.Equal(t, "0x742d35cc6634c0532925a3b844bc9e7595f0beb4", r.WalletAddress)
	assert.Len(t, r.PayloadHash, 64)
	assert.Len(t, r.Signature, 64)
	assert.Equal(t, DefaultValidity, r.ExpiresAt.Sub(r.IssuedAt))

	got, err := svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Signature, got.Signature)

	got, err = svc.GetByTransaction(context.Background(), "tx_1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}

func TestIssue_DisabledIsNoop(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewSigner(""))
	assert.False(t, svc.Enabled())

	r, err := svc.Issue(context.Background(), IssueRequest{TransactionID: "tx_1"})
	require.NoError(t, err)
	assert.Nil(t, r)

	var nilSvc *Service
	r, err = nilSvc.Issue(context.Background(), IssueRequest{TransactionID: "tx_1"})
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestVerify_Valid(t *testing.T) {
	svc, _ := newTestService()
	r := issue(t, svc, "tx_1", "BLOCK")

	resp, err := svc.Verify(context.Background(), r.ID)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.False(t, resp.Expired)
	assert.Empty(t, resp.Error)
}

func TestVerify_DetectsTampering(t *testing.T) {
	svc, store := newTestService()
	r := issue(t, svc, "tx_1", "BLOCK")

	// Rewrite the stored decision behind the service's back.
	store.mu.Lock()
	store.receipts[r.ID].Decision = "ALLOW"
	store.mu.Unlock()

	resp, err := svc.Verify(context.Background(), r.ID)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, "signature verification failed", resp.Error)
}

func TestVerify_WrongSecret(t *testing.T) {
	svc, store := newTestService()
	r := issue(t, svc, "tx_1", "BLOCK")

	other := NewService(store, NewSigner("another-secret"))
	resp, err := other.Verify(context.Background(), r.ID)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
}

func TestVerify_Expired(t *testing.T) {
	svc, _ := newTestService()
	r := issue(t, svc, "tx_1", "STEP_UP")

	svc.now = func() time.Time { return r.ExpiresAt.Add(time.Minute) }
	resp, err := svc.Verify(context.Background(), r.ID)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.True(t, resp.Expired)
}

func TestVerify_NotFoundAndDisabled(t *testing.T) {
	svc, _ := newTestService()
	resp, err := svc.Verify(context.Background(), "rcpt_missing")
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, ErrNotFound.Error(), resp.Error)

	disabled := NewService(NewMemoryStore(), nil)
	resp, err = disabled.Verify(context.Background(), "rcpt_any")
	require.NoError(t, err)
	assert.Equal(t, ErrSigningDisabled.Error(), resp.Error)
}

func TestListByWallet_NewestFirst(t *testing.T) {
	svc, _ := newTestService()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, tx := range []string{"tx_1", "tx_2", "tx_3"} {
		svc.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		issue(t, svc, tx, "ALLOW")
	}

	list, err := svc.ListByWallet(context.Background(), testWallet, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "tx_3", list[0].TransactionID)
	assert.Equal(t, "tx_2", list[1].TransactionID)

	list, err = svc.ListByWallet(context.Background(), "0x0000000000000000000000000000000000000001", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}
