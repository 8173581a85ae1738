package receipts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/testutil"
)

func TestPostgresStore_RoundTripVerifies(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	svc := NewService(NewPostgresStore(db), NewSigner(testSecret))
	r := issue(t, svc, "tx_pg_1", "ESCALATE")

	got, err := svc.GetByTransaction(ctx, "tx_pg_1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "pb_sanction_004", got.PlaybookID)

	// Signatures survive the timestamp round trip.
	resp, err := svc.Verify(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, resp.Valid, resp.Error)

	list, err := svc.ListByWallet(ctx, testWallet, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = svc.Get(ctx, "rcpt_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
