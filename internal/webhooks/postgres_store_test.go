package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	subscribe(t, store, "wh_pg_1", "https://a.example/h", EventDecisionBlock, EventCaseLabelled)
	subscribe(t, store, "wh_pg_2", "https://b.example/h", EventDecisionAllow)

	got, err := store.Get(ctx, "wh_pg_1")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got.Secret)
	assert.Equal(t, []EventType{EventDecisionBlock, EventCaseLabelled}, got.Events)

	subs, err := store.ListByEvent(ctx, EventCaseLabelled)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	now := time.Now().UTC()
	got.LastSuccess = &now
	got.ConsecutiveFailures = 3
	got.Active = false
	require.NoError(t, store.Update(ctx, got))

	subs, err = store.ListByEvent(ctx, EventCaseLabelled)
	require.NoError(t, err)
	assert.Empty(t, subs)

	subs, err = store.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	require.NoError(t, store.Delete(ctx, "wh_pg_2"))
	_, err = store.Get(ctx, "wh_pg_2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, &Subscription{ID: "missing"}), ErrNotFound)
}
