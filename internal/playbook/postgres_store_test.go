package playbook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	lib := NewLibrary(store, nil)

	_, err := lib.Seed(ctx, DefaultPlaybooks(time.Now()))
	require.NoError(t, err)
	require.NoError(t, lib.RecordMatch(ctx, "pb_phish_003"))
	require.NoError(t, lib.Deactivate(ctx, "pb_mixer_002"))

	pbs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, pbs, 4)

	byID := map[string]*Playbook{}
	for _, pb := range pbs {
		byID[pb.ID] = pb
	}
	assert.Equal(t, int64(29), byID["pb_phish_003"].CasesMatched)
	assert.False(t, byID["pb_mixer_002"].Active)
	assert.Equal(t, []string{"TRM:phishing", "destination:exchange", "multiple_sources", "velocity_spike"}, byID["pb_phish_003"].ConditionStrings())

	// A stale upsert never lowers the counter.
	stale := byID["pb_phish_003"].Clone()
	stale.CasesMatched = 1
	require.NoError(t, store.Upsert(ctx, stale))
	pbs, err = store.List(ctx)
	require.NoError(t, err)
	for _, pb := range pbs {
		if pb.ID == "pb_phish_003" {
			assert.Equal(t, int64(29), pb.CasesMatched)
		}
	}

	assert.ErrorIs(t, store.IncrementMatches(ctx, "pb_missing", 1), ErrNotFound)
}
