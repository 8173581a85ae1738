package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	id := "case_abc123"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"not-base64!!!", "bm9waXBl", "YWJjfA"} { // "nopipe", "abc|"
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursor_After(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "case_m"}

	assert.True(t, c.After(ts.Add(-time.Second), "case_z"))
	assert.False(t, c.After(ts.Add(time.Second), "case_a"))
	assert.True(t, c.After(ts, "case_a"))
	assert.False(t, c.After(ts, "case_m"))
	assert.True(t, (*Cursor)(nil).After(ts, "anything"))
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ParseLimit(""))
	assert.Equal(t, DefaultLimit, ParseLimit("-3"))
	assert.Equal(t, 10, ParseLimit("10"))
	assert.Equal(t, MaxLimit, ParseLimit("100000"))
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	}

	result, cursor, hasMore := ComputePage([]string{"a", "b", "c"}, 5, key)
	assert.Len(t, result, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)

	result, cursor, hasMore = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Len(t, result, 3)
	assert.True(t, hasMore)
	decoded, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "c", decoded.ID)
}
