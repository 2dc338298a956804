package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)

	cursor, err := Decode(Encode(ts, "esc_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.At)
	assert.Equal(t, "esc_abc123", cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|esc_1")),
		base64.RawURLEncoding.EncodeToString([]byte("12345|")),
	} {
		_, err := Decode(in)
		assert.ErrorContains(t, err, "invalid cursor", in)
	}
}

func TestCursor_After(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	c := &Cursor{At: ts, ID: "esc_b"}

	assert.True(t, c.After(ts.Add(time.Second), "esc_a"))
	assert.True(t, c.After(ts, "esc_c"))
	assert.False(t, c.After(ts, "esc_b"))
	assert.False(t, c.After(ts, "esc_a"))
	assert.False(t, c.After(ts.Add(-time.Second), "esc_z"))

	var none *Cursor
	assert.True(t, none.After(ts, "esc_a"))
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", DefaultLimit},
		{"abc", DefaultLimit},
		{"-3", DefaultLimit},
		{"10", 10},
		{"5000", MaxLimit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLimit(tt.in), tt.in)
	}
}

func TestComputePage(t *testing.T) {
	type row struct {
		at time.Time
		id string
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []row{{base, "a"}, {base.Add(time.Minute), "b"}, {base.Add(2 * time.Minute), "c"}}
	key := func(r row) (time.Time, string) { return r.at, r.id }

	page, next, more := ComputePage(rows, 2, key)
	assert.Len(t, page, 2)
	assert.True(t, more)
	cursor, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", cursor.ID)

	page, next, more = ComputePage(rows, 3, key)
	assert.Len(t, page, 3)
	assert.False(t, more)
	assert.Empty(t, next)
}
