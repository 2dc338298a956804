package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_MarkThenSeen(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	ctx := context.Background()

	seen, err := c.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, c.Mark(ctx, "evt_1"))

	seen, err = c.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, _ = c.Seen(ctx, "evt_2")
	assert.False(t, seen, "marking one id must not mark another")
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Mark(ctx, "evt_1"))

	now = now.Add(59 * time.Second)
	seen, _ := c.Seen(ctx, "evt_1")
	assert.True(t, seen)

	now = now.Add(time.Second)
	seen, _ = c.Seen(ctx, "evt_1")
	assert.False(t, seen, "entry should expire at ttl")
}

func TestNewMemoryCache_DefaultTTL(t *testing.T) {
	c := NewMemoryCache(0)
	assert.Equal(t, DefaultTTL, c.ttl)
}
