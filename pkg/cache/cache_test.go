package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"rillcall/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_ExpiresEntries(t *testing.T) {
	clock := utils.NewManualClock(time.Unix(1_700_000_000, 0))
	c := New[string, int](time.Minute, clock)

	c.Set("a", 1)
	c.SetWithTTL("b", 2, 10*time.Second)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(10 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok, "entry is gone exactly at its deadline")

	clock.Advance(time.Minute)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 0, c.Len())
}

func TestCache_NonPositiveTTLStoresNothing(t *testing.T) {
	c := New[string, int](0, nil)
	c.Set("a", 1)
	c.SetWithTTL("b", 2, -time.Second)
	assert.Equal(t, 0, c.Len())
}

func TestCache_Delete(t *testing.T) {
	c := New[string, int](time.Minute, nil)
	c.Set("a", 1)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_GetOrLoad(t *testing.T) {
	clock := utils.NewManualClock(time.Unix(1_700_000_000, 0))
	c := New[string, time.Duration](time.Minute, clock)
	ctx := context.Background()

	calls := 0
	load := func(context.Context) (time.Duration, error) {
		calls++
		return 25 * time.Millisecond, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(ctx, "stun:a", load)
		require.NoError(t, err)
		assert.Equal(t, 25*time.Millisecond, v)
	}
	assert.Equal(t, 1, calls)

	clock.Advance(time.Minute)
	_, err := c.GetOrLoad(ctx, "stun:a", load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCache_GetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[string, int](time.Minute, nil)
	boom := errors.New("boom")

	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}
