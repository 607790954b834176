package statecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetThenGetRoundTrips(t *testing.T) {
	c := New(Config{MaxEntries: 10})
	c.Set("MainMixer.gain", -10.5, SourceUser, time.Minute)

	entry, ok := c.Get("MainMixer.gain")
	require.True(t, ok)
	assert.Equal(t, -10.5, entry.Value)
	assert.Equal(t, SourceUser, entry.Source)
}

func TestCache_GetExpiredEntryMisses(t *testing.T) {
	c := New(Config{MaxEntries: 10})
	c.Set("x", 1, SourceQSYS, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get("x")
	assert.False(t, ok)
}

func TestCache_EvictsLeastRecentlyUsedOnOverflow(t *testing.T) {
	c := New(Config{MaxEntries: 2})
	c.Set("a", 1, SourceUser, 0)
	c.Set("b", 2, SourceUser, 0)
	c.Get("a") // touch a, making b the LRU
	c.Set("c", 3, SourceUser, 0)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCache_SizeNeverExceedsMaxEntries(t *testing.T) {
	c := New(Config{MaxEntries: 3})
	for i := 0; i < 10; i++ {
		c.Set(string(rune('a'+i)), i, SourceUser, 0)
		assert.LessOrEqual(t, c.Len(), 3)
	}
}

func TestCache_InvalidateThenGetReturnsNil(t *testing.T) {
	c := New(Config{MaxEntries: 10})
	c.Set("x", 1, SourceUser, 0)
	require.True(t, c.Delete("x"))

	_, ok := c.Get("x")
	assert.False(t, ok)
}

func TestCache_SweepExpiredRemovesOnlyExpiredEntries(t *testing.T) {
	c := New(Config{MaxEntries: 10})
	c.Set("short", 1, SourceUser, 10*time.Millisecond)
	c.Set("long", 2, SourceUser, time.Hour)

	time.Sleep(20 * time.Millisecond)
	removed := c.SweepExpired()

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("long")
	assert.True(t, ok)
}

func TestCache_StatsTracksHitsAndMisses(t *testing.T) {
	c := New(Config{MaxEntries: 10})
	c.Set("x", 1, SourceUser, 0)
	c.Get("x")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRatio)
}
