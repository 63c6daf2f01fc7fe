package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClocked(ttl time.Duration) (*Cache[string], *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New[string](ttl).WithClock(clock.Now), clock
}

func TestCache_SetAndGet(t *testing.T) {
	c, _ := newClocked(time.Minute)

	c.Set("key1", "value1")
	v, ok := c.Get("key1")
	require.True(t, ok)
	assert.Equal(t, "value1", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newClocked(time.Minute)
	c.Set("default", "a")
	c.SetWithTTL("short", "b", 10*time.Second)

	clock.Advance(11 * time.Second)
	_, ok := c.Get("short")
	assert.False(t, ok, "custom TTL expired")
	_, ok = c.Get("default")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok = c.Get("default")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len(), "expired entries linger until purged")

	c.purgeExpired()
	assert.Zero(t, c.Len())
}

func TestCache_GetOrComputeDoesNotCacheErrors(t *testing.T) {
	c, _ := newClocked(time.Minute)
	calls := 0
	failing := func() (string, error) {
		calls++
		return "", errors.New("boom")
	}

	_, _, err := c.GetOrCompute("k", failing)
	require.Error(t, err)
	_, _, err = c.GetOrCompute("k", failing)
	require.Error(t, err)
	assert.Equal(t, 2, calls)

	v, hit, err := c.GetOrCompute("k", func() (string, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "fresh", v)

	v, hit, err = c.GetOrCompute("k", failing)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, 2, calls)
}

func TestCache_GetOrComputeDropsValueEvictedMidway(t *testing.T) {
	evictions := map[string]func(c *Cache[string]){
		"delete":    func(c *Cache[string]) { c.Delete("stats|all") },
		"by prefix": func(c *Cache[string]) { c.DeleteByPrefix("stats|") },
		"clear":     func(c *Cache[string]) { c.Clear() },
	}
	for name, evict := range evictions {
		t.Run(name, func(t *testing.T) {
			c, _ := newClocked(time.Minute)
			v, hit, err := c.GetOrCompute("stats|all", func() (string, error) {
				evict(c)
				return "stale", nil
			})
			require.NoError(t, err)
			assert.False(t, hit)
			assert.Equal(t, "stale", v, "the caller still gets its value")

			_, ok := c.Get("stats|all")
			assert.False(t, ok, "a value computed across an eviction is not stored")

			v, hit, err = c.GetOrCompute("stats|all", func() (string, error) { return "fresh", nil })
			require.NoError(t, err)
			assert.False(t, hit)
			assert.Equal(t, "fresh", v)
			_, ok = c.Get("stats|all")
			assert.True(t, ok)
		})
	}
}

func TestCache_EntriesSkipsExpired(t *testing.T) {
	c, clock := newClocked(time.Minute)
	c.Set("old", "a")
	clock.Advance(45 * time.Second)
	c.Set("new", "b")
	clock.Advance(30 * time.Second)

	assert.Equal(t, map[string]string{"new": "b"}, c.Entries())
	assert.Equal(t, 2, c.Len(), "expired entries stay until purged")
}

func TestCache_DeleteByPrefix(t *testing.T) {
	c, _ := newClocked(time.Minute)
	c.Set("stats|a", "1")
	c.Set("stats|b", "2")
	c.Set("dashboard|a", "3")

	c.DeleteByPrefix("stats|")
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("dashboard|a")
	assert.True(t, ok)

	c.Delete("dashboard|a")
	assert.Zero(t, c.Len())

	c.Set("x", "y")
	c.Clear()
	assert.Zero(t, c.Len())
}

func TestCache_JanitorStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, clock := newClocked(time.Millisecond)
	c.Set("k", "v")
	clock.Advance(time.Second)

	c.StartJanitor(5 * time.Millisecond)
	c.StartJanitor(5 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for c.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, c.Len())

	c.Stop()
	c.Stop()
}

func TestCache_StopWithoutJanitor(t *testing.T) {
	c := New[int](time.Minute)
	c.Stop()
}
