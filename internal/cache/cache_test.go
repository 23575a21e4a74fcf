package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestCache(ttl time.Duration, max int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewCache(ttl, max)
	c.now = clock.now
	return c, clock
}

func TestCache_GetSetExpire(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", "<html>")
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "<html>", got)

	clock.t = clock.t.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats["hits"])
	assert.Equal(t, int64(2), stats["misses"])
	assert.Equal(t, 1, stats["expired_items"])

	assert.Equal(t, 1, c.evictExpired())
	assert.Zero(t, c.Size())
}

func TestCache_BoundedSize(t *testing.T) {
	c, clock := newTestCache(time.Minute, 2)

	c.Set("first", "1")
	clock.t = clock.t.Add(time.Second)
	c.Set("second", "2")
	clock.t = clock.t.Add(time.Second)
	c.Set("third", "3")

	assert.Equal(t, 2, c.Size())
	_, ok := c.Get("first")
	assert.False(t, ok, "oldest entry is evicted")

	c.Set("second", "2b")
	assert.Equal(t, 2, c.Size(), "overwriting does not evict")

	c.Delete("second")
	assert.Equal(t, 1, c.Size())
	c.Clear()
	assert.Zero(t, c.Size())
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key("http://a.example"), Key("http://a.example"))
	assert.NotEqual(t, Key("http://a.example"), Key("http://b.example"))
	assert.Len(t, Key("x"), 64)
}

type countingFetcher struct {
	calls int
	err   error
}

func (f *countingFetcher) Fetch(context.Context, string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "<html>page</html>", nil
}

func TestFetcher(t *testing.T) {
	inner := &countingFetcher{}
	f := NewFetcher(inner, NewCache(time.Minute, 10))

	for i := 0; i < 3; i++ {
		html, err := f.Fetch(context.Background(), "https://example.com/")
		require.NoError(t, err)
		assert.Equal(t, "<html>page</html>", html)
	}
	assert.Equal(t, 1, inner.calls)

	failing := &countingFetcher{err: errors.New("boom")}
	f = NewFetcher(failing, NewCache(time.Minute, 10))
	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), "https://example.com/")
		assert.Error(t, err)
	}
	assert.Equal(t, 2, failing.calls, "errors are not cached")
}

func TestCache_Run(t *testing.T) {
	c := NewCache(time.Nanosecond, 10)
	c.Set("a", "x")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
