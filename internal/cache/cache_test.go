package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erauner12/erpsync/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls atomic.Int32
	gate  chan struct{} // when set, fetches block until closed

	mu   sync.Mutex
	err  map[string]error
	data map[string][]map[string]any
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{err: map[string]error{}, data: map[string][]map[string]any{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, key string) ([]map[string]any, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err[key]; err != nil {
		return nil, err
	}
	return f.data[key], nil
}

func (f *fakeFetcher) set(key string, data []map[string]any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = data
	f.err[key] = err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(f Fetcher, tier Tier) (*Cache, *clock) {
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(f, Options{FreshFor: 5 * time.Minute, Tier: tier, Now: clk.Now}), clk
}

func orders(total float64) []map[string]any {
	return []map[string]any{{"id": "o1", "total": total}}
}

func TestGet_FreshEntryDoesNotFetch(t *testing.T) {
	f := newFakeFetcher()
	f.set("orders", orders(5), nil)
	c, clk := newTestCache(f, nil)
	ctx := context.Background()

	_, err := c.Get(ctx, "orders", false)
	require.NoError(t, err)

	clk.Advance(4 * time.Minute)
	e, err := c.Get(ctx, "orders", false)
	require.NoError(t, err)
	c.Wait()

	assert.Equal(t, orders(5), e.Data)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestGet_StaleEntryCoalescesOneRefresh(t *testing.T) {
	f := newFakeFetcher()
	f.set("orders", orders(5), nil)
	c, clk := newTestCache(f, nil)
	ctx := context.Background()

	_, err := c.Get(ctx, "orders", false)
	require.NoError(t, err)

	f.set("orders", orders(7), nil)
	f.gate = make(chan struct{})
	clk.Advance(10 * time.Minute)

	const readers = 20
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Get(ctx, "orders", false)
			assert.NoError(t, err)
			assert.Equal(t, orders(5), e.Data, "stale data is served immediately")
		}()
	}
	wg.Wait()

	close(f.gate)
	c.Wait()

	assert.EqualValues(t, 2, f.calls.Load(), "one initial fetch and one refresh")

	e, err := c.Get(ctx, "orders", false)
	require.NoError(t, err)
	assert.Equal(t, orders(7), e.Data)
}

func TestGet_MissWithFailingFetchReturnsError(t *testing.T) {
	f := newFakeFetcher()
	boom := errors.New("connection refused")
	f.set("orders", nil, boom)
	c, _ := newTestCache(f, nil)

	_, err := c.Get(context.Background(), "orders", false)
	assert.ErrorIs(t, err, boom)
}

func TestGet_StaleEntrySurvivesFailingRefresh(t *testing.T) {
	f := newFakeFetcher()
	f.set("orders", orders(5), nil)
	c, clk := newTestCache(f, nil)
	ctx := context.Background()

	first, err := c.Get(ctx, "orders", false)
	require.NoError(t, err)

	f.set("orders", nil, errors.New("503"))
	clk.Advance(10 * time.Minute)

	e, err := c.Get(ctx, "orders", false)
	require.NoError(t, err)
	assert.Equal(t, orders(5), e.Data)
	c.Wait()

	e, err = c.Get(ctx, "orders", false)
	require.NoError(t, err)
	c.Wait()
	assert.Equal(t, orders(5), e.Data)
	assert.Equal(t, first.FetchedAt, e.FetchedAt, "failed refresh leaves the entry untouched")
}

func TestGet_ForceRefresh(t *testing.T) {
	f := newFakeFetcher()
	f.set("orders", orders(5), nil)
	c, _ := newTestCache(f, nil)
	ctx := context.Background()

	_, err := c.Get(ctx, "orders", false)
	require.NoError(t, err)

	f.set("orders", orders(9), nil)
	e, err := c.Get(ctx, "orders", true)
	require.NoError(t, err)
	assert.Equal(t, orders(9), e.Data)
	assert.EqualValues(t, 2, f.calls.Load())

	f.set("orders", nil, errors.New("offline"))
	_, err = c.Get(ctx, "orders", true)
	assert.Error(t, err, "a forced read reports the fetch failure")
}

func TestInvalidate(t *testing.T) {
	f := newFakeFetcher()
	f.set("orders", orders(5), nil)
	f.set("invoices", orders(1), nil)
	c, _ := newTestCache(f, nil)
	ctx := context.Background()

	for _, k := range []string{"orders", "invoices"} {
		_, err := c.Get(ctx, k, false)
		require.NoError(t, err)
	}

	require.NoError(t, c.Invalidate(ctx, "orders"))
	_, err := c.Get(ctx, "invoices", false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.calls.Load())

	_, err = c.Get(ctx, "orders", false)
	require.NoError(t, err)
	assert.EqualValues(t, 3, f.calls.Load())

	require.NoError(t, c.InvalidateAll(ctx))
	_, err = c.Get(ctx, "invoices", false)
	require.NoError(t, err)
	assert.EqualValues(t, 4, f.calls.Load())
}

func TestInvalidate_DropsFetchInFlight(t *testing.T) {
	for name, invalidate := range map[string]func(*Cache, context.Context) error{
		"key": func(c *Cache, ctx context.Context) error { return c.Invalidate(ctx, "orders") },
		"all": func(c *Cache, ctx context.Context) error { return c.InvalidateAll(ctx) },
	} {
		t.Run(name, func(t *testing.T) {
			local, err := db.OpenLocal(filepath.Join(t.TempDir(), "cache.db"))
			require.NoError(t, err)
			defer local.Close()
			tier := NewSQLiteTier(local.DB())
			ctx := context.Background()

			f := newFakeFetcher()
			f.set("orders", orders(5), nil)
			f.gate = make(chan struct{})
			c, _ := newTestCache(f, tier)

			done := make(chan struct{})
			go func() {
				defer close(done)
				_, err := c.Get(ctx, "orders", false)
				assert.NoError(t, err)
			}()
			require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

			require.NoError(t, invalidate(c, ctx))
			close(f.gate)
			<-done

			_, ok, err := tier.Load(ctx, "orders")
			require.NoError(t, err)
			assert.False(t, ok, "the raced result is not persisted")

			f.set("orders", orders(7), nil)
			e, err := c.Get(ctx, "orders", false)
			require.NoError(t, err)
			assert.Equal(t, orders(7), e.Data)
			assert.EqualValues(t, 2, f.calls.Load(), "the read after invalidation fetches again")
		})
	}
}

func TestPreloadAll_PartialFailure(t *testing.T) {
	f := newFakeFetcher()
	f.set("orders", orders(5), nil)
	f.set("invoices", nil, errors.New("forbidden"))
	c, _ := newTestCache(f, nil)

	c.PreloadAll([]string{"orders", "invoices"})
	c.Wait()
	require.EqualValues(t, 2, f.calls.Load())

	e, err := c.Get(context.Background(), "orders", false)
	require.NoError(t, err)
	assert.Equal(t, orders(5), e.Data)
	assert.EqualValues(t, 2, f.calls.Load(), "preloaded key is served from memory")
}

func TestSQLiteTier_ServesAcrossRestart(t *testing.T) {
	local, err := db.OpenLocal(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer local.Close()
	tier := NewSQLiteTier(local.DB())
	ctx := context.Background()

	f := newFakeFetcher()
	f.set("orders", orders(5), nil)
	c1, _ := newTestCache(f, tier)
	_, err = c1.Get(ctx, "orders", false)
	require.NoError(t, err)

	offline := newFakeFetcher()
	offline.set("orders", nil, errors.New("offline"))
	c2, _ := newTestCache(offline, tier)

	e, err := c2.Get(ctx, "orders", false)
	require.NoError(t, err)
	c2.Wait()
	assert.Equal(t, orders(5), e.Data)
	assert.EqualValues(t, 0, offline.calls.Load(), "durable entry is still fresh")

	require.NoError(t, c2.Invalidate(ctx, "orders"))
	_, ok, err := tier.Load(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, ok)
}
