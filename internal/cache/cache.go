// Package cache serves collection reads with stale-while-revalidate semantics.
//
// Entries live in an in-memory tier backed by an optional durable Tier. A
// fresh entry is returned without I/O. A stale entry is returned immediately
// while one background refresh per key runs. Only a miss (or a forced read)
// blocks on the Fetcher.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultFreshFor is how long an entry is served without revalidation
const DefaultFreshFor = 5 * time.Minute

// Entry is a cached collection snapshot
type Entry struct {
	Key       string           `json:"key"`
	Data      []map[string]any `json:"data"`
	FetchedAt time.Time        `json:"fetchedAt"`
}

// Fetcher loads a collection from the system of record
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]map[string]any, error)
}

// Tier is durable storage that outlives the process
type Tier interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context) error
}

// Options configures a Cache
type Options struct {
	FreshFor       time.Duration    // default 5m
	RefreshTimeout time.Duration    // bound on background refreshes (default 30s)
	Tier           Tier             // optional durable tier
	Now            func() time.Time // clock override for tests
}

// Cache is a two-tier read-through cache
type Cache struct {
	fetcher        Fetcher
	tier           Tier
	freshFor       time.Duration
	refreshTimeout time.Duration
	now            func() time.Time

	mu         sync.RWMutex
	mem        map[string]Entry
	refreshing map[string]bool
	gens       map[string]uint64 // bumped by Invalidate
	epoch      uint64            // bumped by InvalidateAll

	group singleflight.Group
	wg    sync.WaitGroup
}

// New creates a cache over fetcher
func New(fetcher Fetcher, opts Options) *Cache {
	if opts.FreshFor <= 0 {
		opts.FreshFor = DefaultFreshFor
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		fetcher:        fetcher,
		tier:           opts.Tier,
		freshFor:       opts.FreshFor,
		refreshTimeout: opts.RefreshTimeout,
		now:            opts.Now,
		mem:            make(map[string]Entry),
		refreshing:     make(map[string]bool),
		gens:           make(map[string]uint64),
	}
}

// Stale reports whether e is older than the freshness window
func (c *Cache) Stale(e Entry) bool {
	return c.now().Sub(e.FetchedAt) > c.freshFor
}

// Get returns the collection for key.
//
// Without forceRefresh: a fresh entry is returned as is; a stale entry is
// returned and refreshed in the background; a miss fetches synchronously.
// With forceRefresh the fetch always happens and its error is returned.
func (c *Cache) Get(ctx context.Context, key string, forceRefresh bool) (Entry, error) {
	if !forceRefresh {
		if e, ok := c.lookup(ctx, key); ok {
			if c.Stale(e) {
				c.refreshInBackground(key)
			}
			return e, nil
		}
	}

	e, err := c.fetch(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	return e, nil
}

// Invalidate drops key from both tiers. A fetch already in flight for key
// still answers its callers but is not cached.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.mem, key)
	c.gens[key]++
	c.mu.Unlock()

	if c.tier == nil {
		return nil
	}
	return c.tier.Delete(ctx, key)
}

// InvalidateAll empties both tiers
func (c *Cache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	c.mem = make(map[string]Entry)
	c.epoch++
	c.mu.Unlock()

	if c.tier == nil {
		return nil
	}
	return c.tier.DeleteAll(ctx)
}

// PreloadAll force-refreshes every key in the background. Failures are
// logged together once all keys have been attempted; they never surface to
// the caller.
func (c *Cache) PreloadAll(keys []string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()

		var (
			mu   sync.Mutex
			errs []error
			wg   sync.WaitGroup
		)
		for _, key := range keys {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				if _, err := c.fetch(ctx, key); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
					mu.Unlock()
				}
			}(key)
		}
		wg.Wait()

		if err := errors.Join(errs...); err != nil {
			log.Warn().Err(err).Int("failed", len(errs)).Int("keys", len(keys)).Msg("cache preload incomplete")
			return
		}
		log.Debug().Int("keys", len(keys)).Msg("cache preloaded")
	}()
}

// Wait blocks until background refreshes and preloads have finished
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) lookup(ctx context.Context, key string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.mem[key]
	gen := c.generationLocked(key)
	c.mu.RUnlock()
	if ok || c.tier == nil {
		return e, ok
	}

	e, ok, err := c.tier.Load(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("durable cache read failed")
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generationLocked(key) != gen {
		return Entry{}, false
	}
	// a concurrent fetch may have stored something newer
	if cur, exists := c.mem[key]; exists && cur.FetchedAt.After(e.FetchedAt) {
		e = cur
	} else {
		c.mem[key] = e
	}
	return e, true
}

// generationLocked changes whenever key is invalidated; either counter only grows
func (c *Cache) generationLocked(key string) uint64 {
	return c.epoch + c.gens[key]
}

// refreshInBackground starts at most one refresh per key
func (c *Cache) refreshInBackground(key string) {
	c.mu.Lock()
	if c.refreshing[key] {
		c.mu.Unlock()
		return
	}
	c.refreshing[key] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()

		if _, err := c.fetch(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("background cache refresh failed; serving stale data")
		}
	}()
}

// fetch loads key from the Fetcher and stores it in both tiers. Concurrent
// fetches of one key share a single call until the key is invalidated; a
// result that raced an invalidation is returned but never stored.
func (c *Cache) fetch(ctx context.Context, key string) (Entry, error) {
	c.mu.RLock()
	gen := c.generationLocked(key)
	c.mu.RUnlock()

	v, err, _ := c.group.Do(key+"@"+strconv.FormatUint(gen, 10), func() (any, error) {
		data, err := c.fetcher.Fetch(ctx, key)
		if err != nil {
			return Entry{}, err
		}

		e := Entry{Key: key, Data: data, FetchedAt: c.now()}
		c.mu.Lock()
		current := c.generationLocked(key) == gen
		if current {
			c.mem[key] = e
		}
		c.mu.Unlock()
		if !current {
			log.Debug().Str("key", key).Msg("dropping fetch that raced an invalidation")
			return e, nil
		}

		if c.tier != nil {
			if err := c.tier.Store(ctx, e); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("durable cache write failed")
			}
			c.mu.RLock()
			current = c.generationLocked(key) == gen
			c.mu.RUnlock()
			if !current {
				if err := c.tier.Delete(ctx, key); err != nil {
					log.Warn().Err(err).Str("key", key).Msg("durable cache delete failed")
				}
			}
		}
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}
