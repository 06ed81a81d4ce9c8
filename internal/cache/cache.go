// Package cache keeps the last resolved release of every package so that repeated
// update checks within a short window do not hit the release hosts.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/kvstore"
	"github.com/3leaps/apkfetch/internal/model"
)

const (
	// TTL bounds the age of an entry returned by GetOrFetch.
	TTL = 10 * time.Minute
	// RecentThreshold and OldThreshold are the limits for Recent and Old.
	RecentThreshold = time.Hour
	OldThreshold    = 48 * time.Hour

	KeyPrefix = "cached_update_check_result____"

	maxIdleLocks = 30
)

// Fetcher resolves the latest release of a package.
type Fetcher interface {
	Resolve(ctx context.Context, id model.PackageIdentity) (model.ResolvedRelease, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, id model.PackageIdentity) (model.ResolvedRelease, error)

func (f FetcherFunc) Resolve(ctx context.Context, id model.PackageIdentity) (model.ResolvedRelease, error) {
	return f(ctx, id)
}

type Cache struct {
	fetcher Fetcher
	store   kvstore.Store
	now     func() time.Time
	ttl     time.Duration

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem   chan struct{}
	users int
}

type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

func New(fetcher Fetcher, store kvstore.Store, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		store:   store,
		now:     time.Now,
		ttl:     TTL,
		locks:   map[string]*keyLock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func Key(id model.PackageIdentity) string {
	return KeyPrefix + id.PackageName
}

// GetOrFetch returns the cached release of id when it is younger than the TTL and
// resolves it otherwise. Concurrent callers for the same package share one
// resolution. Errors are not cached and leave the previous entry in place.
func (c *Cache) GetOrFetch(ctx context.Context, id model.PackageIdentity) (model.ResolvedRelease, error) {
	key := Key(id)
	if entry, ok := c.load(key); ok && c.fresh(entry, c.ttl) {
		return entry.Release, nil
	}

	l := c.acquire(key)
	defer c.release(l)
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return model.ResolvedRelease{}, ctx.Err()
	}
	defer func() { <-l.sem }()

	// another caller may have refreshed the entry while we waited
	if entry, ok := c.load(key); ok && c.fresh(entry, c.ttl) {
		return entry.Release, nil
	}

	rel, err := c.fetcher.Resolve(ctx, id)
	if err != nil {
		return model.ResolvedRelease{}, err
	}
	c.save(key, model.CacheEntry{Release: rel, CreatedAt: c.now()})
	return rel, nil
}

// GetIfFreshEnough returns the cached release of id when it is younger than
// threshold. It never contacts a release host.
func (c *Cache) GetIfFreshEnough(id model.PackageIdentity, threshold time.Duration) (model.ResolvedRelease, bool) {
	entry, ok := c.load(Key(id))
	if !ok || !c.fresh(entry, threshold) {
		return model.ResolvedRelease{}, false
	}
	return entry.Release, true
}

func (c *Cache) Recent(id model.PackageIdentity) (model.ResolvedRelease, bool) {
	return c.GetIfFreshEnough(id, RecentThreshold)
}

func (c *Cache) Old(id model.PackageIdentity) (model.ResolvedRelease, bool) {
	return c.GetIfFreshEnough(id, OldThreshold)
}

// Entry returns the stored entry regardless of its age.
func (c *Cache) Entry(id model.PackageIdentity) (model.CacheEntry, bool) {
	return c.load(Key(id))
}

func (c *Cache) Invalidate(id model.PackageIdentity) error {
	if err := c.store.Delete(Key(id)); err != nil {
		return fmt.Errorf("invalidate %s: %w", id.Name, err)
	}
	return nil
}

// InvalidateAll removes every cached release and returns the number removed.
func (c *Cache) InvalidateAll() (int, error) {
	keys, err := c.store.Keys(KeyPrefix)
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := c.store.Delete(k); err != nil {
			return i, fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return len(keys), nil
}

func (c *Cache) fresh(e model.CacheEntry, threshold time.Duration) bool {
	age := c.now().Sub(e.CreatedAt)
	return age >= 0 && age < threshold
}

func (c *Cache) load(key string) (model.CacheEntry, bool) {
	raw, ok, err := c.store.Get(key)
	if err != nil {
		log.WithField("key", key).Warnf("read cache entry: %v", err)
		return model.CacheEntry{}, false
	}
	if !ok {
		return model.CacheEntry{}, false
	}
	var e model.CacheEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil || e.CreatedAt.IsZero() {
		log.WithField("key", key).Debug("ignoring unreadable cache entry")
		return model.CacheEntry{}, false
	}
	return e, true
}

func (c *Cache) save(key string, e model.CacheEntry) {
	bs, err := json.Marshal(e)
	if err != nil {
		log.WithField("key", key).Warnf("encode cache entry: %v", err)
		return
	}
	if err := c.store.Set(key, string(bs)); err != nil {
		log.WithField("key", key).Warnf("store cache entry: %v", err)
	}
}

func (c *Cache) acquire(key string) *keyLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		if len(c.locks) >= maxIdleLocks {
			for k, other := range c.locks {
				if other.users == 0 {
					delete(c.locks, k)
				}
			}
		}
		l = &keyLock{sem: make(chan struct{}, 1)}
		c.locks[key] = l
	}
	l.users++
	return l
}

func (c *Cache) release(l *keyLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.users--
}

func (c *Cache) lockCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
