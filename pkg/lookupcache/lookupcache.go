// Package lookupcache caches user directory lookups in memory. Both hits
// and misses are cached, with separate lifetimes, and concurrent misses for
// the same key share one directory query.
package lookupcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/directory"
	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Source is the directory behind the cache.
type Source interface {
	Lookup(ctx context.Context, usernameOrAddress string) (directory.User, error)
}

// Options configures a cache. Zero values take the defaults.
type Options struct {
	PositiveTTL     time.Duration // 5m
	NegativeTTL     time.Duration // 30s
	MaxSize         int           // 10000
	CleanupInterval time.Duration // 1m
}

type entry struct {
	user      directory.User
	notFound  bool
	expiresAt time.Time
}

// LookupCache wraps a Source. It satisfies the same Lookup method, so it can
// stand in wherever a directory is consumed.
type LookupCache struct {
	source      Source
	mu          sync.RWMutex
	entries     map[string]*entry
	positiveTTL time.Duration
	negativeTTL time.Duration
	maxSize     int
	sfGroup     singleflight.Group

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupStopped  chan struct{}
	stopOnce        sync.Once

	// Now is the cache clock.
	Now func() time.Time
}

// New creates a cache in front of source and starts its cleanup loop.
func New(source Source, opts Options) *LookupCache {
	if opts.PositiveTTL <= 0 {
		opts.PositiveTTL = 5 * time.Minute
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = 30 * time.Second
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10000
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}

	c := &LookupCache{
		source:          source,
		entries:         make(map[string]*entry),
		positiveTTL:     opts.PositiveTTL,
		negativeTTL:     opts.NegativeTTL,
		maxSize:         opts.MaxSize,
		cleanupInterval: opts.CleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupStopped:  make(chan struct{}),
		Now:             time.Now,
	}
	go c.cleanupLoop()

	logger.Info("DIRECTORY: lookup cache initialized", "positive_ttl", opts.PositiveTTL,
		"negative_ttl", opts.NegativeTTL, "max_size", opts.MaxSize)
	return c
}

func makeKey(usernameOrAddress string) string {
	return strings.ToLower(strings.TrimSpace(usernameOrAddress))
}

// Lookup returns the cached answer for usernameOrAddress, querying the
// source on a miss. Errors other than consts.ErrNotFound are not cached.
func (c *LookupCache) Lookup(ctx context.Context, usernameOrAddress string) (directory.User, error) {
	key := makeKey(usernameOrAddress)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.Now().Before(e.expiresAt) {
		metrics.LookupCacheTotal.WithLabelValues("hit").Inc()
		return e.result(key)
	}
	metrics.LookupCacheTotal.WithLabelValues("miss").Inc()

	v, err, shared := c.sfGroup.Do(key, func() (any, error) {
		u, err := c.source.Lookup(ctx, usernameOrAddress)
		switch {
		case err == nil:
			e := &entry{user: u, expiresAt: c.Now().Add(c.positiveTTL)}
			c.store(key, e)
			// Answer later lookups by the other identifier from the cache too.
			c.store(makeKey(u.Username), e)
			c.store(makeKey(u.Address), e)
			return e, nil
		case errors.Is(err, consts.ErrNotFound):
			e := &entry{notFound: true, expiresAt: c.Now().Add(c.negativeTTL)}
			c.store(key, e)
			return e, nil
		default:
			return nil, err
		}
	})
	if shared {
		logger.Debug("DIRECTORY: shared lookup", "key", key)
	}
	if err != nil {
		return directory.User{}, err
	}
	return v.(*entry).result(key)
}

func (e *entry) result(key string) (directory.User, error) {
	if e.notFound {
		return directory.User{}, fmt.Errorf("user %q: %w", key, consts.ErrNotFound)
	}
	return e.user, nil
}

func (c *LookupCache) store(key string, e *entry) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = e
	metrics.LookupCacheEntries.Set(float64(len(c.entries)))
}

// Exists reports whether usernameOrAddress resolves.
func (c *LookupCache) Exists(ctx context.Context, usernameOrAddress string) (bool, error) {
	_, err := c.Lookup(ctx, usernameOrAddress)
	if errors.Is(err, consts.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Invalidate drops any cached answer for the given names.
func (c *LookupCache) Invalidate(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		delete(c.entries, makeKey(name))
	}
	metrics.LookupCacheEntries.Set(float64(len(c.entries)))
}

// Len returns the number of cached keys.
func (c *LookupCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldest removes the entry closest to expiry. Caller must hold the
// write lock.
func (c *LookupCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, e := range c.entries {
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = key, e.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *LookupCache) cleanupLoop() {
	defer close(c.cleanupStopped)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// cleanup removes expired entries and returns how many it removed.
func (c *LookupCache) cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		logger.Debug("DIRECTORY: lookup cache cleanup", "removed", removed, "remaining", len(c.entries))
	}
	metrics.LookupCacheEntries.Set(float64(len(c.entries)))
	return removed
}

// Stop ends the cleanup loop.
func (c *LookupCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCleanup)
		<-c.cleanupStopped
	})
}
