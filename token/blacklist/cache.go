package blacklist

import (
	"context"
	"sync"
	"time"
)

var _ Checker = (*Cache)(nil)

type cacheEntry struct {
	blacklisted bool
	expiresAt   time.Time
}

// Cache memoizes another Checker. Revoked ids are remembered for positiveTTL
// (the longest an access token can live), clean ids only for negativeTTL.
// Lookup errors are never cached.
type Cache struct {
	next        Checker
	positiveTTL time.Duration
	negativeTTL time.Duration
	nowFunc     func() time.Time

	entries map[string]cacheEntry
	mu      sync.RWMutex
}

type CacheOption func(*Cache)

func WithTTLs(positive, negative time.Duration) CacheOption {
	return func(c *Cache) {
		c.positiveTTL = positive
		c.negativeTTL = negative
	}
}

func WithNowFunc(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.nowFunc = now
	}
}

// NewCache wraps next with an in-memory cache
func NewCache(next Checker, options ...CacheOption) *Cache {
	c := &Cache{
		next:        next,
		positiveTTL: 30 * time.Minute,
		negativeTTL: 30 * time.Second,
		nowFunc:     time.Now,
		entries:     make(map[string]cacheEntry),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *Cache) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	now := c.nowFunc()

	c.mu.RLock()
	entry, ok := c.entries[jti]
	c.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.blacklisted, nil
	}

	blacklisted, err := c.next.IsBlacklisted(ctx, jti)
	if err != nil {
		return false, err
	}

	ttl := c.negativeTTL
	if blacklisted {
		ttl = c.positiveTTL
	}
	if ttl > 0 {
		c.mu.Lock()
		c.entries[jti] = cacheEntry{blacklisted: blacklisted, expiresAt: now.Add(ttl)}
		c.mu.Unlock()
	}
	return blacklisted, nil
}

// Revoke records a locally known revocation until exp, e.g. the access token
// of a session this instance just logged out.
func (c *Cache) Revoke(jti string, exp time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jti] = cacheEntry{blacklisted: true, expiresAt: exp}
}

// Cleanup removes expired entries
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	for jti, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, jti)
		}
	}
}

// Len returns the number of cached entries, expired or not
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
