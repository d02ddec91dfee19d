package routing

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	route   *Route
	expires time.Time
}

// CachedResolver memoizes resolved routes for ttl. Errors are not cached.
type CachedResolver struct {
	next Resolver
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCachedResolver(next Resolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, channelID string) (*Route, error) {
	if c.ttl <= 0 {
		return c.next.Resolve(ctx, channelID)
	}

	now := c.now()
	c.mu.RLock()
	e, ok := c.entries[channelID]
	c.mu.RUnlock()
	if ok && now.Before(e.expires) {
		cp := *e.route
		return &cp, nil
	}

	r, err := c.next.Resolve(ctx, channelID)
	if err != nil {
		return nil, err
	}

	cp := *r
	c.mu.Lock()
	c.entries[channelID] = cacheEntry{route: &cp, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return r, nil
}

// Invalidate drops a cached channel, or every channel when channelID is empty.
func (c *CachedResolver) Invalidate(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channelID == "" {
		c.entries = make(map[string]cacheEntry)
		return
	}
	delete(c.entries, channelID)
}
