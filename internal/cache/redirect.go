package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// defaultRedirectCapacity bounds the redirect memo. The cache is advisory:
// a miss only causes the original URL to be resolved again, so overflow
// clears the whole map.
const defaultRedirectCapacity = 2048

// ResolveFunc performs one network resolution of url to its final destination.
type ResolveFunc func(ctx context.Context, url string) (string, error)

// RedirectCache memoizes resolved grounding redirect URLs. Concurrent lookups
// for the same URL are coalesced into a single in-flight resolution.
type RedirectCache struct {
	mu       sync.Mutex
	entries  map[string]string
	group    singleflight.Group
	capacity int
}

// NewRedirectCache creates an empty cache with the default capacity.
func NewRedirectCache() *RedirectCache {
	return &RedirectCache{
		entries:  make(map[string]string),
		capacity: defaultRedirectCapacity,
	}
}

// Resolve returns the final URL for url, consulting the memo first and
// coalescing concurrent resolutions. On resolution failure the original URL
// is returned along with the error; failures are not memoized.
func (c *RedirectCache) Resolve(ctx context.Context, url string, fn ResolveFunc) (string, error) {
	if c == nil {
		return fn(ctx, url)
	}
	c.mu.Lock()
	if final, ok := c.entries[url]; ok {
		c.mu.Unlock()
		return final, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(url, func() (any, error) {
		final, errResolve := fn(ctx, url)
		if errResolve != nil {
			return url, errResolve
		}
		c.mu.Lock()
		if len(c.entries) >= c.capacity {
			c.entries = make(map[string]string)
		}
		c.entries[url] = final
		c.mu.Unlock()
		return final, nil
	})
	final, _ := v.(string)
	if final == "" {
		final = url
	}
	return final, err
}

// Len reports the current number of memoized URLs.
func (c *RedirectCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
