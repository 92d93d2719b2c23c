package kv

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// CachedStore puts a read-through ristretto cache in front of another store.
// Encoded values are cached so every Get decodes a private copy.
type CachedStore struct {
	backend Store
	cache   *ristretto.Cache
	ttl     time.Duration
}

// NewCachedStore caches up to size entries of backend for at most ttl each.
func NewCachedStore(backend Store, size int64, ttl time.Duration) (*CachedStore, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * size,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedStore{backend: backend, cache: cache, ttl: ttl}, nil
}

func cacheKey(namespace, key string) string {
	return namespace + ":" + key
}

func (c *CachedStore) Get(ctx context.Context, namespace, key string, dst any) (bool, error) {
	ck := cacheKey(namespace, key)
	if cached, ok := c.cache.Get(ck); ok {
		return true, decode(cached.([]byte), dst)
	}

	var raw rawValue
	found, err := c.backend.Get(ctx, namespace, key, &raw)
	if err != nil || !found {
		return found, err
	}

	if ttl, ok := c.readTTL(ctx, namespace, key); ok {
		c.cache.SetWithTTL(ck, []byte(raw), 1, ttl)
	}
	return true, decode(raw, dst)
}

// readTTL returns how long a value just read from the backend may be cached.
// Values whose expiry the backend cannot report are not cached.
func (c *CachedStore) readTTL(ctx context.Context, namespace, key string) (time.Duration, bool) {
	er, ok := c.backend.(ExpiryReader)
	if !ok {
		return 0, false
	}
	expiresAt, found, err := er.Expiry(ctx, namespace, key)
	if err != nil || !found {
		return 0, false
	}
	if expiresAt.IsZero() {
		return c.ttl, true
	}
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return 0, false
	}
	return boundTTL(c.ttl, remaining), true
}

// boundTTL caps the store-wide cache ttl by an entry's own ttl. Zero means
// no expiry for both.
func boundTTL(cacheTTL, entryTTL time.Duration) time.Duration {
	if entryTTL > 0 && (cacheTTL <= 0 || entryTTL < cacheTTL) {
		return entryTTL
	}
	return cacheTTL
}

// Set writes through to the backend. A value with its own ttl is not cached
// longer than that ttl.
func (c *CachedStore) Set(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if err := c.backend.Set(ctx, namespace, key, rawValue(data), ttl); err != nil {
		c.cache.Del(cacheKey(namespace, key))
		return err
	}

	c.cache.SetWithTTL(cacheKey(namespace, key), data, 1, boundTTL(c.ttl, ttl))
	c.cache.Wait()
	return nil
}

func (c *CachedStore) Delete(ctx context.Context, namespace, key string) error {
	c.cache.Del(cacheKey(namespace, key))
	return c.backend.Delete(ctx, namespace, key)
}

func (c *CachedStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	return c.backend.Keys(ctx, namespace)
}

// Backend returns the wrapped store.
func (c *CachedStore) Backend() Store {
	return c.backend
}

func (c *CachedStore) Close() error {
	c.cache.Close()
	return c.backend.Close()
}

// rawValue passes already encoded JSON through encode and decode untouched.
type rawValue []byte

func (r rawValue) MarshalJSON() ([]byte, error) {
	return r, nil
}

func (r *rawValue) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}
