// Package tokencache implements the bounded, TTL-governed cache of
// validated tokens shared process-wide by every session's Auth Client calls.
package tokencache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Validator performs the actual backend round trip for a token. It is
// invoked at most once per key while a validation is in flight, regardless
// of how many callers are waiting on it.
type Validator func(ctx context.Context, token string) ([]string, error)

type entry struct {
	permissions []string
	expiresAt   time.Time
	elem        *list.Element // position in lru
}

// Cache is a size-bounded LRU of validated tokens, TTL-expired lazily on
// access, with single-flight coalescing of concurrent validations for the
// same key.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List // front = most recently used; elem.Value is the key string
	capacity int
	ttl      time.Duration

	group singleflight.Group
	now   func() time.Time
}

// New builds a Cache with the given capacity and TTL. capacity <= 0 or
// ttl <= 0 is a caller error; config.Settings.Validate rejects those before
// this is ever constructed.
func New(capacity int, ttl time.Duration) *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		lru:      list.New(),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// key hashes a raw token to a fixed-width cache key so the cache never
// retains the token itself in memory.
func key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GetOrValidate returns the cached permissions for token if an unexpired
// entry exists, otherwise invokes validator at most once even under
// concurrent callers for the same token, per spec §4.2/§8 property 4.
func (c *Cache) GetOrValidate(ctx context.Context, token string, validator Validator) ([]string, error) {
	k := key(token)

	if perms, ok := c.lookup(k); ok {
		return perms, nil
	}

	result, err, _ := c.group.Do(k, func() (any, error) {
		// Re-check: another caller's validation may have completed between
		// our lookup miss and acquiring the singleflight slot.
		if perms, ok := c.lookup(k); ok {
			return perms, nil
		}
		perms, verr := validator(ctx, token)
		if verr != nil {
			return nil, verr
		}
		c.store(k, perms)
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (c *Cache) lookup(k string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.evictLocked(k, e)
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	return e.permissions, true
}

func (c *Cache) store(k string, perms []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[k]; ok {
		c.lru.MoveToFront(existing.elem)
		existing.permissions = perms
		existing.expiresAt = c.now().Add(c.ttl)
		return
	}

	elem := c.lru.PushFront(k)
	c.entries[k] = &entry{
		permissions: perms,
		expiresAt:   c.now().Add(c.ttl),
		elem:        elem,
	}

	for len(c.entries) > c.capacity {
		back := c.lru.Back()
		if back == nil {
			break
		}
		backKey := back.Value.(string)
		c.evictLocked(backKey, c.entries[backKey])
	}
}

func (c *Cache) evictLocked(k string, e *entry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
	}
	delete(c.entries, k)
}

// Len reports the current number of live entries, including any not yet
// lazily expired. Used by tests asserting the bounded-memory invariant.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
