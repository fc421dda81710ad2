// Package cache provides the in-process TTL cache that sits in front of flag
// and segment storage.
//
// Entries carry an absolute expiry computed when they are stored. Expired
// entries are evicted lazily by Get; there is no background sweeper. Keys are
// spread over a fixed set of mutex-guarded shards.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const DefaultShards = 16

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type shard[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
}

// Cache is a sharded string-keyed map whose entries expire a fixed TTL after
// they were stored. It is safe for concurrent use.
type Cache[V any] struct {
	ttl    time.Duration
	now    func() time.Time
	shards []*shard[V]
}

type Option func(*options)

type options struct {
	now    func() time.Time
	shards int
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithShards sets the number of shards. Values below one are ignored.
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

func New[V any](ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now, shards: DefaultShards}
	for _, opt := range opts {
		opt(&o)
	}

	shards := make([]*shard[V], o.shards)
	for i := range shards {
		shards[i] = &shard[V]{entries: make(map[string]entry[V])}
	}

	return &Cache[V]{ttl: ttl, now: o.now, shards: shards}
}

func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the live value stored under key. An expired entry is removed and
// reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	s := c.shardFor(key)
	now := c.now()

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !now.After(e.expiresAt) {
		return e.value, true
	}

	s.mu.Lock()
	// A concurrent Set may have refreshed the entry since the read lock.
	if current, ok := s.entries[key]; ok && now.After(current.expiresAt) {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	return zero, false
}

// Set stores value under key, replacing any previous entry and restarting its TTL.
func (c *Cache[V]) Set(key string, value V) {
	s := c.shardFor(key)
	expiresAt := c.now().Add(c.ttl)

	s.mu.Lock()
	s.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
	s.mu.Unlock()
}

func (c *Cache[V]) Delete(key string) {
	s := c.shardFor(key)

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// returns how many were removed. An empty prefix clears the cache. All shards
// stay locked for the duration of the call.
func (c *Cache[V]) InvalidatePrefix(prefix string) int {
	for _, s := range c.shards {
		s.mu.Lock()
	}
	defer func() {
		for _, s := range c.shards {
			s.mu.Unlock()
		}
	}()

	removed := 0
	for _, s := range c.shards {
		if prefix == "" {
			removed += len(s.entries)
			clear(s.entries)
			continue
		}
		for key := range s.entries {
			if strings.HasPrefix(key, prefix) {
				delete(s.entries, key)
				removed++
			}
		}
	}

	return removed
}

// Len counts stored entries, including expired ones not yet evicted.
func (c *Cache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

func (c *Cache[V]) shardFor(key string) *shard[V] {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}
