package cache

import (
	"context"
	"slices"
	"sync/atomic"
	"time"
)

// maxShards caps the shard count. Small caches use one shard per entry.
const maxShards = 16

const (
	// DefaultTTL is the default entry lifetime.
	DefaultTTL = 600 * time.Second
	// DefaultMaxEntries is the default total capacity.
	DefaultMaxEntries = 10000
)

// Stats are cumulative cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Entries     int
	// HitRate is Hits / (Hits + Misses), 0 before the first lookup.
	HitRate float64
}

type options struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// Option configures a Cache.
type Option func(*options)

// WithTTL sets the entry lifetime. Zero or negative disables expiry.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithMaxEntries bounds the total number of entries.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Cache is a sharded TTL+LRU query result cache, safe for concurrent use.
type Cache struct {
	shards []*shard
	ttl    time.Duration
	now    func() time.Time

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
}

// New creates a Cache with DefaultTTL and DefaultMaxEntries unless
// overridden.
func New(optFns ...Option) *Cache {
	o := options{ttl: DefaultTTL, maxEntries: DefaultMaxEntries, now: time.Now}
	for _, fn := range optFns {
		fn(&o)
	}

	// Shard capacities sum to exactly maxEntries.
	n := min(maxShards, o.maxEntries)
	base, rem := o.maxEntries/n, o.maxEntries%n
	c := &Cache{ttl: o.ttl, now: o.now, shards: make([]*shard, n)}
	for i := range n {
		capacity := base
		if i < rem {
			capacity++
		}
		c.shards[i] = newShard(capacity)
	}
	return c
}

func (c *Cache) shard(key Key) *shard {
	return c.shards[int(key[0])%len(c.shards)]
}

// Get returns a copy of the cached results for key.
func (c *Cache) Get(key Key) ([]Result, bool) {
	res, ok, expired := c.shard(key).get(key, c.now(), c.ttl)
	if expired {
		c.expirations.Add(1)
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return res, true
}

// Put stores a copy of results under key, evicting the least recently used
// entry of the shard when it is full.
func (c *Cache) Put(key Key, results []Result) {
	if n := c.shard(key).put(key, slices.Clone(results), c.now()); n > 0 {
		c.evictions.Add(uint64(n))
	}
}

// Peek returns the entry for key without touching recency or counters.
func (c *Cache) Peek(key Key) (Entry, bool) {
	return c.shard(key).peek(key)
}

// Purge removes expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	now := c.now()
	n := 0
	for _, s := range c.shards {
		n += s.purge(now, c.ttl)
	}
	c.expirations.Add(uint64(n))
	return n
}

// Clear removes every entry. Counters are kept.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.clear()
	}
}

// Len returns the number of entries, including expired ones not yet purged.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.len()
	}
	return n
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	st := Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Entries:     c.Len(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// RunJanitor purges expired entries every interval until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || c.ttl <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Purge()
		}
	}
}
