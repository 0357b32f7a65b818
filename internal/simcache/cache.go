// Package simcache is an approximate-match response cache. Lookups are by
// cosine similarity of request embeddings, scoped per partition, so a
// near-duplicate request is served without contacting a backend.
package simcache

import (
	"sync"
	"time"

	"github.com/pulsewire/inference-router/internal/domain"
	"github.com/pulsewire/inference-router/internal/embedding"
)

// Config bounds the cache.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for a hit.
	SimilarityThreshold float64

	// CapacityPerPartition bounds entries per partition; inserting at
	// capacity evicts the oldest entry by write timestamp.
	CapacityPerPartition int

	// TTL expires entries regardless of capacity. Expired entries are
	// treated as absent and purged lazily on the next write.
	TTL time.Duration
}

// entry is immutable once written; replacement is delete-and-insert.
type entry struct {
	vec       embedding.Vector
	payload   domain.Payload
	writtenAt time.Time
	expiresAt time.Time
}

// partition holds one partition's entries. Reads share the lock; writes are
// exclusive, so a write never races a scan of the same partition.
type partition struct {
	mu      sync.RWMutex
	entries []entry
}

// CacheOption configures the cache.
type CacheOption func(*Cache)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache is a partitioned similarity cache.
type Cache struct {
	cfg Config
	now func() time.Time

	mu         sync.RWMutex
	partitions map[string]*partition
}

// New creates an empty cache.
func New(cfg Config, opts ...CacheOption) *Cache {
	c := &Cache{
		cfg:        cfg,
		now:        time.Now,
		partitions: make(map[string]*partition),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the payload of the most similar live entry in the partition
// when its similarity meets the threshold, else (zero, false). Partitions
// hold at most a few hundred entries, so a linear scan is fine.
func (c *Cache) Get(vec embedding.Vector, part string) (domain.Payload, bool) {
	p := c.partition(part, false)
	if p == nil {
		return domain.Payload{}, false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	now := c.now()
	best := -1
	bestSim := 0.0
	for i := range p.entries {
		if now.After(p.entries[i].expiresAt) {
			continue
		}
		sim := embedding.Cosine(vec, p.entries[i].vec)
		if sim >= c.cfg.SimilarityThreshold && (best < 0 || sim > bestSim) {
			best = i
			bestSim = sim
		}
	}
	if best < 0 {
		return domain.Payload{}, false
	}

	payload := p.entries[best].payload
	payload.FromCache = true
	return payload, true
}

// Put inserts a new entry. Expired entries are purged first; if the
// partition is still at capacity, the oldest entry by write timestamp is
// evicted.
func (c *Cache) Put(vec embedding.Vector, payload domain.Payload, part string) {
	p := c.partition(part, true)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := c.now()
	live := p.entries[:0]
	for _, e := range p.entries {
		if !now.After(e.expiresAt) {
			live = append(live, e)
		}
	}
	p.entries = live

	if c.cfg.CapacityPerPartition > 0 && len(p.entries) >= c.cfg.CapacityPerPartition {
		oldest := 0
		for i := 1; i < len(p.entries); i++ {
			if p.entries[i].writtenAt.Before(p.entries[oldest].writtenAt) {
				oldest = i
			}
		}
		p.entries = append(p.entries[:oldest], p.entries[oldest+1:]...)
	}

	p.entries = append(p.entries, entry{
		vec:       vec,
		payload:   payload,
		writtenAt: now,
		expiresAt: now.Add(c.cfg.TTL),
	})
}

// Len reports the number of entries in a partition, counting expired
// entries that have not been purged yet.
func (c *Cache) Len(part string) int {
	p := c.partition(part, false)
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// partition returns the named partition, creating it when create is set.
func (c *Cache) partition(name string, create bool) *partition {
	c.mu.RLock()
	p, ok := c.partitions[name]
	c.mu.RUnlock()
	if ok || !create {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.partitions[name]; ok {
		return p
	}
	p = &partition{}
	c.partitions[name] = p
	return p
}
