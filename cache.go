package abac

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// DECISION CACHE
// ============================================================================

// DecisionCache memoizes decisions keyed by request fingerprint. Entries
// carry the snapshot version they were computed against; a lookup whose
// stored version differs from the current snapshot version is treated as
// a miss (lazy invalidation), so a snapshot publish never has to scan or
// flush the cache. Eviction combines ristretto's cost-based LRU with a
// TTL independent of recency.
type DecisionCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

type cacheEntry struct {
	decision        *Decision
	snapshotVersion uint64
	insertedAt      time.Time
}

// DecisionCacheConfig tunes the ristretto backing store.
type DecisionCacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration
}

func (c DecisionCacheConfig) withDefaults() DecisionCacheConfig {
	if c.NumCounters <= 0 {
		c.NumCounters = 1_000_000
	}
	if c.MaxCost <= 0 {
		c.MaxCost = 100_000
	}
	if c.BufferItems <= 0 {
		c.BufferItems = 64
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	return c
}

func NewDecisionCache(cfg DecisionCacheConfig) (*DecisionCache, error) {
	cfg = cfg.withDefaults()
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &DecisionCache{cache: rc, ttl: cfg.TTL}, nil
}

// Get returns the cached decision for the fingerprint, but only when it
// was computed against the given snapshot version.
func (c *DecisionCache) Get(fingerprint string, snapshotVersion uint64) (*Decision, bool) {
	raw, ok := c.cache.Get(fingerprint)
	if !ok {
		return nil, false
	}
	entry, ok := raw.(*cacheEntry)
	if !ok || entry.snapshotVersion != snapshotVersion {
		return nil, false
	}
	return entry.decision, true
}

// Put stores a decision. Cost 1 per entry: the LRU capacity is an entry
// count, not a byte budget.
func (c *DecisionCache) Put(fingerprint string, snapshotVersion uint64, d *Decision, now time.Time) {
	c.cache.SetWithTTL(fingerprint, &cacheEntry{
		decision:        d,
		snapshotVersion: snapshotVersion,
		insertedAt:      now,
	}, 1, c.ttl)
}

// Wait flushes pending writes; used by tests that read right after Put.
func (c *DecisionCache) Wait() { c.cache.Wait() }

func (c *DecisionCache) Close() { c.cache.Close() }
