package cache

import (
	"context"
	"sync"
	"time"

	"github.com/transflow/transflow/pkg/errors"
	"github.com/transflow/transflow/pkg/types"
	"github.com/transflow/transflow/pkg/utils"
)

// MultiLevelCache is the single lookup/store facade over the three tiers:
// L1 process-local LRU, L2 shared store, L3 durable store. Reads probe the
// tiers in order and promote hits into every faster tier they missed; writes
// succeed iff the durable tier succeeds, the speed tiers being advisory.
//
// No lock is held across tiers; each tier access is independently atomic.
// Two workers populating the same key concurrently is a harmless race
// because entries are immutable content-addressed values.
type MultiLevelCache struct {
	l1      *LRUCache
	shared  types.TierStore
	durable types.TierStore

	sharedTTL      time.Duration
	durableTTL     time.Duration
	promoteTimeout time.Duration
	sweepInterval  time.Duration

	logger *utils.Logger
	sink   types.MetricsSink

	statsMu   sync.Mutex
	tierHits  map[string]uint64
	misses    uint64
	puts      uint64
	putErrors uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// MultiLevelConfig wires the tiers. Any tier may be nil (disabled); a cache
// with no tiers is valid and always misses.
type MultiLevelConfig struct {
	L1      *LRUCache
	Shared  types.TierStore
	Durable types.TierStore

	// SharedTTL and DurableTTL cap the retention of writes into each tier.
	// Zero means no cap; the requested TTL is used as given. The shared cap
	// also sets the retention of entries promoted from the durable tier.
	SharedTTL  time.Duration
	DurableTTL time.Duration

	// PromoteTimeout bounds how long a read may spend writing a hit back
	// into faster tiers before returning.
	PromoteTimeout time.Duration

	// SweepInterval is the period of the background sweep that drops
	// expired L1 entries. Zero disables the sweep.
	SweepInterval time.Duration

	Logger *utils.Logger
	Sink   types.MetricsSink
}

// NewMultiLevelCache creates the facade and starts the background sweep.
func NewMultiLevelCache(cfg MultiLevelConfig) *MultiLevelCache {
	if cfg.PromoteTimeout <= 0 {
		cfg.PromoteTimeout = 2 * time.Second
	}
	var sink types.MetricsSink = cfg.Sink
	if sink == nil {
		sink = types.NoopSink{}
	}

	c := &MultiLevelCache{
		l1:             cfg.L1,
		shared:         cfg.Shared,
		durable:        cfg.Durable,
		sharedTTL:      cfg.SharedTTL,
		durableTTL:     cfg.DurableTTL,
		promoteTimeout: cfg.PromoteTimeout,
		sweepInterval:  cfg.SweepInterval,
		logger:         cfg.Logger.WithComponent("cache"),
		sink:           sink,
		tierHits:       make(map[string]uint64),
		stopCh:         make(chan struct{}),
	}

	if c.l1 != nil && c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop()
	}

	return c
}

// Get probes L1, then the shared tier, then the durable tier. It returns
// (nil, false) only when the key is absent from all three. A tier error
// degrades to the next tier rather than failing the lookup.
func (c *MultiLevelCache) Get(ctx context.Context, key types.CacheKey) ([]byte, bool) {
	if c.l1 != nil {
		if data, ok := c.l1.Get(key); ok {
			c.recordHit("l1")
			return data, true
		}
	}

	if c.shared != nil {
		data, ok, err := c.shared.Get(ctx, key)
		if err != nil {
			c.logger.Warn("shared tier get failed, falling through: %v", err)
		} else if ok {
			c.recordHit("l2")
			c.promote(key, data, true, false)
			return data, true
		}
	}

	if c.durable != nil {
		data, ok, err := c.durable.Get(ctx, key)
		if err != nil {
			c.logger.Warn("durable tier get failed: %v", err)
		} else if ok {
			c.recordHit("l3")
			c.promote(key, data, true, true)
			return data, true
		}
	}

	c.recordMiss()
	return nil, false
}

// Put writes through every tier. Durability is the only hard requirement:
// the write fails only if the durable tier rejects it; shared and local
// failures are logged and tolerated. A zero TTL caches nothing anywhere.
func (c *MultiLevelCache) Put(ctx context.Context, key types.CacheKey, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.statsMu.Lock()
	c.puts++
	c.statsMu.Unlock()

	if c.durable != nil {
		if err := c.durable.Put(ctx, key, value, capTTL(ttl, c.durableTTL)); err != nil {
			c.statsMu.Lock()
			c.putErrors++
			c.statsMu.Unlock()
			c.logger.Error("durable tier put failed for %s: %v", key, err)
			return errors.Wrap(errors.ErrCodeDurableWrite, "durable tier write failed", err)
		}
	}

	if c.shared != nil {
		if err := c.shared.Put(ctx, key, value, capTTL(ttl, c.sharedTTL)); err != nil {
			c.logger.Warn("shared tier put failed for %s: %v", key, err)
		}
	}

	if c.l1 != nil {
		c.l1.Put(key, value, ttl)
	}

	return nil
}

// Invalidate removes a key from every tier. TTL expiry is the normal
// eviction path; this is for the rare explicit invalidation.
func (c *MultiLevelCache) Invalidate(ctx context.Context, key types.CacheKey, reason string) error {
	c.logger.Info("invalidating %s: %s", key, reason)

	var firstErr error
	if c.l1 != nil {
		c.l1.Delete(key)
	}
	if c.shared != nil {
		if err := c.shared.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.durable != nil {
		if err := c.durable.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns aggregate statistics. Per-tier hit counts are tagged by
// tier name; L1 capacity numbers come from the LRU itself.
func (c *MultiLevelCache) Stats() (types.CacheStats, map[string]uint64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	var stats types.CacheStats
	perTier := make(map[string]uint64, len(c.tierHits))
	for name, hits := range c.tierHits {
		perTier[name] = hits
		stats.Hits += hits
	}
	stats.Misses = c.misses
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	if c.l1 != nil {
		l1 := c.l1.Stats()
		stats.Entries = l1.Entries
		stats.Size = l1.Size
		stats.Capacity = l1.Capacity
		stats.Evictions = l1.Evictions
	}
	return stats, perTier
}

// Close stops the background sweep.
func (c *MultiLevelCache) Close() {
	c.once.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

// promote writes a hit back into the faster tiers it missed. Promotion is
// best-effort and bounded by promoteTimeout; a failed promotion never fails
// the read that triggered it.
func (c *MultiLevelCache) promote(key types.CacheKey, data []byte, toL1, toShared bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.promoteTimeout)
	defer cancel()

	if toL1 && c.l1 != nil {
		ttl := c.l1.maxTTL
		if ttl <= 0 {
			ttl = c.promoteTTL()
		}
		c.l1.Put(key, data, ttl)
	}
	if toShared && c.shared != nil {
		ttl := c.promoteTTL()
		if err := c.shared.Put(ctx, key, data, ttl); err != nil {
			c.logger.Warn("promotion to shared tier failed for %s: %v", key, err)
		}
	}
}

// promoteTTL picks the TTL for entries re-inserted into the shared tier
// during promotion. The original TTL is not recoverable from a durable-tier
// read, so promoted entries get the shared tier's configured retention.
func (c *MultiLevelCache) promoteTTL() time.Duration {
	if c.sharedTTL > 0 {
		return c.sharedTTL
	}
	return time.Hour
}

// capTTL bounds a requested TTL by a tier's configured maximum. A zero cap
// leaves the request unchanged.
func capTTL(ttl, limit time.Duration) time.Duration {
	if limit > 0 && ttl > limit {
		return limit
	}
	return ttl
}

func (c *MultiLevelCache) recordHit(tierName string) {
	c.statsMu.Lock()
	c.tierHits[tierName]++
	c.statsMu.Unlock()
	c.sink.Record("cache.hit", 1, map[string]string{"tier": tierName})
}

func (c *MultiLevelCache) recordMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
	c.sink.Record("cache.miss", 1, nil)
}

func (c *MultiLevelCache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.l1.Sweep(); n > 0 {
				c.logger.Debug("swept %d expired entries from l1", n)
			}
		case <-c.stopCh:
			return
		}
	}
}
