package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transflow/transflow/pkg/errors"
	"github.com/transflow/transflow/pkg/types"
)

// fakeTier is an in-memory TierStore that counts calls and can be forced to
// fail.
type fakeTier struct {
	mu      sync.Mutex
	data    map[types.CacheKey][]byte
	gets    int
	puts    int
	lastTTL time.Duration
	getErr  error
	putErr  error
}

func newFakeTier() *fakeTier {
	return &fakeTier{data: make(map[types.CacheKey][]byte)}
}

func (f *fakeTier) Get(_ context.Context, key types.CacheKey) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeTier) Put(_ context.Context, key types.CacheKey, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.lastTTL = ttl
	if f.putErr != nil {
		return f.putErr
	}
	if ttl <= 0 {
		return nil
	}
	f.data[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeTier) Delete(_ context.Context, key types.CacheKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeTier) has(key types.CacheKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func newTestMLC(l1 *LRUCache, shared, durable types.TierStore) *MultiLevelCache {
	return NewMultiLevelCache(MultiLevelConfig{
		L1:      l1,
		Shared:  shared,
		Durable: durable,
	})
}

func TestMultiLevelGetOrder(t *testing.T) {
	t.Parallel()

	l1 := NewLRUCache(LRUConfig{MaxSize: 1024, MaxEntries: 10})
	shared := newFakeTier()
	durable := newFakeTier()
	c := newTestMLC(l1, shared, durable)
	defer c.Close()

	ctx := context.Background()
	key := testKey(1)
	require.NoError(t, c.Put(ctx, key, []byte("value"), time.Minute))

	// L1 answers; lower tiers are not consulted.
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)
	assert.Equal(t, 0, shared.gets)
	assert.Equal(t, 0, durable.gets)
}

func TestMultiLevelPromotionFromDurable(t *testing.T) {
	t.Parallel()

	l1 := NewLRUCache(LRUConfig{MaxSize: 1024, MaxEntries: 10})
	shared := newFakeTier()
	durable := newFakeTier()
	c := newTestMLC(l1, shared, durable)
	defer c.Close()

	ctx := context.Background()
	key := testKey(1)

	// Entry only in the durable tier, as after a process restart.
	require.NoError(t, durable.Put(ctx, key, []byte("value"), time.Hour))

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)

	// The hit was promoted into both faster tiers.
	assert.True(t, shared.has(key))
	_, ok = l1.Get(key)
	assert.True(t, ok)

	// A second read is served from L1.
	durableGets := durable.gets
	_, ok = c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, durableGets, durable.gets)
}

func TestMultiLevelPromotionFromShared(t *testing.T) {
	t.Parallel()

	l1 := NewLRUCache(LRUConfig{MaxSize: 1024, MaxEntries: 10})
	shared := newFakeTier()
	durable := newFakeTier()
	c := newTestMLC(l1, shared, durable)
	defer c.Close()

	ctx := context.Background()
	key := testKey(1)
	require.NoError(t, shared.Put(ctx, key, []byte("value"), time.Hour))

	_, ok := c.Get(ctx, key)
	require.True(t, ok)

	// Promoted to L1 but not re-written to shared.
	_, ok = l1.Get(key)
	assert.True(t, ok)
	assert.Equal(t, 1, shared.puts)
	assert.Equal(t, 0, durable.gets, "durable tier not consulted on a shared hit")
}

func TestMultiLevelTierErrorFallsThrough(t *testing.T) {
	t.Parallel()

	shared := newFakeTier()
	shared.getErr = errors.New(errors.ErrCodeTierUnavailable, "redis down")
	durable := newFakeTier()
	c := newTestMLC(nil, shared, durable)
	defer c.Close()

	ctx := context.Background()
	key := testKey(1)
	require.NoError(t, durable.Put(ctx, key, []byte("value"), time.Hour))

	got, ok := c.Get(ctx, key)
	require.True(t, ok, "an unavailable tier degrades, it does not fail the read")
	assert.Equal(t, []byte("value"), got)
}

func TestMultiLevelPutDurableFirst(t *testing.T) {
	t.Parallel()

	l1 := NewLRUCache(LRUConfig{MaxSize: 1024, MaxEntries: 10})
	shared := newFakeTier()
	durable := newFakeTier()
	durable.putErr = errors.New(errors.ErrCodeDurableWrite, "s3 down")
	c := newTestMLC(l1, shared, durable)
	defer c.Close()

	err := c.Put(context.Background(), testKey(1), []byte("value"), time.Minute)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDurableWrite, errors.Classify(err))
	assert.Equal(t, 0, shared.puts, "faster tiers are not written when durability failed")
}

func TestMultiLevelPutSharedFailureTolerated(t *testing.T) {
	t.Parallel()

	l1 := NewLRUCache(LRUConfig{MaxSize: 1024, MaxEntries: 10})
	shared := newFakeTier()
	shared.putErr = errors.New(errors.ErrCodeTierUnavailable, "redis down")
	durable := newFakeTier()
	c := newTestMLC(l1, shared, durable)
	defer c.Close()

	key := testKey(1)
	require.NoError(t, c.Put(context.Background(), key, []byte("value"), time.Minute),
		"a shared-tier failure does not fail the write")
	assert.True(t, durable.has(key))
	_, ok := l1.Get(key)
	assert.True(t, ok)
}

func TestMultiLevelZeroTTLCachesNothing(t *testing.T) {
	t.Parallel()

	l1 := NewLRUCache(LRUConfig{MaxSize: 1024, MaxEntries: 10})
	shared := newFakeTier()
	durable := newFakeTier()
	c := newTestMLC(l1, shared, durable)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Put(ctx, testKey(1), []byte("value"), 0))

	assert.Equal(t, 0, shared.puts)
	assert.Equal(t, 0, durable.puts)
	_, ok := c.Get(ctx, testKey(1))
	assert.False(t, ok)
}

func TestMultiLevelPerTierTTLCaps(t *testing.T) {
	t.Parallel()

	shared := newFakeTier()
	durable := newFakeTier()
	c := NewMultiLevelCache(MultiLevelConfig{
		Shared:     shared,
		Durable:    durable,
		SharedTTL:  time.Hour,
		DurableTTL: 24 * time.Hour,
	})
	defer c.Close()

	ctx := context.Background()
	key := testKey(1)

	// A request past both caps is bounded per tier.
	require.NoError(t, c.Put(ctx, key, []byte("value"), 1000*time.Hour))
	assert.Equal(t, time.Hour, shared.lastTTL)
	assert.Equal(t, 24*time.Hour, durable.lastTTL)

	// A request under the caps passes through unchanged.
	require.NoError(t, c.Put(ctx, testKey(2), []byte("value"), time.Minute))
	assert.Equal(t, time.Minute, shared.lastTTL)
	assert.Equal(t, time.Minute, durable.lastTTL)
}

func TestMultiLevelPromotionUsesSharedTTL(t *testing.T) {
	t.Parallel()

	shared := newFakeTier()
	durable := newFakeTier()
	c := NewMultiLevelCache(MultiLevelConfig{
		Shared:    shared,
		Durable:   durable,
		SharedTTL: 30 * time.Minute,
	})
	defer c.Close()

	ctx := context.Background()
	key := testKey(1)
	require.NoError(t, durable.Put(ctx, key, []byte("value"), time.Hour))
	durable.lastTTL = 0

	_, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, shared.lastTTL,
		"promotion writes carry the shared tier's retention")
}

func TestMultiLevelInvalidate(t *testing.T) {
	t.Parallel()

	l1 := NewLRUCache(LRUConfig{MaxSize: 1024, MaxEntries: 10})
	shared := newFakeTier()
	durable := newFakeTier()
	c := newTestMLC(l1, shared, durable)
	defer c.Close()

	ctx := context.Background()
	key := testKey(1)
	require.NoError(t, c.Put(ctx, key, []byte("value"), time.Minute))

	require.NoError(t, c.Invalidate(ctx, key, "algorithm change"))

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
	assert.False(t, shared.has(key))
	assert.False(t, durable.has(key))
}

func TestMultiLevelNoTiers(t *testing.T) {
	t.Parallel()

	c := newTestMLC(nil, nil, nil)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Put(ctx, testKey(1), []byte("value"), time.Minute))
	_, ok := c.Get(ctx, testKey(1))
	assert.False(t, ok, "a cache with no tiers always misses")
}

func TestMultiLevelStats(t *testing.T) {
	t.Parallel()

	l1 := NewLRUCache(LRUConfig{MaxSize: 1024, MaxEntries: 10})
	durable := newFakeTier()
	c := newTestMLC(l1, nil, durable)
	defer c.Close()

	ctx := context.Background()
	key := testKey(1)
	require.NoError(t, c.Put(ctx, key, []byte("value"), time.Minute))

	c.Get(ctx, key)        // l1 hit
	c.Get(ctx, testKey(9)) // miss everywhere

	stats, perTier := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), perTier["l1"])
	assert.InDelta(t, 0.5, stats.HitRate, 0.01)
}

func TestMultiLevelSweepLoop(t *testing.T) {
	t.Parallel()

	l1 := NewLRUCache(LRUConfig{MaxSize: 1024, MaxEntries: 10})
	c := NewMultiLevelCache(MultiLevelConfig{
		L1:            l1,
		SweepInterval: 10 * time.Millisecond,
	})
	defer c.Close()

	l1.Put(testKey(1), []byte("value"), 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return l1.Len() == 0
	}, time.Second, 5*time.Millisecond)
}
