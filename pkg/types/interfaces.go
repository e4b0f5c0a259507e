package types

import (
	"context"
	"time"
)

// Processor is the external processing client. Implementations must be safe
// for concurrent use up to their configured connection limit; the orchestrator
// enforces admission control above it. Errors should be classified as
// transient or permanent via pkg/errors so retry decisions are possible.
type Processor interface {
	ProcessChunk(ctx context.Context, data []byte, params ProcessParams) ([]byte, error)
}

// TierStore is a single cache tier backed by an external store (shared or
// durable). Get returns (nil, false, nil) for a miss. A ttl of zero on Put
// means the entry must not be stored.
type TierStore interface {
	Get(ctx context.Context, key CacheKey) ([]byte, bool, error)
	Put(ctx context.Context, key CacheKey, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key CacheKey) error
}

// MetricsSink receives timing and outcome events. Delivery is fire-and-forget;
// implementations must never block the caller and loss is tolerated.
type MetricsSink interface {
	Record(event string, value float64, tags map[string]string)
	RecordDuration(event string, d time.Duration, tags map[string]string)
}

// NoopSink is the default MetricsSink; it discards every event.
type NoopSink struct{}

func (NoopSink) Record(string, float64, map[string]string)              {}
func (NoopSink) RecordDuration(string, time.Duration, map[string]string) {}
