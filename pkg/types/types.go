package types

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CacheKey is a 256-bit content-addressed digest. Two logically identical
// inputs processed with the same algorithm version and parameters always
// produce the same key.
type CacheKey [32]byte

// String returns the hex representation of the key.
func (k CacheKey) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is the zero value.
func (k CacheKey) IsZero() bool {
	return k == CacheKey{}
}

// ParseCacheKey parses a hex-encoded cache key.
func ParseCacheKey(s string) (CacheKey, error) {
	var k CacheKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid cache key: %w", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("invalid cache key length: %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Priority determines scheduling preference for a job. It is a closed
// enumeration; the queue's weighting table is keyed by it.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow

	// NumPriorities is the number of priority partitions.
	NumPriorities = 3
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// PriorityWeights maps each priority to its weighted-round-robin share.
// Every weight must be at least 1 so no partition can starve.
type PriorityWeights [NumPriorities]int

// DefaultPriorityWeights drains five high-priority jobs, then three medium,
// then one low per round.
func DefaultPriorityWeights() PriorityWeights {
	return PriorityWeights{5, 3, 1}
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobID uniquely identifies a submitted job.
type JobID = uuid.UUID

// NewJobID returns a fresh job identifier.
func NewJobID() JobID {
	return uuid.New()
}

// ProcessParams are the request parameters that affect processing output.
// Every field is folded into the cache key derivation.
type ProcessParams struct {
	// Language is the ISO-639-1 target language, empty for auto-detect.
	Language string `json:"language,omitempty"`
	// Format selects the processor output format.
	Format string `json:"format,omitempty"`
	// Model names the processing model variant.
	Model string `json:"model,omitempty"`
}

// Job is a unit of submitted work. A job owns its chunks and retry state for
// the duration of Running; once terminal, results are handed to the caller.
type Job struct {
	ID        JobID         `json:"id"`
	Priority  Priority      `json:"priority"`
	Payload   []byte        `json:"-"`
	Params    ProcessParams `json:"params"`
	Status    JobStatus     `json:"status"`
	Retry     RetryState    `json:"retry"`
	Progress  float64       `json:"progress"`
	Result    []byte        `json:"-"`
	LastError string        `json:"last_error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Chunk is an independently cacheable slice of a job's input. Chunks of one
// job are contiguous, non-overlapping, and cover the whole input; Index
// defines merge order regardless of completion order.
type Chunk struct {
	JobID  JobID `json:"job_id"`
	Index  int   `json:"index"`
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// End returns the exclusive end offset of the chunk.
func (c Chunk) End() int64 {
	return c.Offset + c.Size
}

// ChunkResult is the processed output of a single chunk.
type ChunkResult struct {
	Index    int           `json:"index"`
	Key      CacheKey      `json:"key"`
	Data     []byte        `json:"-"`
	CacheHit bool          `json:"cache_hit"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
}

// RetryState tracks backoff scheduling for a job or chunk task. Attempt never
// exceeds the configured maximum; past that the unit is terminally failed.
type RetryState struct {
	Attempt        int       `json:"attempt"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// Eligible reports whether the unit may run at the given time.
func (r RetryState) Eligible(now time.Time) bool {
	return !now.Before(r.NextEligibleAt)
}

// CacheStats represents cache performance statistics for one tier or the
// whole hierarchy.
type CacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Entries   int     `json:"entries"`
	Size      int64   `json:"size"`
	Capacity  int64   `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

// QueueStats represents queue depth and throughput counters.
type QueueStats struct {
	Depth        [NumPriorities]int `json:"depth"`
	Leased       int                `json:"leased"`
	Enqueued     uint64             `json:"enqueued"`
	Dequeued     uint64             `json:"dequeued"`
	Retried      uint64             `json:"retried"`
	Completed    uint64             `json:"completed"`
	Failed       uint64             `json:"failed"`
	LeaseExpired uint64             `json:"lease_expired"`
}
