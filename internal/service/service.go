// Package service assembles the pipeline from configuration and exposes
// the embedding API: submit, status, cancel, shutdown.
package service

import (
	"context"
	"io"
	"os"

	"github.com/transflow/transflow/internal/address"
	"github.com/transflow/transflow/internal/cache"
	"github.com/transflow/transflow/internal/chunk"
	"github.com/transflow/transflow/internal/circuit"
	"github.com/transflow/transflow/internal/config"
	"github.com/transflow/transflow/internal/metrics"
	"github.com/transflow/transflow/internal/orchestrator"
	"github.com/transflow/transflow/internal/queue"
	"github.com/transflow/transflow/internal/worker"
	"github.com/transflow/transflow/pkg/errors"
	"github.com/transflow/transflow/pkg/retry"
	"github.com/transflow/transflow/pkg/types"
	"github.com/transflow/transflow/pkg/utils"
)

// Option customizes construction, mainly to substitute external tiers in
// tests.
type Option func(*options)

type options struct {
	logOutput io.Writer
	shared    types.TierStore
	durable   types.TierStore
	sink      types.MetricsSink
}

// WithLogOutput redirects log output, default os.Stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithSharedTier substitutes the shared cache tier, bypassing the Redis
// URL in the configuration.
func WithSharedTier(s types.TierStore) Option {
	return func(o *options) { o.shared = s }
}

// WithDurableTier substitutes the durable cache tier, bypassing the S3
// settings in the configuration.
func WithDurableTier(s types.TierStore) Option {
	return func(o *options) { o.durable = s }
}

// WithMetricsSink substitutes the metrics sink.
func WithMetricsSink(s types.MetricsSink) Option {
	return func(o *options) { o.sink = s }
}

// Service is the top-level pipeline facade. One Service owns one queue,
// one cache, and one worker pool.
type Service struct {
	cfg    *config.Configuration
	logger *utils.Logger
	sink   types.MetricsSink
	cache  *cache.MultiLevelCache
	queue  *queue.Queue
	pool   *worker.Pool
	redis  *cache.RedisStore
}

// New builds the pipeline from configuration. The processor is the caller's
// client for the external processing API. The service does not start
// draining jobs until Start is called.
func New(ctx context.Context, cfg *config.Configuration, processor types.Processor, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigValidation, "invalid configuration", err)
	}
	if processor == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "processor is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logOutput == nil {
		o.logOutput = os.Stderr
	}

	level, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigValidation, "invalid log level", err)
	}
	logger := utils.NewLogger(level, o.logOutput)

	sink := o.sink
	if sink == nil {
		if cfg.Metrics.Enabled {
			sink = metrics.NewPrometheusSink(cfg.Metrics.Namespace)
		} else {
			sink = types.NoopSink{}
		}
	}

	s := &Service{
		cfg:    cfg,
		logger: logger.WithComponent("service"),
		sink:   sink,
	}

	var l1 *cache.LRUCache
	if cfg.Cache.L1.Enabled {
		l1 = cache.NewLRUCache(cache.LRUConfig{
			MaxSize:    cfg.L1MaxBytes(),
			MaxEntries: cfg.Cache.L1.MaxEntries,
			MaxTTL:     cfg.Cache.L1.TTL,
		})
	}

	shared := o.shared
	if shared == nil && cfg.Cache.L2.Enabled {
		rs, err := cache.NewRedisStore(cfg.Cache.L2.URL)
		if err != nil {
			return nil, err
		}
		s.redis = rs
		shared = rs
	}

	durable := o.durable
	if durable == nil && cfg.Cache.L3.Enabled {
		ds, err := cache.NewS3Store(ctx, cfg.Cache.L3.Bucket, cfg.Cache.L3.Region, cfg.Cache.L3.Prefix)
		if err != nil {
			return nil, err
		}
		durable = ds
	}

	s.cache = cache.NewMultiLevelCache(cache.MultiLevelConfig{
		L1:            l1,
		Shared:        shared,
		Durable:       durable,
		SharedTTL:     cfg.Cache.L2.TTL,
		DurableTTL:    cfg.Cache.L3.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
		Logger:        logger,
		Sink:          sink,
	})

	s.queue = queue.New(queue.Config{
		Weights:      cfg.PriorityWeights(),
		MaxAttempts:  cfg.Queue.Retry.MaxAttempts,
		LeaseTimeout: cfg.Queue.LeaseTimeout,
		Backoff:      toRetryConfig(cfg.Queue.Retry),
		Logger:       logger,
		Sink:         sink,
	})

	sizer := chunk.NewSizer(cfg.MinChunkBytes(), cfg.MaxChunkBytes(), cfg.Workers.PerJobConcurrency)

	if cfg.Processor.Breaker.Enabled {
		processor = circuit.Wrap(processor, circuit.Config{
			FailureThreshold: cfg.Processor.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Processor.Breaker.OpenTimeout,
			HalfOpenProbes:   cfg.Processor.Breaker.HalfOpenProbes,
			Logger:           logger,
			Sink:             sink,
		})
	}

	orch := orchestrator.New(sizer, address.New(), s.cache, processor, orchestrator.Config{
		PerJobConcurrency: cfg.Workers.PerJobConcurrency,
		GlobalConcurrency: cfg.Workers.GlobalConcurrency,
		ProcessorTimeout:  cfg.Processor.Timeout,
		CacheTTL:          cfg.Cache.DefaultTTL,
		ChunkRetry:        toRetryConfig(cfg.Processor.Retry),
		Logger:            logger,
		Sink:              sink,
	})

	s.pool = worker.NewPool(s.queue, orch, worker.Config{
		Count:             cfg.Workers.Count,
		HeartbeatInterval: cfg.Queue.LeaseTimeout / 3,
		Logger:            logger,
		Sink:              sink,
	})

	return s, nil
}

// Start begins draining the queue.
func (s *Service) Start() {
	s.pool.Start()
	s.logger.Info("pipeline started")
}

// SubmitJob validates and enqueues a job, returning its ID immediately.
// Payloads larger than the processor's per-call limit are accepted; the
// orchestrator splits them into chunks that each fit a single call.
func (s *Service) SubmitJob(payload []byte, params types.ProcessParams, priority types.Priority) (types.JobID, error) {
	if len(payload) == 0 {
		return types.JobID{}, errors.New(errors.ErrCodeInvalidInput, "empty payload")
	}
	if !priority.Valid() {
		return types.JobID{}, errors.Newf(errors.ErrCodeInvalidInput, "invalid priority %d", priority)
	}

	id, err := s.queue.Enqueue(&types.Job{
		Priority: priority,
		Payload:  payload,
		Params:   params,
	})
	if err != nil {
		return types.JobID{}, err
	}
	s.logger.Debug("job %s submitted: %s at %s priority", id, utils.FormatBytes(int64(len(payload))), priority)
	return id, nil
}

// GetStatus returns a snapshot of the job, including progress, retry state,
// and the merged result once completed.
func (s *Service) GetStatus(id types.JobID) (types.Job, error) {
	return s.queue.Get(id)
}

// Cancel stops a job. A queued job is removed; a running job has its
// context canceled and settles as failed with JOB_CANCELED.
func (s *Service) Cancel(id types.JobID) error {
	running, err := s.queue.Cancel(id)
	if err != nil {
		return err
	}
	if running {
		if !s.pool.Interrupt(id) {
			// Raced with completion or lease reaping; the queue state
			// is already settled or will be on the next transition.
			s.logger.Debug("cancel of %s found no running worker", id)
		}
	}
	return nil
}

// Invalidate removes a cached chunk result from every tier.
func (s *Service) Invalidate(ctx context.Context, key types.CacheKey, reason string) error {
	return s.cache.Invalidate(ctx, key, reason)
}

// CacheStats reports aggregate and per-tier cache counters.
func (s *Service) CacheStats() (types.CacheStats, map[string]uint64) {
	return s.cache.Stats()
}

// QueueStats reports queue lifecycle counters.
func (s *Service) QueueStats() types.QueueStats {
	return s.queue.Stats()
}

// Close shuts the pipeline down: the queue stops handing out jobs, workers
// finish or abandon their current job, and cache tiers are released.
func (s *Service) Close() error {
	s.queue.Close()
	s.pool.Stop()
	s.cache.Close()
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

func toRetryConfig(rc config.RetryConfig) retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxAttempts,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.Multiplier,
		Jitter:       rc.Jitter,
	}
}
