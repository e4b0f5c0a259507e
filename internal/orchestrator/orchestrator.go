// Package orchestrator executes all chunks of a job with bounded
// parallelism and merges their results in deterministic index order.
package orchestrator

import (
	"bytes"
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"time"

	"github.com/transflow/transflow/internal/address"
	"github.com/transflow/transflow/internal/cache"
	"github.com/transflow/transflow/internal/chunk"
	"github.com/transflow/transflow/pkg/errors"
	"github.com/transflow/transflow/pkg/retry"
	"github.com/transflow/transflow/pkg/types"
	"github.com/transflow/transflow/pkg/utils"
)

// Config configures an Orchestrator.
type Config struct {
	// PerJobConcurrency bounds chunks in flight for a single job.
	PerJobConcurrency int

	// GlobalConcurrency bounds outstanding processor calls across all jobs
	// (admission control for the external API).
	GlobalConcurrency int

	// ProcessorTimeout bounds each individual processor call. A timeout is
	// a transient failure eligible for retry.
	ProcessorTimeout time.Duration

	// CacheTTL is the retention for chunk results written on processor
	// success. Zero disables caching of results.
	CacheTTL time.Duration

	// ChunkRetry governs per-chunk retry of transient processor failures.
	ChunkRetry retry.Config

	Logger *utils.Logger
	Sink   types.MetricsSink
}

// Orchestrator coordinates chunking, cache probes, processor calls, and the
// ordered merge for one job at a time. It is safe for concurrent use by
// multiple workers; the global semaphore is shared across all of them.
type Orchestrator struct {
	sizer     *chunk.Sizer
	addresser *address.Addresser
	cache     *cache.MultiLevelCache
	processor types.Processor

	perJob    int
	globalSem chan struct{}
	timeout   time.Duration
	cacheTTL  time.Duration
	retryer   *retry.Retryer

	logger *utils.Logger
	sink   types.MetricsSink
}

// New creates an Orchestrator.
func New(sizer *chunk.Sizer, addresser *address.Addresser, mlc *cache.MultiLevelCache,
	processor types.Processor, cfg Config) *Orchestrator {

	if cfg.PerJobConcurrency <= 0 {
		cfg.PerJobConcurrency = 4
	}
	if cfg.GlobalConcurrency < cfg.PerJobConcurrency {
		cfg.GlobalConcurrency = cfg.PerJobConcurrency
	}
	if cfg.ProcessorTimeout <= 0 {
		cfg.ProcessorTimeout = 120 * time.Second
	}
	var sink types.MetricsSink = cfg.Sink
	if sink == nil {
		sink = types.NoopSink{}
	}

	return &Orchestrator{
		sizer:     sizer,
		addresser: addresser,
		cache:     mlc,
		processor: processor,
		perJob:    cfg.PerJobConcurrency,
		globalSem: make(chan struct{}, cfg.GlobalConcurrency),
		timeout:   cfg.ProcessorTimeout,
		cacheTTL:  cfg.CacheTTL,
		retryer:   retry.New(cfg.ChunkRetry),
		logger:    cfg.Logger.WithComponent("orchestrator"),
		sink:      sink,
	}
}

// Process executes every chunk of the job and returns the merged result.
// Chunk completion order is unconstrained; the merge is always by chunk
// index. One permanently failed chunk fails the whole job, but results of
// chunks that completed stay cached for a later resubmission. onProgress,
// if non-nil, receives the completed fraction after each chunk.
func (o *Orchestrator) Process(ctx context.Context, job *types.Job, onProgress func(float64)) ([]byte, error) {
	if len(job.Payload) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "empty job payload").
			WithOperation("process")
	}

	jobStart := time.Now()

	chunks, err := o.sizer.ComputeChunks(job.ID, int64(len(job.Payload)))
	if err != nil {
		return nil, err
	}
	if err := chunk.Validate(chunks, int64(len(job.Payload))); err != nil {
		return nil, err
	}

	o.logger.Debug("job %s: %d chunks over %d bytes", job.ID, len(chunks), len(job.Payload))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		jobSem    = make(chan struct{}, o.perJob)
		mu        sync.Mutex
		results   = make([]*types.ChunkResult, len(chunks))
		completed int
		failure   error
	)

	for _, c := range chunks {
		// Cancellation prevents not-yet-started chunks from running.
		if ctx.Err() != nil {
			break
		}

		select {
		case jobSem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(c types.Chunk) {
			defer wg.Done()
			defer func() { <-jobSem }()

			res, err := o.processChunk(ctx, job, c)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if failure == nil {
					failure = err
					cancel()
				}
				return
			}
			results[c.Index] = res
			completed++
			if onProgress != nil {
				onProgress(float64(completed) / float64(len(chunks)))
			}
		}(c)
	}

	wg.Wait()

	if failure != nil {
		o.sink.RecordDuration("job.duration", time.Since(jobStart), map[string]string{"outcome": "failed"})
		return nil, failure
	}
	if err := ctx.Err(); err != nil {
		o.sink.RecordDuration("job.duration", time.Since(jobStart), map[string]string{"outcome": "canceled"})
		return nil, errors.Wrap(errors.ErrCodeJobCanceled, "job canceled", err)
	}

	merged := mergeResults(results)
	o.sink.RecordDuration("job.duration", time.Since(jobStart), map[string]string{"outcome": "completed"})
	o.logger.Info("job %s completed: %d chunks, %d bytes merged in %s",
		job.ID, len(chunks), len(merged), time.Since(jobStart))

	return merged, nil
}

// processChunk resolves one chunk: cache probe first, processor call on
// miss with per-chunk retry for transient failures, write-back on success.
func (o *Orchestrator) processChunk(ctx context.Context, job *types.Job, c types.Chunk) (*types.ChunkResult, error) {
	start := time.Now()
	data := job.Payload[c.Offset:c.End()]

	key, err := o.addresser.DeriveChunkKey(data, job.Params)
	if err != nil {
		return nil, err
	}

	if cached, ok := o.cache.Get(ctx, key); ok {
		o.sink.RecordDuration("chunk.duration", time.Since(start), map[string]string{"source": "cache"})
		return &types.ChunkResult{
			Index:    c.Index,
			Key:      key,
			Data:     cached,
			CacheHit: true,
			Elapsed:  time.Since(start),
		}, nil
	}

	attempts := 0
	var output []byte
	err = o.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++

		select {
		case o.globalSem <- struct{}{}:
		case <-ctx.Done():
			return errors.Wrap(errors.ErrCodeJobCanceled, "chunk canceled", ctx.Err())
		}
		defer func() { <-o.globalSem }()

		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		result, perr := o.callProcessor(callCtx, data, job.Params)
		if perr != nil {
			return o.classify(perr, callCtx, ctx)
		}
		output = result
		return nil
	})
	if err != nil {
		o.sink.RecordDuration("chunk.duration", time.Since(start), map[string]string{"source": "error"})
		o.logger.Warn("job %s chunk %d failed after %d attempts: %v", job.ID, c.Index, attempts, err)
		return nil, errors.Wrap(errors.ErrCodeChunkFailed, "chunk processing failed", err).
			WithContext("chunk", strconv.Itoa(c.Index)).
			WithRetryable(errors.IsTransient(err) || errors.IsExhausted(err))
	}

	// Write through all tiers; a durable-tier failure is logged but does
	// not fail the chunk, since the computed result is already in hand.
	if perr := o.cache.Put(ctx, key, output, o.cacheTTL); perr != nil {
		o.logger.Error("job %s chunk %d cache write failed: %v", job.ID, c.Index, perr)
	}

	o.sink.RecordDuration("chunk.duration", time.Since(start), map[string]string{"source": "processor"})
	return &types.ChunkResult{
		Index:    c.Index,
		Key:      key,
		Data:     output,
		Attempts: attempts,
		Elapsed:  time.Since(start),
	}, nil
}

// callProcessor contains a panicking processor client. Chunk goroutines run
// detached from the worker's recovery, so the panic must be caught here; it
// converts to a transient failure and consumes a retry attempt.
func (o *Orchestrator) callProcessor(ctx context.Context, data []byte, params types.ProcessParams) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrCodePanicRecovered, "processor panic: %v", r)
		}
	}()
	return o.processor.ProcessChunk(ctx, data, params)
}

// classify maps processor errors to the pipeline taxonomy. A deadline on
// the per-call context while the job context is still live is a processor
// timeout, which is transient.
func (o *Orchestrator) classify(err error, callCtx, jobCtx context.Context) error {
	var pe *errors.PipelineError
	if stderrors.As(err, &pe) {
		return err
	}
	if stderrors.Is(callCtx.Err(), context.DeadlineExceeded) && jobCtx.Err() == nil {
		return errors.Wrap(errors.ErrCodeProcessorTimeout, "processor call timed out", err)
	}
	if jobCtx.Err() != nil {
		return errors.Wrap(errors.ErrCodeJobCanceled, "chunk canceled", err)
	}
	// Unclassified processor errors are treated as transient network
	// failures; the retry budget bounds the damage if they are not.
	return errors.Wrap(errors.ErrCodeNetworkError, "processor call failed", err)
}

// mergeResults concatenates chunk outputs strictly in index order.
func mergeResults(results []*types.ChunkResult) []byte {
	var total int
	for _, r := range results {
		total += len(r.Data)
	}
	var buf bytes.Buffer
	buf.Grow(total)
	for _, r := range results {
		buf.Write(r.Data)
	}
	return buf.Bytes()
}
