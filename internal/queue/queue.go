// Package queue implements the priority job queue: three FIFO partitions
// drained by weighted round-robin, exponential-backoff retry as explicit
// state transitions, and lease-based at-least-once delivery. No job is ever
// silently dropped; a worker crash returns its job to the queue when the
// lease expires.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/transflow/transflow/pkg/errors"
	"github.com/transflow/transflow/pkg/retry"
	"github.com/transflow/transflow/pkg/types"
	"github.com/transflow/transflow/pkg/utils"
)

// Config configures the queue.
type Config struct {
	// Weights is the per-priority weighted-round-robin table. Every weight
	// must be at least 1 so no partition starves.
	Weights types.PriorityWeights

	// MaxAttempts bounds executions of one job; past it the job fails
	// terminally with RETRY_EXHAUSTED.
	MaxAttempts int

	// LeaseTimeout is the visibility timeout: a dequeued job not completed,
	// failed, retried, or heartbeated within it becomes eligible again.
	LeaseTimeout time.Duration

	// TickInterval drives the scheduler tick that reaps expired leases and
	// wakes waiters whose backoff deadline has passed.
	TickInterval time.Duration

	// Backoff computes retry delays.
	Backoff retry.Config

	Logger *utils.Logger
	Sink   types.MetricsSink
}

// Queue is an in-process priority job queue. All methods are safe for
// concurrent use.
type Queue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	partitions [types.NumPriorities][]*types.Job
	jobs       map[types.JobID]*types.Job
	leases     map[types.JobID]time.Time
	credits    types.PriorityWeights

	weights      types.PriorityWeights
	maxAttempts  int
	leaseTimeout time.Duration
	retryer      *retry.Retryer

	logger *utils.Logger
	sink   types.MetricsSink
	stats  types.QueueStats

	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a queue and starts its scheduler tick.
func New(cfg Config) *Queue {
	weights := cfg.Weights
	for i := range weights {
		if weights[i] < 1 {
			weights[i] = 1
		}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 5 * time.Minute
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	var sink types.MetricsSink = cfg.Sink
	if sink == nil {
		sink = types.NoopSink{}
	}

	q := &Queue{
		jobs:         make(map[types.JobID]*types.Job),
		leases:       make(map[types.JobID]time.Time),
		weights:      weights,
		credits:      weights,
		maxAttempts:  cfg.MaxAttempts,
		leaseTimeout: cfg.LeaseTimeout,
		retryer:      retry.New(cfg.Backoff),
		logger:       cfg.Logger.WithComponent("queue"),
		sink:         sink,
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
	q.cond = sync.NewCond(&q.mu)

	q.wg.Add(1)
	go q.tickLoop(cfg.TickInterval)

	return q
}

// Enqueue adds a job to its priority partition and returns its ID. A zero
// job ID is assigned; the job starts Queued.
func (q *Queue) Enqueue(job *types.Job) (types.JobID, error) {
	if job == nil {
		return types.JobID{}, errors.New(errors.ErrCodeInvalidInput, "nil job")
	}
	if !job.Priority.Valid() {
		return types.JobID{}, errors.Newf(errors.ErrCodeInvalidInput,
			"invalid priority %d", job.Priority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.JobID{}, errors.New(errors.ErrCodeQueueClosed, "queue is closed")
	}

	if job.ID == (types.JobID{}) {
		job.ID = types.NewJobID()
	}
	now := q.now()
	job.Status = types.JobStatusQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	q.jobs[job.ID] = job
	q.partitions[job.Priority] = append(q.partitions[job.Priority], job)
	q.stats.Enqueued++
	q.sink.Record("queue.enqueued", 1, map[string]string{"priority": job.Priority.String()})

	q.cond.Broadcast()
	return job.ID, nil
}

// Dequeue blocks until an eligible job exists, the context is canceled, or
// the queue is closed. The returned job is Running and holds a lease; the
// caller must finish with Complete, Fail, or Retry, or keep the lease alive
// with Heartbeat, before the visibility timeout passes.
func (q *Queue) Dequeue(ctx context.Context) (*types.Job, error) {
	stop := context.AfterFunc(ctx, func() {
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return nil, errors.New(errors.ErrCodeQueueClosed, "queue is closed")
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeJobCanceled, "dequeue canceled", err)
		}

		if job := q.nextEligibleLocked(q.now()); job != nil {
			job.Status = types.JobStatusRunning
			job.Retry.Attempt++
			job.UpdatedAt = q.now()
			q.leases[job.ID] = q.now().Add(q.leaseTimeout)
			q.stats.Dequeued++
			q.sink.Record("queue.dequeued", 1, map[string]string{"priority": job.Priority.String()})
			return job, nil
		}

		q.cond.Wait()
	}
}

// Retry re-enqueues a job after a transient failure, stamping its backoff
// deadline. Once the attempt budget is exhausted the job fails terminally
// with RETRY_EXHAUSTED instead. Retrying a terminal job is a no-op.
func (q *Queue) Retry(id types.JobID, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return errors.Newf(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	if job.Status.Terminal() {
		return nil
	}

	delete(q.leases, id)
	now := q.now()
	if cause != nil {
		job.Retry.LastError = cause.Error()
		job.LastError = string(errors.Classify(cause))
	}

	if job.Retry.Attempt >= q.maxAttempts {
		job.Status = types.JobStatusFailed
		job.LastError = string(errors.ErrCodeRetryExhausted)
		job.UpdatedAt = now
		q.stats.Failed++
		q.sink.Record("queue.exhausted", 1, map[string]string{"priority": job.Priority.String()})
		q.logger.Warn("job %s failed after %d attempts: %v", id, job.Retry.Attempt, cause)
		return nil
	}

	delay := q.retryer.NextDelay(job.Retry.Attempt)
	job.Retry.NextEligibleAt = now.Add(delay)
	job.Status = types.JobStatusQueued
	job.UpdatedAt = now

	q.partitions[job.Priority] = append(q.partitions[job.Priority], job)
	q.stats.Retried++
	q.sink.Record("queue.retried", 1, map[string]string{"priority": job.Priority.String()})
	q.logger.Debug("job %s scheduled for retry %d in %s", id, job.Retry.Attempt+1, delay)

	q.cond.Broadcast()
	return nil
}

// Complete marks a job completed with its merged result. Completing an
// already-terminal job is a no-op, tolerating duplicate delivery.
func (q *Queue) Complete(id types.JobID, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return errors.Newf(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	if job.Status.Terminal() {
		return nil
	}

	delete(q.leases, id)
	job.Status = types.JobStatusCompleted
	job.Result = result
	job.Progress = 1.0
	job.UpdatedAt = q.now()
	q.stats.Completed++
	q.sink.Record("queue.completed", 1, map[string]string{"priority": job.Priority.String()})
	return nil
}

// Fail terminally fails a job. Idempotent like Complete.
func (q *Queue) Fail(id types.JobID, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return errors.Newf(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	if job.Status.Terminal() {
		return nil
	}

	delete(q.leases, id)
	job.Status = types.JobStatusFailed
	if cause != nil {
		job.Retry.LastError = cause.Error()
		job.LastError = string(errors.Classify(cause))
	}
	job.UpdatedAt = q.now()
	q.stats.Failed++
	q.sink.Record("queue.failed", 1, map[string]string{"priority": job.Priority.String()})
	return nil
}

// Cancel removes a queued job. It returns true if the job was running when
// canceled, in which case the caller is responsible for interrupting the
// worker; the queue only prevents a requeue.
func (q *Queue) Cancel(id types.JobID) (running bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return false, errors.Newf(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	if job.Status.Terminal() {
		return false, nil
	}

	if job.Status == types.JobStatusRunning {
		return true, nil
	}

	q.removeFromPartitionLocked(job)
	job.Status = types.JobStatusFailed
	job.LastError = string(errors.ErrCodeJobCanceled)
	job.UpdatedAt = q.now()
	q.stats.Failed++
	return false, nil
}

// Heartbeat extends the lease of a running job. Workers call this while a
// long job is in flight so the reaper does not redeliver it.
func (q *Queue) Heartbeat(id types.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leases[id]; !ok {
		return errors.Newf(errors.ErrCodeInvalidState, "job %s holds no lease", id)
	}
	q.leases[id] = q.now().Add(q.leaseTimeout)
	return nil
}

// SetProgress records the completed fraction of a running job.
func (q *Queue) SetProgress(id types.JobID, progress float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.jobs[id]; ok && job.Status == types.JobStatusRunning {
		job.Progress = progress
		job.UpdatedAt = q.now()
	}
}

// Get returns a copy of the job record.
func (q *Queue) Get(id types.JobID) (types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return types.Job{}, errors.Newf(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	return *job, nil
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() types.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := q.stats
	for p := range q.partitions {
		stats.Depth[p] = len(q.partitions[p])
	}
	stats.Leased = len(q.leases)
	return stats
}

// Close stops the scheduler tick and wakes all blocked Dequeue calls.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopCh)
	q.cond.Broadcast()
	q.wg.Wait()
}

// nextEligibleLocked picks the next job honoring the weighted round-robin
// credits. A credited partition with no eligible job forfeits its remaining
// credits, so a round always completes even when partitions sit empty. If a
// whole credited pass yields nothing the credits reset and a second pass
// serves whatever is eligible, keeping the queue work-conserving.
func (q *Queue) nextEligibleLocked(now time.Time) *types.Job {
	for pass := 0; pass < 2; pass++ {
		for p := 0; p < types.NumPriorities; p++ {
			if q.credits[p] == 0 {
				continue
			}
			job := q.popEligibleLocked(types.Priority(p), now)
			if job == nil {
				q.credits[p] = 0
				continue
			}
			q.credits[p]--
			q.refillCreditsIfSpentLocked()
			return job
		}
		q.credits = q.weights
	}
	return nil
}

// popEligibleLocked removes and returns the first job in partition p whose
// backoff deadline has passed. Jobs not yet eligible are skipped in place,
// preserving FIFO order among eligible jobs.
func (q *Queue) popEligibleLocked(p types.Priority, now time.Time) *types.Job {
	partition := q.partitions[p]
	for i, job := range partition {
		if job.Retry.Eligible(now) {
			q.partitions[p] = append(partition[:i], partition[i+1:]...)
			return job
		}
	}
	return nil
}

func (q *Queue) refillCreditsIfSpentLocked() {
	for _, c := range q.credits {
		if c > 0 {
			return
		}
	}
	q.credits = q.weights
}

func (q *Queue) removeFromPartitionLocked(job *types.Job) {
	partition := q.partitions[job.Priority]
	for i, j := range partition {
		if j.ID == job.ID {
			q.partitions[job.Priority] = append(partition[:i], partition[i+1:]...)
			return
		}
	}
}

// tickLoop is the scheduler tick: it returns expired leases to their
// partitions and wakes waiters so backoff deadlines are re-checked.
func (q *Queue) tickLoop(interval time.Duration) {
	defer q.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.reapExpiredLeases()
			q.cond.Broadcast()
		case <-q.stopCh:
			return
		}
	}
}

// reapExpiredLeases returns jobs whose worker went silent to the Queued
// state so another worker can pick them up. The attempt made under the
// expired lease still counts against the budget.
func (q *Queue) reapExpiredLeases() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for id, expiry := range q.leases {
		if now.Before(expiry) {
			continue
		}
		job, ok := q.jobs[id]
		if !ok || job.Status != types.JobStatusRunning {
			delete(q.leases, id)
			continue
		}

		delete(q.leases, id)
		q.stats.LeaseExpired++
		q.logger.Warn("lease expired for job %s (attempt %d), requeueing", id, job.Retry.Attempt)
		q.sink.Record("queue.lease_expired", 1, map[string]string{"priority": job.Priority.String()})

		if job.Retry.Attempt >= q.maxAttempts {
			job.Status = types.JobStatusFailed
			job.LastError = string(errors.ErrCodeRetryExhausted)
			job.UpdatedAt = now
			q.stats.Failed++
			continue
		}

		job.Status = types.JobStatusQueued
		job.UpdatedAt = now
		q.partitions[job.Priority] = append(q.partitions[job.Priority], job)
	}
}
