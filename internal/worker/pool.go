// Package worker runs the pool that drains the job queue and drives the
// orchestrator, mapping outcomes back onto queue transitions.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/transflow/transflow/internal/orchestrator"
	"github.com/transflow/transflow/internal/queue"
	"github.com/transflow/transflow/pkg/errors"
	"github.com/transflow/transflow/pkg/types"
	"github.com/transflow/transflow/pkg/utils"
)

// Config configures a Pool.
type Config struct {
	// Count is the number of worker goroutines.
	Count int

	// HeartbeatInterval is how often a worker extends its lease while a
	// job is in flight. It should be well under the queue's lease timeout.
	HeartbeatInterval time.Duration

	Logger *utils.Logger
	Sink   types.MetricsSink
}

// Pool owns a fixed set of workers. Each worker loops dequeue, process,
// settle. Transient and exhausted failures go back through the queue's
// retry path; permanent failures and cancellations settle terminally.
type Pool struct {
	queue     *queue.Queue
	orch      *orchestrator.Orchestrator
	count     int
	heartbeat time.Duration
	logger    *utils.Logger
	sink      types.MetricsSink

	mu      sync.Mutex
	running map[types.JobID]context.CancelFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewPool creates a Pool. Call Start to begin draining the queue.
func NewPool(q *queue.Queue, orch *orchestrator.Orchestrator, cfg Config) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 4
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	var sink types.MetricsSink = cfg.Sink
	if sink == nil {
		sink = types.NoopSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:      q,
		orch:       orch,
		count:      cfg.Count,
		heartbeat:  cfg.HeartbeatInterval,
		logger:     cfg.Logger.WithComponent("worker"),
		sink:       sink,
		running:    make(map[types.JobID]context.CancelFunc),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Start launches the worker goroutines. Subsequent calls are no-ops.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.count; i++ {
			p.wg.Add(1)
			go p.run(i)
		}
		p.logger.Info("started %d workers", p.count)
	})
}

// Stop cancels all in-flight jobs and waits for the workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.baseCancel()
		p.wg.Wait()
		p.logger.Info("all workers stopped")
	})
}

// Interrupt cancels the context of a running job. It returns false when the
// job is not currently executing on this pool.
func (p *Pool) Interrupt(id types.JobID) bool {
	p.mu.Lock()
	cancel, ok := p.running[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for {
		job, err := p.queue.Dequeue(p.baseCtx)
		if err != nil {
			// Closed queue or pool shutdown; either way this worker
			// is done.
			p.logger.Debug("worker %d exiting: %v", id, err)
			return
		}
		p.execute(id, job)
	}
}

// execute runs one job to a terminal or retried state. A panic in the
// orchestrator or processor is contained here and treated as a transient
// failure so the job gets its remaining retry budget.
func (p *Pool) execute(workerID int, job *types.Job) {
	jobCtx, cancel := context.WithCancel(p.baseCtx)
	defer cancel()

	p.mu.Lock()
	p.running[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, job.ID)
		p.mu.Unlock()
	}()

	hbDone := make(chan struct{})
	go p.keepLeaseAlive(job.ID, hbDone)
	defer close(hbDone)

	start := time.Now()
	p.logger.Debug("worker %d picked job %s (attempt %d, priority %s)",
		workerID, job.ID, job.Retry.Attempt, job.Priority)

	result, err := p.processSafely(jobCtx, job)
	p.sink.RecordDuration("worker.job", time.Since(start), map[string]string{
		"priority": job.Priority.String(),
	})

	switch {
	case err == nil:
		if cerr := p.queue.Complete(job.ID, result); cerr != nil {
			p.logger.Warn("worker %d could not complete job %s: %v", workerID, job.ID, cerr)
		}

	case jobCtx.Err() != nil && p.baseCtx.Err() == nil:
		// Interrupted by Cancel while the pool itself is still live.
		p.queue.Fail(job.ID, errors.Wrap(errors.ErrCodeJobCanceled, "job canceled", jobCtx.Err()))

	case errors.IsTransient(err) || errors.IsExhausted(err):
		p.logger.Warn("worker %d job %s failed transiently: %v", workerID, job.ID, err)
		p.queue.Retry(job.ID, err)

	default:
		p.logger.Error("worker %d job %s failed permanently: %v", workerID, job.ID, err)
		p.queue.Fail(job.ID, err)
	}
}

func (p *Pool) processSafely(ctx context.Context, job *types.Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrCodePanicRecovered, "panic while processing job %s: %v", job.ID, r)
		}
	}()
	return p.orch.Process(ctx, job, func(fraction float64) {
		p.queue.SetProgress(job.ID, fraction)
	})
}

// keepLeaseAlive heartbeats the queue until the job settles. A failed
// heartbeat means the lease was already reaped or settled; stop quietly and
// let the queue's redelivery semantics take over.
func (p *Pool) keepLeaseAlive(id types.JobID, done <-chan struct{}) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(id); err != nil {
				return
			}
		}
	}
}
