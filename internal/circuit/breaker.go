// Package circuit guards the external processor with a circuit breaker so a
// hard outage sheds load fast instead of burning every job's retry budget
// against a dead endpoint.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/transflow/transflow/pkg/errors"
	"github.com/transflow/transflow/pkg/types"
	"github.com/transflow/transflow/pkg/utils"
)

// State is the breaker state.
type State int

const (
	// StateClosed passes calls through.
	StateClosed State = iota
	// StateOpen rejects calls immediately.
	StateOpen
	// StateHalfOpen admits probe calls until enough succeed.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker. Only transient processor failures count toward
// tripping; invalid input and other permanent errors say nothing about the
// endpoint's health.
type Config struct {
	// FailureThreshold is the consecutive transient failures that open
	// the breaker.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open before admitting
	// probes.
	OpenTimeout time.Duration

	// HalfOpenProbes is how many successful probes close the breaker
	// again.
	HalfOpenProbes int

	Logger *utils.Logger
	Sink   types.MetricsSink
}

// Breaker wraps a Processor. A rejected call returns
// PROCESSOR_UNAVAILABLE, which is transient, so the caller's normal backoff
// handles the wait.
type Breaker struct {
	inner types.Processor

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	threshold   int
	openTimeout time.Duration
	probes      int
	now         func() time.Time

	logger *utils.Logger
	sink   types.MetricsSink
}

// Wrap decorates a processor with the breaker.
func Wrap(inner types.Processor, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	var sink types.MetricsSink = cfg.Sink
	if sink == nil {
		sink = types.NoopSink{}
	}

	return &Breaker{
		inner:       inner,
		state:       StateClosed,
		threshold:   cfg.FailureThreshold,
		openTimeout: cfg.OpenTimeout,
		probes:      cfg.HalfOpenProbes,
		now:         time.Now,
		logger:      cfg.Logger.WithComponent("circuit"),
		sink:        sink,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// ProcessChunk implements types.Processor.
func (b *Breaker) ProcessChunk(ctx context.Context, data []byte, params types.ProcessParams) ([]byte, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}

	result, err := b.inner.ProcessChunk(ctx, data, params)
	b.record(err)
	return result, err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateOpen:
		b.sink.Record("circuit.rejected", 1, nil)
		return errors.New(errors.ErrCodeProcessorUnavailable, "circuit breaker open").
			WithComponent("circuit")
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateLocked()

	if err != nil && errors.IsTransient(err) {
		b.failures++
		b.successes = 0
		if state == StateHalfOpen || b.failures >= b.threshold {
			b.transition(StateOpen)
			b.openedAt = b.now()
		}
		return
	}
	if err != nil {
		// Permanent errors are the caller's problem, not the endpoint's.
		return
	}

	b.failures = 0
	if state == StateHalfOpen {
		b.successes++
		if b.successes >= b.probes {
			b.transition(StateClosed)
		}
	}
}

// stateLocked folds the open-timeout expiry into the state read.
func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.transition(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.logger.Warn("breaker %s -> %s", b.state, to)
	b.sink.Record("circuit.transition", 1, map[string]string{"to": to.String()})
	b.state = to
	b.successes = 0
	if to == StateClosed {
		b.failures = 0
	}
}
