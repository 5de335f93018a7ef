package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/lingorelay/internal/observe"
	"github.com/MrWong99/lingorelay/internal/resilience"
)

// ErrRecorderClosed is returned by [Recorder.Close] when called twice.
var ErrRecorderClosed = errors.New("usage: recorder closed")

// Recorder persists increments to a [Store] on background workers. Record
// never blocks: when the queue is full, or after Close, the increment is
// dropped and counted. Writes run through a circuit breaker so an unhealthy
// store is not hammered while it recovers.
type Recorder struct {
	store   Store
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	timeout time.Duration

	queue chan Increment
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ Sink = (*Recorder)(nil)

// RecorderOption configures a [Recorder].
type RecorderOption func(*recorderOptions)

type recorderOptions struct {
	workers   int
	queueSize int
	timeout   time.Duration
	breaker   resilience.CircuitBreakerConfig
	metrics   *observe.Metrics
}

// WithWorkers sets the number of writer goroutines. Default: 2.
func WithWorkers(n int) RecorderOption {
	return func(o *recorderOptions) { o.workers = n }
}

// WithQueueSize sets the queue capacity. Default: 1024.
func WithQueueSize(n int) RecorderOption {
	return func(o *recorderOptions) { o.queueSize = n }
}

// WithWriteTimeout bounds each store write. Default: 5s.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(o *recorderOptions) { o.timeout = d }
}

// WithBreaker overrides the circuit breaker configuration.
func WithBreaker(cfg resilience.CircuitBreakerConfig) RecorderOption {
	return func(o *recorderOptions) { o.breaker = cfg }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) RecorderOption {
	return func(o *recorderOptions) { o.metrics = m }
}

// NewRecorder creates a [Recorder] writing to store and starts its workers.
// Call [Recorder.Close] to drain the queue and stop them.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	o := recorderOptions{
		workers:   2,
		queueSize: 1024,
		timeout:   5 * time.Second,
		breaker:   resilience.CircuitBreakerConfig{Name: "usage-store"},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers <= 0 {
		o.workers = 1
	}
	if o.queueSize <= 0 {
		o.queueSize = 1
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	r := &Recorder{
		store:   store,
		breaker: resilience.NewCircuitBreaker(o.breaker),
		metrics: o.metrics,
		timeout: o.timeout,
		queue:   make(chan Increment, o.queueSize),
	}
	for range o.workers {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// Record enqueues inc for persistence and reports whether it was accepted.
func (r *Recorder) Record(inc Increment) bool {
	ctx := context.Background()
	r.metrics.UsageMinutes.Add(ctx, inc.Minutes)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.RecordUsageWrite(ctx, "dropped")
		return false
	}
	select {
	case r.queue <- inc:
		return true
	default:
		slog.Warn("usage recorder queue full, dropping increment",
			"user_id", inc.UserID,
			"session_id", inc.SessionID,
			"minutes", inc.Minutes,
		)
		r.metrics.RecordUsageWrite(ctx, "dropped")
		return false
	}
}

// Close stops accepting increments and waits until the queued ones have been
// written or ctx expires.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRecorderClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BreakerState exposes the store breaker's state for health reporting.
func (r *Recorder) BreakerState() resilience.State { return r.breaker.State() }

func (r *Recorder) work() {
	defer r.wg.Done()
	for inc := range r.queue {
		r.write(inc)
	}
}

func (r *Recorder) write(inc Increment) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := r.breaker.Execute(func() error {
		return r.store.Increment(ctx, inc)
	})
	switch {
	case err == nil:
		r.metrics.RecordUsageWrite(ctx, "ok")
	case errors.Is(err, resilience.ErrCircuitOpen):
		slog.Debug("usage store breaker open, dropping increment",
			"user_id", inc.UserID,
			"minutes", inc.Minutes,
		)
		r.metrics.RecordUsageWrite(ctx, "dropped")
	default:
		slog.Error("usage store write failed",
			"user_id", inc.UserID,
			"session_id", inc.SessionID,
			"minutes", inc.Minutes,
			"err", err,
		)
		r.metrics.RecordUsageWrite(ctx, "error")
	}
}
