// Package sink mirrors published readings to downstream systems.
//
// Each sink is driven by a [Worker] that decouples it from the publish path:
// readings are queued without blocking, written with retries, and guarded by
// a circuit breaker so an unavailable sink is skipped instead of retried on
// every reading.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/jpalmerr/regadera/internal/store"
)

// Write outcomes reported to the result hook.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDropped = "dropped"
)

const (
	defaultQueueSize       = 256
	defaultMaxRetries      = 3
	defaultWriteTimeout    = 5 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerOpen     = 30 * time.Second
	defaultInitialInterval = 200 * time.Millisecond
	defaultDrainTimeout    = 5 * time.Second
)

// Sink writes readings to one downstream system.
type Sink interface {
	Name() string
	Write(ctx context.Context, r store.Reading) error
	Close() error
}

// Worker delivers readings to a [Sink] from a bounded queue.
type Worker struct {
	sink    Sink
	queue   chan store.Reading
	breaker *gobreaker.CircuitBreaker

	queueSize       int
	maxRetries      uint64
	writeTimeout    time.Duration
	initialInterval time.Duration
	breakerFailures uint32
	breakerOpen     time.Duration
	drainTimeout    time.Duration
	logger          *slog.Logger
	onResult        func(sink, result string)

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// carry holds a reading taken off the queue after ctx was done.
	// Only touched by the delivery goroutine and by Close after it exits.
	carry []store.Reading
}

// WorkerOption configures a [Worker].
type WorkerOption func(*Worker)

// WithQueueSize sets how many readings may wait for delivery. Readings
// arriving while the queue is full are dropped.
func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// WithMaxRetries sets how many times a failed write is retried.
func WithMaxRetries(n uint64) WorkerOption {
	return func(w *Worker) {
		w.maxRetries = n
	}
}

// WithRetryInterval sets the first backoff interval between retries.
func WithRetryInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.initialInterval = d
		}
	}
}

// WithWriteTimeout bounds each individual write attempt.
func WithWriteTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.writeTimeout = d
		}
	}
}

// WithBreaker sets the number of consecutive failed writes that open the
// circuit and how long it stays open.
func WithBreaker(failures uint32, open time.Duration) WorkerOption {
	return func(w *Worker) {
		if failures > 0 {
			w.breakerFailures = failures
		}
		if open > 0 {
			w.breakerOpen = open
		}
	}
}

// WithDrainTimeout bounds how long Close spends delivering readings that
// were still queued. Readings left when it expires are reported as dropped.
func WithDrainTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.drainTimeout = d
		}
	}
}

// WithLogger sets the worker's logger.
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithResultHook registers fn to be called with the outcome of every reading.
func WithResultHook(fn func(sink, result string)) WorkerOption {
	return func(w *Worker) {
		w.onResult = fn
	}
}

// NewWorker creates a [Worker] for s. Call Start to begin delivery.
func NewWorker(s Sink, opts ...WorkerOption) *Worker {
	w := &Worker{
		sink:            s,
		queueSize:       defaultQueueSize,
		maxRetries:      defaultMaxRetries,
		writeTimeout:    defaultWriteTimeout,
		initialInterval: defaultInitialInterval,
		breakerFailures: defaultBreakerFailures,
		breakerOpen:     defaultBreakerOpen,
		drainTimeout:    defaultDrainTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.logger = w.logger.With("sink", s.Name())
	w.queue = make(chan store.Reading, w.queueSize)
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    s.Name(),
		Timeout: w.breakerOpen,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= w.breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("sink circuit state changed",
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return w
}

// Name returns the name of the underlying sink.
func (w *Worker) Name() string {
	return w.sink.Name()
}

// Start launches the delivery goroutine. It stops when ctx is done or the
// worker is closed. Readings still queued when ctx is done are handled by
// Close.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case r, ok := <-w.queue:
				if !ok {
					return
				}
				if ctx.Err() != nil {
					// left for Close to drain
					w.carry = append(w.carry, r)
					return
				}
				w.deliver(ctx, r)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Enqueue queues r for delivery without blocking. It reports false if the
// reading was dropped because the queue is full or the worker is closed.
func (w *Worker) Enqueue(r store.Reading) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}

	select {
	case w.queue <- r:
		return true
	default:
		w.logger.Warn("sink queue full, dropping reading", "reading_id", r.ID)
		w.report(ResultDropped)
		return false
	}
}

// Close stops accepting readings, waits for the delivery goroutine and
// closes the sink. Readings still queued are delivered within the drain
// timeout, independent of the context passed to Start; any left after it
// are reported as dropped.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
	w.drain()

	if err := w.sink.Close(); err != nil {
		return fmt.Errorf("closing sink %s: %w", w.sink.Name(), err)
	}
	return nil
}

func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.drainTimeout)
	defer cancel()

	deliver := func(r store.Reading) {
		if ctx.Err() != nil {
			w.logger.Warn("sink drain timed out, dropping reading", "reading_id", r.ID)
			w.report(ResultDropped)
			return
		}
		w.deliver(ctx, r)
	}

	for _, r := range w.carry {
		deliver(r)
	}
	w.carry = nil
	for r := range w.queue {
		deliver(r)
	}
}

func (w *Worker) deliver(ctx context.Context, r store.Reading) {
	op := func() error {
		_, err := w.breaker.Execute(func() (interface{}, error) {
			writeCtx, cancel := context.WithTimeout(ctx, w.writeTimeout)
			defer cancel()
			return nil, w.sink.Write(writeCtx, r)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.initialInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, w.maxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		w.logger.Warn("sink write failed",
			"reading_id", r.ID,
			"error", err.Error(),
		)
		w.report(ResultError)
		return
	}
	w.logger.Debug("sink write completed", "reading_id", r.ID)
	w.report(ResultOK)
}

func (w *Worker) report(result string) {
	if w.onResult != nil {
		w.onResult(w.sink.Name(), result)
	}
}
