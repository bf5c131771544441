// Package writer coalesces point pushes into batched sink writes.
//
// A Writer owns one destination's pending batch. Pushes accumulate until
// the batch size is reached (immediate flush) or the batch interval
// elapses after the last push (trailing-edge debounce). Every pusher
// registers a completion channel that receives exactly one result when
// its batch flushes.
package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/metric"
	"github.com/DendraScience/dendra-worker-tasks-dpe/sink"
)

// Options configure one Writer.
type Options struct {
	BatchSize     int
	BatchInterval time.Duration
	WriteTimeout  time.Duration
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 5000
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
}

// Writer batches points for one destination key.
type Writer struct {
	key     string
	sink    sink.Sink
	opts    sink.Options
	batch   Options
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.Mutex
	queue   []sink.Point
	waiters []chan<- error
	timer   *time.Timer
	closed  bool

	flushWG sync.WaitGroup
}

// New creates a writer for the destination identified by destOpts.
func New(s sink.Sink, destOpts sink.Options, batch Options, logger *slog.Logger, metrics *metric.Metrics) *Writer {
	batch.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		key:     destOpts.Key(),
		sink:    s,
		opts:    destOpts,
		batch:   batch,
		logger:  logger,
		metrics: metrics,
	}
}

// Key returns the destination key this writer serves.
func (w *Writer) Key() string {
	return w.key
}

// Push appends points to the pending batch and registers done to receive
// the batch's write result. Reaching the batch size forces an immediate
// flush; otherwise the flush fires after the batch interval of quiet.
// done must have capacity for one send.
func (w *Writer) Push(points []sink.Point, done chan<- error) {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		if done != nil {
			done <- errors.WrapInvalid(errors.ErrWriteFailed, "Writer", "Push", "writer closed")
		}
		return
	}

	w.queue = append(w.queue, points...)
	if done != nil {
		w.waiters = append(w.waiters, done)
	}

	if w.metrics != nil {
		w.metrics.PointsQueued.WithLabelValues(w.key).Add(float64(len(points)))
	}

	if len(w.queue) >= w.batch.BatchSize {
		// Size threshold met; cancel any pending timer and flush now.
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.startFlushLocked()
		w.mu.Unlock()
		return
	}

	// Trailing-edge debounce: every push pushes the flush out again.
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.batch.BatchInterval, w.timerFlush)
	w.mu.Unlock()
}

// Flush forces an immediate flush of the pending batch and waits for all
// outstanding flushes to complete.
func (w *Writer) Flush() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.startFlushLocked()
	w.mu.Unlock()

	w.flushWG.Wait()
}

// Close flushes pending points and rejects further pushes.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.startFlushLocked()
	w.mu.Unlock()

	w.flushWG.Wait()
}

// timerFlush runs when the debounce interval elapses with no new push.
func (w *Writer) timerFlush() {
	w.mu.Lock()
	w.timer = nil
	w.startFlushLocked()
	w.mu.Unlock()
}

// startFlushLocked swaps out the pending batch and starts its write. The
// swap is the atomicity point: pushes arriving during the write land in a
// fresh batch. Must be called with the mutex held.
func (w *Writer) startFlushLocked() {
	if len(w.queue) == 0 && len(w.waiters) == 0 {
		return
	}

	points := w.queue
	waiters := w.waiters
	w.queue = nil
	w.waiters = nil

	w.flushWG.Add(1)
	go w.write(points, waiters)
}

// write performs one batch write with the create-and-retry-once policy,
// then resolves every waiter with the result.
func (w *Writer) write(points []sink.Point, waiters []chan<- error) {
	defer w.flushWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), w.batch.WriteTimeout)
	defer cancel()

	err := w.writeOnce(ctx, points)

	if w.metrics != nil {
		w.metrics.BatchesWritten.WithLabelValues(w.key).Inc()
		if err != nil {
			w.metrics.WriteErrors.WithLabelValues(w.key).Inc()
		}
	}

	if err != nil {
		w.logger.Error("Batch write failed",
			"destination", w.key,
			"points", len(points),
			"error", err)
	} else {
		w.logger.Debug("Batch written",
			"destination", w.key,
			"points", len(points))
	}

	// Many-to-one fan-out: every push in this batch gets the same result.
	for _, done := range waiters {
		done <- err
	}
}

// writeOnce writes the batch, auto-creating a missing destination and
// retrying exactly once.
func (w *Writer) writeOnce(ctx context.Context, points []sink.Point) error {
	if len(points) == 0 {
		return nil
	}

	err := w.sink.WritePoints(ctx, points, w.opts)
	if err == nil {
		return nil
	}
	if !sink.IsNotFound(err) {
		return errors.WrapTransient(err, "Writer", "writeOnce", "batch write failed")
	}

	w.logger.Info("Destination not found, creating",
		"destination", w.key)

	if createErr := w.sink.CreateDestination(ctx, w.opts); createErr != nil {
		return errors.WrapTransient(createErr, "Writer", "writeOnce", "create destination failed")
	}

	// One retry after creation; a second failure surfaces as-is.
	if retryErr := w.sink.WritePoints(ctx, points, w.opts); retryErr != nil {
		return errors.WrapTransient(retryErr, "Writer", "writeOnce", "batch write failed after create")
	}
	return nil
}

// PendingPoints returns the number of points awaiting flush.
func (w *Writer) PendingPoints() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}
