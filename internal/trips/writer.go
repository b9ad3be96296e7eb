package trips

import (
	"context"
	"errors"
	"sync"
	"time"

	"trip-detector/internal/logger"
	mmetrics "trip-detector/internal/metrics"
	"trip-detector/internal/tracking"
)

var (
	ErrQueueFull    = errors.New("trip write queue full")
	ErrWriterClosed = errors.New("trip writer closed")
)

const writeTimeout = 5 * time.Second

// TripWriter is the write side of the trip persistence gateway.
type TripWriter interface {
	CloseTrip(ctx context.Context, t tracking.Trip) (int64, error)
}

type WriterOptions struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultWriterOptions() WriterOptions {
	return WriterOptions{Workers: 2, QueueSize: 1024, MaxAttempts: 3, Backoff: 250 * time.Millisecond}
}

// Writer persists closed trips off the hot path. Submit never blocks; each
// write is retried with exponential backoff before the trip is given up.
type Writer struct {
	store   TripWriter
	opts    WriterOptions
	log     *logger.Logger
	metrics *mmetrics.Collector

	queue  chan tracking.Trip
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewWriter(store TripWriter, opts WriterOptions, log *logger.Logger, metrics *mmetrics.Collector) *Writer {
	def := DefaultWriterOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if log == nil {
		log = logger.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		store:   store,
		opts:    opts,
		log:     log.WithTag("writer"),
		metrics: metrics,
		queue:   make(chan tracking.Trip, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for t := range w.queue {
				w.persist(t)
				if w.metrics != nil {
					w.metrics.PersistQueue.Set(float64(len(w.queue)))
				}
			}
		}()
	}
	return w
}

func (w *Writer) Submit(t tracking.Trip) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped()
		return ErrWriterClosed
	}
	select {
	case w.queue <- t:
		if w.metrics != nil {
			w.metrics.PersistQueue.Set(float64(len(w.queue)))
		}
		return nil
	default:
		w.dropped()
		return ErrQueueFull
	}
}

func (w *Writer) dropped() {
	if w.metrics != nil {
		w.metrics.PersistDropped.Inc()
	}
}

func (w *Writer) persist(t tracking.Trip) {
	delay := w.opts.Backoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(w.ctx, writeTimeout)
		start := time.Now()
		id, err := w.store.CloseTrip(ctx, t)
		cancel()
		if w.metrics != nil {
			w.metrics.PersistDuration.Observe(time.Since(start).Seconds())
		}
		if err == nil {
			w.log.Debugf("device %d: trip %s stored as %d", t.DeviceID, t.Ref, id)
			if w.metrics != nil {
				w.metrics.PersistSucceeded.Inc()
			}
			return
		}
		if attempt >= w.opts.MaxAttempts || w.ctx.Err() != nil {
			w.log.Errorf("device %d: trip %s lost after %d attempt(s): %v", t.DeviceID, t.Ref, attempt, err)
			if w.metrics != nil {
				w.metrics.PersistFailed.Inc()
			}
			return
		}
		w.log.Warnf("device %d: trip %s write failed (attempt %d/%d): %v", t.DeviceID, t.Ref, attempt, w.opts.MaxAttempts, err)
		if w.metrics != nil {
			w.metrics.PersistRetries.Inc()
		}
		timer := time.NewTimer(delay)
		select {
		case <-w.ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		delay *= 2
	}
}

// Close stops accepting trips and waits for queued writes to finish. If ctx
// expires first, in-flight retries are abandoned.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}
