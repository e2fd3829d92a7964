package tsdb

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/homepulse/internal/events"
	"github.com/nugget/homepulse/internal/metrics"
)

// Store is the write-path surface the batch writer needs. *Client
// satisfies it; tests substitute fakes.
type Store interface {
	Write(ctx context.Context, lines []byte) error
}

// BatchWriterConfig configures a BatchWriter. Zero values take the
// documented defaults.
type BatchWriterConfig struct {
	// MaxBatchSize triggers a flush when a batch reaches this many
	// points (default 1000).
	MaxBatchSize int
	// MaxBatchAge triggers a flush this long after a batch's first
	// point arrives (default 5s).
	MaxBatchAge time.Duration
	// RetryBufferSize bounds the number of failed batches held for
	// retry (default 100). Overflow dead-letters the oldest batch.
	RetryBufferSize int
	// RetryBase is the initial retry delay (default 250ms, factor 2,
	// cap RetryCap, equal jitter).
	RetryBase time.Duration
	// RetryCap ceils the retry delay (default 30s).
	RetryCap time.Duration
	// DrainTimeout bounds the final flush at shutdown (default 10s).
	DrainTimeout time.Duration

	Logger  *slog.Logger
	Bus     *events.Bus
	Metrics *metrics.Registry
}

// writeBatch is one encoded-or-pending unit of delivery. A batch is
// flushed exactly once successfully; failed batches keep their identity
// through the retry buffer.
type writeBatch struct {
	id       string
	points   []Point
	created  time.Time
	attempts int
}

// BatchWriter accumulates points into batches and delivers them to the
// store. Delivery failures are classified: transient errors park the
// batch in a bounded retry buffer serviced with exponential backoff;
// permanent rejections dead-letter the batch immediately so one
// poisoned payload cannot wedge the pipeline.
type BatchWriter struct {
	cfg    BatchWriterConfig
	store  Store
	logger *slog.Logger

	in chan Point

	retryMu   sync.Mutex
	retry     []*writeBatch
	retryWake chan struct{}

	lastFlush atomic.Int64 // unix nanos of last successful write

	enqueued      *metrics.Counter
	written       *metrics.Counter
	flushed       *metrics.Counter
	retried       *metrics.Counter
	deadLettered  *metrics.Counter
	unencodable   *metrics.Counter
	retryDepth    *metrics.Gauge
	lastFlushTime *metrics.Gauge
}

// NewBatchWriter creates a writer delivering to store. Run must be
// called to start delivery.
func NewBatchWriter(store Store, cfg BatchWriterConfig) *BatchWriter {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.MaxBatchAge <= 0 {
		cfg.MaxBatchAge = 5 * time.Second
	}
	if cfg.RetryBufferSize <= 0 {
		cfg.RetryBufferSize = 100
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &BatchWriter{
		cfg:       cfg,
		store:     store,
		logger:    cfg.Logger,
		in:        make(chan Point, cfg.MaxBatchSize),
		retryWake: make(chan struct{}, 1),

		enqueued:      cfg.Metrics.Counter("writer_points_enqueued"),
		written:       cfg.Metrics.Counter("writer_points_written"),
		flushed:       cfg.Metrics.Counter("writer_batches_flushed"),
		retried:       cfg.Metrics.Counter("writer_batches_retried"),
		deadLettered:  cfg.Metrics.Counter("writer_points_dead_lettered"),
		unencodable:   cfg.Metrics.Counter("writer_points_unencodable"),
		retryDepth:    cfg.Metrics.Gauge("writer_retry_buffer_depth"),
		lastFlushTime: cfg.Metrics.Gauge("writer_last_flush_at"),
	}
}

// Write enqueues points for delivery, blocking while the intake buffer
// is full. Returns ctx.Err if cancelled mid-enqueue.
func (w *BatchWriter) Write(ctx context.Context, pts ...Point) error {
	for _, p := range pts {
		select {
		case w.in <- p:
			w.enqueued.Inc()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// LastFlush returns the time of the last successful store write, or the
// zero time if nothing has been written yet.
func (w *BatchWriter) LastFlush() time.Time {
	n := w.lastFlush.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run delivers batches until ctx is cancelled, then drains: the open
// batch, anything still buffered on the intake channel, and one final
// pass over the retry buffer, all under DrainTimeout.
func (w *BatchWriter) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.retryLoop(ctx)
	}()

	var cur []Point
	var batchStart time.Time
	ageTimer := time.NewTimer(w.cfg.MaxBatchAge)
	if !ageTimer.Stop() {
		<-ageTimer.C
	}
	timerArmed := false

	for {
		select {
		case p := <-w.in:
			if len(cur) == 0 {
				batchStart = time.Now()
				ageTimer.Reset(w.cfg.MaxBatchAge)
				timerArmed = true
			}
			cur = append(cur, p)
			if len(cur) >= w.cfg.MaxBatchSize {
				w.flush(ctx, w.seal(cur, batchStart))
				cur = nil
				if timerArmed && !ageTimer.Stop() {
					<-ageTimer.C
				}
				timerArmed = false
			}

		case <-ageTimer.C:
			timerArmed = false
			if len(cur) > 0 {
				w.flush(ctx, w.seal(cur, batchStart))
				cur = nil
			}

		case <-ctx.Done():
			wg.Wait()
			w.drain(cur, batchStart)
			return nil
		}
	}
}

func (w *BatchWriter) seal(points []Point, created time.Time) *writeBatch {
	return &writeBatch{
		id:      uuid.NewString(),
		points:  points,
		created: created,
	}
}

// drain performs the shutdown flush under its own deadline; the run
// context is already cancelled by the time it is called.
func (w *BatchWriter) drain(cur []Point, batchStart time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()

	// Points still buffered on the intake channel belong to shutdown's
	// final batch.
	for {
		select {
		case p := <-w.in:
			if len(cur) == 0 {
				batchStart = time.Now()
			}
			cur = append(cur, p)
		default:
			goto buffered
		}
	}
buffered:
	for len(cur) > 0 {
		n := len(cur)
		if n > w.cfg.MaxBatchSize {
			n = w.cfg.MaxBatchSize
		}
		w.flush(ctx, w.seal(cur[:n], batchStart))
		cur = cur[n:]
	}

	// One last attempt for parked batches. Anything still failing is
	// dead-lettered so shutdown always terminates.
	for {
		b := w.popRetry()
		if b == nil {
			break
		}
		if err := w.attempt(ctx, b); err != nil {
			w.deadLetter(b, classifyReason(err))
		}
	}
}

// flush attempts delivery and routes failures. Called only from the run
// loop and drain.
func (w *BatchWriter) flush(ctx context.Context, b *writeBatch) {
	err := w.attempt(ctx, b)
	if err == nil {
		return
	}
	if IsPermanent(err) {
		w.deadLetter(b, classifyReason(err))
		return
	}
	w.logger.Warn("batch write failed, parking for retry",
		"batch_id", b.id,
		"points", len(b.points),
		"error", err,
	)
	w.pushRetry(b)
}

// attempt encodes and writes one batch. Returns nil when the store
// accepted it.
func (w *BatchWriter) attempt(ctx context.Context, b *writeBatch) error {
	buf := make([]byte, 0, len(b.points)*128)
	encoded := 0
	for _, p := range b.points {
		next, err := AppendLine(buf, p)
		if err != nil {
			w.unencodable.Inc()
			continue
		}
		buf = next
		encoded++
	}
	if encoded == 0 {
		return nil
	}

	b.attempts++
	done := w.cfg.Metrics.Time("writer_flush_latency")
	err := w.store.Write(ctx, buf)
	done()
	if err != nil {
		return err
	}

	w.flushed.Inc()
	w.written.Add(int64(encoded))
	w.lastFlush.Store(time.Now().UnixNano())
	w.lastFlushTime.SetTime(time.Now())
	w.cfg.Bus.Publish(events.Event{
		Source: events.SourceWriter,
		Kind:   events.KindBatchFlushed,
		Data:   map[string]any{"batch_id": b.id, "points": encoded, "attempts": b.attempts},
	})
	w.logger.Debug("batch flushed",
		"batch_id", b.id,
		"points", encoded,
		"attempts", b.attempts,
	)
	return nil
}

// retryLoop services the retry buffer with exponential backoff. The
// delay resets after any successful delivery and grows only on
// consecutive transient failures.
func (w *BatchWriter) retryLoop(ctx context.Context) {
	delay := w.cfg.RetryBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.retryWake:
		}

		for {
			b := w.popRetry()
			if b == nil {
				break
			}
			if !sleepCtx(ctx, jitter(delay)) {
				// Shutdown: put it back for the final drain pass.
				w.pushRetry(b)
				return
			}

			err := w.attempt(ctx, b)
			switch {
			case err == nil:
				delay = w.cfg.RetryBase
			case IsPermanent(err):
				w.deadLetter(b, classifyReason(err))
				delay = w.cfg.RetryBase
			default:
				w.retried.Inc()
				w.cfg.Bus.Publish(events.Event{
					Source: events.SourceWriter,
					Kind:   events.KindBatchRetried,
					Data:   map[string]any{"batch_id": b.id, "points": len(b.points), "attempts": b.attempts},
				})
				w.pushRetry(b)
				delay *= 2
				if delay > w.cfg.RetryCap {
					delay = w.cfg.RetryCap
				}
			}
		}
	}
}

// pushRetry parks a batch for retry. When the buffer is full the oldest
// batch is dead-lettered to make room: recent data is worth more than
// stale data once the store has been down a while.
func (w *BatchWriter) pushRetry(b *writeBatch) {
	var evicted *writeBatch
	w.retryMu.Lock()
	if len(w.retry) >= w.cfg.RetryBufferSize {
		evicted = w.retry[0]
		w.retry = w.retry[1:]
	}
	w.retry = append(w.retry, b)
	w.retryDepth.Set(int64(len(w.retry)))
	w.retryMu.Unlock()

	if evicted != nil {
		w.deadLetter(evicted, "retry:overflow")
	}
	select {
	case w.retryWake <- struct{}{}:
	default:
	}
}

func (w *BatchWriter) popRetry() *writeBatch {
	w.retryMu.Lock()
	defer w.retryMu.Unlock()
	if len(w.retry) == 0 {
		return nil
	}
	b := w.retry[0]
	w.retry = w.retry[1:]
	w.retryDepth.Set(int64(len(w.retry)))
	return b
}

// PointsWritten returns the total points durably accepted by the store.
func (w *BatchWriter) PointsWritten() int64 { return w.written.Value() }

// DeadLettered returns the total points abandoned as undeliverable.
func (w *BatchWriter) DeadLettered() int64 { return w.deadLettered.Value() }

// RetryDepth returns the number of batches parked for retry.
func (w *BatchWriter) RetryDepth() int {
	w.retryMu.Lock()
	defer w.retryMu.Unlock()
	return len(w.retry)
}

// deadLetter records the loss of a batch. Points are not persisted;
// the counter and bus event are the record.
func (w *BatchWriter) deadLetter(b *writeBatch, reason string) {
	w.deadLettered.Add(int64(len(b.points)))
	w.logger.Error("batch dead-lettered",
		"batch_id", b.id,
		"points", len(b.points),
		"reason", reason,
		"attempts", b.attempts,
	)
	w.cfg.Bus.Publish(events.Event{
		Source: events.SourceWriter,
		Kind:   events.KindDeadLetter,
		Data:   map[string]any{"batch_id": b.id, "count": len(b.points), "reason": reason},
	})
}

func classifyReason(err error) string {
	var we *WriteError
	if errors.As(err, &we) && we.Reason != "" {
		return we.Reason
	}
	return "retry:exhausted"
}

// jitter spreads d over [d/2, d) so parked batches from many writers do
// not thundering-herd a recovering store.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
