package pipeline

import (
	"context"

	"github.com/nugget/homepulse/internal/events"
	"github.com/nugget/homepulse/internal/metrics"
)

// Queue is the bounded intake buffer between event producers and the
// router. The two producer classes get their own lanes: the state
// stream blocks on a full lane (backpressure reaches the socket read
// loop, nothing is ever dropped), while enrichment events go to a
// smaller side lane that evicts its own oldest entry on overflow.
// Eviction can therefore only ever discard enrichment events, which are
// periodic and regenerated on the next tick.
type Queue struct {
	stream chan NormalizedEvent
	enrich chan NormalizedEvent
	bus    *events.Bus

	enqueued *metrics.Counter
	evicted  *metrics.Counter
	depth    *metrics.Gauge
}

// NewQueue creates an intake queue with the given stream capacity. The
// enrichment lane gets a tenth of it (at least one slot).
func NewQueue(capacity int, bus *events.Bus, reg *metrics.Registry) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	enrichCap := capacity / 10
	if enrichCap < 1 {
		enrichCap = 1
	}
	return &Queue{
		stream:   make(chan NormalizedEvent, capacity),
		enrich:   make(chan NormalizedEvent, enrichCap),
		bus:      bus,
		enqueued: reg.Counter("queue_events_enqueued"),
		evicted:  reg.Counter("queue_events_evicted"),
		depth:    reg.Gauge("queue_depth"),
	}
}

// EnqueueBlocking adds a source event, waiting for space when the lane
// is full. Used by the state stream so a slow store slows the socket
// read loop instead of losing data.
func (q *Queue) EnqueueBlocking(ctx context.Context, ev NormalizedEvent) error {
	select {
	case q.stream <- ev:
		q.enqueued.Inc()
		q.depth.Set(int64(q.Len()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueEvict adds an enrichment event, evicting the oldest queued
// enrichment event when the lane is full. Never blocks and never
// touches the source stream lane.
func (q *Queue) EnqueueEvict(ev NormalizedEvent) {
	for {
		select {
		case q.enrich <- ev:
			q.enqueued.Inc()
			q.depth.Set(int64(q.Len()))
			return
		default:
		}
		select {
		case old := <-q.enrich:
			q.evicted.Inc()
			q.bus.Publish(events.Event{
				Source: events.SourceRouter,
				Kind:   events.KindEventDropped,
				Data:   map[string]any{"entity_id": old.EntityID, "kind": old.Kind},
			})
		default:
			// Lost the race with a consumer; there is room now.
		}
	}
}

// Dequeue blocks until an event is available or ctx is cancelled.
// Source events win ties so enrichment bursts never delay telemetry.
func (q *Queue) Dequeue(ctx context.Context) (NormalizedEvent, bool) {
	select {
	case ev := <-q.stream:
		q.depth.Set(int64(q.Len()))
		return ev, true
	default:
	}
	select {
	case ev := <-q.stream:
		q.depth.Set(int64(q.Len()))
		return ev, true
	case ev := <-q.enrich:
		q.depth.Set(int64(q.Len()))
		return ev, true
	case <-ctx.Done():
		return NormalizedEvent{}, false
	}
}

// TryDequeue returns immediately; ok is false when both lanes are
// empty. Used by the shutdown drain.
func (q *Queue) TryDequeue() (NormalizedEvent, bool) {
	select {
	case ev := <-q.stream:
		q.depth.Set(int64(q.Len()))
		return ev, true
	default:
	}
	select {
	case ev := <-q.enrich:
		q.depth.Set(int64(q.Len()))
		return ev, true
	default:
		return NormalizedEvent{}, false
	}
}

// Len returns the current depth across both lanes.
func (q *Queue) Len() int { return len(q.stream) + len(q.enrich) }

// Evicted returns the number of enrichment events evicted by
// EnqueueEvict.
func (q *Queue) Evicted() int64 { return q.evicted.Value() }
