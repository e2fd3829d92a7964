// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from pipeline components (connector,
// router, batch writer, metadata synchronizer, enrichment workers) to
// subscribers (health endpoint, MQTT status publisher). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceConnector identifies events from the Home Assistant connector.
	SourceConnector = "connector"
	// SourceRouter identifies events from the event router.
	SourceRouter = "router"
	// SourceWriter identifies events from the time-series batch writer.
	SourceWriter = "writer"
	// SourceMetadata identifies events from the metadata synchronizer.
	SourceMetadata = "metadata"
	// SourceEnrich identifies events from enrichment workers.
	SourceEnrich = "enrich"
	// SourceSupervisor identifies events from the pipeline supervisor.
	SourceSupervisor = "supervisor"
)

// Kind constants describe the type of event within a source.
const (
	// KindStateChange signals a connector state transition.
	// Data: from, to, attempt.
	KindStateChange = "state_change"
	// KindProtocolError signals a malformed or unexpected upstream frame.
	// Data: detail.
	KindProtocolError = "protocol_error"

	// KindEventDropped signals an enrichment event evicted from a full
	// intake queue. Data: source_tag.
	KindEventDropped = "event_dropped"
	// KindDeadLetter signals an event or batch that could not be
	// delivered. Data: reason, count.
	KindDeadLetter = "dead_letter"

	// KindBatchFlushed signals a successful time-series write.
	// Data: points, elapsed_ms.
	KindBatchFlushed = "batch_flushed"
	// KindBatchRetried signals a batch moved to the retry buffer.
	// Data: points, reason, attempt.
	KindBatchRetried = "batch_retried"

	// KindUpsertCommitted signals a metadata transaction commit.
	// Data: devices, entities.
	KindUpsertCommitted = "upsert_committed"

	// KindFetchFailed signals a failed enrichment fetch.
	// Data: kind, error.
	KindFetchFailed = "fetch_failed"
	// KindTickSkipped signals an enrichment tick skipped because the
	// previous run still holds the per-kind lock. Data: kind.
	KindTickSkipped = "tick_skipped"

	// KindComponentRestarted signals the supervisor restarted a
	// panicked component. Data: component.
	KindComponentRestarted = "component_restarted"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan view.
	recvToSend map[<-chan Event]chan Event

	dropped atomic.Int64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the number of events dropped on full subscriber
// channels since the bus was created.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
