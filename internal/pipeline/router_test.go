package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nugget/homepulse/internal/tsdb"
)

// captureSink records every point written, with per-entity sequences
// for ordering checks.
type captureSink struct {
	mu     sync.Mutex
	points []tsdb.Point
}

func (s *captureSink) Write(ctx context.Context, pts ...tsdb.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, pts...)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

func (s *captureSink) byEntity() map[string][]tsdb.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]tsdb.Point)
	for _, p := range s.points {
		e := p.Tags["entity_id"]
		out[e] = append(out[e], p)
	}
	return out
}

func stateEvent(entity, state string, seq int) NormalizedEvent {
	domain, _ := splitDomain(entity)
	ts := time.Unix(1700000000, 0).Add(time.Duration(seq) * time.Millisecond)
	return NormalizedEvent{
		EntityID:      entity,
		Domain:        domain,
		Kind:          KindStateChange,
		State:         state,
		SourceTime:    ts,
		Received:      time.Now(),
		CorrelationID: CorrelationID(entity, ts),
	}
}

func splitDomain(entity string) (string, string) {
	for i := range entity {
		if entity[i] == '.' {
			return entity[:i], entity[i+1:]
		}
	}
	return entity, ""
}

func TestRouterPreservesPerEntityOrder(t *testing.T) {
	sink := &captureSink{}
	q := NewQueue(1000, nil, nil)
	r := NewRouter(q, RouterConfig{Workers: 4, Sink: sink})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); r.Run(ctx) }()

	entities := []string{"sensor.a", "sensor.b", "sensor.c", "light.hall"}
	const perEntity = 50
	for seq := 0; seq < perEntity; seq++ {
		for _, e := range entities {
			ev := stateEvent(e, fmt.Sprintf("%d", seq), seq)
			if err := q.EnqueueBlocking(ctx, ev); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for sink.count() < len(entities)*perEntity && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	got := sink.byEntity()
	for _, e := range entities {
		pts := got[e]
		if len(pts) != perEntity {
			t.Fatalf("entity %s: %d points, want %d", e, len(pts), perEntity)
		}
		for i, p := range pts {
			if want := fmt.Sprintf("%d", i); p.Fields["state"] != want {
				t.Fatalf("entity %s: position %d has state %v, want %s", e, i, p.Fields["state"], want)
			}
		}
	}
}

func TestRouterDrainsQueueOnShutdown(t *testing.T) {
	sink := &captureSink{}
	q := NewQueue(1000, nil, nil)
	r := NewRouter(q, RouterConfig{Workers: 2, Sink: sink})

	// Fill before starting so cancellation races are impossible.
	for i := 0; i < 25; i++ {
		if err := q.EnqueueBlocking(context.Background(), stateEvent("sensor.x", "1", i)); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() { defer close(done); r.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if got := sink.count(); got != 25 {
		t.Errorf("drained %d points, want 25", got)
	}
}

func TestRouterAppliesFilters(t *testing.T) {
	sink := &captureSink{}
	q := NewQueue(100, nil, nil)
	r := NewRouter(q, RouterConfig{
		Workers: 1,
		Filters: []Filter{NewDomainFilter([]string{"sensor"}), UnavailableFilter{}},
		Sink:    sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); r.Run(ctx) }()

	events := []NormalizedEvent{
		stateEvent("sensor.temp", "21.5", 0),
		stateEvent("light.hall", "on", 1),          // wrong domain
		stateEvent("sensor.temp", "unavailable", 2), // no value
		stateEvent("sensor.temp", "22.0", 3),
	}
	for _, ev := range events {
		if err := q.EnqueueBlocking(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for sink.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if got := sink.count(); got != 2 {
		t.Fatalf("emitted %d points, want 2", got)
	}
	// Conservation: every received event is emitted or filtered.
	received := r.received.Value()
	var filtered int64
	for _, c := range r.filtered {
		filtered += c.Value()
	}
	if received != int64(sink.count())+filtered {
		t.Errorf("conservation violated: received %d, emitted %d, filtered %d", received, sink.count(), filtered)
	}
}

func TestQueueEvictionSparesStateChanges(t *testing.T) {
	// Capacity 2 gives an enrichment lane of one slot.
	q := NewQueue(2, nil, nil)
	ctx := context.Background()

	if err := q.EnqueueBlocking(ctx, stateEvent("light.kitchen", "on", 0)); err != nil {
		t.Fatal(err)
	}
	if err := q.EnqueueBlocking(ctx, stateEvent("light.hall", "on", 1)); err != nil {
		t.Fatal(err)
	}
	q.EnqueueEvict(NormalizedEvent{Kind: "weather", Fields: map[string]any{"temp": 1.0}})
	q.EnqueueEvict(NormalizedEvent{Kind: "weather", Fields: map[string]any{"temp": 2.0}})

	// Only the older enrichment event is evicted; the full queue of
	// state changes is untouchable by eviction.
	if got := q.Evicted(); got != 1 {
		t.Fatalf("evicted = %d, want 1", got)
	}
	ev, ok := q.TryDequeue()
	if !ok || ev.EntityID != "light.kitchen" {
		t.Errorf("first = %+v, want light.kitchen", ev)
	}
	ev, ok = q.TryDequeue()
	if !ok || ev.EntityID != "light.hall" {
		t.Errorf("second = %+v, want light.hall", ev)
	}
	ev, ok = q.TryDequeue()
	if !ok || ev.Kind != "weather" || ev.Fields["temp"] != 2.0 {
		t.Errorf("third = %+v, want the newer weather event", ev)
	}
	if _, ok := q.TryDequeue(); ok {
		t.Error("queue should be empty")
	}
}

func TestQueueDequeuePrefersStateChanges(t *testing.T) {
	q := NewQueue(10, nil, nil)
	q.EnqueueEvict(NormalizedEvent{Kind: "weather", Fields: map[string]any{"temp": 1.0}})
	if err := q.EnqueueBlocking(context.Background(), stateEvent("sensor.a", "1", 0)); err != nil {
		t.Fatal(err)
	}

	ev, ok := q.Dequeue(context.Background())
	if !ok || ev.EntityID != "sensor.a" {
		t.Errorf("first dequeue = %+v, want the state change", ev)
	}
	ev, ok = q.Dequeue(context.Background())
	if !ok || ev.Kind != "weather" {
		t.Errorf("second dequeue = %+v, want the weather event", ev)
	}
}

// stalledSink simulates a store hang: writes block until the context
// is cancelled.
type stalledSink struct{}

func (stalledSink) Write(ctx context.Context, pts ...tsdb.Point) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRouterCountsEventsLostToDrainDeadline(t *testing.T) {
	q := NewQueue(100, nil, nil)
	r := NewRouter(q, RouterConfig{
		Workers:      1,
		Sink:         stalledSink{},
		DrainTimeout: 50 * time.Millisecond,
	})

	const total = 10
	for i := 0; i < total; i++ {
		if err := q.EnqueueBlocking(context.Background(), stateEvent("sensor.x", "1", i)); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() { defer close(done); r.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	// Nothing landed, so every point must be accounted as abandoned.
	if got := r.emitted.Value(); got != 0 {
		t.Errorf("emitted = %d, want 0", got)
	}
	if got := r.abandoned.Value(); got != total {
		t.Errorf("abandoned = %d, want %d", got, total)
	}
	if q.Len() != 0 {
		t.Errorf("queue still holds %d events", q.Len())
	}
}

func TestFiltersPassEnrichmentEvents(t *testing.T) {
	enrich := NormalizedEvent{Kind: "weather", Fields: map[string]any{"temp": 1.0}}
	filters := []Filter{
		NewDomainFilter([]string{"sensor"}),
		NewGlobFilter([]string{"sensor.power_*"}),
		UnavailableFilter{},
		NewRateLimitFilter(time.Hour),
	}
	for _, f := range filters {
		if !f.Allow(enrich) {
			t.Errorf("filter %s rejected an enrichment event", f.Name())
		}
	}
}

func TestGlobFilter(t *testing.T) {
	f := NewGlobFilter([]string{"sensor.power_*", "light.kitchen"})
	tests := []struct {
		entity string
		want   bool
	}{
		{"sensor.power_total", true},
		{"sensor.temp", false},
		{"light.kitchen", true},
		{"light.hall", false},
	}
	for _, tt := range tests {
		ev := stateEvent(tt.entity, "1", 0)
		if got := f.Allow(ev); got != tt.want {
			t.Errorf("Allow(%s) = %v, want %v", tt.entity, got, tt.want)
		}
	}
}

func TestRateLimitFilterPerEntity(t *testing.T) {
	f := NewRateLimitFilter(time.Second)
	base := time.Unix(1700000000, 0)

	evAt := func(entity string, offset time.Duration) NormalizedEvent {
		ev := stateEvent(entity, "1", 0)
		ev.SourceTime = base.Add(offset)
		return ev
	}

	if !f.Allow(evAt("sensor.a", 0)) {
		t.Error("first event should pass")
	}
	if f.Allow(evAt("sensor.a", 500*time.Millisecond)) {
		t.Error("event within min interval should be suppressed")
	}
	if !f.Allow(evAt("sensor.b", 500*time.Millisecond)) {
		t.Error("other entities are independent")
	}
	if !f.Allow(evAt("sensor.a", 1500*time.Millisecond)) {
		t.Error("event past min interval should pass")
	}
}

func TestStateToPointBinaryAndNumericStates(t *testing.T) {
	tests := []struct {
		state string
		value any
	}{
		{"21.5", 21.5},
		{"on", 1.0},
		{"off", 0.0},
		{"locked", 1.0},
		{"not_home", 0.0},
		{"idle", nil},
	}
	for _, tt := range tests {
		ev := stateEvent("sensor.x", tt.state, 0)
		pts, err := (StateToPoint{}).Apply(ev, nil)
		if err != nil || len(pts) != 1 {
			t.Fatalf("state %q: pts=%d err=%v", tt.state, len(pts), err)
		}
		p := pts[0]
		if p.Measurement != "sensor" || p.Tags["entity_id"] != "sensor.x" {
			t.Errorf("state %q: wrong identity %s/%v", tt.state, p.Measurement, p.Tags)
		}
		if p.Fields["state"] != tt.state {
			t.Errorf("state %q: state field = %v", tt.state, p.Fields["state"])
		}
		if got := p.Fields["value"]; got != tt.value && !(tt.value == nil && got == nil) {
			t.Errorf("state %q: value = %v, want %v", tt.state, got, tt.value)
		}
		if p.Fields["correlation_id"] != ev.CorrelationID {
			t.Errorf("state %q: correlation id not carried", tt.state)
		}
	}
}

func TestAttributeFieldsPromotesNumerics(t *testing.T) {
	ev := stateEvent("climate.living", "heat", 0)
	ev.Attributes = map[string]any{
		"current_temperature": 20.5,
		"target_temp_high":    22.0,
		"hvac_running":        true,
		"friendly_name":       "Living Room", // string: metadata, not measurement
		"state":               "shadow",      // must not clobber the state field
	}

	pts, err := (StateToPoint{}).Apply(ev, nil)
	if err != nil {
		t.Fatal(err)
	}
	pts, err = (AttributeFields{}).Apply(ev, pts)
	if err != nil {
		t.Fatal(err)
	}

	fields := pts[0].Fields
	if fields["current_temperature"] != 20.5 || fields["target_temp_high"] != 22.0 {
		t.Errorf("numeric attributes not promoted: %v", fields)
	}
	if fields["hvac_running"] != true {
		t.Errorf("bool attribute not promoted: %v", fields)
	}
	if _, ok := fields["friendly_name"]; ok {
		t.Error("string attribute should not be promoted")
	}
	if fields["state"] != "heat" {
		t.Errorf("state field clobbered: %v", fields["state"])
	}
}

func TestEnrichmentPassthrough(t *testing.T) {
	ev := NormalizedEvent{
		Kind:          "weather",
		Fields:        map[string]any{"temperature": 18.2, "humidity": 61.0},
		Tags:          map[string]string{"provider": "openweather"},
		SourceTime:    time.Now(),
		CorrelationID: "abcdef0123456789",
	}
	pts, err := (EnrichmentPassthrough{}).Apply(ev, nil)
	if err != nil || len(pts) != 1 {
		t.Fatalf("pts=%d err=%v", len(pts), err)
	}
	p := pts[0]
	if p.Measurement != "weather" || p.Tags["provider"] != "openweather" {
		t.Errorf("wrong identity: %s %v", p.Measurement, p.Tags)
	}
	if p.Fields["temperature"] != 18.2 || p.Fields["correlation_id"] != "abcdef0123456789" {
		t.Errorf("fields = %v", p.Fields)
	}

	// An enrichment event without fields is a producer bug, surfaced as
	// a transform error.
	if _, err := (EnrichmentPassthrough{}).Apply(NormalizedEvent{Kind: "weather"}, nil); err == nil {
		t.Error("expected error for fieldless enrichment event")
	}
}
