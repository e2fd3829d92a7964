package metastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/homepulse/internal/homeassistant"
	"github.com/nugget/homepulse/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestApplyBatchMergesPartialUpserts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour).Truncate(time.Second)
	t1 := time.Now().Truncate(time.Second)

	// Registry observation: knows the device link, not the friendly name.
	err := store.ApplyBatch(ctx, nil, []EntityUpsert{{
		EntityID: "sensor.kitchen_temp",
		Domain:   "sensor",
		DeviceID: "dev-1",
		Platform: "zha",
		AreaID:   "kitchen",
		Seen:     t0,
	}})
	if err != nil {
		t.Fatalf("ApplyBatch (registry): %v", err)
	}

	// Stream observation: knows the friendly name and unit, not the link.
	err = store.ApplyBatch(ctx, nil, []EntityUpsert{{
		EntityID:     "sensor.kitchen_temp",
		Domain:       "sensor",
		FriendlyName: "Kitchen Temperature",
		Unit:         "°C",
		Seen:         t1,
	}})
	if err != nil {
		t.Fatalf("ApplyBatch (stream): %v", err)
	}

	e, err := store.Entity(ctx, "sensor.kitchen_temp")
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if e == nil {
		t.Fatal("entity not found")
	}
	if e.DeviceID != "dev-1" || e.AreaID != "kitchen" {
		t.Errorf("registry fields lost: %+v", e)
	}
	if e.FriendlyName != "Kitchen Temperature" || e.Unit != "°C" {
		t.Errorf("stream fields missing: %+v", e)
	}
	if !e.FirstSeen.Equal(t0) {
		t.Errorf("first_seen = %v, want %v (preserved)", e.FirstSeen, t0)
	}
	if !e.LastSeen.Equal(t1) {
		t.Errorf("last_seen = %v, want %v (advanced)", e.LastSeen, t1)
	}
}

func TestApplyBatchRecomputesEntityCounts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	err := store.ApplyBatch(ctx,
		[]DeviceUpsert{{ID: "dev-1", Name: "Hub", Seen: now}},
		[]EntityUpsert{
			{EntityID: "light.a", Domain: "light", DeviceID: "dev-1", Seen: now},
			{EntityID: "light.b", Domain: "light", DeviceID: "dev-1", Seen: now},
			{EntityID: "sensor.free", Domain: "sensor", Seen: now},
		},
	)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	d, err := store.Device(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if d.EntityCount != 2 {
		t.Errorf("entity_count = %d, want 2", d.EntityCount)
	}

	linked, err := store.EntitiesForDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("EntitiesForDevice: %v", err)
	}
	if len(linked) != 2 || linked[0].EntityID != "light.a" || linked[1].EntityID != "light.b" {
		t.Errorf("linked entities = %+v", linked)
	}

	devices, entities, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if devices != 1 || entities != 3 {
		t.Errorf("counts = %d devices, %d entities", devices, entities)
	}
}

func TestApplyBatchEmptyNeverErasesKnownValues(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.ApplyBatch(ctx, []DeviceUpsert{{
		ID: "dev-1", Name: "Bridge", Manufacturer: "Signify", Model: "BSB002", Seen: now,
	}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.ApplyBatch(ctx, []DeviceUpsert{{
		ID: "dev-1", Name: "Renamed Bridge", Seen: now.Add(time.Minute),
	}}, nil); err != nil {
		t.Fatal(err)
	}

	d, err := store.Device(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "Renamed Bridge" {
		t.Errorf("name = %q, want updated value", d.Name)
	}
	if d.Manufacturer != "Signify" || d.Model != "BSB002" {
		t.Errorf("empty fields erased known values: %+v", d)
	}
}

func TestSynchronizerCoalescesAndCommits(t *testing.T) {
	store := openTestStore(t)
	s := NewSynchronizer(store, SynchronizerConfig{
		CoalesceWindow: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	s.ObserveRegistry(
		[]homeassistant.DeviceRegistryEntry{
			{ID: "dev-1", Name: "Plug", Manufacturer: "Shelly", AreaID: "office"},
		},
		[]homeassistant.EntityRegistryEntry{
			{EntityID: "switch.office_plug", DeviceID: "dev-1", Platform: "shelly", AreaID: "office"},
		},
	)
	s.ObserveEvent(pipeline.NormalizedEvent{
		EntityID:   "switch.office_plug",
		Domain:     "switch",
		Kind:       pipeline.KindStateChange,
		State:      "on",
		Attributes: map[string]any{"friendly_name": "Office Plug"},
		SourceTime: time.Now(),
	})

	deadline := time.Now().Add(5 * time.Second)
	var committed bool
	for time.Now().Before(deadline) {
		if s.commits.Value() > 0 {
			committed = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !committed {
		t.Fatal("no commit within deadline")
	}

	e, err := store.Entity(context.Background(), "switch.office_plug")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("entity not committed")
	}
	// Registry and stream observations inside one window merge into a
	// single row carrying both halves.
	if e.DeviceID != "dev-1" || e.FriendlyName != "Office Plug" {
		t.Errorf("merged row incomplete: %+v", e)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSynchronizerFlushesOnShutdown(t *testing.T) {
	store := openTestStore(t)
	s := NewSynchronizer(store, SynchronizerConfig{
		CoalesceWindow: time.Hour, // never commits on its own
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	s.ObserveEvent(pipeline.NormalizedEvent{
		EntityID:   "sensor.late",
		Domain:     "sensor",
		Kind:       pipeline.KindStateChange,
		State:      "1",
		SourceTime: time.Now(),
	})

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	e, err := store.Entity(context.Background(), "sensor.late")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("pending observation lost at shutdown")
	}
}

func TestNextRetryDelayEscalatesAndCaps(t *testing.T) {
	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
	}
	var d time.Duration
	for i, w := range want {
		d = nextRetryDelay(d)
		if d != w {
			t.Errorf("step %d: delay = %s, want %s", i, d, w)
		}
	}
	for i := 0; i < 20; i++ {
		d = nextRetryDelay(d)
	}
	if d != retryCap {
		t.Errorf("delay did not cap: %s", d)
	}

	for i := 0; i < 50; i++ {
		j := withJitter(time.Second)
		if j < 500*time.Millisecond || j > time.Second {
			t.Fatalf("jitter %s outside [d/2, d]", j)
		}
	}
}

func TestSynchronizerBacksOffAfterFailedCommit(t *testing.T) {
	store := openTestStore(t)
	store.Close() // every commit now fails

	s := NewSynchronizer(store, SynchronizerConfig{
		CoalesceWindow: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	s.ObserveEvent(pipeline.NormalizedEvent{
		EntityID:   "sensor.unlucky",
		Domain:     "sensor",
		Kind:       pipeline.KindStateChange,
		State:      "1",
		SourceTime: time.Now(),
	})

	deadline := time.Now().Add(5 * time.Second)
	for s.failures.Value() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	failures := s.failures.Value()
	if failures < 2 {
		t.Fatalf("failures = %d, want at least 2 retried commits", failures)
	}

	// Failed observations stay requeued for the next attempt.
	s.mu.Lock()
	pending := len(s.pendingEntities)
	s.mu.Unlock()
	if pending != 1 {
		t.Errorf("pending = %d, want the failed upsert requeued", pending)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSynchronizerIgnoresEnrichmentEvents(t *testing.T) {
	store := openTestStore(t)
	s := NewSynchronizer(store, SynchronizerConfig{})

	s.ObserveEvent(pipeline.NormalizedEvent{Kind: "weather", Fields: map[string]any{"t": 1.0}})

	s.mu.Lock()
	pending := len(s.pendingEntities)
	s.mu.Unlock()
	if pending != 0 {
		t.Errorf("enrichment event produced %d pending upserts", pending)
	}
}
