package pipeline

import (
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/nugget/homepulse/internal/homeassistant"
)

func rawStateChanged(t *testing.T, entityID, oldState, newState string, attrs map[string]any) homeassistant.RawEvent {
	t.Helper()
	data := homeassistant.StateChangedData{EntityID: entityID}
	now := time.Now()
	if oldState != "" {
		data.OldState = &homeassistant.State{EntityID: entityID, State: oldState}
	}
	if newState != "" {
		data.NewState = &homeassistant.State{
			EntityID:    entityID,
			State:       newState,
			Attributes:  attrs,
			LastUpdated: now,
		}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return homeassistant.RawEvent{
		Kind: "state_changed",
		Event: homeassistant.Event{
			Type:      "state_changed",
			Data:      payload,
			TimeFired: now,
		},
		Received: now,
	}
}

func TestNormalizeStateChange(t *testing.T) {
	raw := rawStateChanged(t, "sensor.kitchen_temp", "21.0", "21.5", map[string]any{"unit_of_measurement": "°C"})

	ev, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.EntityID != "sensor.kitchen_temp" || ev.Domain != "sensor" {
		t.Errorf("identity = %s/%s", ev.Domain, ev.EntityID)
	}
	if ev.Kind != KindStateChange {
		t.Errorf("kind = %q", ev.Kind)
	}
	if ev.State != "21.5" || ev.OldState != "21.0" {
		t.Errorf("states = %q -> %q", ev.OldState, ev.State)
	}
	if ev.SourceTime.IsZero() || ev.Received.IsZero() {
		t.Error("timestamps not populated")
	}
	if ev.CorrelationID == "" {
		t.Error("missing correlation id")
	}
}

func TestNormalizeRemovalDropped(t *testing.T) {
	raw := rawStateChanged(t, "sensor.gone", "42", "", nil)
	if _, err := Normalize(raw); !errors.Is(err, ErrNoNewState) {
		t.Errorf("err = %v, want ErrNoNewState", err)
	}
}

func TestNormalizeWrongKind(t *testing.T) {
	raw := homeassistant.RawEvent{Kind: "call_service", Received: time.Now()}
	if _, err := Normalize(raw); !errors.Is(err, ErrNotStateChange) {
		t.Errorf("err = %v, want ErrNotStateChange", err)
	}
}

func TestNormalizeMalformed(t *testing.T) {
	raw := homeassistant.RawEvent{
		Kind:     "state_changed",
		Event:    homeassistant.Event{Type: "state_changed", Data: json.RawMessage(`{"entity_id": 17}`)},
		Received: time.Now(),
	}
	if _, err := Normalize(raw); err == nil {
		t.Error("expected error for non-string entity_id")
	}

	raw = rawStateChanged(t, "nodomain", "", "on", nil)
	if _, err := Normalize(raw); err == nil {
		t.Error("expected error for entity id without domain")
	}
}

func TestCorrelationIDDeterministic(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 0, 0, 123456789, time.UTC)

	a := CorrelationID("sensor.power", ts)
	b := CorrelationID("sensor.power", ts)
	if a != b {
		t.Errorf("same inputs produced %s and %s", a, b)
	}
	if matched, _ := regexp.MatchString(`^[0-9a-f]{16}$`, a); !matched {
		t.Errorf("id %q is not 16 hex digits", a)
	}

	if a == CorrelationID("sensor.power2", ts) {
		t.Error("different entities produced the same id")
	}
	if a == CorrelationID("sensor.power", ts.Add(time.Nanosecond)) {
		t.Error("different timestamps produced the same id")
	}
}
