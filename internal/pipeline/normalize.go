// Package pipeline is the ingestion path between the Home Assistant
// connector and the time-series batch writer. Raw frames are normalized
// into a canonical event shape, queued, filtered, transformed into
// points, and handed to the writer by a pool of hash-partitioned
// workers that preserve per-entity ordering.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"time"

	"github.com/nugget/homepulse/internal/homeassistant"
)

// KindStateChange marks events originating from the Home Assistant
// state stream. Enrichment workers inject events under their own kinds
// ("weather", "power_correlation").
const KindStateChange = "state_change"

// ErrNotStateChange reports a frame of an unexpected event type.
var ErrNotStateChange = errors.New("pipeline: not a state_changed event")

// ErrNoNewState reports an entity-removal frame (new_state null).
// Removals carry no measurable value and are dropped, not dead-lettered.
var ErrNoNewState = errors.New("pipeline: entity removed, no new state")

// NormalizedEvent is the canonical unit flowing through the router.
// State-change events populate State/Attributes; enrichment events
// arrive with Fields already built and pass through the transform
// chain untouched.
type NormalizedEvent struct {
	EntityID string
	Domain   string
	Kind     string

	State      string
	OldState   string
	Attributes map[string]any

	// Fields and Tags are set only on enrichment events.
	Fields map[string]any
	Tags   map[string]string

	// SourceTime is the upstream timestamp the point is written under.
	SourceTime time.Time
	// Received is the local receipt time, used for latency accounting.
	Received time.Time

	// CorrelationID deterministically identifies this observation so a
	// point in the store can be traced back to its source event.
	CorrelationID string
}

// Normalize converts a raw connector frame into a NormalizedEvent.
// Malformed payloads return an error; the caller decides whether that
// is a dead-letter or a silent drop.
func Normalize(raw homeassistant.RawEvent) (NormalizedEvent, error) {
	if raw.Kind != "state_changed" {
		return NormalizedEvent{}, ErrNotStateChange
	}

	var data homeassistant.StateChangedData
	if err := json.Unmarshal(raw.Event.Data, &data); err != nil {
		return NormalizedEvent{}, fmt.Errorf("malformed state_changed payload: %w", err)
	}
	if data.NewState == nil {
		return NormalizedEvent{}, ErrNoNewState
	}

	domain, _ := homeassistant.SplitEntityID(data.EntityID)
	if domain == "" {
		return NormalizedEvent{}, fmt.Errorf("malformed entity id %q", data.EntityID)
	}

	sourceTime := data.NewState.LastUpdated
	if sourceTime.IsZero() {
		sourceTime = raw.Event.TimeFired
	}
	if sourceTime.IsZero() {
		sourceTime = raw.Received
	}

	ev := NormalizedEvent{
		EntityID:      data.EntityID,
		Domain:        domain,
		Kind:          KindStateChange,
		State:         data.NewState.State,
		Attributes:    data.NewState.Attributes,
		SourceTime:    sourceTime,
		Received:      raw.Received,
		CorrelationID: CorrelationID(data.EntityID, sourceTime),
	}
	if data.OldState != nil {
		ev.OldState = data.OldState.State
	}
	return ev, nil
}

// CorrelationID derives the stable identifier for one observation of
// one entity: the FNV-1a 64-bit hash of the entity ID and source
// timestamp, rendered as 16 hex digits. The same entity and timestamp
// always produce the same ID, so replays are idempotent.
func CorrelationID(entityID string, sourceTime time.Time) string {
	h := fnv.New64a()
	io.WriteString(h, entityID)
	h.Write([]byte{0})
	io.WriteString(h, sourceTime.Format(time.RFC3339Nano))
	return fmt.Sprintf("%016x", h.Sum64())
}
