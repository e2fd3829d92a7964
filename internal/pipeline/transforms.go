package pipeline

import (
	"fmt"
	"strconv"

	"github.com/nugget/homepulse/internal/tsdb"
)

// Transform is one stage of the event-to-point conversion chain. Each
// stage receives the points produced so far and may append to or modify
// them. A stage that does not apply to the event's kind passes the
// slice through unchanged.
type Transform interface {
	// Name identifies the transform in metrics and dead-letter reasons.
	Name() string
	Apply(ev NormalizedEvent, pts []tsdb.Point) ([]tsdb.Point, error)
}

// TransformError wraps a stage failure with enough context to
// dead-letter the event meaningfully.
type TransformError struct {
	Stage    string
	EntityID string
	Err      error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: entity %s: %v", e.Stage, e.EntityID, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// DefaultTransforms returns the standard conversion chain.
func DefaultTransforms() []Transform {
	return []Transform{
		StateToPoint{},
		AttributeFields{},
		EnrichmentPassthrough{},
	}
}

// StateToPoint converts a state-change event into its base point: the
// entity domain as measurement, the entity ID as tag, and the state as
// either a numeric value field or a string field. The correlation ID
// rides along as a field so a stored point can be traced to its event.
type StateToPoint struct{}

func (StateToPoint) Name() string { return "state_to_point" }

func (StateToPoint) Apply(ev NormalizedEvent, pts []tsdb.Point) ([]tsdb.Point, error) {
	if ev.Kind != KindStateChange {
		return pts, nil
	}

	fields := map[string]any{
		"state":          ev.State,
		"correlation_id": ev.CorrelationID,
	}
	if v, ok := numericState(ev.State); ok {
		fields["value"] = v
	}

	tags := map[string]string{"entity_id": ev.EntityID}
	for k, v := range ev.Tags {
		tags[k] = v
	}

	return append(pts, tsdb.Point{
		Measurement: ev.Domain,
		Tags:        tags,
		Fields:      fields,
		Time:        ev.SourceTime,
	}), nil
}

// numericState parses a state string into a float. Binary states map to
// 1/0 so lights and switches chart without query-side gymnastics.
func numericState(s string) (float64, bool) {
	switch s {
	case "on", "open", "home", "locked", "detected":
		return 1, true
	case "off", "closed", "away", "not_home", "unlocked", "clear":
		return 0, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// AttributeFields promotes numeric and boolean attributes of a
// state-change event onto its base point, so "temperature: 21.5" in a
// climate entity's attributes is queryable without string parsing.
// String attributes are skipped: they are metadata, not measurements.
type AttributeFields struct{}

func (AttributeFields) Name() string { return "attribute_fields" }

func (AttributeFields) Apply(ev NormalizedEvent, pts []tsdb.Point) ([]tsdb.Point, error) {
	if ev.Kind != KindStateChange || len(ev.Attributes) == 0 || len(pts) == 0 {
		return pts, nil
	}

	fields := pts[len(pts)-1].Fields
	for k, v := range ev.Attributes {
		if _, taken := fields[k]; taken {
			continue
		}
		switch x := v.(type) {
		case float64:
			fields[k] = x
		case int:
			fields[k] = x
		case int64:
			fields[k] = x
		case bool:
			fields[k] = x
		}
	}
	return pts, nil
}

// EnrichmentPassthrough converts enrichment events, which arrive with
// fields already built, into points under their kind as measurement.
type EnrichmentPassthrough struct{}

func (EnrichmentPassthrough) Name() string { return "enrichment" }

func (EnrichmentPassthrough) Apply(ev NormalizedEvent, pts []tsdb.Point) ([]tsdb.Point, error) {
	if ev.Kind == KindStateChange {
		return pts, nil
	}
	if len(ev.Fields) == 0 {
		return pts, &TransformError{Stage: "enrichment", EntityID: ev.EntityID, Err: fmt.Errorf("enrichment event %q has no fields", ev.Kind)}
	}

	fields := make(map[string]any, len(ev.Fields)+1)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	fields["correlation_id"] = ev.CorrelationID

	tags := make(map[string]string, len(ev.Tags)+1)
	for k, v := range ev.Tags {
		tags[k] = v
	}
	if ev.EntityID != "" {
		tags["entity_id"] = ev.EntityID
	}

	return append(pts, tsdb.Point{
		Measurement: ev.Kind,
		Tags:        tags,
		Fields:      fields,
		Time:        ev.SourceTime,
	}), nil
}
