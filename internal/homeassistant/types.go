package homeassistant

import (
	"encoding/json"
	"time"
)

// Event represents a Home Assistant event received over the WebSocket.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedData represents the data payload for state_changed events.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// State represents an entity state from Home Assistant.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// RawEvent is an opaque frame received from the event stream, stamped
// with the local receipt time. It is the connector's unit of emission;
// the router normalizes it downstream.
type RawEvent struct {
	// Kind is the upstream frame discriminator ("state_changed", ...).
	Kind string
	// Event is the decoded event envelope.
	Event Event
	// Received is the local monotonic receipt timestamp.
	Received time.Time
}

// DeviceRegistryEntry represents a device from the HA device registry.
type DeviceRegistryEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	NameByUser   string `json:"name_by_user"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SWVersion    string `json:"sw_version"`
	AreaID       string `json:"area_id"`
}

// DisplayName returns the user-assigned name when present, falling
// back to the integration-provided name.
func (d DeviceRegistryEntry) DisplayName() string {
	if d.NameByUser != "" {
		return d.NameByUser
	}
	return d.Name
}

// EntityRegistryEntry represents an entity from the HA entity registry.
type EntityRegistryEntry struct {
	EntityID   string `json:"entity_id"`
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform"`
	AreaID     string `json:"area_id"`
	DisabledBy string `json:"disabled_by"`
}

// IsDisabled reports whether the entity is disabled in Home Assistant.
func (e EntityRegistryEntry) IsDisabled() bool {
	return e.DisabledBy != ""
}

// SplitEntityID splits "light.kitchen" into ("light", "kitchen").
// Returns empty strings when the ID has no dot.
func SplitEntityID(entityID string) (domain, name string) {
	for i, c := range entityID {
		if c == '.' {
			return entityID[:i], entityID[i+1:]
		}
	}
	return "", ""
}
