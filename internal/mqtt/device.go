// Package mqtt publishes the pipeline's own operational status back to
// Home Assistant over MQTT discovery, so the system feeding the
// time-series store shows up as a device with sensors (connector state,
// points written, queue depth) in the same UI as everything else.
package mqtt

import "github.com/nugget/homepulse/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// across every discovery payload, so HA groups the sensors under one
// device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message, published retained on every broker (re-)connect.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo creates the device block. The instance ID is the stable
// HA identifier; it survives device_name changes so entity history is
// preserved.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "HomePulse",
		Model:        "Telemetry Pipeline",
		SWVersion:    buildinfo.Version,
	}
}
