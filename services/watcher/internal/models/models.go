package models

import (
	"encoding/json"
	"time"
)

// Manufacturer is reported as the device maker for every Nettiego unit.
const Manufacturer = "Nettiego"

// DataResponse models the JSON payload returned by the device at /data.json.
// Only sensordatavalues is read; the firmware's other keys vary between
// builds and are ignored.
type DataResponse struct {
	SensorDataValues []SensorDataValue `json:"sensordatavalues"`
}

// SensorDataValue is a single {value_type, value} pair from /data.json.
// The firmware sends values as strings, older builds as numbers.
type SensorDataValue struct {
	ValueType string          `json:"value_type"`
	Value     json.RawMessage `json:"value"`
}

// ConfigResponse models the flat JSON object returned at /config.json.
type ConfigResponse map[string]any

// Measurement is a normalized point-in-time reading. Nil means the device
// did not report the value.
type Measurement struct {
	PM25        *float64 `json:"pm2_5"`
	PM10        *float64 `json:"pm10"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Pressure    *float64 `json:"pressure"`
}

// Clone returns a deep copy so callers cannot mutate a cached reading.
func (m Measurement) Clone() Measurement {
	return Measurement{
		PM25:        cloneFloat(m.PM25),
		PM10:        cloneFloat(m.PM10),
		Temperature: cloneFloat(m.Temperature),
		Humidity:    cloneFloat(m.Humidity),
		Pressure:    cloneFloat(m.Pressure),
	}
}

// DeviceInfo captures device identity from /config.json.
type DeviceInfo struct {
	ID              *string `json:"id"`
	SoftwareVersion *string `json:"softwareVersion"`
}

// Clone returns a deep copy of the device info.
func (d DeviceInfo) Clone() DeviceInfo {
	return DeviceInfo{ID: cloneString(d.ID), SoftwareVersion: cloneString(d.SoftwareVersion)}
}

// PollSnapshot is the result of one successful fetch cycle.
type PollSnapshot struct {
	Measurement Measurement `json:"measurement"`
	DeviceInfo  DeviceInfo  `json:"deviceInfo"`
	FetchedAt   time.Time   `json:"fetchedAt"`
}

// Clone returns a deep copy of the snapshot.
func (s PollSnapshot) Clone() PollSnapshot {
	return PollSnapshot{
		Measurement: s.Measurement.Clone(),
		DeviceInfo:  s.DeviceInfo.Clone(),
		FetchedAt:   s.FetchedAt,
	}
}

// DeviceConfig is the per-instance configuration supplied by the operator.
// Latitude and longitude are passed through to consumers only.
type DeviceConfig struct {
	Name      string  `json:"name"`
	BaseURL   string  `json:"url"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PendingDevice is a configured device whose initial fetch has not succeeded yet.
type PendingDevice struct {
	InstanceID    string       `json:"instanceId"`
	Device        DeviceConfig `json:"device"`
	Attempts      int          `json:"attempts"`
	LastError     string       `json:"lastError"`
	NextAttemptAt time.Time    `json:"nextAttemptAt"`
}

// StateUpdate is what gets republished to the host application after every cycle.
type StateUpdate struct {
	InstanceID   string       `json:"instanceId"`
	Name         string       `json:"name"`
	State        string       `json:"state"`
	Measurement  *Measurement `json:"measurement"`
	DeviceInfo   *DeviceInfo  `json:"deviceInfo"`
	Manufacturer string       `json:"manufacturer"`
	Latitude     float64      `json:"latitude"`
	Longitude    float64      `json:"longitude"`
	FetchedAt    *time.Time   `json:"fetchedAt"`
	Changed      bool         `json:"changed"`
	Error        string       `json:"error,omitempty"`
	PublishedAt  time.Time    `json:"publishedAt"`
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	val := *v
	return &val
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	val := *v
	return &val
}
