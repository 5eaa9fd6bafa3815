package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
)

// Value types reported in /data.json sensordatavalues.
const (
	ValueTypePM25        = "SDS_P2"
	ValueTypePM10        = "SDS_P1"
	ValueTypeTemperature = "BME280_temperature"
	ValueTypeHumidity    = "BME280_humidity"
	ValueTypePressure    = "BME280_pressure"
)

// Keys read from /config.json.
const (
	ConfigKeyID              = "fs_ssid"
	ConfigKeySoftwareVersion = "SOFTWARE_VERSION"
)

// measurementFields maps a value type onto the Measurement field it fills.
var measurementFields = map[string]func(*models.Measurement) **float64{
	ValueTypePM25:        func(m *models.Measurement) **float64 { return &m.PM25 },
	ValueTypePM10:        func(m *models.Measurement) **float64 { return &m.PM10 },
	ValueTypeTemperature: func(m *models.Measurement) **float64 { return &m.Temperature },
	ValueTypeHumidity:    func(m *models.Measurement) **float64 { return &m.Humidity },
	ValueTypePressure:    func(m *models.Measurement) **float64 { return &m.Pressure },
}

// ToMeasurement builds a Measurement from the sensordatavalues array.
// Unknown value types are ignored; a repeated value type keeps the last one.
func ToMeasurement(values []models.SensorDataValue) models.Measurement {
	var m models.Measurement
	for _, v := range values {
		field, ok := measurementFields[v.ValueType]
		if !ok {
			continue
		}
		*field(&m) = NormalizeValue(v.Value)
	}
	return m
}

// ToDeviceInfo extracts device identity from the /config.json object.
func ToDeviceInfo(cfg models.ConfigResponse) models.DeviceInfo {
	return models.DeviceInfo{
		ID:              stringField(cfg, ConfigKeyID),
		SoftwareVersion: stringField(cfg, ConfigKeySoftwareVersion),
	}
}

// NormalizeValue parses a raw JSON value that may be a number or a numeric
// string; anything else (null, empty, NaN, garbage) -> nil.
func NormalizeValue(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil
		}
	} else {
		text = string(raw)
	}

	f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func stringField(cfg models.ConfigResponse, key string) *string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	default:
		s = fmt.Sprint(t)
	}
	return &s
}

// MeasurementsEqual reports whether two readings carry the same values within epsilon.
func MeasurementsEqual(a, b models.Measurement, epsilon float64) bool {
	return ValuesEqual(a.PM25, b.PM25, epsilon) &&
		ValuesEqual(a.PM10, b.PM10, epsilon) &&
		ValuesEqual(a.Temperature, b.Temperature, epsilon) &&
		ValuesEqual(a.Humidity, b.Humidity, epsilon) &&
		ValuesEqual(a.Pressure, b.Pressure, epsilon)
}

// ValuesEqual compares two optional float values with tolerance.
func ValuesEqual(a, b *float64, epsilon float64) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return math.Abs(*a-*b) <= epsilon
	}
}

// ValuePtrString prints pointer values for logging.
func ValuePtrString(v *float64) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%.3f", *v)
}

// StringPtrValue prints optional strings for logging.
func StringPtrValue(v *string) string {
	if v == nil {
		return "null"
	}
	return *v
}
