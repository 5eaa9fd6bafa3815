package http

import (
	"math"
	"time"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/coordinator"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/utils"
)

// Attribution is shown next to every reading.
const Attribution = "Data provided by Nettiego Air Monitor"

const (
	airQualitySensor = "NovaFitness SDS011"
	weatherSensor    = "Bosch BME280"
)

type deviceView struct {
	InstanceID      string          `json:"instanceId"`
	Name            string          `json:"name"`
	URL             string          `json:"url"`
	Latitude        float64         `json:"latitude"`
	Longitude       float64         `json:"longitude"`
	State           string          `json:"state"`
	Available       bool            `json:"available"`
	Stale           bool            `json:"stale"`
	Error           string          `json:"error,omitempty"`
	Manufacturer    string          `json:"manufacturer"`
	DeviceID        *string         `json:"deviceId"`
	SoftwareVersion *string         `json:"softwareVersion"`
	AirQuality      *airQualityView `json:"airQuality"`
	Weather         *weatherView    `json:"weather"`
	FetchedAt       *time.Time      `json:"fetchedAt"`
	LastAttemptAt   *time.Time      `json:"lastAttemptAt"`
	LastSuccessAt   *time.Time      `json:"lastSuccessAt"`
	IntervalSeconds float64         `json:"intervalSeconds"`
	Attribution     string          `json:"attribution"`
}

type airQualityView struct {
	Name     string `json:"name"`
	UniqueID string `json:"uniqueId"`
	PM25     *int   `json:"pm2_5"`
	PM10     *int   `json:"pm10"`
}

type weatherView struct {
	Name            string   `json:"name"`
	UniqueID        string   `json:"uniqueId"`
	Temperature     *float64 `json:"temperature"`
	TemperatureUnit string   `json:"temperatureUnit"`
	Humidity        *float64 `json:"humidity"`
	Pressure        *float64 `json:"pressure"`
}

func newDeviceView(st coordinator.Status) deviceView {
	v := deviceView{
		InstanceID:      st.InstanceID,
		Name:            st.Device.Name,
		URL:             st.Device.BaseURL,
		Latitude:        st.Device.Latitude,
		Longitude:       st.Device.Longitude,
		State:           st.State.String(),
		Available:       st.State == coordinator.Ready,
		Stale:           st.Stale(),
		Manufacturer:    models.Manufacturer,
		LastAttemptAt:   timePtr(st.LastAttemptAt),
		LastSuccessAt:   timePtr(st.LastSuccessAt),
		IntervalSeconds: st.Interval.Seconds(),
		Attribution:     Attribution,
	}
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	if st.Snapshot == nil {
		return v
	}

	snap := st.Snapshot
	m := snap.Measurement
	deviceID := utils.StringPtrValue(snap.DeviceInfo.ID)
	v.DeviceID = snap.DeviceInfo.ID
	v.SoftwareVersion = snap.DeviceInfo.SoftwareVersion
	v.FetchedAt = timePtr(snap.FetchedAt)

	aqName := st.Device.Name + " " + airQualitySensor
	v.AirQuality = &airQualityView{
		Name:     aqName,
		UniqueID: aqName + "_" + deviceID + "_SDS011",
		PM25:     roundValue(m.PM25),
		PM10:     roundValue(m.PM10),
	}
	wName := st.Device.Name + " " + weatherSensor
	v.Weather = &weatherView{
		Name:            wName,
		UniqueID:        wName + "_" + deviceID + "_BME280",
		Temperature:     m.Temperature,
		TemperatureUnit: "°C",
		Humidity:        m.Humidity,
		Pressure:        m.Pressure,
	}
	return v
}

// roundValue rounds half to even.
func roundValue(v *float64) *int {
	if v == nil {
		return nil
	}
	r := int(math.RoundToEven(*v))
	return &r
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
