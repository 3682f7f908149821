package model

import (
	"strings"
	"time"
)

// Source identifies the transport an Observation arrived through.
type Source string

const (
	SourceUDP       Source = "udp"
	SourceWebSocket Source = "websocket"
	SourceREST      Source = "rest"
)

// ConnectionType is the best currently active transport for a station.
// The numeric ordering encodes fallback priority: websocket beats udp,
// udp beats rest, rest beats none.
type ConnectionType int

const (
	ConnectionNone ConnectionType = iota
	ConnectionRest
	ConnectionUDP
	ConnectionWebSocket
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionWebSocket:
		return "websocket"
	case ConnectionUDP:
		return "udp"
	case ConnectionRest:
		return "rest"
	default:
		return "none"
	}
}

// DeviceType classifies a physical sensor unit.
type DeviceType string

const (
	DeviceTempest DeviceType = "Tempest"
	DeviceAir     DeviceType = "Air"
	DeviceSky     DeviceType = "Sky"
	DeviceHub     DeviceType = "Hub"
)

// DeviceTypeFromSerial infers the device type from the serial prefix
// ("ST-" Tempest, "AR-" Air, "SK-" Sky, "HB-" Hub).
func DeviceTypeFromSerial(serial string) DeviceType {
	switch {
	case strings.HasPrefix(serial, "ST-"):
		return DeviceTempest
	case strings.HasPrefix(serial, "AR-"):
		return DeviceAir
	case strings.HasPrefix(serial, "SK-"):
		return DeviceSky
	default:
		return DeviceHub
	}
}

// Device is a single physical sensor unit attached to a station.
type Device struct {
	DeviceID     int        `json:"device_id"`
	SerialNumber string     `json:"serial_number"`
	DeviceType   DeviceType `json:"device_type"`
}

// Station is an immutable snapshot of a weather-station installation,
// refreshed wholesale from the REST API.
type Station struct {
	StationID int      `json:"station_id"`
	Name      string   `json:"name,omitempty"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Timezone  string   `json:"timezone,omitempty"`
	Devices   []Device `json:"devices,omitempty"`
}

// SensorDevices returns the station's sensor units (Tempest or Air+Sky).
// Hubs relay frames but carry no sensors, so they are excluded.
func (s *Station) SensorDevices() []Device {
	out := make([]Device, 0, len(s.Devices))
	for _, d := range s.Devices {
		if d.DeviceType != DeviceHub {
			out = append(out, d)
		}
	}
	return out
}

// TempestDevice returns the station's Tempest unit, if it has one.
func (s *Station) TempestDevice() (Device, bool) {
	for _, d := range s.Devices {
		if d.DeviceType == DeviceTempest {
			return d, true
		}
	}
	return Device{}, false
}

// Observation is one point-in-time multi-field sensor reading. Every
// measurement field is nullable; nil means the source did not report it.
//
// Units are SI regardless of transport: Kelvin, Pascals, m/s, meters,
// ratios in [0,1]. Decoders normalize at decode time so consumers and the
// merge resolver never convert.
type Observation struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  int       `json:"device_id"`
	Source    Source    `json:"source"`

	Temperature      *float64 `json:"temperature,omitempty"`       // K
	Humidity         *float64 `json:"humidity,omitempty"`          // 0..1
	StationPressure  *float64 `json:"station_pressure,omitempty"`  // Pa
	SeaLevelPressure *float64 `json:"sea_level_pressure,omitempty"` // Pa

	WindAvg       *float64 `json:"wind_avg,omitempty"`       // m/s
	WindGust      *float64 `json:"wind_gust,omitempty"`      // m/s
	WindLull      *float64 `json:"wind_lull,omitempty"`      // m/s
	WindDirection *float64 `json:"wind_direction,omitempty"` // degrees

	Illuminance    *float64 `json:"illuminance,omitempty"`     // lux
	UV             *float64 `json:"uv,omitempty"`              // index
	SolarRadiation *float64 `json:"solar_radiation,omitempty"` // W/m^2

	RainAccumulated *float64 `json:"rain_accumulated,omitempty"` // m
	RainRate        *float64 `json:"rain_rate,omitempty"`        // m/h
	PrecipType      *int     `json:"precip_type,omitempty"`

	LightningDistance *float64 `json:"lightning_distance,omitempty"` // m
	LightningCount    *int     `json:"lightning_count,omitempty"`

	BatteryVolts   *float64 `json:"battery_volts,omitempty"`
	ReportInterval *int     `json:"report_interval,omitempty"` // minutes

	FeelsLike *float64 `json:"feels_like,omitempty"` // K
	DewPoint  *float64 `json:"dew_point,omitempty"`  // K
	HeatIndex *float64 `json:"heat_index,omitempty"` // K
	WindChill *float64 `json:"wind_chill,omitempty"` // K
}

// WithRapidWind returns a copy with only the wind speed and direction
// replaced. Everything else, including timestamp and source, is preserved
// from the receiver: rapid-wind frames carry no other sensor data, and
// overwriting the full observation would blank temperature, humidity and
// the rest until the next full frame.
func (o Observation) WithRapidWind(rw RapidWind) Observation {
	o.WindAvg = Float(rw.Speed)
	o.WindDirection = Float(rw.Direction)
	return o
}

// RapidWind is a high-frequency wind-only partial update, distinct from a
// full Observation.
type RapidWind struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  int       `json:"device_id"`
	Source    Source    `json:"source"`
	Speed     float64   `json:"speed"`     // m/s
	Direction float64   `json:"direction"` // degrees
}

// LightningStrike is a single detected strike.
type LightningStrike struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  int       `json:"device_id"`
	Distance  float64   `json:"distance"` // m
	Energy    float64   `json:"energy"`
}

// RainStartEvent marks the onset of precipitation.
type RainStartEvent struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  int       `json:"device_id"`
}

// HourlyForecast is one forecast hour.
type HourlyForecast struct {
	Time              time.Time `json:"time"`
	Conditions        string    `json:"conditions,omitempty"`
	Icon              string    `json:"icon,omitempty"`
	Temperature       float64   `json:"temperature"` // K
	FeelsLike         float64   `json:"feels_like"`  // K
	Humidity          float64   `json:"humidity"`    // 0..1
	WindAvg           float64   `json:"wind_avg"`    // m/s
	WindDirection     float64   `json:"wind_direction"`
	PrecipProbability float64   `json:"precip_probability"` // 0..1
}

// DailyForecast is one forecast day.
type DailyForecast struct {
	Day               time.Time `json:"day"`
	Conditions        string    `json:"conditions,omitempty"`
	Icon              string    `json:"icon,omitempty"`
	TempHigh          float64   `json:"temp_high"` // K
	TempLow           float64   `json:"temp_low"`  // K
	PrecipProbability float64   `json:"precip_probability"`
	Sunrise           time.Time `json:"sunrise,omitempty"`
	Sunset            time.Time `json:"sunset,omitempty"`
}

// MaxHourlyForecasts and MaxDailyForecasts bound a ForecastResponse.
const (
	MaxHourlyForecasts = 72
	MaxDailyForecasts  = 10
)

// ForecastResponse is an immutable forecast snapshot, replaced wholesale
// on each successful fetch.
type ForecastResponse struct {
	HourlyForecasts []HourlyForecast `json:"hourly_forecasts"`
	DailyForecasts  []DailyForecast  `json:"daily_forecasts"`
	FetchedAt       time.Time        `json:"fetched_at"`
}

// Clamp truncates the forecast lists to their documented bounds.
func (f *ForecastResponse) Clamp() {
	if len(f.HourlyForecasts) > MaxHourlyForecasts {
		f.HourlyForecasts = f.HourlyForecasts[:MaxHourlyForecasts]
	}
	if len(f.DailyForecasts) > MaxDailyForecasts {
		f.DailyForecasts = f.DailyForecasts[:MaxDailyForecasts]
	}
}

// Float returns a pointer to v. Decoders use it to populate nullable
// observation fields.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
