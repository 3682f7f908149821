package rest

import (
	"fmt"
	"time"

	"tempest-go-station/internal/model"
)

// Wire payload shapes for the REST API. Unlike the UDP broadcast protocol,
// most REST bodies are self-describing objects; only device history uses
// positional arrays. Normalization to SI happens here, at decode time.

type stationsPayload struct {
	Stations []stationPayload `json:"stations"`
}

type stationPayload struct {
	StationID int     `json:"station_id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
	Devices   []struct {
		DeviceID     int    `json:"device_id"`
		SerialNumber string `json:"serial_number"`
		DeviceType   string `json:"device_type"`
	} `json:"devices"`
}

func (p stationPayload) toModel() model.Station {
	s := model.Station{
		StationID: p.StationID,
		Name:      p.Name,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Timezone:  p.Timezone,
	}
	for _, d := range p.Devices {
		s.Devices = append(s.Devices, model.Device{
			DeviceID:     d.DeviceID,
			SerialNumber: d.SerialNumber,
			DeviceType:   deviceTypeFromCode(d.DeviceType, d.SerialNumber),
		})
	}
	return s
}

func deviceTypeFromCode(code, serial string) model.DeviceType {
	switch code {
	case "ST":
		return model.DeviceTempest
	case "AR":
		return model.DeviceAir
	case "SK":
		return model.DeviceSky
	case "HB":
		return model.DeviceHub
	default:
		return model.DeviceTypeFromSerial(serial)
	}
}

type stationObsPayload struct {
	Obs []stationObs `json:"obs"`
}

// stationObs is the backend's merged station observation. Pointer fields:
// the backend omits sensors the station lacks.
type stationObs struct {
	Timestamp           int64    `json:"timestamp"`
	AirTemperature      *float64 `json:"air_temperature"`       // °C
	RelativeHumidity    *float64 `json:"relative_humidity"`     // %
	StationPressure     *float64 `json:"station_pressure"`      // hPa
	SeaLevelPressure    *float64 `json:"sea_level_pressure"`    // hPa
	WindAvg             *float64 `json:"wind_avg"`              // m/s
	WindGust            *float64 `json:"wind_gust"`             // m/s
	WindLull            *float64 `json:"wind_lull"`             // m/s
	WindDirection       *float64 `json:"wind_direction"`        // °
	UV                  *float64 `json:"uv"`
	Brightness          *float64 `json:"brightness"` // lux
	SolarRadiation      *float64 `json:"solar_radiation"`
	Precip              *float64 `json:"precip"`                 // mm/h
	PrecipAccumLocalDay *float64 `json:"precip_accum_local_day"` // mm
	FeelsLike           *float64 `json:"feels_like"`             // °C
	HeatIndex           *float64 `json:"heat_index"`             // °C
	WindChill           *float64 `json:"wind_chill"`             // °C
	DewPoint            *float64 `json:"dew_point"`              // °C
	StrikeLastDist      *float64 `json:"lightning_strike_last_distance"` // km
	StrikeCount3h       *float64 `json:"lightning_strike_count_last_3hr"`
	DeviceID            int      `json:"device_id"`
}

func (p stationObs) toModel() model.Observation {
	return model.Observation{
		Timestamp:         time.Unix(p.Timestamp, 0).UTC(),
		DeviceID:          p.DeviceID,
		Source:            model.SourceREST,
		Temperature:       model.CelsiusToKelvin(p.AirTemperature),
		Humidity:          model.PctToRatio(p.RelativeHumidity),
		StationPressure:   model.HPaToPa(p.StationPressure),
		SeaLevelPressure:  model.HPaToPa(p.SeaLevelPressure),
		WindAvg:           p.WindAvg,
		WindGust:          p.WindGust,
		WindLull:          p.WindLull,
		WindDirection:     p.WindDirection,
		UV:                p.UV,
		Illuminance:       p.Brightness,
		SolarRadiation:    p.SolarRadiation,
		RainRate:          model.MmPerHourToMPerHour(p.Precip),
		RainAccumulated:   model.MmToM(p.PrecipAccumLocalDay),
		FeelsLike:         model.CelsiusToKelvin(p.FeelsLike),
		HeatIndex:         model.CelsiusToKelvin(p.HeatIndex),
		WindChill:         model.CelsiusToKelvin(p.WindChill),
		DewPoint:          model.CelsiusToKelvin(p.DewPoint),
		LightningDistance: model.KmToM(p.StrikeLastDist),
		LightningCount:    strikeCount(p.StrikeCount3h),
	}
}

func strikeCount(v *float64) *int {
	if v == nil {
		return nil
	}
	return model.Int(int(*v))
}

type forecastPayload struct {
	Forecast struct {
		Hourly []struct {
			Time              int64    `json:"time"`
			Conditions        string   `json:"conditions"`
			Icon              string   `json:"icon"`
			AirTemperature    float64  `json:"air_temperature"` // °C
			FeelsLike         float64  `json:"feels_like"`      // °C
			RelativeHumidity  float64  `json:"relative_humidity"`
			WindAvg           float64  `json:"wind_avg"`
			WindDirection     float64  `json:"wind_direction"`
			PrecipProbability float64  `json:"precip_probability"` // %
		} `json:"hourly"`
		Daily []struct {
			DayStartLocal     int64   `json:"day_start_local"`
			Conditions        string  `json:"conditions"`
			Icon              string  `json:"icon"`
			AirTempHigh       float64 `json:"air_temp_high"` // °C
			AirTempLow        float64 `json:"air_temp_low"`  // °C
			PrecipProbability float64 `json:"precip_probability"`
			Sunrise           int64   `json:"sunrise"`
			Sunset            int64   `json:"sunset"`
		} `json:"daily"`
	} `json:"forecast"`
}

func (p forecastPayload) toModel(fetchedAt time.Time) model.ForecastResponse {
	f := model.ForecastResponse{FetchedAt: fetchedAt}
	for _, h := range p.Forecast.Hourly {
		f.HourlyForecasts = append(f.HourlyForecasts, model.HourlyForecast{
			Time:              time.Unix(h.Time, 0).UTC(),
			Conditions:        h.Conditions,
			Icon:              h.Icon,
			Temperature:       h.AirTemperature + 273.15,
			FeelsLike:         h.FeelsLike + 273.15,
			Humidity:          h.RelativeHumidity / 100,
			WindAvg:           h.WindAvg,
			WindDirection:     h.WindDirection,
			PrecipProbability: h.PrecipProbability / 100,
		})
	}
	for _, d := range p.Forecast.Daily {
		f.DailyForecasts = append(f.DailyForecasts, model.DailyForecast{
			Day:               time.Unix(d.DayStartLocal, 0).UTC(),
			Conditions:        d.Conditions,
			Icon:              d.Icon,
			TempHigh:          d.AirTempHigh + 273.15,
			TempLow:           d.AirTempLow + 273.15,
			PrecipProbability: d.PrecipProbability / 100,
			Sunrise:           time.Unix(d.Sunrise, 0).UTC(),
			Sunset:            time.Unix(d.Sunset, 0).UTC(),
		})
	}
	f.Clamp()
	return f
}

type deviceObsPayload struct {
	Obs [][]*float64 `json:"obs"`
}

// deviceObsLen is the minimum length of a device-history element, which
// follows the Tempest obs_st positional layout.
const deviceObsLen = 18

// decodeDeviceObs decodes one positional device-history element.
func decodeDeviceObs(a []*float64, deviceID int) (model.Observation, error) {
	if len(a) < deviceObsLen {
		return model.Observation{}, fmt.Errorf("device obs: want %d fields, got %d", deviceObsLen, len(a))
	}
	if a[0] == nil {
		return model.Observation{}, fmt.Errorf("device obs: null timestamp")
	}
	o := model.Observation{
		Timestamp:         time.Unix(int64(*a[0]), 0).UTC(),
		DeviceID:          deviceID,
		Source:            model.SourceREST,
		WindLull:          a[1],
		WindAvg:           a[2],
		WindGust:          a[3],
		WindDirection:     a[4],
		StationPressure:   model.HPaToPa(a[6]),
		Temperature:       model.CelsiusToKelvin(a[7]),
		Humidity:          model.PctToRatio(a[8]),
		Illuminance:       a[9],
		UV:                a[10],
		SolarRadiation:    a[11],
		RainAccumulated:   model.MmToM(a[12]),
		LightningDistance: model.KmToM(a[14]),
		BatteryVolts:      a[16],
	}
	if a[13] != nil {
		o.PrecipType = model.Int(int(*a[13]))
	}
	if a[15] != nil {
		o.LightningCount = model.Int(int(*a[15]))
	}
	if a[17] != nil {
		o.ReportInterval = model.Int(int(*a[17]))
	}
	return o, nil
}
