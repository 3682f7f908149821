package ws

import (
	"encoding/json"
	"time"

	"tempest-go-station/internal/model"
)

// Push frames reuse the broadcast protocol's positional arrays but carry
// an explicit device_id, so no serial resolution is needed here. Only the
// frame types the subscription can produce are handled; acks, summaries
// and anything unrecognized are dropped silently.
type frame struct {
	Type     string       `json:"type"`
	DeviceID int          `json:"device_id"`
	Obs      [][]*float64 `json:"obs"`
	Ob       []*float64   `json:"ob"`
	Evt      []*float64   `json:"evt"`
}

func (a *Adapter) handle(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		a.logger.Warn("dropping malformed frame", "err", err)
		return
	}

	switch f.Type {
	case "obs_st":
		for i, arr := range f.Obs {
			o, ok := decodeObsST(arr, f.DeviceID)
			if !ok {
				a.logger.Warn("dropping malformed obs_st element", "index", i)
				continue
			}
			if a.callbacks.OnObservation != nil {
				a.callbacks.OnObservation(o)
			}
		}
	case "rapid_wind":
		if len(f.Ob) < 3 || f.Ob[0] == nil || f.Ob[1] == nil || f.Ob[2] == nil {
			a.logger.Warn("dropping malformed rapid_wind frame")
			return
		}
		if a.callbacks.OnRapidWind != nil {
			a.callbacks.OnRapidWind(model.RapidWind{
				Timestamp: time.Unix(int64(*f.Ob[0]), 0).UTC(),
				DeviceID:  f.DeviceID,
				Source:    model.SourceWebSocket,
				Speed:     *f.Ob[1],
				Direction: *f.Ob[2],
			})
		}
	case "evt_strike":
		if len(f.Evt) < 3 || f.Evt[0] == nil {
			a.logger.Warn("dropping malformed evt_strike frame")
			return
		}
		st := model.LightningStrike{
			Timestamp: time.Unix(int64(*f.Evt[0]), 0).UTC(),
			DeviceID:  f.DeviceID,
		}
		if f.Evt[1] != nil {
			st.Distance = *f.Evt[1] * 1000 // km -> m
		}
		if f.Evt[2] != nil {
			st.Energy = *f.Evt[2]
		}
		if a.callbacks.OnLightning != nil {
			a.callbacks.OnLightning(st)
		}
	case "evt_precip":
		if len(f.Evt) < 1 || f.Evt[0] == nil {
			a.logger.Warn("dropping malformed evt_precip frame")
			return
		}
		if a.callbacks.OnRainStart != nil {
			a.callbacks.OnRainStart(model.RainStartEvent{
				Timestamp: time.Unix(int64(*f.Evt[0]), 0).UTC(),
				DeviceID:  f.DeviceID,
			})
		}
	}
}

// decodeObsST decodes one obs_st element with Source set to websocket.
// Same positional layout as the broadcast protocol.
func decodeObsST(a []*float64, deviceID int) (model.Observation, bool) {
	if len(a) < 18 || a[0] == nil {
		return model.Observation{}, false
	}
	o := model.Observation{
		Timestamp:         time.Unix(int64(*a[0]), 0).UTC(),
		DeviceID:          deviceID,
		Source:            model.SourceWebSocket,
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
	return o, true
}
