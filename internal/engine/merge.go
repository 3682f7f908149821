package engine

import (
	"tempest-go-station/internal/model"
)

// Resolve computes a single logical observation for the station from a
// store snapshot and a per-category field-source map. It is a pure
// function: same snapshot and sources, same result, no side effects.
//
// Per measurement field: a pinned device whose observation has the field
// non-nil wins; otherwise devices are scanned in store-insertion order and
// the first non-nil value is taken; failing that, the single-slot current
// observation supplies the value. Metadata fields (timestamp, device ID,
// source, precip type, battery, report interval) are not merged
// field-by-field — they come wholesale from the metadata source: the first
// device in the store, else the current observation.
func Resolve(snap Snapshot, sources model.FieldSources) model.Observation {
	var out model.Observation

	// Metadata source first, so an empty snapshot still yields a usable
	// (if empty) observation.
	if meta, ok := metadataSource(snap); ok {
		out.Timestamp = meta.Timestamp
		out.DeviceID = meta.DeviceID
		out.Source = meta.Source
		out.PrecipType = meta.PrecipType
		out.BatteryVolts = meta.BatteryVolts
		out.ReportInterval = meta.ReportInterval
	}

	// Temperature category covers the derived temperatures too.
	out.Temperature = resolveFloat(snap, sources.Temperature, func(o model.Observation) *float64 { return o.Temperature })
	out.FeelsLike = resolveFloat(snap, sources.Temperature, func(o model.Observation) *float64 { return o.FeelsLike })
	out.DewPoint = resolveFloat(snap, sources.Temperature, func(o model.Observation) *float64 { return o.DewPoint })
	out.HeatIndex = resolveFloat(snap, sources.Temperature, func(o model.Observation) *float64 { return o.HeatIndex })
	out.WindChill = resolveFloat(snap, sources.Temperature, func(o model.Observation) *float64 { return o.WindChill })

	out.Humidity = resolveFloat(snap, sources.Humidity, func(o model.Observation) *float64 { return o.Humidity })

	out.StationPressure = resolveFloat(snap, sources.Pressure, func(o model.Observation) *float64 { return o.StationPressure })
	out.SeaLevelPressure = resolveFloat(snap, sources.Pressure, func(o model.Observation) *float64 { return o.SeaLevelPressure })

	out.WindAvg = resolveFloat(snap, sources.Wind, func(o model.Observation) *float64 { return o.WindAvg })
	out.WindGust = resolveFloat(snap, sources.Wind, func(o model.Observation) *float64 { return o.WindGust })
	out.WindLull = resolveFloat(snap, sources.Wind, func(o model.Observation) *float64 { return o.WindLull })
	out.WindDirection = resolveFloat(snap, sources.Wind, func(o model.Observation) *float64 { return o.WindDirection })

	out.Illuminance = resolveFloat(snap, sources.Light, func(o model.Observation) *float64 { return o.Illuminance })
	out.UV = resolveFloat(snap, sources.Light, func(o model.Observation) *float64 { return o.UV })
	out.SolarRadiation = resolveFloat(snap, sources.Light, func(o model.Observation) *float64 { return o.SolarRadiation })

	out.RainAccumulated = resolveFloat(snap, sources.Rain, func(o model.Observation) *float64 { return o.RainAccumulated })
	out.RainRate = resolveFloat(snap, sources.Rain, func(o model.Observation) *float64 { return o.RainRate })

	out.LightningDistance = resolveFloat(snap, sources.Lightning, func(o model.Observation) *float64 { return o.LightningDistance })
	out.LightningCount = resolveInt(snap, sources.Lightning, func(o model.Observation) *int { return o.LightningCount })

	return out
}

// metadataSource picks the observation supplying unmerged metadata: first
// device in insertion order, else the single-slot current observation.
func metadataSource(snap Snapshot) (model.Observation, bool) {
	if len(snap.Order) > 0 {
		if o, ok := snap.BySerial[snap.Order[0]]; ok {
			return o, true
		}
	}
	if snap.Current != nil {
		return *snap.Current, true
	}
	return model.Observation{}, false
}

func resolveFloat(snap Snapshot, src model.FieldSource, get func(model.Observation) *float64) *float64 {
	if serial, pinned := src.Serial(); pinned {
		if o, ok := snap.BySerial[serial]; ok {
			if v := get(o); v != nil {
				return copyFloat(v)
			}
		}
		// Pinned but missing or null: fall through to auto scan.
	}
	for _, serial := range snap.Order {
		if v := get(snap.BySerial[serial]); v != nil {
			return copyFloat(v)
		}
	}
	if snap.Current != nil {
		if v := get(*snap.Current); v != nil {
			return copyFloat(v)
		}
	}
	return nil
}

func resolveInt(snap Snapshot, src model.FieldSource, get func(model.Observation) *int) *int {
	if serial, pinned := src.Serial(); pinned {
		if o, ok := snap.BySerial[serial]; ok {
			if v := get(o); v != nil {
				return copyInt(v)
			}
		}
	}
	for _, serial := range snap.Order {
		if v := get(snap.BySerial[serial]); v != nil {
			return copyInt(v)
		}
	}
	if snap.Current != nil {
		if v := get(*snap.Current); v != nil {
			return copyInt(v)
		}
	}
	return nil
}

func copyFloat(v *float64) *float64 { c := *v; return &c }

func copyInt(v *int) *int { c := *v; return &c }
