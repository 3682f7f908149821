package engine

import (
	"reflect"
	"testing"
	"time"

	"tempest-go-station/internal/model"
)

// twoDeviceSnapshot builds an Air+Sky style snapshot: the Air unit carries
// temperature and pressure, the Sky unit carries wind and light, and both
// carry humidity (different values, so source choice is observable).
func twoDeviceSnapshot() Snapshot {
	s := NewDeviceStore()
	s.Update("AR-00001234", model.Observation{
		Timestamp:       time.Unix(1700000000, 0).UTC(),
		DeviceID:        1234,
		Source:          model.SourceUDP,
		Temperature:     model.Float(295.65),
		Humidity:        model.Float(0.55),
		StationPressure: model.Float(101320),
		BatteryVolts:    model.Float(2.6),
	})
	s.Update("SK-00009876", model.Observation{
		Timestamp:     time.Unix(1700000060, 0).UTC(),
		DeviceID:      9876,
		Source:        model.SourceUDP,
		Humidity:      model.Float(0.60),
		WindAvg:       model.Float(1.2),
		WindDirection: model.Float(180),
		Illuminance:   model.Float(9000),
	})
	return s.Snapshot()
}

func TestResolveAutoTakesFirstNonNil(t *testing.T) {
	out := Resolve(twoDeviceSnapshot(), model.FieldSources{})

	if out.Temperature == nil || *out.Temperature != 295.65 {
		t.Errorf("Temperature = %v, want 295.65 from the Air unit", out.Temperature)
	}
	// Both devices report humidity; insertion order says Air wins.
	if out.Humidity == nil || *out.Humidity != 0.55 {
		t.Errorf("Humidity = %v, want 0.55 (first device in order)", out.Humidity)
	}
	// Wind only exists on the Sky unit.
	if out.WindAvg == nil || *out.WindAvg != 1.2 {
		t.Errorf("WindAvg = %v, want 1.2 from the Sky unit", out.WindAvg)
	}
	// Metadata comes wholesale from the first device.
	if out.DeviceID != 1234 {
		t.Errorf("DeviceID = %d, want 1234 (metadata source)", out.DeviceID)
	}
	if out.BatteryVolts == nil || *out.BatteryVolts != 2.6 {
		t.Errorf("BatteryVolts = %v, want 2.6", out.BatteryVolts)
	}
}

func TestResolvePinnedWins(t *testing.T) {
	out := Resolve(twoDeviceSnapshot(), model.FieldSources{
		Humidity: model.Pinned("SK-00009876"),
	})
	if out.Humidity == nil || *out.Humidity != 0.60 {
		t.Errorf("Humidity = %v, want 0.60 from the pinned Sky unit", out.Humidity)
	}
}

func TestResolvePinnedMissingFallsBackToAuto(t *testing.T) {
	tests := []struct {
		name string
		pin  model.FieldSource
	}{
		{"pinned device unknown", model.Pinned("ST-99999999")},
		{"pinned device has nil field", model.Pinned("SK-00009876")}, // Sky has no temperature
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Resolve(twoDeviceSnapshot(), model.FieldSources{Temperature: tt.pin})
			if out.Temperature == nil || *out.Temperature != 295.65 {
				t.Errorf("Temperature = %v, want auto fallback 295.65", out.Temperature)
			}
		})
	}
}

func TestResolveCurrentSlotFallback(t *testing.T) {
	// No named devices at all, only an anonymous current observation
	// (e.g. a REST station summary before any UDP frame arrives).
	s := NewDeviceStore()
	s.Update("", model.Observation{
		Timestamp:   time.Unix(1700000000, 0).UTC(),
		DeviceID:    77,
		Source:      model.SourceREST,
		Temperature: model.Float(280.15),
	})

	out := Resolve(s.Snapshot(), model.FieldSources{})
	if out.Temperature == nil || *out.Temperature != 280.15 {
		t.Errorf("Temperature = %v, want 280.15 from the current slot", out.Temperature)
	}
	if out.DeviceID != 77 || out.Source != model.SourceREST {
		t.Errorf("metadata = (%d, %q), want (77, rest)", out.DeviceID, out.Source)
	}
}

func TestResolveEmptySnapshot(t *testing.T) {
	out := Resolve(Snapshot{}, model.FieldSources{})
	if !reflect.DeepEqual(out, model.Observation{}) {
		t.Errorf("empty snapshot resolved to %+v, want zero observation", out)
	}
}

func TestResolveDeterministic(t *testing.T) {
	snap := twoDeviceSnapshot()
	sources := model.FieldSources{Wind: model.Pinned("SK-00009876")}

	first := Resolve(snap, sources)
	for i := 0; i < 10; i++ {
		if got := Resolve(snap, sources); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differed:\n got %+v\nwant %+v", i, got, first)
		}
	}
}

func TestResolveDoesNotAliasSnapshot(t *testing.T) {
	snap := twoDeviceSnapshot()
	out := Resolve(snap, model.FieldSources{})

	*out.Temperature = 0
	if got := *snap.BySerial["AR-00001234"].Temperature; got != 295.65 {
		t.Errorf("mutating the result changed the snapshot: %v", got)
	}
}
