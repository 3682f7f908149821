package engine

import (
	"tempest-go-station/internal/model"
)

// DeviceStore holds the most recent Observation per physical device,
// keyed by serial number, in insertion order. Last write wins regardless
// of transport; the store never merges readings. A parallel single-slot
// "current" value tracks the most recently received observation overall.
//
// The store is not internally synchronized: the engine serializes all
// writes behind its own mutex (single-writer rule).
type DeviceStore struct {
	order    []string
	bySerial map[string]model.Observation
	current  *model.Observation
}

// NewDeviceStore creates an empty store.
func NewDeviceStore() *DeviceStore {
	return &DeviceStore{bySerial: make(map[string]model.Observation)}
}

// Update records o as the latest observation for serial and as the
// overall current observation. An empty serial updates only the current
// slot (sources that cannot name a device still refresh "now").
func (s *DeviceStore) Update(serial string, o model.Observation) {
	if serial != "" {
		if _, seen := s.bySerial[serial]; !seen {
			s.order = append(s.order, serial)
		}
		s.bySerial[serial] = o
	}
	s.current = &o
}

// Get returns the latest observation for serial.
func (s *DeviceStore) Get(serial string) (model.Observation, bool) {
	o, ok := s.bySerial[serial]
	return o, ok
}

// Current returns the most recently received observation overall.
func (s *DeviceStore) Current() (model.Observation, bool) {
	if s.current == nil {
		return model.Observation{}, false
	}
	return *s.current, true
}

// Serials returns the serial numbers in insertion order.
func (s *DeviceStore) Serials() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// All returns a copy of the per-device observations.
func (s *DeviceStore) All() map[string]model.Observation {
	out := make(map[string]model.Observation, len(s.bySerial))
	for k, v := range s.bySerial {
		out[k] = v
	}
	return out
}

// Len returns the number of devices with an observation.
func (s *DeviceStore) Len() int { return len(s.order) }

// Clear drops everything, including the current slot.
func (s *DeviceStore) Clear() {
	s.order = nil
	s.bySerial = make(map[string]model.Observation)
	s.current = nil
}

// Snapshot captures the store for the merge resolver. Resolve is a pure
// function of a snapshot, so resolving never observes a half-applied
// update.
type Snapshot struct {
	Order    []string
	BySerial map[string]model.Observation
	Current  *model.Observation
}

// Snapshot copies the store state.
func (s *DeviceStore) Snapshot() Snapshot {
	snap := Snapshot{
		Order:    s.Serials(),
		BySerial: s.All(),
	}
	if s.current != nil {
		cur := *s.current
		snap.Current = &cur
	}
	return snap
}

// StrikeCapacity bounds the lightning history ring.
const StrikeCapacity = 50

// strikeRing retains the most recent strikes, newest first. Oldest entries
// are dropped, never the newest.
type strikeRing struct {
	strikes []model.LightningStrike
}

func (r *strikeRing) Add(s model.LightningStrike) {
	r.strikes = append([]model.LightningStrike{s}, r.strikes...)
	if len(r.strikes) > StrikeCapacity {
		r.strikes = r.strikes[:StrikeCapacity]
	}
}

func (r *strikeRing) List() []model.LightningStrike {
	out := make([]model.LightningStrike, len(r.strikes))
	copy(out, r.strikes)
	return out
}

func (r *strikeRing) Clear() { r.strikes = nil }
