package engine

import (
	"testing"
	"time"

	"tempest-go-station/internal/model"
)

func obsAt(ts int64, temp float64) model.Observation {
	return model.Observation{
		Timestamp:   time.Unix(ts, 0).UTC(),
		Source:      model.SourceUDP,
		Temperature: model.Float(temp),
	}
}

func TestDeviceStoreLastWriteWins(t *testing.T) {
	s := NewDeviceStore()

	older := obsAt(1700000060, 293.15)
	newer := obsAt(1700000000, 295.65) // earlier timestamp, later arrival

	s.Update("AR-00001234", older)
	s.Update("AR-00001234", newer)

	got, ok := s.Get("AR-00001234")
	if !ok {
		t.Fatal("device missing after update")
	}
	// Arrival order decides, not timestamps.
	if *got.Temperature != 295.65 {
		t.Errorf("Temperature = %v, want 295.65 (last write wins)", *got.Temperature)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestDeviceStoreInsertionOrder(t *testing.T) {
	s := NewDeviceStore()
	s.Update("ST-00004567", obsAt(1, 290))
	s.Update("AR-00001234", obsAt(2, 291))
	s.Update("ST-00004567", obsAt(3, 292)) // re-update, order unchanged

	want := []string{"ST-00004567", "AR-00001234"}
	got := s.Serials()
	if len(got) != len(want) {
		t.Fatalf("Serials = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Serials[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDeviceStoreCurrentSlot(t *testing.T) {
	s := NewDeviceStore()
	if _, ok := s.Current(); ok {
		t.Error("empty store reported a current observation")
	}

	s.Update("ST-00004567", obsAt(1, 290))
	// Empty serial updates only the current slot.
	s.Update("", obsAt(2, 299))

	cur, ok := s.Current()
	if !ok || *cur.Temperature != 299 {
		t.Errorf("Current = (%+v, %v), want temp 299", cur, ok)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1 (anonymous update must not add a device)", s.Len())
	}
}

func TestDeviceStoreClear(t *testing.T) {
	s := NewDeviceStore()
	s.Update("ST-00004567", obsAt(1, 290))
	s.Clear()
	if s.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", s.Len())
	}
	if _, ok := s.Current(); ok {
		t.Error("Current survived Clear")
	}
	if _, ok := s.Get("ST-00004567"); ok {
		t.Error("device survived Clear")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewDeviceStore()
	s.Update("ST-00004567", obsAt(1, 290))
	snap := s.Snapshot()

	s.Update("ST-00004567", obsAt(2, 300))
	s.Update("AR-00001234", obsAt(3, 301))

	if len(snap.Order) != 1 {
		t.Errorf("snapshot order grew to %d after store update", len(snap.Order))
	}
	if *snap.BySerial["ST-00004567"].Temperature != 290 {
		t.Error("snapshot observation changed after store update")
	}
}

func TestStrikeRingBounded(t *testing.T) {
	var r strikeRing
	for i := 0; i < 60; i++ {
		r.Add(model.LightningStrike{
			Timestamp: time.Unix(int64(1700000000+i), 0).UTC(),
			Distance:  float64(i),
		})
	}

	got := r.List()
	if len(got) != StrikeCapacity {
		t.Fatalf("ring holds %d strikes, want %d", len(got), StrikeCapacity)
	}
	// Newest first: last added had Distance 59.
	if got[0].Distance != 59 {
		t.Errorf("newest strike distance = %v, want 59", got[0].Distance)
	}
	if got[len(got)-1].Distance != 10 {
		t.Errorf("oldest retained distance = %v, want 10 (first ten dropped)", got[len(got)-1].Distance)
	}

	r.Clear()
	if len(r.List()) != 0 {
		t.Error("ring not empty after Clear")
	}
}
