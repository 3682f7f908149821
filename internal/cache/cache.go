package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"tempest-go-station/internal/model"
)

// ErrNotFound is returned when a box has no entry for a key.
var ErrNotFound = errors.New("not found")

// Box names. Each category gets its own bucket and TTL.
const (
	BoxStations     = "stations"
	BoxObservations = "observations"
	BoxForecasts    = "forecasts"
	BoxSettings     = "settings"
)

var boxes = []string{BoxStations, BoxObservations, BoxForecasts, BoxSettings}

// TTLs are per-category advisory maximum ages. Expired entries are still
// returned (with Meta.Expired set) so a dead network degrades to stale
// data instead of no data.
type TTLs struct {
	Stations     time.Duration
	Observations time.Duration
	Forecasts    time.Duration
}

// DefaultTTLs returns the standard staleness bounds.
func DefaultTTLs() TTLs {
	return TTLs{
		Stations:     24 * time.Hour,
		Observations: 5 * time.Minute,
		Forecasts:    30 * time.Minute,
	}
}

// entry wraps a cached payload with its staleness metadata.
type entry struct {
	Source   model.Source    `json:"source"`
	CachedAt time.Time       `json:"cached_at"`
	MaxAge   time.Duration   `json:"max_age"`
	Payload  json.RawMessage `json:"payload"`
}

// Meta describes a cache hit.
type Meta struct {
	Source   model.Source
	CachedAt time.Time
	MaxAge   time.Duration
	Expired  bool
}

// Cache persists stations, latest device observations, and forecasts in a
// BoltDB file, one bucket per box.
type Cache struct {
	db   *bolt.DB
	ttls TTLs
	now  func() time.Time
}

// Open opens or creates the cache database.
func Open(path string, ttls TTLs) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range boxes {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create boxes: %w", err)
	}

	return &Cache{db: db, ttls: ttls, now: time.Now}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) maxAge(box string) time.Duration {
	switch box {
	case BoxStations:
		return c.ttls.Stations
	case BoxObservations:
		return c.ttls.Observations
	case BoxForecasts:
		return c.ttls.Forecasts
	default:
		return 0 // settings never expire
	}
}

// Put stores v under (box, key), stamping it with the box's TTL.
func (c *Cache) Put(box, key string, source model.Source, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", box, key, err)
	}
	e := entry{Source: source, CachedAt: c.now().UTC(), MaxAge: c.maxAge(box), Payload: payload}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(box))
		if b == nil {
			return fmt.Errorf("box %q not found", box)
		}
		return b.Put([]byte(key), data)
	})
}

// Get loads (box, key) into out and reports its staleness. Expiry is
// advisory: the value is returned either way. Returns ErrNotFound when the
// key is absent.
func (c *Cache) Get(box, key string, out any) (Meta, error) {
	var e entry
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(box))
		if b == nil {
			return fmt.Errorf("box %q not found", box)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", box, key, ErrNotFound)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return Meta{}, err
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return Meta{}, fmt.Errorf("unmarshal %s/%s: %w", box, key, err)
	}
	meta := Meta{Source: e.Source, CachedAt: e.CachedAt, MaxAge: e.MaxAge}
	meta.Expired = e.MaxAge > 0 && c.now().Sub(e.CachedAt) > e.MaxAge
	return meta, nil
}

// Delete removes one key from a box.
func (c *Cache) Delete(box, key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(box))
		if b == nil {
			return fmt.Errorf("box %q not found", box)
		}
		return b.Delete([]byte(key))
	})
}

// ClearBox empties one box.
func (c *Cache) ClearBox(box string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(box)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(box))
		return err
	})
}

// Clear empties every box. Used on logout.
func (c *Cache) Clear() error {
	for _, b := range boxes {
		if err := c.ClearBox(b); err != nil {
			return err
		}
	}
	return nil
}

// ClearStationScoped empties observations and forecasts but preserves the
// stations list and settings. Used on station switch.
func (c *Cache) ClearStationScoped() error {
	for _, b := range []string{BoxObservations, BoxForecasts} {
		if err := c.ClearBox(b); err != nil {
			return err
		}
	}
	return nil
}

// Typed convenience accessors: observations keyed by device ID, forecasts
// by station ID, the station list under a single well-known key.

func (c *Cache) PutStations(stations []model.Station) error {
	return c.Put(BoxStations, "all", model.SourceREST, stations)
}

func (c *Cache) GetStations() ([]model.Station, Meta, error) {
	var stations []model.Station
	meta, err := c.Get(BoxStations, "all", &stations)
	return stations, meta, err
}

func (c *Cache) PutObservation(deviceID int, o model.Observation) error {
	return c.Put(BoxObservations, strconv.Itoa(deviceID), o.Source, o)
}

func (c *Cache) GetObservation(deviceID int) (model.Observation, Meta, error) {
	var o model.Observation
	meta, err := c.Get(BoxObservations, strconv.Itoa(deviceID), &o)
	return o, meta, err
}

func (c *Cache) PutForecast(stationID int, f model.ForecastResponse) error {
	return c.Put(BoxForecasts, strconv.Itoa(stationID), model.SourceREST, f)
}

func (c *Cache) GetForecast(stationID int) (model.ForecastResponse, Meta, error) {
	var f model.ForecastResponse
	meta, err := c.Get(BoxForecasts, strconv.Itoa(stationID), &f)
	return f, meta, err
}

// Settings have no transport source and never expire.

func (c *Cache) PutSetting(key string, v any) error {
	return c.Put(BoxSettings, key, "", v)
}

func (c *Cache) GetSetting(key string, out any) error {
	_, err := c.Get(BoxSettings, key, out)
	return err
}
